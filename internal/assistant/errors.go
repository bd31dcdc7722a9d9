package assistant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Category classifies an orchestration failure.
type Category string

const (
	CategoryAuth             Category = "auth_error"
	CategoryRateLimit        Category = "rate_limit"
	CategoryTimeout          Category = "timeout"
	CategoryAssistantConfig  Category = "assistant_config_error"
	CategoryProviderFailed   Category = "provider_failed"
	CategoryExtractionFailed Category = "extraction_failed"
	CategoryUnknown          Category = "unknown"
)

// Stage names the step that failed.
type Stage string

const (
	StageThread  Stage = "thread"
	StageMessage Stage = "message"
	StageRun     Stage = "run"
	StagePoll    Stage = "poll"
	StageExtract Stage = "extract"
	StagePersist Stage = "persist"
)

// OrchestrationError is returned for every failed exchange.
type OrchestrationError struct {
	Category Category
	Stage    Stage
	// ProviderCode is the provider's own error code or terminal run status.
	ProviderCode string
	RunID        string
	Err          error
}

func (e *OrchestrationError) Error() string {
	msg := fmt.Sprintf("assistant %s failed (%s)", e.Stage, e.Category)
	if e.ProviderCode != "" {
		msg += ": " + e.ProviderCode
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// LogCategory is the value logged as error_category: the provider code
// when known, otherwise the category.
func (e *OrchestrationError) LogCategory() string {
	if e.ProviderCode != "" {
		return e.ProviderCode
	}
	return string(e.Category)
}

// CategoryOf extracts the category of err, or unknown.
func CategoryOf(err error) Category {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Category
	}
	return CategoryUnknown
}

// Classify maps a client error raised during stage to an OrchestrationError.
func Classify(stage Stage, err error) *OrchestrationError {
	if err == nil {
		return nil
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}
	out := &OrchestrationError{Category: CategoryUnknown, Stage: stage, Err: err}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		out.Category = CategoryTimeout
		return out
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		out.ProviderCode = apiErrorCode(apiErr)
		out.Category = classifyHTTP(stage, apiErr.HTTPStatusCode, out.ProviderCode, apiErr.Message, apiErr.Param)
		return out
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		out.Category = classifyHTTP(stage, reqErr.HTTPStatusCode, "", "", nil)
		return out
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		out.Category = CategoryTimeout
	}
	return out
}

func classifyHTTP(stage Stage, status int, code, message string, param *string) Category {
	switch code {
	case "invalid_api_key", "invalid_organization":
		return CategoryAuth
	case "rate_limit_exceeded", "insufficient_quota":
		return CategoryRateLimit
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status >= 500:
		return CategoryProviderFailed
	}
	if stage == StageRun && (status == http.StatusNotFound || status == http.StatusBadRequest) {
		if param != nil && *param == "assistant_id" {
			return CategoryAssistantConfig
		}
		if strings.Contains(strings.ToLower(message), "assistant") {
			return CategoryAssistantConfig
		}
	}
	return CategoryUnknown
}

func apiErrorCode(e *openai.APIError) string {
	switch c := e.Code.(type) {
	case string:
		return c
	case nil:
		return e.Type
	default:
		return fmt.Sprint(c)
	}
}

// runFailure converts a terminal, unsuccessful run into an error.
func runFailure(run openai.Run) *OrchestrationError {
	state := stateOf(run)
	out := &OrchestrationError{
		Category:     CategoryProviderFailed,
		Stage:        StagePoll,
		ProviderCode: string(state),
		RunID:        run.ID,
	}
	if run.LastError != nil {
		code := string(run.LastError.Code)
		if code != "" {
			out.ProviderCode = code
		}
		out.Err = errors.New(run.LastError.Message)
		switch code {
		case "rate_limit_exceeded":
			out.Category = CategoryRateLimit
		case "invalid_api_key":
			out.Category = CategoryAuth
		}
	}
	return out
}
