package assistant

import (
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/neuroialab/neuroia/config"
)

// Client is the slice of the Assistants API the orchestrator drives.
// *openai.Client satisfies it.
type Client interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
	GetFile(ctx context.Context, fileID string) (openai.File, error)
}

var _ Client = (*openai.Client)(nil)

// NewOpenAIClient builds an Assistants v2 client from config.
func NewOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		oc.OrgID = cfg.OrgID
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return openai.NewClientWithConfig(oc)
}
