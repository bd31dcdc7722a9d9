package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/internal/chat"
	"github.com/neuroialab/neuroia/internal/entitlement"
	"github.com/neuroialab/neuroia/internal/runtime"
	"github.com/neuroialab/neuroia/internal/store"
)

// callerID is the authenticated user, or 401 when the route was reached
// without the auth middleware.
func callerID(c echo.Context) (string, error) {
	uid, ok := runtime.UserIDFromEcho(c)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return uid, nil
}

// errorResponse maps domain errors to a status and JSON body.
func errorResponse(err error) (int, interface{}) {
	var (
		he     *echo.HTTPError
		denied *chat.DeniedError
	)
	switch {
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, HTTPError{Error: msg}
	case errors.As(err, &denied):
		d := denied.Decision
		return http.StatusForbidden, DeniedResponse{
			Error:          "subscription required",
			AssistantID:    d.AssistantID,
			Reason:         string(d.Reason),
			ExpiresAt:      d.ExpiresAt,
			DaysExpired:    d.DaysExpired,
			ActionRequired: d.ActionRequired,
		}
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, HTTPError{Error: "message required"}
	case errors.Is(err, chat.ErrAssistantNotFound):
		return http.StatusNotFound, HTTPError{Error: "assistant not found"}
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, HTTPError{Error: "conversation not found"}
	case errors.Is(err, chat.ErrInstitutionNotFound):
		return http.StatusNotFound, HTTPError{Error: "institution not found"}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, HTTPError{Error: "not found"}
	case errors.Is(err, chat.ErrConversationBusy):
		return http.StatusConflict, HTTPError{Error: "conversation_busy"}
	case errors.Is(err, entitlement.ErrVerificationFailed):
		return http.StatusInternalServerError, HTTPError{Error: entitlement.ErrVerificationFailed.Error()}
	default:
		return http.StatusInternalServerError, HTTPError{Error: "internal error"}
	}
}

// httpErrorHandler renders every handler error as a JSON envelope. Server
// errors are logged with their cause; clients only see the mapped message.
func httpErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code, body := errorResponse(err)
		if code >= http.StatusInternalServerError {
			req := c.Request()
			logger.Error("request failed",
				zap.Int("status", code),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.String("remote_ip", c.RealIP()),
				zap.Error(err))
		}
		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}
