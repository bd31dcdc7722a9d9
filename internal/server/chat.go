package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/neuroialab/neuroia/internal/chat"
	"github.com/neuroialab/neuroia/internal/store"
)

// Sender runs chat turns.
type Sender interface {
	Send(ctx context.Context, req chat.Request) (*chat.Result, error)
}

type ChatHandler struct {
	Service Sender
}

// chat
//
//	@Summary		Send a message to an assistant
//	@Description	Orchestration failures still return 200 with a fallback message and error_code.
//	@Tags			chat
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ChatRequest	true	"Chat turn"
//	@Success		200		{object}	ChatResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		403		{object}	DeniedResponse
//	@Failure		404		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Router			/api/chat [post]
func (h *ChatHandler) chat(c echo.Context) error {
	return h.send(c, "")
}

// institutionChat is chat routed through the institution's entitlement.
//
//	@Router	/api/institutions/{slug}/chat [post]
func (h *ChatHandler) institutionChat(c echo.Context) error {
	return h.send(c, c.Param("slug"))
}

func (h *ChatHandler) send(c echo.Context, slug string) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.AssistantID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "assistant_id required")
	}
	attachments := make([]store.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, store.Attachment{FileID: strings.TrimSpace(a.FileID), Filename: a.Filename, Bytes: a.Bytes})
	}

	res, err := h.Service.Send(c.Request().Context(), chat.Request{
		UserID:          userID,
		AssistantID:     req.AssistantID,
		ConversationID:  req.ConversationID,
		InstitutionSlug: slug,
		Message:         req.Message,
		Attachments:     attachments,
	})
	if err != nil {
		return err
	}

	out := ChatResponse{
		ConversationID: res.Conversation.ID,
		ThreadID:       res.Conversation.ThreadID,
		MessageID:      res.Reply.ID,
		Message:        res.Reply.Content,
		Files:          toFileResponses(res.Files),
		ErrorCode:      res.ErrorCode,
	}
	if res.Decision.RenewalWarning {
		out.RenewalWarning = &RenewalWarning{DaysRemaining: res.Decision.DaysRemaining, ExpiresAt: res.Decision.ExpiresAt}
	}
	return c.JSON(http.StatusOK, out)
}
