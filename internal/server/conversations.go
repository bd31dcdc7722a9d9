package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neuroialab/neuroia/internal/store"
)

type ConversationsHandler struct {
	Store *store.Store
}

// list
//
//	@Summary	Caller's conversations
//	@Tags		conversations
//	@Security	BearerAuth
//	@Produce	json
//	@Param		assistant_id	query	string	false	"Filter by assistant"
//	@Success	200				{array}	ConversationResponse
//	@Router		/api/conversations [get]
func (h *ConversationsHandler) list(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	items, err := h.Store.ListConversations(c.Request().Context(), userID, c.QueryParam("assistant_id"))
	if err != nil {
		return err
	}
	out := make([]ConversationResponse, 0, len(items))
	for _, conv := range items {
		out = append(out, toConversationResponse(conv))
	}
	return c.JSON(http.StatusOK, out)
}

// messages
//
//	@Summary	Messages of a conversation in creation order
//	@Tags		conversations
//	@Security	BearerAuth
//	@Produce	json
//	@Param		id	path	string	true	"Conversation ID"
//	@Success	200	{array}	MessageResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/conversations/{id}/messages [get]
func (h *ConversationsHandler) messages(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, ok, err := h.Store.GetConversation(ctx, c.Param("id"), userID)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	items, err := h.Store.ListMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	out := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		out = append(out, toMessageResponse(m))
	}
	return c.JSON(http.StatusOK, out)
}
