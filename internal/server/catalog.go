package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neuroialab/neuroia/internal/entitlement"
	"github.com/neuroialab/neuroia/internal/runtime"
	"github.com/neuroialab/neuroia/internal/store"
)

// CatalogHandler serves identity, catalog and entitlement reads.
type CatalogHandler struct {
	Store   *store.Store
	Checker *entitlement.Checker
	Policy  runtime.AuthorizationPolicy
}

// me
//
//	@Summary	Current user
//	@Tags		auth
//	@Security	BearerAuth
//	@Produce	json
//	@Success	200	{object}	MeResponse
//	@Failure	401	{object}	HTTPError
//	@Router		/api/me [get]
func (h *CatalogHandler) me(c echo.Context) error {
	id, ok := runtime.IdentityFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	isAdmin := h.Policy != nil && h.Policy.IsAdmin(id)
	return c.JSON(http.StatusOK, MeResponse{UserID: id.UserID, Email: id.Email, IsAdmin: isAdmin})
}

// assistants
//
//	@Summary	Active assistant catalog
//	@Tags		catalog
//	@Security	BearerAuth
//	@Produce	json
//	@Success	200	{array}	AssistantResponse
//	@Router		/api/assistants [get]
func (h *CatalogHandler) assistants(c echo.Context) error {
	items, err := h.Store.ListActiveAssistants(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]AssistantResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toAssistantResponse(a))
	}
	return c.JSON(http.StatusOK, out)
}

// subscription reports the caller's entitlement for one assistant. Denials
// are a normal answer here, so both outcomes return 200.
//
//	@Summary	Entitlement for an assistant
//	@Tags		catalog
//	@Security	BearerAuth
//	@Produce	json
//	@Param		assistant_id	path		string	true	"Assistant ID"
//	@Success	200				{object}	entitlement.Decision
//	@Failure	404				{object}	HTTPError
//	@Router		/api/subscriptions/{assistant_id} [get]
func (h *CatalogHandler) subscription(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	assistantID := c.Param("assistant_id")
	a, ok, err := h.Store.GetAssistant(ctx, assistantID)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "assistant not found")
	}
	d, err := h.Checker.Check(ctx, userID, a.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// institutionAssistants lists the assistants an institution offers. Only
// active members may see it.
func (h *CatalogHandler) institutionAssistants(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	inst, ok, err := h.Store.GetInstitutionBySlug(ctx, c.Param("slug"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "institution not found")
	}
	m, ok, err := h.Store.GetMembership(ctx, inst.ID, userID)
	if err != nil {
		return err
	}
	if !ok || !m.IsActive {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of this institution")
	}
	items, err := h.Store.ListInstitutionAssistants(ctx, inst.ID)
	if err != nil {
		return err
	}
	out := make([]AssistantResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toAssistantResponse(a))
	}
	return c.JSON(http.StatusOK, out)
}
