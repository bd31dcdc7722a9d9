package server

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/neuroialab/neuroia/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// AdminHandler manages institutions. Routes are gated by RequireAdmin.
type AdminHandler struct {
	Store *store.Store
}

func (h *AdminHandler) listInstitutions(c echo.Context) error {
	items, err := h.Store.ListInstitutions(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]InstitutionResponse, 0, len(items))
	for _, i := range items {
		out = append(out, toInstitutionResponse(i))
	}
	return c.JSON(http.StatusOK, out)
}

// createInstitution
//
//	@Summary	Create institution
//	@Tags		admin
//	@Security	BearerAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateInstitutionRequest	true	"Institution"
//	@Success	201		{object}	IDResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/admin/institutions [post]
func (h *AdminHandler) createInstitution(c echo.Context) error {
	var req CreateInstitutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	req.Name = strings.TrimSpace(req.Name)
	if !slugPattern.MatchString(req.Slug) || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slug and name required")
	}
	id, err := h.Store.CreateInstitution(c.Request().Context(), req.Slug, req.Name)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return echo.NewHTTPError(http.StatusConflict, "slug already exists")
		}
		return err
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *AdminHandler) upsertMember(c echo.Context) error {
	var req MembershipRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Role {
	case store.RoleUser, store.RoleSubadmin, store.RoleAdmin:
	case "":
		req.Role = store.RoleUser
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "role must be user, subadmin or admin")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	err := h.Store.UpsertMembership(c.Request().Context(), store.Membership{
		InstitutionID: c.Param("id"),
		UserID:        c.Param("user_id"),
		Role:          req.Role,
		IsActive:      active,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) setSubscription(c echo.Context) error {
	var req InstitutionSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Status == "" {
		req.Status = store.StatusActive
	}
	if req.Status != store.StatusActive && req.Status != store.StatusExpired && req.Status != store.StatusCancelled {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}
	if req.ExpiresAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "expires_at required")
	}
	err := h.Store.UpsertInstitutionSubscription(c.Request().Context(), store.InstitutionSubscription{
		InstitutionID: c.Param("id"),
		Status:        req.Status,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
