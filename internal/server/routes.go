package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/config"
	"github.com/neuroialab/neuroia/internal/logging"
	"github.com/neuroialab/neuroia/internal/runtime"
)

// access is the gate a route sits behind.
type access int

const (
	public access = iota
	authenticated
	admin
)

type route struct {
	method  string
	path    string
	access  access
	handler echo.HandlerFunc
}

// API bundles the handlers mounted by the route table.
type API struct {
	Catalog       *CatalogHandler
	Chat          *ChatHandler
	Conversations *ConversationsHandler
	Admin         *AdminHandler
	Docs          *DocsHandler

	Verifier *runtime.TokenVerifier
	Policy   runtime.AuthorizationPolicy

	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
	// Ready reports dependency health for /healthz.
	Ready func(ctx context.Context) error
}

func (a *API) routes() []route {
	rs := []route{
		{http.MethodGet, "/healthz", public, a.health},

		{http.MethodGet, "/api/me", authenticated, a.Catalog.me},
		{http.MethodGet, "/api/assistants", authenticated, a.Catalog.assistants},
		{http.MethodGet, "/api/subscriptions/:assistant_id", authenticated, a.Catalog.subscription},
		{http.MethodPost, "/api/chat", authenticated, a.Chat.chat},
		{http.MethodGet, "/api/conversations", authenticated, a.Conversations.list},
		{http.MethodGet, "/api/conversations/:id/messages", authenticated, a.Conversations.messages},
		{http.MethodPost, "/api/institutions/:slug/chat", authenticated, a.Chat.institutionChat},
		{http.MethodGet, "/api/institutions/:slug/assistants", authenticated, a.Catalog.institutionAssistants},

		{http.MethodGet, "/api/admin/institutions", admin, a.Admin.listInstitutions},
		{http.MethodPost, "/api/admin/institutions", admin, a.Admin.createInstitution},
		{http.MethodPut, "/api/admin/institutions/:id/members/:user_id", admin, a.Admin.upsertMember},
		{http.MethodPut, "/api/admin/institutions/:id/subscription", admin, a.Admin.setSubscription},
	}
	if a.Docs != nil {
		rs = append(rs,
			route{http.MethodGet, "/api/openapi.yaml", public, a.Docs.openapi},
			route{http.MethodGet, "/api/docs", public, a.Docs.page})
	}
	if a.Metrics != nil {
		rs = append(rs, route{http.MethodGet, "/metrics", public, echo.WrapHandler(a.Metrics)})
	}
	return rs
}

func (a *API) health(c echo.Context) error {
	if a.Ready != nil {
		if err := a.Ready(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// mount registers every route with the middleware its access level needs.
func (a *API) mount(e *echo.Echo) {
	authMW := runtime.EchoAuthMiddleware(a.Verifier)
	adminMW := runtime.RequireAdmin(a.Policy)
	for _, r := range a.routes() {
		var mws []echo.MiddlewareFunc
		switch r.access {
		case authenticated:
			mws = append(mws, authMW)
		case admin:
			mws = append(mws, authMW, adminMW)
		}
		e.Add(r.method, r.path, r.handler, mws...)
	}
}

// NewEcho builds the HTTP server with the gateway's middleware stack.
func NewEcho(a *API, cfg config.ServerConfig, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler(logger)
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(logging.RequestLogger(logger))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "apikey", "x-client-info"},
	}))
	e.Use(middleware.BodyLimit("1M"))

	a.mount(e)
	return e
}
