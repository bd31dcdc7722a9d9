package server

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/config"
	"github.com/neuroialab/neuroia/internal/runtime"
	"github.com/neuroialab/neuroia/internal/store"
)

var testSecret = []byte("server-test-secret")

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: db}, mock
}

func newHandlerContext(method, target string, body io.Reader, userID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set("user_id", userID)
		c.Set("identity", runtime.Identity{UserID: userID})
	}
	return c, rec
}

// newTestAPI builds a routed echo instance; admin@neuroia.com is an admin.
func newTestAPI(t *testing.T, st *store.Store, sender Sender) *echo.Echo {
	t.Helper()
	authCfg := config.AuthConfig{JWTSecret: string(testSecret), AdminEmails: []string{"admin@neuroia.com"}}
	verifier, err := runtime.NewTokenVerifier(authCfg)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	policy := runtime.NewAllowListPolicy(authCfg)
	api := &API{
		Catalog:       &CatalogHandler{Store: st, Policy: policy},
		Chat:          &ChatHandler{Service: sender},
		Conversations: &ConversationsHandler{Store: st},
		Admin:         &AdminHandler{Store: st},
		Verifier:      verifier,
		Policy:        policy,
	}
	return NewEcho(api, config.ServerConfig{}, zap.NewNop())
}

func bearer(t *testing.T, userID, email string) string {
	t.Helper()
	tok, err := runtime.SignJWT(userID, email, testSecret, time.Hour, "")
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	return "Bearer " + tok
}
