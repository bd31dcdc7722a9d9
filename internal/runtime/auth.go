package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/neuroialab/neuroia/config"
)

var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken covers bad signatures, expiry and malformed claims.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// TokenVerifier validates identity-provider access tokens (HS256).
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenVerifier builds a verifier from auth config.
func NewTokenVerifier(cfg config.AuthConfig) (*TokenVerifier, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret not configured (auth.jwt_secret)")
	}
	return &TokenVerifier{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, audience: cfg.Audience}, nil
}

// Verify parses and validates tok and returns the caller identity.
func (v *TokenVerifier) Verify(tok string) (Identity, error) {
	if strings.TrimSpace(tok) == "" {
		return Identity{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) { return v.secret, nil }, opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{UserID: sub}
	id.Email, _ = claims["email"].(string)
	// Only app_metadata is writable by the service role; user_metadata is not trusted.
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		id.Role, _ = meta["role"].(string)
	}
	return id, nil
}

// SignJWT issues a signed token with the provided subject and TTL.
func SignJWT(subject, email string, secret []byte, ttl time.Duration, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"exp":  time.Now().Add(ttl).Unix(),
		"role": "authenticated",
	}
	if email != "" {
		claims["email"] = email
	}
	if role != "" {
		claims["app_metadata"] = map[string]interface{}{"role": role}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware builds an Echo middleware that validates bearer tokens
// and stores the identity on both the echo context and the request context.
func EchoAuthMiddleware(v *TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrMissingToken.Error())
			}
			id, err := v.Verify(tok)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidToken.Error())
			}
			c.Set("user_id", id.UserID)
			c.Set("identity", id)
			c.SetRequest(c.Request().WithContext(ContextWithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	h := strings.TrimSpace(c.Request().Header.Get(echo.HeaderAuthorization))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type identityKey struct{}

// ContextWithIdentity stores id on ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// IdentityFromEcho reads the identity set by EchoAuthMiddleware.
func IdentityFromEcho(c echo.Context) (Identity, bool) {
	if id, ok := c.Get("identity").(Identity); ok {
		return id, true
	}
	return IdentityFromContext(c.Request().Context())
}

// UserIDFromEcho returns the authenticated caller's id.
func UserIDFromEcho(c echo.Context) (string, bool) {
	id, ok := IdentityFromEcho(c)
	if !ok || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}

// AuthorizationPolicy decides administrative capabilities for a caller.
type AuthorizationPolicy interface {
	IsAdmin(id Identity) bool
}

// AllowListPolicy grants admin to listed e-mails or app roles.
type AllowListPolicy struct {
	emails map[string]struct{}
	roles  map[string]struct{}
}

// NewAllowListPolicy builds a policy from auth config.
func NewAllowListPolicy(cfg config.AuthConfig) *AllowListPolicy {
	p := &AllowListPolicy{emails: map[string]struct{}{}, roles: map[string]struct{}{}}
	for _, e := range cfg.AdminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			p.emails[e] = struct{}{}
		}
	}
	for _, r := range cfg.AdminRoles {
		if r = strings.TrimSpace(r); r != "" {
			p.roles[r] = struct{}{}
		}
	}
	return p
}

func (p *AllowListPolicy) IsAdmin(id Identity) bool {
	if p == nil {
		return false
	}
	if _, ok := p.emails[strings.ToLower(strings.TrimSpace(id.Email))]; ok && id.Email != "" {
		return true
	}
	if id.Role == "" {
		return false
	}
	_, ok := p.roles[id.Role]
	return ok
}

// RequireAdmin rejects callers the policy does not recognise as admins.
// Must run after EchoAuthMiddleware.
func RequireAdmin(policy AuthorizationPolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromEcho(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			if policy == nil || !policy.IsAdmin(id) {
				return echo.NewHTTPError(http.StatusForbidden, "admin access required")
			}
			return next(c)
		}
	}
}
