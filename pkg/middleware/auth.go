package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/auth"
	"github.com/storyloom/storyloom/pkg/contextkeys"
	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

// TokenValidator resolves a bearer token into an authenticated context
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.AuthContext, error)
}

// AuthMiddleware provides bearer-token authentication for the admin API
type AuthMiddleware struct {
	tokens   TokenValidator
	audit    audit.Logger
	optional bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens TokenValidator, auditLogger audit.Logger, optional bool) *AuthMiddleware {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &AuthMiddleware{
		tokens:   tokens,
		audit:    auditLogger,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication. On success the auth
// context, principal id and audit actor identity are set on the request.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		authCtx, err := m.tokens.ValidateToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			m.rejected(r, err)
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithPrincipalID(ctx, authCtx.PrincipalID())

		actor := audit.ActorFromContext(ctx)
		id := authCtx.PrincipalID()
		actor.UserID = &id
		actor.Username = authCtx.Principal.Username
		ctx = audit.WithActor(ctx, actor)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) rejected(r *http.Request, err error) {
	logger := observability.FromContext(r.Context()).WithError(err)

	var reason string
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		reason = "expired"
	case errors.Is(err, auth.ErrSessionRevoked):
		reason = "revoked"
	case errors.Is(err, auth.ErrPrincipalInactive):
		reason = "inactive"
	case errors.Is(err, auth.ErrInvalidToken):
		reason = "invalid"
	default:
		logger.Error("session validation failed")
		reason = "error"
	}

	event := audit.NewEvent(r.Context(), audit.EventTypeSessionValidateFail, audit.EventStatusFailure)
	event.ResourceType = audit.ResourceTypeSession
	event.Message = "session rejected: " + reason
	if err := m.audit.Log(r.Context(), event); err != nil {
		logger.Warn("failed to write audit event")
	}
}

// GetAuthContext extracts the auth context from a request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	return auth.FromContext(r.Context())
}
