// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the service are defined here so every
// producer and consumer agrees on one key value.
//
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware
	// Required by: rbac.PermissionMiddleware and every protected admin route
	AuthKey Key = "auth_context"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: logger, audit trail
	RequestIDKey Key = "request_id"

	// PrincipalIDKey contains the authenticated admin user id (int64)
	// Set by: middleware.AuthMiddleware
	// Used by: logger
	PrincipalIDKey Key = "principal_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestLogger
	LoggerKey Key = "logger"

	// AuditLoggerKey contains audit.Logger
	// Set by: audit.ContextMiddleware
	AuditLoggerKey Key = "audit_logger"

	// AuditActorKey contains audit.Actor
	// Set by: audit.ContextMiddleware, enriched by middleware.AuthMiddleware
	// Used by: every audit record built from a request context
	AuditActorKey Key = "audit_actor"

	// RequestStartTimeKey contains the request start time.Time
	// Set by: audit.ContextMiddleware
	RequestStartTimeKey Key = "request_start_time"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithPrincipalID adds the acting admin user id to the context
func WithPrincipalID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, id)
}

// GetPrincipalID retrieves the acting admin user id, or 0
func GetPrincipalID(ctx context.Context) int64 {
	if id, ok := ctx.Value(PrincipalIDKey).(int64); ok {
		return id
	}
	return 0
}
