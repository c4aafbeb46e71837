// Package middleware provides HTTP middleware for the admin API: request ids,
// request logging, bearer-token authentication and rate limiting.
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.RequestLogger(logger))
//	router.Use(audit.ContextMiddleware(auditSink))
//	router.Use(middleware.NewAuthMiddleware(tokens, auditSink, false).Handler)
//	router.Use(middleware.RateLimit(middleware.NewMemoryLimiter(middleware.DefaultRateLimitConfig())))
//
// AuthMiddleware must run after audit.ContextMiddleware so the audit actor
// it enriches already carries the request address. RateLimit keys on the
// principal when it runs after authentication, otherwise on the client IP.
//
// # Related Packages
//
//   - pkg/auth: Token validation
//   - pkg/rbac: Permission checking
package middleware
