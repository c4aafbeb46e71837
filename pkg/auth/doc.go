// Package auth issues and validates admin sessions.
//
// Sessions are opaque bearer tokens of the form slm_<base64url(32 bytes)>.
// Only the SHA-256 hash is stored, in admin_sessions; the plaintext is
// returned once at issue time.
//
//	tokens := auth.NewTokenManager(db, 12*time.Hour)
//	session, token, err := tokens.CreateSession(ctx, adminUserID, ip, userAgent)
//
//	ac, err := tokens.ValidateToken(ctx, token)
//	switch {
//	case errors.Is(err, auth.ErrSessionExpired):
//	case errors.Is(err, auth.ErrPrincipalInactive):
//	}
//
// A token is valid while its session is unrevoked and unexpired and the
// owning admin user is active. Expired rows are removed by CleanupExpired,
// which the service schedules periodically.
//
// # Related Packages
//
//   - pkg/middleware: AuthMiddleware turns the Authorization header into an AuthContext
//   - pkg/rbac: permission checks for the authenticated principal
package auth
