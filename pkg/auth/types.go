package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidToken means the bearer token is malformed or unknown
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionExpired means the session passed its expiry
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionRevoked means the session was explicitly revoked
	ErrSessionRevoked = errors.New("session revoked")
	// ErrPrincipalInactive means the session owner is deactivated
	ErrPrincipalInactive = errors.New("admin user is inactive")
	// ErrSessionNotFound means no live session has the given id
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownPrincipal means no admin user has the given username
	ErrUnknownPrincipal = errors.New("unknown admin user")
)

// AdminPrincipal is the authenticated admin user behind a session
type AdminPrincipal struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	RoleID      *int64 `json:"role_id,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// Session is an issued admin bearer token. Only its hash is stored.
type Session struct {
	ID          int64      `json:"id"`
	AdminUserID int64      `json:"admin_user_id"`
	TokenHash   string     `json:"-"` // Never expose hash
	TokenPrefix string     `json:"token_prefix"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	RevokedBy   *int64     `json:"revoked_by,omitempty"`
}

// IsExpired reports whether the session expired at or before now
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsRevoked reports whether the session was revoked
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// AuthContext holds the authenticated principal for a request
type AuthContext struct {
	Principal *AdminPrincipal
	Session   *Session
}

// PrincipalID returns the authenticated admin user id, or 0
func (ac *AuthContext) PrincipalID() int64 {
	if ac == nil || ac.Principal == nil {
		return 0
	}
	return ac.Principal.ID
}
