package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TokenPrefix identifies Storyloom admin tokens
	TokenPrefix = "slm_"
	// TokenLength is the number of random bytes (32 bytes = 256 bits)
	TokenLength = 32
	// DefaultSessionTTL is how long an issued session stays valid
	DefaultSessionTTL = 12 * time.Hour
)

// TokenGenerator generates and validates bearer tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new token.
// Format: slm_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	token = TokenPrefix + encoded

	return token, tg.HashToken(token), TokenPrefix + encoded[:8], nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encoded := strings.TrimPrefix(token, TokenPrefix)
	if len(encoded) == 0 {
		return fmt.Errorf("token is too short")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != TokenLength {
		return fmt.Errorf("token has %d bytes, want %d", len(raw), TokenLength)
	}

	return nil
}

// TokenManager issues and validates admin sessions stored in admin_sessions
type TokenManager struct {
	db        *sql.DB
	generator *TokenGenerator
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenManager creates a session manager; ttl <= 0 uses DefaultSessionTTL
func NewTokenManager(db *sql.DB, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenManager{
		db:        db,
		generator: NewTokenGenerator(),
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession issues a token for an active admin user. The plaintext token
// is returned once and never stored.
func (tm *TokenManager) CreateSession(ctx context.Context, adminUserID int64, ipAddress, userAgent string) (*Session, string, error) {
	var active bool
	err := tm.db.QueryRowContext(ctx, `SELECT is_active FROM admin_users WHERE id = $1`, adminUserID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("admin user %d: %w", adminUserID, ErrInvalidToken)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load admin user: %w", err)
	}
	if !active {
		return nil, "", ErrPrincipalInactive
	}

	token, tokenHash, tokenPrefix, err := tm.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	now := tm.now()
	session := &Session{
		AdminUserID: adminUserID,
		TokenHash:   tokenHash,
		TokenPrefix: tokenPrefix,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		ExpiresAt:   now.Add(tm.ttl),
		CreatedAt:   now,
	}

	err = tm.db.QueryRowContext(ctx, `
		INSERT INTO admin_sessions (admin_user_id, token_hash, token_prefix, ip_address, user_agent, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, session.AdminUserID, session.TokenHash, session.TokenPrefix, session.IPAddress, session.UserAgent,
		session.ExpiresAt, session.CreatedAt).Scan(&session.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store session: %w", err)
	}

	return session, token, nil
}

// LookupPrincipal returns the id of the admin user with the given username
func (tm *TokenManager) LookupPrincipal(ctx context.Context, username string) (int64, error) {
	var id int64
	err := tm.db.QueryRowContext(ctx, `SELECT id FROM admin_users WHERE username = $1`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPrincipal, username)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load admin user: %w", err)
	}
	return id, nil
}

// ValidateToken resolves a bearer token into an AuthContext. The session must
// be unrevoked and unexpired and its owner active.
func (tm *TokenManager) ValidateToken(ctx context.Context, token string) (*AuthContext, error) {
	if err := tm.generator.ValidateTokenFormat(token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	session := &Session{TokenHash: tm.generator.HashToken(token)}
	principal := &AdminPrincipal{}

	var (
		displayName sql.NullString
		roleID      sql.NullInt64
		lastUsed    sql.NullTime
		revokedAt   sql.NullTime
		revokedBy   sql.NullInt64
	)

	err := tm.db.QueryRowContext(ctx, `
		SELECT s.id, s.admin_user_id, s.token_prefix, s.ip_address, s.user_agent,
		       s.expires_at, s.last_used_at, s.created_at, s.revoked_at, s.revoked_by,
		       u.username, u.display_name, u.role_id, u.is_active
		FROM admin_sessions s
		JOIN admin_users u ON u.id = s.admin_user_id
		WHERE s.token_hash = $1
	`, session.TokenHash).Scan(
		&session.ID, &session.AdminUserID, &session.TokenPrefix, &session.IPAddress, &session.UserAgent,
		&session.ExpiresAt, &lastUsed, &session.CreatedAt, &revokedAt, &revokedBy,
		&principal.Username, &displayName, &roleID, &principal.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	principal.ID = session.AdminUserID
	principal.DisplayName = displayName.String
	if roleID.Valid {
		id := roleID.Int64
		principal.RoleID = &id
	}
	if lastUsed.Valid {
		session.LastUsedAt = &lastUsed.Time
	}
	if revokedAt.Valid {
		session.RevokedAt = &revokedAt.Time
	}
	if revokedBy.Valid {
		id := revokedBy.Int64
		session.RevokedBy = &id
	}

	now := tm.now()
	switch {
	case session.IsRevoked():
		return nil, ErrSessionRevoked
	case session.IsExpired(now):
		return nil, ErrSessionExpired
	case !principal.IsActive:
		return nil, ErrPrincipalInactive
	}

	if _, err := tm.db.ExecContext(ctx, `UPDATE admin_sessions SET last_used_at = $1 WHERE id = $2`, now, session.ID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	session.LastUsedAt = &now

	return &AuthContext{Principal: principal, Session: session}, nil
}

// RevokeSession revokes a live session
func (tm *TokenManager) RevokeSession(ctx context.Context, sessionID int64, revokedBy *int64) error {
	result, err := tm.db.ExecContext(ctx, `
		UPDATE admin_sessions SET revoked_at = $1, revoked_by = $2
		WHERE id = $3 AND revoked_at IS NULL
	`, tm.now(), revokedBy, sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// RevokeAllForPrincipal revokes every live session of an admin user
func (tm *TokenManager) RevokeAllForPrincipal(ctx context.Context, adminUserID int64, revokedBy *int64) (int64, error) {
	result, err := tm.db.ExecContext(ctx, `
		UPDATE admin_sessions SET revoked_at = $1, revoked_by = $2
		WHERE admin_user_id = $3 AND revoked_at IS NULL
	`, tm.now(), revokedBy, adminUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return result.RowsAffected()
}

// CleanupExpired deletes sessions that expired before now
func (tm *TokenManager) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := tm.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE expires_at < $1`, tm.now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	return result.RowsAffected()
}

// CountActive returns the number of unrevoked, unexpired sessions
func (tm *TokenManager) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := tm.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM admin_sessions WHERE revoked_at IS NULL AND expires_at > $1
	`, tm.now()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
