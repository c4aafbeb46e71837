package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const adminUserColumns = `id, username, display_name, role_id, is_active, created_at, updated_at`

// CreateAdminUser inserts a principal. Overlay sets are not written here.
func (s *Store) CreateAdminUser(ctx context.Context, user *AdminUser) error {
	if _, err := s.GetAdminUserByUsername(ctx, user.Username); err == nil {
		return invalid("admin user %q already exists", user.Username)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	query := `
		INSERT INTO admin_users (username, display_name, role_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.q.QueryRowContext(ctx, query,
		user.Username,
		nullString(user.DisplayName),
		user.RoleID,
		user.IsActive,
		now,
		now,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *Store) scanAdminUser(ctx context.Context, row *sql.Row, key interface{}) (*AdminUser, error) {
	var u AdminUser
	var displayName sql.NullString
	var roleID sql.NullInt64
	err := row.Scan(
		&u.ID,
		&u.Username,
		&displayName,
		&roleID,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("admin user", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get admin user: %w", err)
	}
	u.DisplayName = displayName.String
	u.RoleID = int64Ptr(roleID)

	if u.ExtraPermissions, err = s.overlayCodes(ctx, u.ID, EffectGrant); err != nil {
		return nil, err
	}
	if u.DeniedPermissions, err = s.overlayCodes(ctx, u.ID, EffectDeny); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAdminUser retrieves a principal with its extra and denied codes
func (s *Store) GetAdminUser(ctx context.Context, id int64) (*AdminUser, error) {
	query := `SELECT ` + adminUserColumns + ` FROM admin_users WHERE id = $1`
	return s.scanAdminUser(ctx, s.q.QueryRowContext(ctx, query, id), id)
}

// GetAdminUserByUsername retrieves a principal by username
func (s *Store) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	query := `SELECT ` + adminUserColumns + ` FROM admin_users WHERE username = $1`
	return s.scanAdminUser(ctx, s.q.QueryRowContext(ctx, query, username), username)
}

// SetAdminUserRole assigns or clears (nil) a principal's role
func (s *Store) SetAdminUserRole(ctx context.Context, userID int64, roleID *int64) error {
	query := `UPDATE admin_users SET role_id = $1, updated_at = $2 WHERE id = $3`

	result, err := s.q.ExecContext(ctx, query, roleID, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set admin user role: %w", err)
	}
	return expectOneRow(result, "admin user", userID)
}

// SetAdminUserActive toggles a principal's activation
func (s *Store) SetAdminUserActive(ctx context.Context, userID int64, active bool) error {
	query := `UPDATE admin_users SET is_active = $1, updated_at = $2 WHERE id = $3`

	result, err := s.q.ExecContext(ctx, query, active, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set admin user activation: %w", err)
	}
	return expectOneRow(result, "admin user", userID)
}

// overlayCodes lists a principal's overlay codes. Grants only count while
// the catalog permission is active; denials are listed as stored.
func (s *Store) overlayCodes(ctx context.Context, userID int64, effect OverlayEffect) ([]string, error) {
	query := `
		SELECT permission_code FROM admin_user_permissions
		WHERE admin_user_id = $1 AND effect = $2
		ORDER BY permission_code
	`
	args := []interface{}{userID, string(effect)}
	if effect == EffectGrant {
		query = `
			SELECT o.permission_code
			FROM admin_user_permissions o
			JOIN permissions p ON p.code = o.permission_code
			WHERE o.admin_user_id = $1 AND o.effect = $2 AND p.is_active = $3
			ORDER BY o.permission_code
		`
		args = append(args, true)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s overlay: %w", effect, err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan overlay code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// AddOverlay records an extra grant or a denial for a principal.
// It reports whether a new row was written.
func (s *Store) AddOverlay(ctx context.Context, userID int64, code string, effect OverlayEffect) (bool, error) {
	query := `
		INSERT INTO admin_user_permissions (admin_user_id, permission_code, effect, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (admin_user_id, permission_code, effect) DO NOTHING
	`

	result, err := s.q.ExecContext(ctx, query, userID, code, string(effect), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to add %s overlay: %w", effect, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// RemoveOverlay deletes an extra grant or a denial.
// It reports whether a row was removed.
func (s *Store) RemoveOverlay(ctx context.Context, userID int64, code string, effect OverlayEffect) (bool, error) {
	query := `DELETE FROM admin_user_permissions WHERE admin_user_id = $1 AND permission_code = $2 AND effect = $3`

	result, err := s.q.ExecContext(ctx, query, userID, code, string(effect))
	if err != nil {
		return false, fmt.Errorf("failed to remove %s overlay: %w", effect, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListIPAllowlist lists a principal's allowlist entries
func (s *Store) ListIPAllowlist(ctx context.Context, userID int64, activeOnly bool) ([]IPAllowEntry, error) {
	query := `
		SELECT id, admin_user_id, ip_address, description, is_active, created_at
		FROM admin_ip_allowlist
		WHERE admin_user_id = $1
	`
	args := []interface{}{userID}
	if activeOnly {
		query += ` AND is_active = $2`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ip allowlist: %w", err)
	}
	defer rows.Close()

	entries := []IPAllowEntry{}
	for rows.Next() {
		var e IPAllowEntry
		var description sql.NullString
		if err := rows.Scan(&e.ID, &e.AdminUserID, &e.Address, &description, &e.IsActive, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ip allowlist entry: %w", err)
		}
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplaceIPAllowlist swaps a principal's allowlist for entries in one transaction
func (s *Store) ReplaceIPAllowlist(ctx context.Context, userID int64, entries []IPAllowEntry) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM admin_ip_allowlist WHERE admin_user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to clear ip allowlist: %w", err)
		}

		query := `
			INSERT INTO admin_ip_allowlist (admin_user_id, ip_address, description, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		now := time.Now().UTC()
		for _, e := range entries {
			if _, err := tx.q.ExecContext(ctx, query, userID, e.Address, nullString(e.Description), e.IsActive, now); err != nil {
				return fmt.Errorf("failed to insert ip allowlist entry: %w", err)
			}
		}
		return nil
	})
}
