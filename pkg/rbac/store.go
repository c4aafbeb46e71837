package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles RBAC data persistence
type Store struct {
	db *sql.DB
	q  querier
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// WithTx runs fn against a store bound to a single transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- Permission catalog ---

const permissionColumns = `id, code, module, action, resource, description, is_active, created_at, updated_at`

func scanPermission(row interface{ Scan(...interface{}) error }) (*Permission, error) {
	var p Permission
	var resource, description sql.NullString
	if err := row.Scan(
		&p.ID,
		&p.Code,
		&p.Module,
		&p.Action,
		&resource,
		&description,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Resource = resource.String
	p.Description = description.String
	return &p, nil
}

// CreatePermission inserts a permission into the catalog
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	if _, err := s.GetPermissionByCode(ctx, perm.Code); err == nil {
		return fmt.Errorf("%q: %w", perm.Code, ErrDuplicateCode)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	query := `
		INSERT INTO permissions (code, module, action, resource, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.q.QueryRowContext(ctx, query,
		perm.Code,
		perm.Module,
		perm.Action,
		nullString(perm.Resource),
		nullString(perm.Description),
		perm.IsActive,
		now,
		now,
	).Scan(&perm.ID)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("%q: %w", perm.Code, ErrDuplicateCode)
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	perm.CreatedAt = now
	perm.UpdatedAt = now
	return nil
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`

	perm, err := scanPermission(s.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("permission", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// GetPermissionByCode retrieves a permission by its code
func (s *Store) GetPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE code = $1`

	perm, err := scanPermission(s.q.QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return nil, notFound("permission", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// ListPermissions lists catalog entries, optionally filtered by module and activation
func (s *Store) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions`

	var conditions []string
	var args []interface{}
	if filter.Module != "" {
		args = append(args, filter.Module)
		conditions = append(conditions, fmt.Sprintf("module = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY module, code"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// SetPermissionActive toggles a permission's activation
func (s *Store) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE permissions SET is_active = $1, updated_at = $2 WHERE id = $3`

	result, err := s.q.ExecContext(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	return expectOneRow(result, "permission", id)
}

// --- Roles ---

const roleColumns = `id, name, display_name, description, parent_role_id, is_system, is_active, created_at, updated_at, created_by`

func scanRole(row interface{ Scan(...interface{}) error }) (*Role, error) {
	var r Role
	var description sql.NullString
	var parentRoleID, createdBy sql.NullInt64
	if err := row.Scan(
		&r.ID,
		&r.Name,
		&r.DisplayName,
		&description,
		&parentRoleID,
		&r.IsSystem,
		&r.IsActive,
		&r.CreatedAt,
		&r.UpdatedAt,
		&createdBy,
	); err != nil {
		return nil, err
	}
	r.Description = description.String
	r.ParentRoleID = int64Ptr(parentRoleID)
	r.CreatedBy = int64Ptr(createdBy)
	return &r, nil
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if _, err := s.GetRoleByName(ctx, role.Name); err == nil {
		return fmt.Errorf("%q: %w", role.Name, ErrDuplicateName)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	query := `
		INSERT INTO roles (name, display_name, description, parent_role_id, is_system, is_active, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.q.QueryRowContext(ctx, query,
		role.Name,
		role.DisplayName,
		nullString(role.Description),
		role.ParentRoleID,
		role.IsSystem,
		role.IsActive,
		now,
		now,
		role.CreatedBy,
	).Scan(&role.ID)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("%q: %w", role.Name, ErrDuplicateName)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	role, err := scanRole(s.q.QueryRowContext(ctx, query, roleID))
	if err == sql.ErrNoRows {
		return nil, notFound("role", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`

	role, err := scanRole(s.q.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, notFound("role", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists all roles ordered by name
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles ORDER BY name`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpdateRole persists the mutable fields of a role
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	query := `
		UPDATE roles
		SET display_name = $1, description = $2, parent_role_id = $3, is_active = $4, updated_at = $5
		WHERE id = $6
	`

	now := time.Now().UTC()
	result, err := s.q.ExecContext(ctx, query,
		role.DisplayName,
		nullString(role.Description),
		role.ParentRoleID,
		role.IsActive,
		now,
		role.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if err := expectOneRow(result, "role", role.ID); err != nil {
		return err
	}

	role.UpdatedAt = now
	return nil
}

// DeleteRole removes a role and its permission links
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to delete role permissions: %w", err)
		}

		result, err := tx.q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return expectOneRow(result, "role", roleID)
	})
}

// CountRoleAssignments counts admin users holding the role
func (s *Store) CountRoleAssignments(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users WHERE role_id = $1`, roleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count role assignments: %w", err)
	}
	return count, nil
}

// roleHierarchyLockKey is the advisory lock key guarding parent changes
const roleHierarchyLockKey int64 = 0x726f6c6573

// LockRoleHierarchy blocks until no other transaction is changing a role's
// parent and holds the lock until the surrounding transaction ends. Without
// it two concurrent updates can each pass CheckParentChain and close a cycle
// together.
func (s *Store) LockRoleHierarchy(ctx context.Context) error {
	if _, inTx := s.q.(*sql.Tx); !inTx {
		return fmt.Errorf("role hierarchy lock requires a transaction")
	}
	if _, err := s.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, roleHierarchyLockKey); err != nil {
		return fmt.Errorf("failed to lock role hierarchy: %w", err)
	}
	return nil
}

// CheckParentChain walks upward from parentID and fails with ErrCyclicInheritance
// when the walk reaches roleID or revisits a role.
func (s *Store) CheckParentChain(ctx context.Context, roleID, parentID int64) error {
	visited := map[int64]bool{}
	current := parentID
	for {
		if current == roleID {
			return fmt.Errorf("role %d under parent %d: %w", roleID, parentID, ErrCyclicInheritance)
		}
		if visited[current] {
			return fmt.Errorf("role %d under parent %d: %w", roleID, parentID, ErrCyclicInheritance)
		}
		visited[current] = true

		var next sql.NullInt64
		err := s.q.QueryRowContext(ctx, `SELECT parent_role_id FROM roles WHERE id = $1`, current).Scan(&next)
		if err == sql.ErrNoRows {
			return notFound("role", current)
		}
		if err != nil {
			return fmt.Errorf("failed to walk role hierarchy: %w", err)
		}
		if !next.Valid {
			return nil
		}
		current = next.Int64
	}
}

// --- Role permission links ---

// RolePermissionIDs lists the permission ids directly linked to a role
func (s *Store) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRolePermissions lists the catalog entries directly linked to a role,
// active or not.
func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	query := `
		SELECT p.id, p.code, p.module, p.action, p.resource, p.description, p.is_active, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.code
	`

	rows, err := s.q.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// ActiveRolePermissionCodes lists the codes of a role's active permissions
func (s *Store) ActiveRolePermissionCodes(ctx context.Context, roleID int64) ([]string, error) {
	query := `
		SELECT p.code
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1 AND p.is_active = $2
	`

	rows, err := s.q.QueryContext(ctx, query, roleID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permission codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan permission code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// AddRolePermission links a permission to a role. Existing links are left untouched.
func (s *Store) AddRolePermission(ctx context.Context, roleID, permissionID int64, createdBy *int64) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id, created_at, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`

	if _, err := s.q.ExecContext(ctx, query, roleID, permissionID, time.Now().UTC(), createdBy); err != nil {
		return fmt.Errorf("failed to add role permission: %w", err)
	}
	return nil
}

// RemoveRolePermission unlinks a permission from a role.
// It reports whether a link was removed.
func (s *Store) RemoveRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to remove role permission: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ReplaceRolePermissions makes the role's links exactly permissionIDs.
// Only the difference is written, inside one transaction.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, createdBy *int64) error {
	return s.WithTx(ctx, func(tx *Store) error {
		current, err := tx.RolePermissionIDs(ctx, roleID)
		if err != nil {
			return err
		}

		want := make(map[int64]bool, len(permissionIDs))
		for _, id := range permissionIDs {
			want[id] = true
		}
		have := make(map[int64]bool, len(current))
		for _, id := range current {
			have[id] = true
			if !want[id] {
				if _, err := tx.RemoveRolePermission(ctx, roleID, id); err != nil {
					return err
				}
			}
		}
		for id := range want {
			if have[id] {
				continue
			}
			if _, err := tx.GetPermission(ctx, id); err != nil {
				return err
			}
			if err := tx.AddRolePermission(ctx, roleID, id, createdBy); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- helpers ---

func expectOneRow(result sql.Result, entity string, key interface{}) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound(entity, key)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
