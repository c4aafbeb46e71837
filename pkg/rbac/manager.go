package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/contextkeys"
	"github.com/storyloom/storyloom/pkg/observability"
)

// Manager is the write side of the RBAC core. Every mutation is recorded in
// the audit trail and, once committed, flushes the resolver cache.
type Manager struct {
	store    *Store
	resolver *Resolver
	audit    audit.Logger
	metrics  *observability.Metrics
}

// NewManager creates a manager. A nil audit logger falls back to the one on
// the request context.
func NewManager(store *Store, resolver *Resolver, auditLogger audit.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:    store,
		resolver: resolver,
		audit:    auditLogger,
		metrics:  metrics,
	}
}

// Store returns the underlying store
func (m *Manager) Store() *Store {
	return m.store
}

// Resolver returns the resolver whose cache this manager flushes
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// finish records metrics and the audit event for a mutation and flushes the
// permission cache when it succeeded. It returns opErr unchanged.
func (m *Manager) finish(ctx context.Context, op string, eventType audit.EventType, resourceType audit.ResourceType, resourceID string, changes *audit.ChangeDetails, opErr error) error {
	m.metrics.RecordMutation(op, opErr)

	logger := observability.FromContext(ctx).WithField("operation", op)
	if opErr == nil {
		if err := m.resolver.Invalidate(ctx); err != nil {
			logger.WithError(err).Error("Failed to flush permission cache after write")
		}
	}

	if err := audit.LogDataMutation(ctx, m.audit, eventType, resourceType, resourceID, changes, opErr); err != nil {
		logger.WithError(err).Warn("Failed to write audit event")
	}
	return opErr
}

func actorID(ctx context.Context) *int64 {
	if id := contextkeys.GetPrincipalID(ctx); id != 0 {
		return &id
	}
	return nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// --- Permission catalog ---

// CreatePermission adds a catalog entry. Module and action are derived from
// the code when omitted, and the code from them when it is omitted.
func (m *Manager) CreatePermission(ctx context.Context, in CreatePermissionInput) (*Permission, error) {
	perm, err := newPermission(in)
	if err == nil {
		err = m.store.CreatePermission(ctx, perm)
	}

	var after interface{}
	if err == nil {
		after = perm
	}
	resourceID := strings.TrimSpace(in.Code)
	if perm != nil {
		resourceID = perm.Code
	}
	if err := m.finish(ctx, "create_permission", audit.EventTypePermissionCreate, audit.ResourceTypePermission,
		resourceID, &audit.ChangeDetails{After: after}, err); err != nil {
		return nil, err
	}
	return perm, nil
}

func newPermission(in CreatePermissionInput) (*Permission, error) {
	code := strings.TrimSpace(in.Code)
	module := strings.TrimSpace(in.Module)
	action := strings.TrimSpace(in.Action)

	if code == "" {
		if module == "" || action == "" {
			return nil, invalid("code or module and action are required")
		}
		code = PermissionCode(module, action)
	}

	codeModule, codeAction, ok := SplitPermissionCode(code)
	if !ok || strings.ContainsAny(code, " \t") || code == Wildcard {
		return nil, invalid("permission code %q must look like module.action", code)
	}
	if module == "" {
		module = codeModule
	}
	if action == "" {
		action = codeAction
	}
	if module != codeModule {
		return nil, invalid("permission code %q does not belong to module %q", code, module)
	}

	return &Permission{
		Code:        code,
		Module:      module,
		Action:      action,
		Resource:    strings.TrimSpace(in.Resource),
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
	}, nil
}

// ListPermissions lists catalog entries
func (m *Manager) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	return m.store.ListPermissions(ctx, filter)
}

// GetPermission retrieves a catalog entry by id
func (m *Manager) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return m.store.GetPermission(ctx, id)
}

// GetPermissionByCode retrieves a catalog entry by code
func (m *Manager) GetPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	return m.store.GetPermissionByCode(ctx, code)
}

// SetPermissionActive toggles a catalog entry. Inactive permissions keep
// their role links but drop out of every effective set.
func (m *Manager) SetPermissionActive(ctx context.Context, id int64, active bool) (*Permission, error) {
	var before, after *Permission
	err := m.store.WithTx(ctx, func(tx *Store) error {
		var err error
		if before, err = tx.GetPermission(ctx, id); err != nil {
			return err
		}
		if err := tx.SetPermissionActive(ctx, id, active); err != nil {
			return err
		}
		after, err = tx.GetPermission(ctx, id)
		return err
	})

	if err := m.finish(ctx, "set_permission_active", audit.EventTypePermissionUpdate, audit.ResourceTypePermission,
		idString(id), &audit.ChangeDetails{Before: before, After: after}, err); err != nil {
		return nil, err
	}
	return after, nil
}

// --- Role graph ---

// CreateRole creates a custom role, optionally under an existing parent
func (m *Manager) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	role := &Role{
		Name:         strings.TrimSpace(in.Name),
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Description:  strings.TrimSpace(in.Description),
		ParentRoleID: in.ParentRoleID,
		IsActive:     true,
		CreatedBy:    in.CreatedBy,
	}
	if role.DisplayName == "" {
		role.DisplayName = role.Name
	}
	if role.CreatedBy == nil {
		role.CreatedBy = actorID(ctx)
	}

	err := m.store.WithTx(ctx, func(tx *Store) error {
		switch {
		case role.Name == "":
			return invalid("role name is required")
		case role.Name == m.resolver.SuperAdminRoleName():
			return invalid("role name %q is reserved", role.Name)
		}
		if role.ParentRoleID != nil {
			if _, err := tx.GetRole(ctx, *role.ParentRoleID); err != nil {
				return fmt.Errorf("parent: %w", err)
			}
		}
		return tx.CreateRole(ctx, role)
	})

	var after interface{}
	resourceID := role.Name
	if err == nil {
		after = role
		resourceID = idString(role.ID)
	}
	if err := m.finish(ctx, "create_role", audit.EventTypeRoleCreate, audit.ResourceTypeRole,
		resourceID, &audit.ChangeDetails{After: after}, err); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole retrieves a role with its direct permission links
func (m *Manager) GetRole(ctx context.Context, id int64) (*Role, error) {
	role, err := m.store.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.Permissions, err = m.store.ListRolePermissions(ctx, id); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles lists every role
func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	return m.store.ListRoles(ctx)
}

// UpdateRole applies a partial update. System roles are immutable, and a new
// parent is rejected when the walk upward from it reaches the role itself.
func (m *Manager) UpdateRole(ctx context.Context, id int64, in UpdateRoleInput) (*Role, error) {
	var before, after *Role
	err := m.store.WithTx(ctx, func(tx *Store) error {
		current, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if current.IsSystem {
			return fmt.Errorf("role %q: %w", current.Name, ErrImmutableRole)
		}
		snapshot := *current
		before = &snapshot

		if in.DisplayName != nil {
			name := strings.TrimSpace(*in.DisplayName)
			if name == "" {
				return invalid("display_name cannot be empty")
			}
			current.DisplayName = name
		}
		if in.Description != nil {
			current.Description = strings.TrimSpace(*in.Description)
		}
		if in.IsActive != nil {
			current.IsActive = *in.IsActive
		}

		switch {
		case in.ClearParent && in.ParentRoleID != nil:
			return invalid("parent_role_id and clear_parent are mutually exclusive")
		case in.ClearParent:
			current.ParentRoleID = nil
		case in.ParentRoleID != nil:
			if err := tx.LockRoleHierarchy(ctx); err != nil {
				return err
			}
			if err := tx.CheckParentChain(ctx, id, *in.ParentRoleID); err != nil {
				return err
			}
			parent := *in.ParentRoleID
			current.ParentRoleID = &parent
		}

		if err := tx.UpdateRole(ctx, current); err != nil {
			return err
		}
		after = current
		return nil
	})

	if err := m.finish(ctx, "update_role", audit.EventTypeRoleUpdate, audit.ResourceTypeRole,
		idString(id), &audit.ChangeDetails{Before: before, After: after}, err); err != nil {
		return nil, err
	}
	return after, nil
}

// DeleteRole removes a custom role and its permission links. It returns
// false when the role does not exist.
func (m *Manager) DeleteRole(ctx context.Context, id int64) (bool, error) {
	var before *Role
	err := m.store.WithTx(ctx, func(tx *Store) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("role %q: %w", role.Name, ErrImmutableRole)
		}

		count, err := tx.CountRoleAssignments(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("role %q held by %d admin users: %w", role.Name, count, ErrRoleInUse)
		}

		before = role
		return tx.DeleteRole(ctx, id)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err := m.finish(ctx, "delete_role", audit.EventTypeRoleDelete, audit.ResourceTypeRole,
		idString(id), &audit.ChangeDetails{Before: before}, err); err != nil {
		return false, err
	}
	return true, nil
}

// mutableRole loads a role that may have its permission links edited
func mutableRole(ctx context.Context, tx *Store, roleID int64) (*Role, error) {
	role, err := tx.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, fmt.Errorf("role %q: %w", role.Name, ErrImmutableRole)
	}
	return role, nil
}

// AssignPermissions makes the role's direct grants exactly permissionIDs.
// Only the difference is written, in one transaction.
func (m *Manager) AssignPermissions(ctx context.Context, roleID int64, permissionIDs []int64, createdBy *int64) error {
	if createdBy == nil {
		createdBy = actorID(ctx)
	}

	var before, after []int64
	err := m.store.WithTx(ctx, func(tx *Store) error {
		if _, err := mutableRole(ctx, tx, roleID); err != nil {
			return err
		}
		var err error
		if before, err = tx.RolePermissionIDs(ctx, roleID); err != nil {
			return err
		}
		if err := tx.ReplaceRolePermissions(ctx, roleID, permissionIDs, createdBy); err != nil {
			return err
		}
		after, err = tx.RolePermissionIDs(ctx, roleID)
		return err
	})

	return m.finish(ctx, "assign_permissions", audit.EventTypeRolePermissionsAssign, audit.ResourceTypeRole,
		idString(roleID), &audit.ChangeDetails{Before: before, After: after}, err)
}

// AddPermission links one permission to a role; repeating it is a no-op
func (m *Manager) AddPermission(ctx context.Context, roleID, permissionID int64, createdBy *int64) error {
	if createdBy == nil {
		createdBy = actorID(ctx)
	}

	err := m.store.WithTx(ctx, func(tx *Store) error {
		if _, err := mutableRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := tx.GetPermission(ctx, permissionID); err != nil {
			return err
		}
		return tx.AddRolePermission(ctx, roleID, permissionID, createdBy)
	})

	return m.finish(ctx, "add_role_permission", audit.EventTypeRolePermissionAdd, audit.ResourceTypeRole,
		idString(roleID), &audit.ChangeDetails{After: map[string]int64{"permission_id": permissionID}}, err)
}

// RemovePermission unlinks one permission from a role. It reports whether a
// link existed.
func (m *Manager) RemovePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	var removed bool
	err := m.store.WithTx(ctx, func(tx *Store) error {
		if _, err := mutableRole(ctx, tx, roleID); err != nil {
			return err
		}
		var err error
		removed, err = tx.RemoveRolePermission(ctx, roleID, permissionID)
		return err
	})

	if err := m.finish(ctx, "remove_role_permission", audit.EventTypeRolePermissionRemove, audit.ResourceTypeRole,
		idString(roleID), &audit.ChangeDetails{Before: map[string]int64{"permission_id": permissionID}}, err); err != nil {
		return false, err
	}
	return removed, nil
}

// EffectivePermissions returns the active codes of a role and its ancestors
func (m *Manager) EffectivePermissions(ctx context.Context, roleID int64) (PermissionSet, error) {
	return m.resolver.RoleEffectivePermissions(ctx, roleID)
}

// --- Principals ---

// CreatePrincipal registers an admin user, optionally holding a role
func (m *Manager) CreatePrincipal(ctx context.Context, username, displayName string, roleID *int64) (*AdminUser, error) {
	user := &AdminUser{
		Username:    strings.TrimSpace(username),
		DisplayName: strings.TrimSpace(displayName),
		RoleID:      roleID,
		IsActive:    true,
	}

	err := m.store.WithTx(ctx, func(tx *Store) error {
		if user.Username == "" {
			return invalid("username is required")
		}
		if roleID != nil {
			if _, err := tx.GetRole(ctx, *roleID); err != nil {
				return err
			}
		}
		return tx.CreateAdminUser(ctx, user)
	})

	var after interface{}
	if err == nil {
		after = user
	}
	if err := m.finish(ctx, "create_principal", audit.EventTypePrincipalCreate, audit.ResourceTypeAdminUser,
		user.Username, &audit.ChangeDetails{After: after}, err); err != nil {
		return nil, err
	}
	user.ExtraPermissions = []string{}
	user.DeniedPermissions = []string{}
	return user, nil
}

// GetPrincipal retrieves an admin user with its overlay
func (m *Manager) GetPrincipal(ctx context.Context, id int64) (*AdminUser, error) {
	return m.store.GetAdminUser(ctx, id)
}

// SetPrincipalRole assigns a role to a principal, or clears it with nil
func (m *Manager) SetPrincipalRole(ctx context.Context, userID int64, roleID *int64) error {
	var before *int64
	err := m.store.WithTx(ctx, func(tx *Store) error {
		user, err := tx.GetAdminUser(ctx, userID)
		if err != nil {
			return err
		}
		before = user.RoleID
		if roleID != nil {
			if _, err := tx.GetRole(ctx, *roleID); err != nil {
				return err
			}
		}
		return tx.SetAdminUserRole(ctx, userID, roleID)
	})

	return m.finish(ctx, "set_principal_role", audit.EventTypePrincipalRoleChange, audit.ResourceTypeAdminUser,
		idString(userID), &audit.ChangeDetails{Before: before, After: roleID}, err)
}

// SetPrincipalActive enables or disables a principal
func (m *Manager) SetPrincipalActive(ctx context.Context, userID int64, active bool) error {
	err := m.store.SetAdminUserActive(ctx, userID, active)
	return m.finish(ctx, "set_principal_active", audit.EventTypePrincipalStatusChange, audit.ResourceTypeAdminUser,
		idString(userID), &audit.ChangeDetails{After: map[string]bool{"is_active": active}}, err)
}

// GrantExtra grants a catalog code to a principal outside its role
func (m *Manager) GrantExtra(ctx context.Context, userID int64, code string) error {
	return m.changeOverlay(ctx, userID, code, EffectGrant, true)
}

// RevokeExtra withdraws an extra grant
func (m *Manager) RevokeExtra(ctx context.Context, userID int64, code string) error {
	return m.changeOverlay(ctx, userID, code, EffectGrant, false)
}

// Deny revokes a code from a principal regardless of role and extra grants
func (m *Manager) Deny(ctx context.Context, userID int64, code string) error {
	return m.changeOverlay(ctx, userID, code, EffectDeny, true)
}

// Undeny withdraws a denial
func (m *Manager) Undeny(ctx context.Context, userID int64, code string) error {
	return m.changeOverlay(ctx, userID, code, EffectDeny, false)
}

func (m *Manager) changeOverlay(ctx context.Context, userID int64, code string, effect OverlayEffect, add bool) error {
	code = strings.TrimSpace(code)
	op := "remove_overlay"
	if add {
		op = "add_overlay"
	}

	err := m.store.WithTx(ctx, func(tx *Store) error {
		if code == "" {
			return invalid("permission code is required")
		}
		if _, err := tx.GetAdminUser(ctx, userID); err != nil {
			return err
		}
		if !add {
			_, err := tx.RemoveOverlay(ctx, userID, code, effect)
			return err
		}
		if _, err := tx.GetPermissionByCode(ctx, code); err != nil {
			return err
		}
		_, err := tx.AddOverlay(ctx, userID, code, effect)
		return err
	})

	change := map[string]string{"code": code, "effect": string(effect)}
	changes := &audit.ChangeDetails{After: change}
	if !add {
		changes = &audit.ChangeDetails{Before: change}
	}
	return m.finish(ctx, op, audit.EventTypePrincipalOverlayChange, audit.ResourceTypeAdminUser,
		idString(userID), changes, err)
}

// SetIPAllowlist replaces a principal's allowlist. An empty list lifts the
// address restriction.
func (m *Manager) SetIPAllowlist(ctx context.Context, userID int64, entries []IPAllowEntry) error {
	var before []IPAllowEntry
	err := m.store.WithTx(ctx, func(tx *Store) error {
		for i := range entries {
			entries[i].Address = strings.TrimSpace(entries[i].Address)
			if err := ValidateIPEntry(entries[i].Address); err != nil {
				return err
			}
		}
		if _, err := tx.GetAdminUser(ctx, userID); err != nil {
			return err
		}
		var err error
		if before, err = tx.ListIPAllowlist(ctx, userID, false); err != nil {
			return err
		}
		return tx.ReplaceIPAllowlist(ctx, userID, entries)
	})

	return m.finish(ctx, "set_ip_allowlist", audit.EventTypePrincipalAllowlistChange, audit.ResourceTypeAdminUser,
		idString(userID), &audit.ChangeDetails{Before: before, After: entries}, err)
}

// ListIPAllowlist lists every allowlist entry of a principal
func (m *Manager) ListIPAllowlist(ctx context.Context, userID int64) ([]IPAllowEntry, error) {
	if _, err := m.store.GetAdminUser(ctx, userID); err != nil {
		return nil, err
	}
	return m.store.ListIPAllowlist(ctx, userID, false)
}

// PrincipalPermissions resolves the effective set of a principal
func (m *Manager) PrincipalPermissions(ctx context.Context, userID int64) (PermissionSet, error) {
	return m.resolver.Resolve(ctx, userID)
}
