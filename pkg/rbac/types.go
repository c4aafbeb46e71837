package rbac

import (
	"strings"
	"time"
)

// SuperAdminRole is the sentinel role name that bypasses every allow/deny computation.
const SuperAdminRole = "super_admin"

// Wildcard is the code a resolved permission set carries for the super admin.
const Wildcard = "*"

// Permission is a named capability in the catalog, identified by its code ("module.action")
type Permission struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Module      string    `json:"module"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource,omitempty"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PermissionCode builds a permission code from its module and action
func PermissionCode(module, action string) string {
	return strings.TrimSpace(module) + "." + strings.TrimSpace(action)
}

// SplitPermissionCode splits a code into module and action.
// ok is false when the code is not of the form "module.action".
func SplitPermissionCode(code string) (module, action string, ok bool) {
	i := strings.Index(code, ".")
	if i <= 0 || i == len(code)-1 {
		return "", "", false
	}
	return code[:i], code[i+1:], true
}

// PermissionFilter narrows ListPermissions
type PermissionFilter struct {
	Module   string
	IsActive *bool
}

// Role is a named, inheritable bundle of permission grants
type Role struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description,omitempty"`
	ParentRoleID *int64       `json:"parent_role_id,omitempty"`
	IsSystem     bool         `json:"is_system"`
	IsActive     bool         `json:"is_active"`
	Permissions  []Permission `json:"permissions,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CreatedBy    *int64       `json:"created_by,omitempty"`
}

// RolePermission links a role to a catalog permission. Presence means grant.
type RolePermission struct {
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    *int64    `json:"created_by,omitempty"`
}

// AdminUser is the principal subject to permission checks
type AdminUser struct {
	ID                int64     `json:"id"`
	Username          string    `json:"username"`
	DisplayName       string    `json:"display_name,omitempty"`
	RoleID            *int64    `json:"role_id,omitempty"`
	IsActive          bool      `json:"is_active"`
	// ExtraPermissions holds grants whose catalog entry is active
	ExtraPermissions  []string  `json:"extra_permissions"`
	DeniedPermissions []string  `json:"denied_permissions"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// OverlayEffect distinguishes extra grants from explicit denials
type OverlayEffect string

const (
	EffectGrant OverlayEffect = "grant"
	EffectDeny  OverlayEffect = "deny"
)

// IPAllowEntry restricts the addresses a principal may act from.
// Address is either a single IP or a CIDR block.
type IPAllowEntry struct {
	ID          int64     `json:"id"`
	AdminUserID int64     `json:"admin_user_id"`
	Address     string    `json:"address"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreatePermissionInput describes a new catalog entry
type CreatePermissionInput struct {
	Code        string `json:"code"`
	Module      string `json:"module"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Resource    string `json:"resource,omitempty"`
}

// CreateRoleInput describes a new role
type CreateRoleInput struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Description  string `json:"description,omitempty"`
	ParentRoleID *int64 `json:"parent_role_id,omitempty"`
	CreatedBy    *int64 `json:"-"`
}

// UpdateRoleInput carries a partial role update. Nil fields are left unchanged;
// ClearParent detaches the role from its parent.
type UpdateRoleInput struct {
	DisplayName  *string `json:"display_name,omitempty"`
	Description  *string `json:"description,omitempty"`
	ParentRoleID *int64  `json:"parent_role_id,omitempty"`
	ClearParent  bool    `json:"clear_parent,omitempty"`
	IsActive     *bool   `json:"is_active,omitempty"`
}
