package rbac

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/storyloom/storyloom/pkg/contextkeys"
	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

// Permission codes guarding the admin RBAC API
const (
	PermissionView   = "permission.view"
	PermissionManage = "permission.manage"
	RoleView         = "role.view"
	RoleManage       = "role.manage"
	AdminUserView    = "admin_user.view"
	AdminUserManage  = "admin_user.manage"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	manager   *Manager
	decisions *DecisionPoint
	guard     *PermissionMiddleware
}

// NewHandlers creates new RBAC handlers
func NewHandlers(manager *Manager, decisions *DecisionPoint, guard *PermissionMiddleware) *Handlers {
	return &Handlers{
		manager:   manager,
		decisions: decisions,
		guard:     guard,
	}
}

// RegisterRoutes registers all RBAC routes. Every route except /me/permissions
// is guarded by a permission check.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	anyOf := h.guard.RequireAny
	allOf := h.guard.RequireAll
	handle := func(path string, guard func(http.Handler) http.Handler, fn http.HandlerFunc, method string) {
		router.Handle(path, guard(fn)).Methods(method)
	}

	// Permission catalog
	handle("/permissions", anyOf(PermissionView), h.ListPermissions, "GET")
	handle("/permissions", anyOf(PermissionManage), h.CreatePermission, "POST")
	handle("/permissions/{id:[0-9]+}", anyOf(PermissionView), h.GetPermission, "GET")
	handle("/permissions/{id:[0-9]+}", anyOf(PermissionManage), h.SetPermissionActive, "PATCH")

	// Role graph
	handle("/roles", anyOf(RoleView), h.ListRoles, "GET")
	handle("/roles", anyOf(RoleManage), h.CreateRole, "POST")
	handle("/roles/{id:[0-9]+}", anyOf(RoleView), h.GetRole, "GET")
	handle("/roles/{id:[0-9]+}", anyOf(RoleManage), h.UpdateRole, "PUT")
	handle("/roles/{id:[0-9]+}", anyOf(RoleManage), h.DeleteRole, "DELETE")
	handle("/roles/{id:[0-9]+}/permissions", allOf(RoleManage, PermissionView), h.AssignPermissions, "PUT")
	handle("/roles/{id:[0-9]+}/permissions/{permission_id:[0-9]+}", anyOf(RoleManage), h.AddPermission, "POST")
	handle("/roles/{id:[0-9]+}/permissions/{permission_id:[0-9]+}", anyOf(RoleManage), h.RemovePermission, "DELETE")
	handle("/roles/{id:[0-9]+}/effective-permissions", anyOf(RoleView), h.RoleEffectivePermissions, "GET")

	// Principals
	handle("/principals", anyOf(AdminUserManage), h.CreatePrincipal, "POST")
	handle("/principals/{id:[0-9]+}", anyOf(AdminUserView), h.GetPrincipal, "GET")
	handle("/principals/{id:[0-9]+}/role", anyOf(AdminUserManage), h.SetPrincipalRole, "PUT")
	handle("/principals/{id:[0-9]+}/status", anyOf(AdminUserManage), h.SetPrincipalStatus, "PUT")
	handle("/principals/{id:[0-9]+}/extra-permissions", anyOf(AdminUserManage), h.GrantExtra, "POST")
	handle("/principals/{id:[0-9]+}/extra-permissions/{code}", anyOf(AdminUserManage), h.RevokeExtra, "DELETE")
	handle("/principals/{id:[0-9]+}/denied-permissions", anyOf(AdminUserManage), h.Deny, "POST")
	handle("/principals/{id:[0-9]+}/denied-permissions/{code}", anyOf(AdminUserManage), h.Undeny, "DELETE")
	handle("/principals/{id:[0-9]+}/ip-allowlist", anyOf(AdminUserView), h.ListIPAllowlist, "GET")
	handle("/principals/{id:[0-9]+}/ip-allowlist", anyOf(AdminUserManage), h.SetIPAllowlist, "PUT")
	handle("/principals/{id:[0-9]+}/permissions", anyOf(AdminUserView), h.PrincipalPermissions, "GET")

	// Decisions
	handle("/check", anyOf(AdminUserView, RoleView), h.Check, "POST")
	router.HandleFunc("/me/permissions", h.MyPermissions).Methods("GET")
}

// Error codes returned alongside RBAC failures
const (
	CodeInvalidInput      = "invalid_input"
	CodeNotFound          = "not_found"
	CodeImmutableRole     = "immutable_role"
	CodeDuplicateCode     = "duplicate_code"
	CodeDuplicateName     = "duplicate_name"
	CodeRoleInUse         = "role_in_use"
	CodeCyclicInheritance = "cyclic_inheritance"
)

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
	{ErrNotFound, http.StatusNotFound, CodeNotFound},
	{ErrImmutableRole, http.StatusForbidden, CodeImmutableRole},
	{ErrDuplicateCode, http.StatusConflict, CodeDuplicateCode},
	{ErrDuplicateName, http.StatusConflict, CodeDuplicateName},
	{ErrRoleInUse, http.StatusConflict, CodeRoleInUse},
	{ErrCyclicInheritance, http.StatusConflict, CodeCyclicInheritance},
}

// writeError maps the RBAC error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			httputil.WriteErrorCode(w, e.status, e.code, err.Error())
			return
		}
	}

	observability.FromContext(r.Context()).WithError(err).
		WithField("path", r.URL.Path).
		Error("RBAC request failed")
	httputil.WriteInternalError(w, err)
}

// --- Permission catalog ---

// ListPermissions handles GET /permissions?module=&is_active=
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	active, err := httputil.ParseQueryBoolPtr(r, "is_active")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	perms, err := h.manager.ListPermissions(r.Context(), PermissionFilter{
		Module:   r.URL.Query().Get("module"),
		IsActive: active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// CreatePermission handles POST /permissions
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req CreatePermissionInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm, err := h.manager.CreatePermission(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// GetPermission handles GET /permissions/{id}
func (h *Handlers) GetPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perm, err := h.manager.GetPermission(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

type activeRequest struct {
	IsActive *bool `json:"is_active"`
}

// SetPermissionActive handles PATCH /permissions/{id}
func (h *Handlers) SetPermissionActive(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req activeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteValidationError(w, "is_active is required")
		return
	}

	perm, err := h.manager.SetPermissionActive(r.Context(), id, *req.IsActive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// --- Role graph ---

// ListRoles handles GET /roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.manager.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// CreateRole handles POST /roles
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, strings.TrimSpace(req.Name), "name") {
		return
	}

	role, err := h.manager.CreateRole(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole handles GET /roles/{id}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.manager.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole handles PUT /roles/{id}
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRoleInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.manager.UpdateRole(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole handles DELETE /roles/{id}
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	deleted, err := h.manager.DeleteRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	httputil.WriteNoContent(w)
}

type assignPermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

// AssignPermissions handles PUT /roles/{id}/permissions
func (h *Handlers) AssignPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req assignPermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PermissionIDs == nil {
		httputil.WriteValidationError(w, "permission_ids is required")
		return
	}

	if err := h.manager.AssignPermissions(r.Context(), id, req.PermissionIDs, nil); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeRole(w, r, id)
}

// AddPermission handles POST /roles/{id}/permissions/{permission_id}
func (h *Handlers) AddPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.manager.AddPermission(r.Context(), id, permissionID, nil); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeRole(w, r, id)
}

// RemovePermission handles DELETE /roles/{id}/permissions/{permission_id}
func (h *Handlers) RemovePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}

	removed, err := h.manager.RemovePermission(r.Context(), id, permissionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		httputil.WriteNotFound(w, "role does not hold this permission")
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) writeRole(w http.ResponseWriter, r *http.Request, id int64) {
	role, err := h.manager.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

type permissionSetResponse struct {
	Permissions PermissionSet `json:"permissions"`
	SuperAdmin  bool          `json:"super_admin"`
}

func newPermissionSetResponse(perms PermissionSet) permissionSetResponse {
	return permissionSetResponse{Permissions: perms, SuperAdmin: perms.IsWildcard()}
}

// RoleEffectivePermissions handles GET /roles/{id}/effective-permissions
func (h *Handlers) RoleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perms, err := h.manager.EffectivePermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newPermissionSetResponse(perms))
}

// --- Principals ---

type createPrincipalRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	RoleID      *int64 `json:"role_id"`
}

// CreatePrincipal handles POST /principals
func (h *Handlers) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, strings.TrimSpace(req.Username), "username") {
		return
	}

	user, err := h.manager.CreatePrincipal(r.Context(), req.Username, req.DisplayName, req.RoleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, user)
}

// GetPrincipal handles GET /principals/{id}
func (h *Handlers) GetPrincipal(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	user, err := h.manager.GetPrincipal(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

type setRoleRequest struct {
	RoleID *int64 `json:"role_id"`
}

// SetPrincipalRole handles PUT /principals/{id}/role; a null role_id clears it
func (h *Handlers) SetPrincipalRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req setRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.manager.SetPrincipalRole(r.Context(), id, req.RoleID); err != nil {
		writeError(w, r, err)
		return
	}
	h.writePrincipal(w, r, id)
}

// SetPrincipalStatus handles PUT /principals/{id}/status
func (h *Handlers) SetPrincipalStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req activeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteValidationError(w, "is_active is required")
		return
	}

	if err := h.manager.SetPrincipalActive(r.Context(), id, *req.IsActive); err != nil {
		writeError(w, r, err)
		return
	}
	h.writePrincipal(w, r, id)
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) addOverlay(w http.ResponseWriter, r *http.Request, effect OverlayEffect) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req codeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var err error
	if effect == EffectDeny {
		err = h.manager.Deny(r.Context(), id, req.Code)
	} else {
		err = h.manager.GrantExtra(r.Context(), id, req.Code)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writePrincipal(w, r, id)
}

func (h *Handlers) removeOverlay(w http.ResponseWriter, r *http.Request, effect OverlayEffect) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}

	var err error
	if effect == EffectDeny {
		err = h.manager.Undeny(r.Context(), id, code)
	} else {
		err = h.manager.RevokeExtra(r.Context(), id, code)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writePrincipal(w, r, id)
}

// GrantExtra handles POST /principals/{id}/extra-permissions
func (h *Handlers) GrantExtra(w http.ResponseWriter, r *http.Request) {
	h.addOverlay(w, r, EffectGrant)
}

// RevokeExtra handles DELETE /principals/{id}/extra-permissions/{code}
func (h *Handlers) RevokeExtra(w http.ResponseWriter, r *http.Request) {
	h.removeOverlay(w, r, EffectGrant)
}

// Deny handles POST /principals/{id}/denied-permissions
func (h *Handlers) Deny(w http.ResponseWriter, r *http.Request) {
	h.addOverlay(w, r, EffectDeny)
}

// Undeny handles DELETE /principals/{id}/denied-permissions/{code}
func (h *Handlers) Undeny(w http.ResponseWriter, r *http.Request) {
	h.removeOverlay(w, r, EffectDeny)
}

func (h *Handlers) writePrincipal(w http.ResponseWriter, r *http.Request, id int64) {
	user, err := h.manager.GetPrincipal(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// ListIPAllowlist handles GET /principals/{id}/ip-allowlist
func (h *Handlers) ListIPAllowlist(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	entries, err := h.manager.ListIPAllowlist(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

type allowlistEntryRequest struct {
	Address     string `json:"address"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active"`
}

type setAllowlistRequest struct {
	Entries []allowlistEntryRequest `json:"entries"`
}

// SetIPAllowlist handles PUT /principals/{id}/ip-allowlist. An empty list
// removes the address restriction.
func (h *Handlers) SetIPAllowlist(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req setAllowlistRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	entries := make([]IPAllowEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entry := IPAllowEntry{Address: e.Address, Description: e.Description, IsActive: true}
		if e.IsActive != nil {
			entry.IsActive = *e.IsActive
		}
		entries = append(entries, entry)
	}

	if err := h.manager.SetIPAllowlist(r.Context(), id, entries); err != nil {
		writeError(w, r, err)
		return
	}

	stored, err := h.manager.ListIPAllowlist(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stored)
}

// PrincipalPermissions handles GET /principals/{id}/permissions
func (h *Handlers) PrincipalPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perms, err := h.manager.PrincipalPermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newPermissionSetResponse(perms))
}

// --- Decisions ---

// Check handles POST /check, answering an access request for any principal.
// The source address defaults to the caller's.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PrincipalID <= 0 {
		httputil.WriteValidationError(w, "principal_id is required")
		return
	}
	if req.SourceIP == "" {
		req.SourceIP = httputil.ClientIP(r)
	}

	decision, err := h.decisions.Authorize(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// MyPermissions handles GET /me/permissions for the authenticated principal
func (h *Handlers) MyPermissions(w http.ResponseWriter, r *http.Request) {
	id := contextkeys.GetPrincipalID(r.Context())
	if id == 0 {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	perms, err := h.manager.PrincipalPermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newPermissionSetResponse(perms))
}
