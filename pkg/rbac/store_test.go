package rbac

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestStore_PermissionCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	perm := &Permission{Code: "book.edit", Module: "book", Action: "edit", Description: "Edit books", IsActive: true}
	if err := store.CreatePermission(ctx, perm); err != nil {
		t.Fatalf("CreatePermission failed: %v", err)
	}
	if perm.ID == 0 {
		t.Fatal("Expected permission ID to be set")
	}

	got, err := store.GetPermission(ctx, perm.ID)
	if err != nil {
		t.Fatalf("GetPermission failed: %v", err)
	}
	if got.Code != "book.edit" || got.Description != "Edit books" || !got.IsActive {
		t.Errorf("Unexpected permission: %+v", got)
	}
	if got.Resource != "" {
		t.Errorf("Expected empty resource, got %q", got.Resource)
	}

	dup := &Permission{Code: "book.edit", Module: "book", Action: "edit", IsActive: true}
	if err := store.CreatePermission(ctx, dup); !errors.Is(err, ErrDuplicateCode) {
		t.Errorf("Expected ErrDuplicateCode, got %v", err)
	}

	if err := store.SetPermissionActive(ctx, perm.ID, false); err != nil {
		t.Fatalf("SetPermissionActive failed: %v", err)
	}
	got, _ = store.GetPermissionByCode(ctx, "book.edit")
	if got.IsActive {
		t.Error("Expected permission to be inactive")
	}

	if err := store.SetPermissionActive(ctx, 9999, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetPermissionByCode(ctx, "missing.code"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListPermissions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	for _, code := range []string{"user.view", "book.view", "book.edit"} {
		module, action, _ := SplitPermissionCode(code)
		if err := store.CreatePermission(ctx, &Permission{Code: code, Module: module, Action: action, IsActive: true}); err != nil {
			t.Fatalf("CreatePermission(%q) failed: %v", code, err)
		}
	}
	edit, _ := store.GetPermissionByCode(ctx, "book.edit")
	if err := store.SetPermissionActive(ctx, edit.ID, false); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListPermissions(ctx, PermissionFilter{})
	if err != nil {
		t.Fatalf("ListPermissions failed: %v", err)
	}
	if codes := permissionCodes(all); !reflect.DeepEqual(codes, []string{"book.edit", "book.view", "user.view"}) {
		t.Errorf("Expected module/code order, got %v", codes)
	}

	active := true
	books, err := store.ListPermissions(ctx, PermissionFilter{Module: "book", IsActive: &active})
	if err != nil {
		t.Fatalf("ListPermissions failed: %v", err)
	}
	if codes := permissionCodes(books); !reflect.DeepEqual(codes, []string{"book.view"}) {
		t.Errorf("Expected only active book permissions, got %v", codes)
	}
}

func permissionCodes(perms []Permission) []string {
	codes := make([]string, 0, len(perms))
	for _, p := range perms {
		codes = append(codes, p.Code)
	}
	return codes
}

func TestStore_RoleCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	parent := &Role{Name: "viewer", DisplayName: "Viewer", IsActive: true}
	if err := store.CreateRole(ctx, parent); err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}

	createdBy := int64(3)
	child := &Role{
		Name:         "editor",
		DisplayName:  "Editor",
		Description:  "Edits books",
		ParentRoleID: &parent.ID,
		IsActive:     true,
		CreatedBy:    &createdBy,
	}
	if err := store.CreateRole(ctx, child); err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}

	got, err := store.GetRoleByName(ctx, "editor")
	if err != nil {
		t.Fatalf("GetRoleByName failed: %v", err)
	}
	if got.ParentRoleID == nil || *got.ParentRoleID != parent.ID {
		t.Errorf("Expected parent %d, got %v", parent.ID, got.ParentRoleID)
	}
	if got.CreatedBy == nil || *got.CreatedBy != 3 {
		t.Errorf("Expected created_by 3, got %v", got.CreatedBy)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected created_at to be set")
	}

	if err := store.CreateRole(ctx, &Role{Name: "editor", DisplayName: "Again"}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName, got %v", err)
	}

	got.DisplayName = "Content Editor"
	got.ParentRoleID = nil
	got.IsActive = false
	if err := store.UpdateRole(ctx, got); err != nil {
		t.Fatalf("UpdateRole failed: %v", err)
	}
	updated, _ := store.GetRole(ctx, child.ID)
	if updated.DisplayName != "Content Editor" || updated.ParentRoleID != nil || updated.IsActive {
		t.Errorf("Unexpected role after update: %+v", updated)
	}

	roles, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles failed: %v", err)
	}
	if len(roles) != 2 || roles[0].Name != "editor" || roles[1].Name != "viewer" {
		t.Errorf("Expected roles ordered by name, got %+v", roles)
	}

	if err := store.DeleteRole(ctx, child.ID); err != nil {
		t.Fatalf("DeleteRole failed: %v", err)
	}
	if _, err := store.GetRole(ctx, child.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRole(ctx, child.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestStore_LockRoleHierarchy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	if err := store.LockRoleHierarchy(ctx); err == nil {
		t.Error("Expected an error outside a transaction")
	}

	locks := hierarchyLocks.Load()
	err := store.WithTx(ctx, func(tx *Store) error {
		return tx.LockRoleHierarchy(ctx)
	})
	if err != nil {
		t.Fatalf("LockRoleHierarchy failed: %v", err)
	}
	if got := hierarchyLocks.Load() - locks; got != 1 {
		t.Errorf("Expected one lock call, got %d", got)
	}
}

func TestStore_CheckParentChain(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	// a <- b <- c
	a := &Role{Name: "a", DisplayName: "A", IsActive: true}
	if err := store.CreateRole(ctx, a); err != nil {
		t.Fatal(err)
	}
	b := &Role{Name: "b", DisplayName: "B", ParentRoleID: &a.ID, IsActive: true}
	if err := store.CreateRole(ctx, b); err != nil {
		t.Fatal(err)
	}
	c := &Role{Name: "c", DisplayName: "C", ParentRoleID: &b.ID, IsActive: true}
	if err := store.CreateRole(ctx, c); err != nil {
		t.Fatal(err)
	}
	d := &Role{Name: "d", DisplayName: "D", IsActive: true}
	if err := store.CreateRole(ctx, d); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		roleID  int64
		parent  int64
		wantErr error
	}{
		{"self reference", a.ID, a.ID, ErrCyclicInheritance},
		{"descendant as parent", a.ID, c.ID, ErrCyclicInheritance},
		{"child as parent", b.ID, c.ID, ErrCyclicInheritance},
		{"unrelated root", a.ID, d.ID, nil},
		{"existing chain", d.ID, c.ID, nil},
		{"missing parent", a.ID, 9999, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CheckParentChain(ctx, tt.roleID, tt.parent)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStore_RolePermissionLinks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	role := &Role{Name: "editor", DisplayName: "Editor", IsActive: true}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, code := range []string{"book.view", "book.edit", "dialogue.moderate"} {
		module, action, _ := SplitPermissionCode(code)
		p := &Permission{Code: code, Module: module, Action: action, IsActive: true}
		if err := store.CreatePermission(ctx, p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.ID)
	}

	if err := store.AddRolePermission(ctx, role.ID, ids[0], nil); err != nil {
		t.Fatalf("AddRolePermission failed: %v", err)
	}
	// repeating a link is a no-op
	if err := store.AddRolePermission(ctx, role.ID, ids[0], nil); err != nil {
		t.Fatalf("AddRolePermission (repeat) failed: %v", err)
	}
	if err := store.AddRolePermission(ctx, role.ID, ids[1], nil); err != nil {
		t.Fatal(err)
	}

	got, _ := store.RolePermissionIDs(ctx, role.ID)
	if !reflect.DeepEqual(got, ids[:2]) {
		t.Errorf("RolePermissionIDs = %v, want %v", got, ids[:2])
	}

	if err := store.SetPermissionActive(ctx, ids[1], false); err != nil {
		t.Fatal(err)
	}
	codes, _ := store.ActiveRolePermissionCodes(ctx, role.ID)
	if !reflect.DeepEqual(codes, []string{"book.view"}) {
		t.Errorf("Expected inactive permissions to be excluded, got %v", codes)
	}
	linked, _ := store.ListRolePermissions(ctx, role.ID)
	if len(linked) != 2 {
		t.Errorf("ListRolePermissions should keep inactive links, got %d", len(linked))
	}

	if err := store.ReplaceRolePermissions(ctx, role.ID, []int64{ids[1], ids[2]}, nil); err != nil {
		t.Fatalf("ReplaceRolePermissions failed: %v", err)
	}
	got, _ = store.RolePermissionIDs(ctx, role.ID)
	if !reflect.DeepEqual(got, ids[1:]) {
		t.Errorf("RolePermissionIDs after replace = %v, want %v", got, ids[1:])
	}

	if err := store.ReplaceRolePermissions(ctx, role.ID, []int64{ids[0], 9999}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown permission, got %v", err)
	}
	// failed replace rolls back
	got, _ = store.RolePermissionIDs(ctx, role.ID)
	if !reflect.DeepEqual(got, ids[1:]) {
		t.Errorf("Expected links unchanged after failed replace, got %v", got)
	}

	removed, err := store.RemoveRolePermission(ctx, role.ID, ids[2])
	if err != nil || !removed {
		t.Errorf("RemoveRolePermission = (%v, %v), want (true, nil)", removed, err)
	}
	removed, _ = store.RemoveRolePermission(ctx, role.ID, ids[2])
	if removed {
		t.Error("Expected second remove to report false")
	}
}

func TestStore_AdminUserOverlay(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	user := &AdminUser{Username: "mira", DisplayName: "Mira", IsActive: true}
	if err := store.CreateAdminUser(ctx, user); err != nil {
		t.Fatalf("CreateAdminUser failed: %v", err)
	}
	if err := store.CreateAdminUser(ctx, &AdminUser{Username: "mira"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for duplicate username, got %v", err)
	}

	bookEdit := &Permission{Code: "book.edit", Module: "book", Action: "edit", IsActive: true}
	if err := store.CreatePermission(ctx, bookEdit); err != nil {
		t.Fatal(err)
	}

	added, err := store.AddOverlay(ctx, user.ID, "book.edit", EffectGrant)
	if err != nil || !added {
		t.Fatalf("AddOverlay = (%v, %v)", added, err)
	}
	added, _ = store.AddOverlay(ctx, user.ID, "book.edit", EffectGrant)
	if added {
		t.Error("Expected repeated grant to be a no-op")
	}
	if _, err := store.AddOverlay(ctx, user.ID, "user.edit", EffectDeny); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetAdminUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetAdminUser failed: %v", err)
	}
	if !reflect.DeepEqual(got.ExtraPermissions, []string{"book.edit"}) {
		t.Errorf("ExtraPermissions = %v", got.ExtraPermissions)
	}
	if !reflect.DeepEqual(got.DeniedPermissions, []string{"user.edit"}) {
		t.Errorf("DeniedPermissions = %v", got.DeniedPermissions)
	}
	if got.RoleID != nil {
		t.Errorf("Expected no role, got %v", *got.RoleID)
	}

	// grants of inactive catalog entries drop out, denials do not
	if err := store.SetPermissionActive(ctx, bookEdit.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetAdminUser(ctx, user.ID)
	if len(got.ExtraPermissions) != 0 {
		t.Errorf("Expected inactive grant to be hidden, got %v", got.ExtraPermissions)
	}
	if !reflect.DeepEqual(got.DeniedPermissions, []string{"user.edit"}) {
		t.Errorf("DeniedPermissions = %v", got.DeniedPermissions)
	}

	removed, _ := store.RemoveOverlay(ctx, user.ID, "user.edit", EffectDeny)
	if !removed {
		t.Error("Expected denial to be removed")
	}
	got, _ = store.GetAdminUserByUsername(ctx, "mira")
	if len(got.DeniedPermissions) != 0 {
		t.Errorf("Expected no denials, got %v", got.DeniedPermissions)
	}

	if err := store.SetAdminUserActive(ctx, user.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAdminUserRole(ctx, 9999, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	got, _ = store.GetAdminUser(ctx, user.ID)
	if got.IsActive {
		t.Error("Expected user to be inactive")
	}
}

func TestStore_IPAllowlist(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	user := &AdminUser{Username: "ops", IsActive: true}
	if err := store.CreateAdminUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	entries := []IPAllowEntry{
		{Address: "203.0.113.7", Description: "office", IsActive: true},
		{Address: "10.0.0.0/8", IsActive: false},
	}
	if err := store.ReplaceIPAllowlist(ctx, user.ID, entries); err != nil {
		t.Fatalf("ReplaceIPAllowlist failed: %v", err)
	}

	all, _ := store.ListIPAllowlist(ctx, user.ID, false)
	if len(all) != 2 || all[0].Description != "office" || all[0].AdminUserID != user.ID {
		t.Errorf("Unexpected allowlist: %+v", all)
	}
	active, _ := store.ListIPAllowlist(ctx, user.ID, true)
	if len(active) != 1 || active[0].Address != "203.0.113.7" {
		t.Errorf("Expected one active entry, got %+v", active)
	}

	if err := store.ReplaceIPAllowlist(ctx, user.ID, nil); err != nil {
		t.Fatal(err)
	}
	all, _ = store.ListIPAllowlist(ctx, user.ID, false)
	if len(all) != 0 {
		t.Errorf("Expected empty allowlist, got %+v", all)
	}
}
