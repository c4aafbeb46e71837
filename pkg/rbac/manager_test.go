package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/contextkeys"
)

func TestManager_CreatePermission(t *testing.T) {
	env := newTestEnv(t)

	t.Run("from code", func(t *testing.T) {
		perm, err := env.manager.CreatePermission(env.ctx, CreatePermissionInput{Code: "book.edit", Description: " Edit books "})
		require.NoError(t, err)
		assert.Equal(t, "book", perm.Module)
		assert.Equal(t, "edit", perm.Action)
		assert.Equal(t, "Edit books", perm.Description)
		assert.True(t, perm.IsActive)
	})

	t.Run("from module and action", func(t *testing.T) {
		perm, err := env.manager.CreatePermission(env.ctx, CreatePermissionInput{Module: "dialogue", Action: "moderate"})
		require.NoError(t, err)
		assert.Equal(t, "dialogue.moderate", perm.Code)
	})

	t.Run("duplicate code", func(t *testing.T) {
		_, err := env.manager.CreatePermission(env.ctx, CreatePermissionInput{Code: "book.edit"})
		assert.ErrorIs(t, err, ErrDuplicateCode)
	})

	invalidInputs := map[string]CreatePermissionInput{
		"empty":           {},
		"no action":       {Module: "book"},
		"no dot":          {Code: "bookedit"},
		"wildcard":        {Code: Wildcard},
		"whitespace":      {Code: "book.edit all"},
		"module mismatch": {Code: "book.edit", Module: "user"},
	}
	for name, in := range invalidInputs {
		t.Run(name, func(t *testing.T) {
			_, err := env.manager.CreatePermission(env.ctx, in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestManager_SetPermissionActive(t *testing.T) {
	env := newTestEnv(t)
	perm := env.permission(t, "book.edit")
	env.audit.reset()

	updated, err := env.manager.SetPermissionActive(env.ctx, perm.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	events := env.audit.ofType(audit.EventTypePermissionUpdate)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventStatusSuccess, events[0].Status)
	before := events[0].Changes.Before.(*Permission)
	assert.True(t, before.IsActive)

	_, err = env.manager.SetPermissionActive(env.ctx, 9999, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_CreateRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := contextkeys.WithPrincipalID(env.ctx, 5)

	viewer, err := env.manager.CreateRole(ctx, CreateRoleInput{Name: " viewer "})
	require.NoError(t, err)
	assert.Equal(t, "viewer", viewer.Name)
	assert.Equal(t, "viewer", viewer.DisplayName, "display name defaults to the name")
	require.NotNil(t, viewer.CreatedBy)
	assert.Equal(t, int64(5), *viewer.CreatedBy, "creator defaults to the acting principal")
	assert.False(t, viewer.IsSystem)

	editor, err := env.manager.CreateRole(ctx, CreateRoleInput{Name: "editor", DisplayName: "Editor", ParentRoleID: &viewer.ID})
	require.NoError(t, err)
	assert.Equal(t, viewer.ID, *editor.ParentRoleID)

	_, err = env.manager.CreateRole(ctx, CreateRoleInput{Name: "viewer"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = env.manager.CreateRole(ctx, CreateRoleInput{Name: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.manager.CreateRole(ctx, CreateRoleInput{Name: SuperAdminRole})
	assert.ErrorIs(t, err, ErrInvalidInput, "the sentinel name is reserved")

	_, err = env.manager.CreateRole(ctx, CreateRoleInput{Name: "orphan", ParentRoleID: ptr(int64(9999))})
	assert.ErrorIs(t, err, ErrNotFound)

	created := env.audit.ofType(audit.EventTypeRoleCreate)
	require.Len(t, created, 6)
	assert.Equal(t, audit.EventStatusSuccess, created[0].Status)
	assert.Equal(t, idString(viewer.ID), created[0].ResourceID)
	assert.Equal(t, audit.EventStatusFailure, created[2].Status)
	assert.Contains(t, created[2].ErrorMessage, "already exists")
}

func TestManager_GetRole(t *testing.T) {
	env := newTestEnv(t)
	role := env.role(t, "editor", nil, "book.view", "book.edit")

	got, err := env.manager.GetRole(env.ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"book.edit", "book.view"}, permissionCodes(got.Permissions))

	_, err = env.manager.GetRole(env.ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UpdateRole(t *testing.T) {
	env := newTestEnv(t)

	viewer := env.role(t, "viewer", nil)
	editor := env.role(t, "editor", &viewer.ID)
	operator := env.role(t, "operator", &editor.ID)
	other := env.role(t, "other", nil)
	super := env.superAdminRole(t)

	t.Run("fields", func(t *testing.T) {
		updated, err := env.manager.UpdateRole(env.ctx, other.ID, UpdateRoleInput{
			DisplayName: ptr("Other Role"),
			Description: ptr("misc"),
		})
		require.NoError(t, err)
		assert.Equal(t, "Other Role", updated.DisplayName)
		assert.Equal(t, "misc", updated.Description)
		assert.True(t, updated.IsActive)
	})

	t.Run("empty display name", func(t *testing.T) {
		_, err := env.manager.UpdateRole(env.ctx, other.ID, UpdateRoleInput{DisplayName: ptr("  ")})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("self parent", func(t *testing.T) {
		_, err := env.manager.UpdateRole(env.ctx, viewer.ID, UpdateRoleInput{ParentRoleID: &viewer.ID})
		assert.ErrorIs(t, err, ErrCyclicInheritance)
	})

	t.Run("descendant parent", func(t *testing.T) {
		_, err := env.manager.UpdateRole(env.ctx, viewer.ID, UpdateRoleInput{ParentRoleID: &operator.ID})
		assert.ErrorIs(t, err, ErrCyclicInheritance)

		role, _ := env.store.GetRole(env.ctx, viewer.ID)
		assert.Nil(t, role.ParentRoleID, "rejected update must not persist")
	})

	t.Run("reparent", func(t *testing.T) {
		locks := hierarchyLocks.Load()
		updated, err := env.manager.UpdateRole(env.ctx, operator.ID, UpdateRoleInput{ParentRoleID: &other.ID})
		require.NoError(t, err)
		assert.Equal(t, other.ID, *updated.ParentRoleID)
		assert.Equal(t, locks+1, hierarchyLocks.Load(), "parent changes hold the hierarchy lock")

		_, err = env.manager.UpdateRole(env.ctx, other.ID, UpdateRoleInput{Description: ptr("no parent change")})
		require.NoError(t, err)
		assert.Equal(t, locks+1, hierarchyLocks.Load())
	})

	t.Run("clear parent", func(t *testing.T) {
		updated, err := env.manager.UpdateRole(env.ctx, operator.ID, UpdateRoleInput{ClearParent: true})
		require.NoError(t, err)
		assert.Nil(t, updated.ParentRoleID)
	})

	t.Run("clear and set parent", func(t *testing.T) {
		_, err := env.manager.UpdateRole(env.ctx, operator.ID, UpdateRoleInput{ClearParent: true, ParentRoleID: &other.ID})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("system role", func(t *testing.T) {
		_, err := env.manager.UpdateRole(env.ctx, super.ID, UpdateRoleInput{DisplayName: ptr("Root")})
		assert.ErrorIs(t, err, ErrImmutableRole)
	})

	t.Run("missing role", func(t *testing.T) {
		_, err := env.manager.UpdateRole(env.ctx, 9999, UpdateRoleInput{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManager_DeleteRole(t *testing.T) {
	env := newTestEnv(t)

	editor := env.role(t, "editor", nil, "book.edit")
	held := env.role(t, "held", nil)
	env.principal(t, "mira", &held.ID)
	super := env.superAdminRole(t)

	deleted, err := env.manager.DeleteRole(env.ctx, editor.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	ids, _ := env.store.RolePermissionIDs(env.ctx, editor.ID)
	assert.Empty(t, ids, "links are removed with the role")

	deleted, err = env.manager.DeleteRole(env.ctx, editor.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "missing role reports false")

	_, err = env.manager.DeleteRole(env.ctx, held.ID)
	assert.ErrorIs(t, err, ErrRoleInUse)

	_, err = env.manager.DeleteRole(env.ctx, super.ID)
	assert.ErrorIs(t, err, ErrImmutableRole)

	events := env.audit.ofType(audit.EventTypeRoleDelete)
	require.Len(t, events, 3)
	assert.Equal(t, audit.EventStatusSuccess, events[0].Status)
	assert.Equal(t, audit.EventStatusFailure, events[1].Status)
}

func TestManager_AssignPermissions(t *testing.T) {
	env := newTestEnv(t)

	view := env.permission(t, "book.view")
	edit := env.permission(t, "book.edit")
	moderate := env.permission(t, "dialogue.moderate")
	role := env.role(t, "editor", nil)
	require.NoError(t, env.manager.AddPermission(env.ctx, role.ID, view.ID, nil))
	require.NoError(t, env.manager.AddPermission(env.ctx, role.ID, edit.ID, nil))
	env.audit.reset()

	actor := contextkeys.WithPrincipalID(env.ctx, 9)
	require.NoError(t, env.manager.AssignPermissions(actor, role.ID, []int64{edit.ID, moderate.ID}, nil))

	ids, err := env.store.RolePermissionIDs(env.ctx, role.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{edit.ID, moderate.ID}, ids)

	var createdBy *int64
	require.NoError(t, env.db.QueryRow(
		`SELECT created_by FROM role_permissions WHERE role_id = ? AND permission_id = ?`, role.ID, moderate.ID,
	).Scan(&createdBy))
	require.NotNil(t, createdBy)
	assert.Equal(t, int64(9), *createdBy)

	events := env.audit.ofType(audit.EventTypeRolePermissionsAssign)
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []int64{view.ID, edit.ID}, events[0].Changes.Before)
	assert.ElementsMatch(t, []int64{edit.ID, moderate.ID}, events[0].Changes.After)

	err = env.manager.AssignPermissions(env.ctx, role.ID, []int64{view.ID, 9999}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	ids, _ = env.store.RolePermissionIDs(env.ctx, role.ID)
	assert.ElementsMatch(t, []int64{edit.ID, moderate.ID}, ids, "failed assignment rolls back")

	require.NoError(t, env.manager.AssignPermissions(env.ctx, role.ID, nil, nil))
	ids, _ = env.store.RolePermissionIDs(env.ctx, role.ID)
	assert.Empty(t, ids)
}

func TestManager_SystemRoleLinks(t *testing.T) {
	env := newTestEnv(t)
	super := env.superAdminRole(t)
	perm := env.permission(t, "book.view")

	assert.ErrorIs(t, env.manager.AddPermission(env.ctx, super.ID, perm.ID, nil), ErrImmutableRole)
	assert.ErrorIs(t, env.manager.AssignPermissions(env.ctx, super.ID, []int64{perm.ID}, nil), ErrImmutableRole)
	_, err := env.manager.RemovePermission(env.ctx, super.ID, perm.ID)
	assert.ErrorIs(t, err, ErrImmutableRole)
}

func TestManager_AddRemovePermission(t *testing.T) {
	env := newTestEnv(t)
	role := env.role(t, "editor", nil)
	perm := env.permission(t, "book.edit")

	require.NoError(t, env.manager.AddPermission(env.ctx, role.ID, perm.ID, nil))
	require.NoError(t, env.manager.AddPermission(env.ctx, role.ID, perm.ID, nil), "repeat is a no-op")
	assert.ErrorIs(t, env.manager.AddPermission(env.ctx, role.ID, 9999, nil), ErrNotFound)
	assert.ErrorIs(t, env.manager.AddPermission(env.ctx, 9999, perm.ID, nil), ErrNotFound)

	removed, err := env.manager.RemovePermission(env.ctx, role.ID, perm.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = env.manager.RemovePermission(env.ctx, role.ID, perm.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	set, err := env.manager.EffectivePermissions(env.ctx, role.ID)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestManager_Principals(t *testing.T) {
	env := newTestEnv(t)
	role := env.role(t, "editor", nil, "book.edit")
	env.permission(t, "user.view")

	user, err := env.manager.CreatePrincipal(env.ctx, " mira ", "Mira", &role.ID)
	require.NoError(t, err)
	assert.Equal(t, "mira", user.Username)
	assert.Empty(t, user.ExtraPermissions)

	_, err = env.manager.CreatePrincipal(env.ctx, "", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.manager.CreatePrincipal(env.ctx, "ghost", "", ptr(int64(9999)))
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("overlay", func(t *testing.T) {
		require.NoError(t, env.manager.GrantExtra(env.ctx, user.ID, "user.view"))
		require.NoError(t, env.manager.Deny(env.ctx, user.ID, "book.edit"))

		assert.ErrorIs(t, env.manager.GrantExtra(env.ctx, user.ID, "unknown.code"), ErrNotFound)
		assert.ErrorIs(t, env.manager.Deny(env.ctx, user.ID, " "), ErrInvalidInput)
		assert.ErrorIs(t, env.manager.GrantExtra(env.ctx, 9999, "user.view"), ErrNotFound)

		got, err := env.manager.GetPrincipal(env.ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"user.view"}, got.ExtraPermissions)
		assert.Equal(t, []string{"book.edit"}, got.DeniedPermissions)

		perms, err := env.manager.PrincipalPermissions(env.ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"user.view"}, perms.Codes())

		require.NoError(t, env.manager.Undeny(env.ctx, user.ID, "book.edit"))
		require.NoError(t, env.manager.RevokeExtra(env.ctx, user.ID, "user.view"))
		// removing something absent succeeds
		require.NoError(t, env.manager.RevokeExtra(env.ctx, user.ID, "never.granted"))

		perms, _ = env.manager.PrincipalPermissions(env.ctx, user.ID)
		assert.Equal(t, []string{"book.edit"}, perms.Codes())

		events := env.audit.ofType(audit.EventTypePrincipalOverlayChange)
		assert.NotEmpty(t, events)
	})

	t.Run("role", func(t *testing.T) {
		require.NoError(t, env.manager.SetPrincipalRole(env.ctx, user.ID, nil))
		perms, _ := env.manager.PrincipalPermissions(env.ctx, user.ID)
		assert.Empty(t, perms)

		assert.ErrorIs(t, env.manager.SetPrincipalRole(env.ctx, user.ID, ptr(int64(9999))), ErrNotFound)
		require.NoError(t, env.manager.SetPrincipalRole(env.ctx, user.ID, &role.ID))
		perms, _ = env.manager.PrincipalPermissions(env.ctx, user.ID)
		assert.True(t, perms.Has("book.edit"))
	})

	t.Run("status", func(t *testing.T) {
		require.NoError(t, env.manager.SetPrincipalActive(env.ctx, user.ID, false))
		got, _ := env.manager.GetPrincipal(env.ctx, user.ID)
		assert.False(t, got.IsActive)
		assert.ErrorIs(t, env.manager.SetPrincipalActive(env.ctx, 9999, false), ErrNotFound)
	})

	t.Run("allowlist", func(t *testing.T) {
		err := env.manager.SetIPAllowlist(env.ctx, user.ID, []IPAllowEntry{{Address: "nope", IsActive: true}})
		assert.ErrorIs(t, err, ErrInvalidInput)

		require.NoError(t, env.manager.SetIPAllowlist(env.ctx, user.ID, []IPAllowEntry{
			{Address: " 10.0.0.0/8 ", IsActive: true},
		}))
		entries, err := env.manager.ListIPAllowlist(env.ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "10.0.0.0/8", entries[0].Address)

		_, err = env.manager.ListIPAllowlist(env.ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManager_AuditActor(t *testing.T) {
	env := newTestEnv(t)
	actorID := int64(12)
	ctx := audit.WithActor(env.ctx, audit.Actor{UserID: &actorID, Username: "root", IPAddress: "192.0.2.4"})
	ctx = contextkeys.WithRequestID(ctx, "req-1")

	_, err := env.manager.CreatePermission(ctx, CreatePermissionInput{Code: "book.view"})
	require.NoError(t, err)

	events := env.audit.ofType(audit.EventTypePermissionCreate)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "rbac", e.Module)
	assert.Equal(t, audit.ResourceTypePermission, e.ResourceType)
	assert.Equal(t, "book.view", e.ResourceID)
	assert.Equal(t, "root", e.Username)
	assert.Equal(t, "192.0.2.4", e.IPAddress)
	assert.Equal(t, "req-1", e.RequestID)
}

type erroringCache struct {
	*MemoryCache
	flushes int
}

func (c *erroringCache) Flush(ctx context.Context) error {
	c.flushes++
	return errors.New("flush failed")
}

func TestManager_FlushFailureDoesNotFailWrite(t *testing.T) {
	env := newTestEnv(t)
	cache := &erroringCache{MemoryCache: NewMemoryCache(10, 0)}
	manager := NewManager(env.store, NewResolver(env.store, cache), env.audit, nil)

	perm, err := manager.CreatePermission(env.ctx, CreatePermissionInput{Code: "book.view"})
	require.NoError(t, err, "committed write succeeds even when the flush fails")
	assert.NotZero(t, perm.ID)
	assert.Equal(t, 1, cache.flushes)

	_, err = manager.CreatePermission(env.ctx, CreatePermissionInput{Code: "book.view"})
	assert.ErrorIs(t, err, ErrDuplicateCode)
	assert.Equal(t, 1, cache.flushes, "failed writes do not flush")
}

func TestManager_NilAuditUsesContextLogger(t *testing.T) {
	env := newTestEnv(t)
	manager := NewManager(env.store, env.resolver, nil, nil)
	rec := &recordingAudit{}
	ctx := audit.WithLogger(env.ctx, rec)

	_, err := manager.CreatePermission(ctx, CreatePermissionInput{Code: "book.view"})
	require.NoError(t, err)
	assert.Len(t, rec.ofType(audit.EventTypePermissionCreate), 1)
	assert.Empty(t, env.audit.ofType(audit.EventTypePermissionCreate))
}
