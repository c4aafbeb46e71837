package rbac

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mattn/go-sqlite3"

	"github.com/storyloom/storyloom/pkg/audit"
)

// hierarchyLocks counts pg_advisory_xact_lock calls made through the test driver
var hierarchyLocks atomic.Int64

func init() {
	// sqlite serializes writers, so the advisory lock only needs to exist
	sql.Register("sqlite3_rbac", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("pg_advisory_xact_lock", func(key int64) int64 {
				hierarchyLocks.Add(1)
				return 0
			}, false)
		},
	})
}

// sqliteSchema mirrors the migrations with sqlite types
const sqliteSchema = `
	CREATE TABLE permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		module TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		description TEXT,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		description TEXT,
		parent_role_id INTEGER REFERENCES roles(id),
		is_system BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		created_by INTEGER
	);

	CREATE TABLE role_permissions (
		role_id INTEGER NOT NULL,
		permission_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		created_by INTEGER,
		PRIMARY KEY (role_id, permission_id)
	);

	CREATE TABLE admin_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT,
		role_id INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE admin_user_permissions (
		admin_user_id INTEGER NOT NULL,
		permission_code TEXT NOT NULL,
		effect TEXT NOT NULL CHECK (effect IN ('grant', 'deny')),
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (admin_user_id, permission_code, effect)
	);

	CREATE TABLE admin_ip_allowlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		admin_user_id INTEGER NOT NULL,
		ip_address TEXT NOT NULL,
		description TEXT,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3_rbac", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(sqliteSchema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

// recordingAudit captures audit events
type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
	err    error // returned after recording, when set
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) ofType(eventType audit.EventType) []*audit.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.AuditEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingAudit) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type testEnv struct {
	ctx       context.Context
	db        *sql.DB
	store     *Store
	cache     *MemoryCache
	resolver  *Resolver
	decisions *DecisionPoint
	manager   *Manager
	audit     *recordingAudit
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	store := NewStore(db)
	cache := NewMemoryCache(100, DefaultCacheTTL)
	resolver := NewResolver(store, cache)
	rec := &recordingAudit{}

	return &testEnv{
		ctx:       context.Background(),
		db:        db,
		store:     store,
		cache:     cache,
		resolver:  resolver,
		decisions: NewDecisionPoint(store, resolver, nil),
		manager:   NewManager(store, resolver, rec, nil),
		audit:     rec,
	}
}

func (e *testEnv) permission(t *testing.T, code string) *Permission {
	t.Helper()
	perm, err := e.manager.CreatePermission(e.ctx, CreatePermissionInput{Code: code})
	if err != nil {
		t.Fatalf("CreatePermission(%q) error = %v", code, err)
	}
	return perm
}

// role creates a custom role under parent (nil for a root) holding codes,
// creating catalog entries that do not exist yet.
func (e *testEnv) role(t *testing.T, name string, parent *int64, codes ...string) *Role {
	t.Helper()
	role, err := e.manager.CreateRole(e.ctx, CreateRoleInput{Name: name, ParentRoleID: parent})
	if err != nil {
		t.Fatalf("CreateRole(%q) error = %v", name, err)
	}

	for _, code := range codes {
		perm, err := e.store.GetPermissionByCode(e.ctx, code)
		if err != nil {
			perm = e.permission(t, code)
		}
		if err := e.manager.AddPermission(e.ctx, role.ID, perm.ID, nil); err != nil {
			t.Fatalf("AddPermission(%q, %q) error = %v", name, code, err)
		}
	}
	return role
}

func (e *testEnv) superAdminRole(t *testing.T) *Role {
	t.Helper()
	role := &Role{Name: SuperAdminRole, DisplayName: "Super Admin", IsSystem: true, IsActive: true}
	if err := e.store.CreateRole(e.ctx, role); err != nil {
		t.Fatalf("CreateRole(super_admin) error = %v", err)
	}
	return role
}

func (e *testEnv) principal(t *testing.T, username string, roleID *int64) *AdminUser {
	t.Helper()
	user, err := e.manager.CreatePrincipal(e.ctx, username, "", roleID)
	if err != nil {
		t.Fatalf("CreatePrincipal(%q) error = %v", username, err)
	}
	return user
}

func ptr[T any](v T) *T {
	return &v
}
