// Package rbac resolves what an admin of the Storyloom platform may do.
//
// # Overview
//
// Permissions are catalog entries identified by a "module.action" code
// (book.edit, dialogue.moderate). Roles bundle permissions and may inherit
// from a single parent role, forming a forest. Each admin user (principal)
// holds at most one role plus an overlay of extra grants and explicit
// denials, and may be restricted to an IP allowlist.
//
// # Resolution
//
// The effective set of a principal is
//
//	super admin role         -> {"*"}
//	otherwise                -> (role chain ∪ extra) \ denied
//
// where the role chain is every active permission of the role and its
// ancestors. An inactive role in the chain contributes nothing of its own
// but the walk continues to its parent. Deactivated permissions keep their
// links and drop out of every set.
//
// Resolved sets are cached per principal under "principal-permissions:<id>"
// for five minutes, in process (MemoryCache) or in Redis (RedisCache). Any
// committed write through the Manager flushes the whole namespace.
//
// # Access Decisions
//
//	dp := rbac.NewDecisionPoint(store, resolver, metrics)
//	decision, err := dp.Authorize(ctx, rbac.AccessRequest{
//		PrincipalID: 42,
//		Codes:       []string{"book.edit"},
//		SourceIP:    "203.0.113.7",
//	})
//
// Inactive principals are denied first, then a principal with a non-empty
// active allowlist must come from a listed address or CIDR. An empty
// allowlist leaves the principal unrestricted.
//
// # HTTP
//
// Handlers serves the admin API under /api/admin/rbac. PermissionMiddleware
// guards each route with RequireAny or RequireAll and writes an
// authz.access_denied audit event for every refusal.
//
// # Bootstrap
//
// RunMigrations creates the schema. Manager.ApplySeed creates the catalog,
// roles and first super admin from a YAML seed, skipping anything that
// already exists; SeedWatcher re-applies the file when it changes.
package rbac
