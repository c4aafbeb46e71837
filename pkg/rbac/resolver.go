package rbac

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyloom/storyloom/pkg/observability"
)

// Resolver computes effective permission sets for roles and principals
type Resolver struct {
	store          *Store
	cache          PermissionCache
	superAdminRole string
	metrics        *observability.Metrics
	tracer         trace.Tracer

	// gen guards against a resolution that started before a flush
	// repopulating the cache after it.
	mu  sync.RWMutex
	gen uint64
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithSuperAdminRole overrides the sentinel super-admin role name
func WithSuperAdminRole(name string) ResolverOption {
	return func(r *Resolver) {
		if name != "" {
			r.superAdminRole = name
		}
	}
}

// WithMetrics records cache and resolution metrics
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a resolver. A nil cache disables caching.
func NewResolver(store *Store, cache PermissionCache, opts ...ResolverOption) *Resolver {
	if cache == nil {
		cache = noCache{}
	}
	r := &Resolver{
		store:          store,
		cache:          cache,
		superAdminRole: SuperAdminRole,
		tracer:         observability.Tracer("github.com/storyloom/storyloom/pkg/rbac"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SuperAdminRoleName returns the configured sentinel role name
func (r *Resolver) SuperAdminRoleName() string {
	return r.superAdminRole
}

// RoleEffectivePermissions returns the active codes granted by a role and
// every ancestor up to the root. Inactive roles in the chain contribute
// nothing of their own.
func (r *Resolver) RoleEffectivePermissions(ctx context.Context, roleID int64) (PermissionSet, error) {
	perms := PermissionSet{}
	visited := map[int64]bool{}

	current := &roleID
	for current != nil {
		// stored chains are acyclic; the visited set only stops a corrupt one
		if visited[*current] {
			break
		}
		visited[*current] = true

		role, err := r.store.GetRole(ctx, *current)
		if err != nil {
			return nil, err
		}

		if role.IsActive {
			codes, err := r.store.ActiveRolePermissionCodes(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			for _, c := range codes {
				perms[c] = struct{}{}
			}
		}
		current = role.ParentRoleID
	}
	return perms, nil
}

// Resolve returns the effective permission set of a principal, using the cache
func (r *Resolver) Resolve(ctx context.Context, principalID int64) (PermissionSet, error) {
	ctx, span := r.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.Int64("rbac.principal_id", principalID),
	))
	defer span.End()

	start := time.Now()
	if perms, ok := r.cached(ctx, principalID); ok {
		span.SetAttributes(attribute.Bool("rbac.cache_hit", true))
		r.metrics.RecordResolve("cache", time.Since(start))
		return perms, nil
	}

	gen := r.generation()

	principal, err := r.store.GetAdminUser(ctx, principalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "load principal")
		return nil, err
	}

	perms, err := r.compute(ctx, principal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "compute permissions")
		return nil, err
	}

	r.remember(ctx, gen, principalID, perms)
	r.metrics.RecordResolve("store", time.Since(start))
	span.SetAttributes(attribute.Int("rbac.permission_count", len(perms)))
	return perms, nil
}

// ResolvePrincipal computes the set for an already loaded principal, bypassing the cache
func (r *Resolver) ResolvePrincipal(ctx context.Context, principal *AdminUser) (PermissionSet, error) {
	return r.compute(ctx, principal)
}

// compute applies: super admin => wildcard; otherwise (role chain ∪ extra) \ denied
func (r *Resolver) compute(ctx context.Context, principal *AdminUser) (PermissionSet, error) {
	role, err := r.principalRole(ctx, principal)
	if err != nil {
		return nil, err
	}
	if role != nil && role.Name == r.superAdminRole {
		return AllPermissions(), nil
	}

	base := PermissionSet{}
	if role != nil {
		if base, err = r.RoleEffectivePermissions(ctx, role.ID); err != nil {
			return nil, err
		}
	}

	granted := base.Union(NewPermissionSet(principal.ExtraPermissions...))
	return granted.Subtract(NewPermissionSet(principal.DeniedPermissions...)), nil
}

func (r *Resolver) principalRole(ctx context.Context, principal *AdminUser) (*Role, error) {
	if principal.RoleID == nil {
		return nil, nil
	}
	return r.store.GetRole(ctx, *principal.RoleID)
}

// IsSuperAdmin reports whether the principal holds the sentinel role
func (r *Resolver) IsSuperAdmin(ctx context.Context, principal *AdminUser) (bool, error) {
	role, err := r.principalRole(ctx, principal)
	if err != nil {
		return false, err
	}
	return role != nil && role.Name == r.superAdminRole, nil
}

// HasAny reports whether the principal holds at least one of codes
func (r *Resolver) HasAny(ctx context.Context, principalID int64, codes ...string) (bool, error) {
	return r.check(ctx, principalID, codes, false)
}

// HasAll reports whether the principal holds every one of codes
func (r *Resolver) HasAll(ctx context.Context, principalID int64, codes ...string) (bool, error) {
	return r.check(ctx, principalID, codes, true)
}

func (r *Resolver) check(ctx context.Context, principalID int64, codes []string, all bool) (bool, error) {
	if perms, ok := r.cached(ctx, principalID); ok {
		return r.recordCheck(matches(perms, codes, all), all), nil
	}

	gen := r.generation()
	principal, err := r.store.GetAdminUser(ctx, principalID)
	if err != nil {
		return false, err
	}

	allowed, err := r.evaluate(ctx, principal, codes, all, gen)
	if err != nil {
		return false, err
	}
	return r.recordCheck(allowed, all), nil
}

// evaluate short-circuits the super admin before any set is computed
// and caches the computed set under gen.
func (r *Resolver) evaluate(ctx context.Context, principal *AdminUser, codes []string, all bool, gen uint64) (bool, error) {
	super, err := r.IsSuperAdmin(ctx, principal)
	if err != nil {
		return false, err
	}
	if super {
		return true, nil
	}

	perms, err := r.compute(ctx, principal)
	if err != nil {
		return false, err
	}
	r.remember(ctx, gen, principal.ID, perms)
	return matches(perms, codes, all), nil
}

func (r *Resolver) recordCheck(allowed, all bool) bool {
	mode := "any"
	if all {
		mode = "all"
	}
	r.metrics.RecordPermissionCheck(mode, allowed)
	return allowed
}

func matches(perms PermissionSet, codes []string, all bool) bool {
	if all {
		return perms.HasAll(codes...)
	}
	return perms.HasAny(codes...)
}

// Invalidate flushes every cached permission set.
// Called after any RBAC write commits.
func (r *Resolver) Invalidate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	r.metrics.RecordCacheFlush(r.cache.Backend())
	return r.cache.Flush(ctx)
}

func (r *Resolver) generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

func (r *Resolver) cached(ctx context.Context, principalID int64) (PermissionSet, bool) {
	perms, ok, err := r.cache.Get(ctx, principalID)
	if err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("principal_id", principalID).
			Warn("Permission cache read failed, resolving from store")
		ok = false
	}
	if _, disabled := r.cache.(noCache); !disabled {
		r.metrics.RecordCacheLookup(r.cache.Backend(), ok)
	}
	return perms, ok
}

// remember caches perms unless a flush happened since gen was read
func (r *Resolver) remember(ctx context.Context, gen uint64, principalID int64, perms PermissionSet) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.gen != gen {
		return
	}
	if err := r.cache.Set(ctx, principalID, perms); err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("principal_id", principalID).
			Warn("Permission cache write failed")
	}
}
