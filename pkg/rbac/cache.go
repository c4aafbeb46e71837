package rbac

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL bounds how long a resolved permission set may be served
const DefaultCacheTTL = 300 * time.Second

// CacheKeyPrefix namespaces resolved permission sets in shared caches
const CacheKeyPrefix = "principal-permissions:"

// CacheKey returns the cache key for a principal
func CacheKey(principalID int64) string {
	return fmt.Sprintf("%s%d", CacheKeyPrefix, principalID)
}

// PermissionCache stores resolved permission sets per principal.
// Flush drops every entry; writes never invalidate selectively.
type PermissionCache interface {
	Get(ctx context.Context, principalID int64) (PermissionSet, bool, error)
	Set(ctx context.Context, principalID int64, perms PermissionSet) error
	Flush(ctx context.Context) error
	Backend() string
}

// MemoryCache is an in-process expiring LRU of resolved permission sets
type MemoryCache struct {
	cache *lru.LRU[int64, PermissionSet]
}

// NewMemoryCache creates an in-process cache holding at most size principals
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size < 10 {
		size = 10
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &MemoryCache{
		cache: lru.NewLRU[int64, PermissionSet](size, nil, ttl),
	}
}

// Get returns the cached set for a principal
func (c *MemoryCache) Get(ctx context.Context, principalID int64) (PermissionSet, bool, error) {
	perms, ok := c.cache.Get(principalID)
	return perms.Clone(), ok, nil
}

// Set stores a copy of a resolved set
func (c *MemoryCache) Set(ctx context.Context, principalID int64, perms PermissionSet) error {
	c.cache.Add(principalID, perms.Clone())
	return nil
}

// Flush drops every cached set
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.cache.Purge()
	return nil
}

// Len reports the number of cached principals
func (c *MemoryCache) Len() int {
	return c.cache.Len()
}

// Backend names the cache implementation for metrics
func (c *MemoryCache) Backend() string {
	return "memory"
}

// noCache disables caching
type noCache struct{}

func (noCache) Get(context.Context, int64) (PermissionSet, bool, error) { return nil, false, nil }
func (noCache) Set(context.Context, int64, PermissionSet) error        { return nil }
func (noCache) Flush(context.Context) error                            { return nil }
func (noCache) Backend() string                                        { return "none" }
