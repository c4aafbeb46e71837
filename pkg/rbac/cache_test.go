package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "principal-permissions:42", CacheKey(42))
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10, time.Minute)
	assert.Equal(t, "memory", cache.Backend())

	_, ok, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, 1, NewPermissionSet("book.view")))
	require.NoError(t, cache.Set(ctx, 2, AllPermissions()))

	perms, ok, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, perms.Has("book.view"))
	assert.Equal(t, 2, cache.Len())

	require.NoError(t, cache.Flush(ctx))
	assert.Equal(t, 0, cache.Len())
	_, ok, _ = cache.Get(ctx, 2)
	assert.False(t, ok)
}

func TestMemoryCache_CopiesSets(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10, time.Minute)

	stored := NewPermissionSet("book.view")
	require.NoError(t, cache.Set(ctx, 1, stored))
	stored["book.delete"] = struct{}{}

	got, ok, _ := cache.Get(ctx, 1)
	require.True(t, ok)
	assert.False(t, got.Has("book.delete"), "later writes to the stored set leak into the cache")

	got["user.edit"] = struct{}{}
	again, _, _ := cache.Get(ctx, 1)
	assert.Equal(t, []string{"book.view"}, again.Codes())
}

func TestResolver_ResolvedSetIsCallerOwned(t *testing.T) {
	env := newTestEnv(t)
	editor := env.role(t, "editor", nil, "book.edit")
	env.permission(t, "book.delete")
	user := env.principal(t, "mira", &editor.ID)

	perms, err := env.resolver.Resolve(env.ctx, user.ID)
	require.NoError(t, err)
	perms["book.delete"] = struct{}{}

	ok, err := env.resolver.HasAny(env.ctx, user.ID, "book.delete")
	require.NoError(t, err)
	assert.False(t, ok)

	// same through a cache hit
	perms, _ = env.resolver.Resolve(env.ctx, user.ID)
	perms["book.delete"] = struct{}{}
	ok, _ = env.resolver.HasAny(env.ctx, user.ID, "book.delete")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10, 20*time.Millisecond)

	require.NoError(t, cache.Set(ctx, 1, NewPermissionSet("book.view")))
	assert.Eventually(t, func() bool {
		_, ok, _ := cache.Get(ctx, 1)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, 0), mr, client
}

func TestRedisCache_GetSet(t *testing.T) {
	ctx := context.Background()
	cache, mr, _ := newTestRedisCache(t)
	assert.Equal(t, "redis", cache.Backend())

	_, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, 7, NewPermissionSet("user.view", "book.view")))

	raw, err := mr.Get("principal-permissions:7")
	require.NoError(t, err)
	assert.JSONEq(t, `["book.view","user.view"]`, raw)
	assert.Equal(t, DefaultCacheTTL, mr.TTL("principal-permissions:7"))

	perms, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"book.view", "user.view"}, perms.Codes())

	mr.FastForward(DefaultCacheTTL + time.Second)
	_, ok, _ = cache.Get(ctx, 7)
	assert.False(t, ok, "entry should expire after the TTL")
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	cache, mr, _ := newTestRedisCache(t)

	require.NoError(t, mr.Set(CacheKey(3), "{not json"))

	_, ok, err := cache.Get(ctx, 3)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(CacheKey(3)), "corrupt entry should be deleted")
}

func TestRedisCache_FlushOnlyNamespace(t *testing.T) {
	ctx := context.Background()
	cache, mr, _ := newTestRedisCache(t)

	for id := int64(1); id <= 250; id++ {
		require.NoError(t, cache.Set(ctx, id, NewPermissionSet("book.view")))
	}
	require.NoError(t, mr.Set("ratelimit:ip:1.2.3.4", "3"))

	require.NoError(t, cache.Flush(ctx))

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, CacheKeyPrefix)
	}
	assert.True(t, mr.Exists("ratelimit:ip:1.2.3.4"), "foreign keys must survive a flush")
}

func TestRedisCache_WithResolver(t *testing.T) {
	env := newTestEnv(t)
	cache, mr, _ := newTestRedisCache(t)
	resolver := NewResolver(env.store, cache)
	manager := NewManager(env.store, resolver, env.audit, nil)

	editor := env.role(t, "editor", nil, "book.view")
	user := env.principal(t, "mira", &editor.ID)

	_, err := resolver.Resolve(env.ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, mr.Exists(CacheKey(user.ID)))

	perm := env.permission(t, "book.edit")
	require.NoError(t, manager.AddPermission(env.ctx, editor.ID, perm.ID, nil))
	assert.False(t, mr.Exists(CacheKey(user.ID)), "write should flush the shared cache")

	perms, err := resolver.Resolve(env.ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, perms.Has("book.edit"))
}

func TestNewRedisClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(ctx, RedisOptions{URL: "redis://" + mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 2, client.Options().PoolSize)

	_, err = NewRedisClient(ctx, RedisOptions{URL: "://bad"})
	assert.Error(t, err)
}
