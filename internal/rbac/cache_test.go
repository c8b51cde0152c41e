package rbac

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, now func() time.Time) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Hour, WithCacheClock(now), WithCachePrefix("test")), mr
}

func TestCacheVersionsAndBump(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Now)

	gens := []Generation{PrincipalGeneration("u-1"), RoleGeneration(7), PermissionGeneration(9)}
	versions, err := cache.Versions(ctx, gens)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0}, versions)

	require.NoError(t, cache.Bump(ctx, RoleGeneration(7), RoleGeneration(7)))
	require.NoError(t, cache.Invalidate(ctx, PermissionGeneration(9)))

	versions, err = cache.Versions(ctx, gens)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 1}, versions)

	raw, err := mr.Get("test:gen:role:7")
	require.NoError(t, err)
	assert.Equal(t, "2", raw)
}

func TestCacheGetPutAndLazyInvalidation(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Now)
	attrs := Attributes{"store_id": "S1"}

	_, ok, err := cache.Get(ctx, "u-1", attrs)
	require.NoError(t, err)
	assert.False(t, ok)

	res := Resolution{
		Permissions: []string{"product.read"},
		Stamps:      []Stamp{{Generation: PrincipalGeneration("u-1")}, {Generation: RoleGeneration(1)}},
		Cacheable:   true,
	}
	require.NoError(t, cache.Put(ctx, "u-1", attrs, res))

	perms, ok, err := cache.Get(ctx, "u-1", Attributes{"store_id": "S1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"product.read"}, perms)

	_, ok, err = cache.Get(ctx, "u-1", Attributes{"store_id": "S2"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Bump(ctx, RoleGeneration(1)))
	_, ok, err = cache.Get(ctx, "u-1", attrs)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(cache.entryKey("u-1", attrs)), "stale entry should be evicted")
}

func TestCachePutSkipsNonCacheable(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Now)
	require.NoError(t, cache.Put(ctx, "u-1", nil, Resolution{Permissions: []string{"a.b"}}))
	assert.False(t, mr.Exists(cache.entryKey("u-1", nil)))
}

func TestCacheHonoursValidUntil(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache, mr := newTestCache(t, clock)

	expiry := now.Add(10 * time.Minute)
	require.NoError(t, cache.Put(ctx, "u-1", nil, Resolution{
		Permissions: []string{"report.export"},
		ValidUntil:  &expiry,
		Cacheable:   true,
	}))
	key := cache.entryKey("u-1", nil)
	assert.Equal(t, 10*time.Minute, mr.TTL(key))

	_, ok, err := cache.Get(ctx, "u-1", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	now = expiry
	_, ok, err = cache.Get(ctx, "u-1", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	past := now.Add(-time.Second)
	require.NoError(t, cache.Put(ctx, "u-2", nil, Resolution{ValidUntil: &past, Cacheable: true}))
	assert.False(t, mr.Exists(cache.entryKey("u-2", nil)))
}

func TestCacheDefaultTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Now)
	require.NoError(t, cache.Put(ctx, "u-1", nil, Resolution{Cacheable: true}))
	assert.Equal(t, time.Hour, mr.TTL(cache.entryKey("u-1", nil)))
}

func TestCacheReportsRedisErrors(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Now)
	mr.SetError("ERR cache down")

	_, ok, err := cache.Get(ctx, "u-1", nil)
	require.Error(t, err)
	assert.False(t, ok)
	require.Error(t, cache.Bump(ctx, PrincipalGeneration("u-1")))
	require.Error(t, cache.Ping(ctx))

	bumpCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.Error(t, cache.Bump(bumpCtx, PrincipalGeneration("u-1"), RoleGeneration(1)))

	mr.SetError("")
	require.NoError(t, cache.Ping(ctx))
	require.NoError(t, cache.Bump(ctx, PrincipalGeneration("u-1"), RoleGeneration(1)))
	versions, err := cache.Versions(ctx, []Generation{PrincipalGeneration("u-1"), RoleGeneration(1)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1}, versions)
}

func TestNilCacheIsPassThrough(t *testing.T) {
	ctx := context.Background()
	var cache *Cache
	_, ok, err := cache.Get(ctx, "u-1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, cache.Put(ctx, "u-1", nil, Resolution{Cacheable: true}))
	require.NoError(t, cache.Bump(ctx, PrincipalGeneration("u-1")))
	fresh, err := cache.Fresh(ctx, []Stamp{{Generation: RoleGeneration(1), Version: 5}})
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NoError(t, cache.Ping(ctx))
}

func TestCacheEntryKeysDoNotCollide(t *testing.T) {
	cache := NewCache(nil, 0)
	assert.NotEqual(t, cache.entryKey("u-1", Attributes{"a": "1"}), cache.entryKey("u-1", Attributes{"a": "2"}))
	assert.NotEqual(t, cache.entryKey("u-1", nil), cache.entryKey("u-2", nil))
	key := cache.entryKey("u-1", Attributes{"store_id": "S1"})
	digest := key[strings.LastIndex(key, ":")+1:]
	assert.Len(t, digest, 64, "full sha256 digest")
	assert.Equal(t, DefaultCacheTTL, cache.ttl)
}
