package rbac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/authz/internal/observability"
)

const (
	defaultCachePrefix = "authz"
	// DefaultCacheTTL bounds entry lifetime; version stamps do the real invalidation.
	DefaultCacheTTL = time.Hour
)

// GenerationKind names a family of generation counters.
type GenerationKind string

const (
	GenPrincipal  GenerationKind = "principal"
	GenRole       GenerationKind = "role"
	GenPermission GenerationKind = "permission"
)

// Generation identifies one counter. Any mutation touching the entity bumps it.
type Generation struct {
	Kind GenerationKind `json:"kind"`
	ID   string         `json:"id"`
}

func PrincipalGeneration(principalID string) Generation {
	return Generation{Kind: GenPrincipal, ID: principalID}
}

func RoleGeneration(roleID int64) Generation {
	return Generation{Kind: GenRole, ID: strconv.FormatInt(roleID, 10)}
}

func PermissionGeneration(permissionID int64) Generation {
	return Generation{Kind: GenPermission, ID: strconv.FormatInt(permissionID, 10)}
}

// Stamp records the counter value observed before dependent data was read.
type Stamp struct {
	Generation
	Version int64 `json:"version"`
}

type cacheEntry struct {
	Permissions []string   `json:"permissions"`
	Stamps      []Stamp    `json:"stamps"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	ComputedAt  time.Time  `json:"computed_at"`
}

// Cache memoises effective permission sets in Redis. Entries are validated
// against generation counters on every read; counters live in Redis and are
// incremented atomically so concurrent callers need no coordination.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	metrics *observability.Metrics
	now     func() time.Time
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithCachePrefix namespaces every key.
func WithCachePrefix(prefix string) CacheOption {
	return func(c *Cache) {
		if p := strings.TrimSpace(prefix); p != "" {
			c.prefix = p
		}
	}
}

// WithCacheMetrics records hit/miss counters.
func WithCacheMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		client: client,
		ttl:    ttl,
		prefix: defaultCachePrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Ping verifies the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Versions returns the current value of each counter. Missing counters are 0.
func (c *Cache) Versions(ctx context.Context, gens []Generation) ([]int64, error) {
	out := make([]int64, len(gens))
	if !c.enabled() || len(gens) == 0 {
		return out, nil
	}
	keys := make([]string, len(gens))
	for i, g := range gens {
		keys[i] = c.generationKey(g)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("rbac: unexpected generation value type")
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// Bump increments the given counters in one round trip. INCR is atomic per
// key, so no MULTI is needed.
func (c *Cache) Bump(ctx context.Context, gens ...Generation) error {
	if !c.enabled() || len(gens) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, g := range gens {
			pipe.Incr(ctx, c.generationKey(g))
		}
		return nil
	})
	return err
}

// Invalidate bumps the counter for scope, lazily invalidating every entry
// stamped with it.
func (c *Cache) Invalidate(ctx context.Context, scope Generation) error {
	return c.Bump(ctx, scope)
}

// Get returns the cached permission set when it is still fresh.
func (c *Cache) Get(ctx context.Context, principalID string, attrs Attributes) ([]string, bool, error) {
	if !c.enabled() {
		return nil, false, nil
	}
	key := c.entryKey(principalID, attrs)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.observe("miss")
		return nil, false, nil
	}
	if err != nil {
		c.observe("error")
		return nil, false, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		c.evict(ctx, key)
		c.observe("stale")
		return nil, false, nil
	}
	if entry.ValidUntil != nil && !c.now().Before(*entry.ValidUntil) {
		c.evict(ctx, key)
		c.observe("stale")
		return nil, false, nil
	}
	fresh, err := c.Fresh(ctx, entry.Stamps)
	if err != nil {
		c.observe("error")
		return nil, false, err
	}
	if !fresh {
		c.evict(ctx, key)
		c.observe("stale")
		return nil, false, nil
	}
	c.observe("hit")
	return entry.Permissions, true, nil
}

// Fresh reports whether every stamp still matches its counter.
func (c *Cache) Fresh(ctx context.Context, stamps []Stamp) (bool, error) {
	if len(stamps) == 0 || !c.enabled() {
		return true, nil
	}
	gens := make([]Generation, len(stamps))
	for i, s := range stamps {
		gens[i] = s.Generation
	}
	current, err := c.Versions(ctx, gens)
	if err != nil {
		return false, err
	}
	for i, s := range stamps {
		if current[i] != s.Version {
			return false, nil
		}
	}
	return true, nil
}

// Put stores a resolution. Non-cacheable resolutions and ones that already
// expired are skipped.
func (c *Cache) Put(ctx context.Context, principalID string, attrs Attributes, res Resolution) error {
	if !c.enabled() || !res.Cacheable {
		return nil
	}
	now := c.now()
	ttl := c.ttl
	if res.ValidUntil != nil {
		remaining := res.ValidUntil.Sub(now)
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	raw, err := json.Marshal(cacheEntry{
		Permissions: res.Permissions,
		Stamps:      res.Stamps,
		ValidUntil:  res.ValidUntil,
		ComputedAt:  now,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.entryKey(principalID, attrs), raw, ttl).Err()
}

func (c *Cache) evict(ctx context.Context, key string) {
	_ = c.client.Del(ctx, key).Err()
}

func (c *Cache) observe(result string) {
	c.metrics.ObserveCache(result)
}

func (c *Cache) generationKey(g Generation) string {
	return strings.Join([]string{c.prefix, "gen", string(g.Kind), g.ID}, ":")
}

// entryKey ends in a fixed-length digest so principal IDs containing ':'
// cannot collide.
func (c *Cache) entryKey(principalID string, attrs Attributes) string {
	sum := sha256.Sum256([]byte(attrs.Key()))
	return strings.Join([]string{c.prefix, "perms", principalID, hex.EncodeToString(sum[:])}, ":")
}
