package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/audit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAudit) byAction(a audit.Action) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Action == a {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingAudit) byOp(op string) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Origin["op"] == op {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingAudit) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// faultyStore injects failures into the hot-path assignment read.
type faultyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
	err      error
	block    bool
}

func (f *faultyStore) ListAssignments(ctx context.Context, principalID string) ([]Assignment, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.MemoryStore.ListAssignments(ctx, principalID)
}

func (f *faultyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc   *Service
	store *faultyStore
	cache *Cache
	redis *miniredis.Miniredis
	audit *recordingAudit
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := newTestClock()
	cache := NewCache(client, time.Hour, WithCacheClock(clock.Now))
	store := &faultyStore{MemoryStore: NewMemoryStore()}
	rec := &recordingAudit{}
	svc := NewService(ServiceConfig{
		Store: store,
		Cache: cache,
		Audit: rec,
		Retry: RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
		Clock: clock.Now,
	})
	return &fixture{svc: svc, store: store, cache: cache, redis: mr, audit: rec, clock: clock}
}

func (f *fixture) permission(t *testing.T, name string, conds Conditions) Permission {
	t.Helper()
	resource, action, ok := SplitPermissionName(name)
	require.True(t, ok)
	p, err := f.svc.CreatePermission(context.Background(), PermissionInput{Resource: resource, Action: action, Conditions: conds})
	require.NoError(t, err)
	return p
}

func (f *fixture) role(t *testing.T, name string, perms ...string) Role {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.CreateRole(ctx, name, "", 10)
	require.NoError(t, err)
	if len(perms) > 0 {
		_, err = f.svc.BindPermissionsToRole(ctx, name, perms, "seed")
		require.NoError(t, err)
	}
	return r
}

func (f *fixture) check(t *testing.T, principal, perm string, attrs Attributes) bool {
	t.Helper()
	ok, err := f.svc.CheckPermission(context.Background(), principal, perm, attrs)
	require.NoError(t, err)
	return ok
}

func TestScenarioStoreScopedRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "product.read", nil)
	f.permission(t, "product.update", nil)
	f.permission(t, "product.delete", nil)
	f.role(t, "store_manager", "product.read", "product.update")

	changed, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "store_manager", AssignedBy: "admin", Context: Attributes{"store_id": "S1"}})
	require.NoError(t, err)
	require.True(t, changed)

	assert.True(t, f.check(t, "U", "product.read", Attributes{"store_id": "S1"}))
	assert.False(t, f.check(t, "U", "product.read", Attributes{"store_id": "S2"}))
	assert.False(t, f.check(t, "U", "product.delete", Attributes{"store_id": "S1"}))
	assert.False(t, f.check(t, "U", "product.read", nil))
}

func TestScenarioExpiredDirectGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "report.export", nil)

	yesterday := f.clock.Now().Add(-24 * time.Hour)
	_, err := f.svc.GrantPermission(ctx, GrantPermissionInput{PrincipalID: "U", Permission: "report.export", GrantedBy: "admin", ExpiresAt: &yesterday})
	require.NoError(t, err)

	assert.False(t, f.check(t, "U", "report.export", Attributes{}))
}

func TestScenarioImmediateRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "settings.manage", nil)
	f.role(t, "admin", "settings.manage")

	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "admin", AssignedBy: "root"})
	require.NoError(t, err)
	assert.True(t, f.check(t, "U", "settings.manage", nil))
	// Served from cache the second time.
	assert.True(t, f.check(t, "U", "settings.manage", nil))

	changed, err := f.svc.RevokeRole(ctx, "U", "admin", nil)
	require.NoError(t, err)
	require.True(t, changed)
	assert.False(t, f.check(t, "U", "settings.manage", nil))
}

func TestNoGrantNoAccess(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "product.read", nil)

	assert.False(t, f.check(t, "nobody", "product.read", nil))
	perms, err := f.svc.GetEffectivePermissions(context.Background(), "nobody", nil)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestEffectivePermissionsAreUnionOfPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "product.read", nil)
	f.permission(t, "report.view", Conditions{"region": Set("eu", "us")})
	f.permission(t, "report.export", nil)
	f.permission(t, "invoice.approve", Conditions{"region": Scalar("eu")})
	f.role(t, "analyst", "product.read", "report.view")

	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "analyst"})
	require.NoError(t, err)
	_, err = f.svc.GrantPermission(ctx, GrantPermissionInput{PrincipalID: "U", Permission: "report.export", Context: Attributes{"store_id": "S1"}})
	require.NoError(t, err)
	_, err = f.svc.GrantPermission(ctx, GrantPermissionInput{PrincipalID: "U", Permission: "invoice.approve"})
	require.NoError(t, err)

	perms, err := f.svc.GetEffectivePermissions(ctx, "U", Attributes{"region": "eu", "store_id": "S1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice.approve", "product.read", "report.export", "report.view"}, perms)

	perms, err = f.svc.GetEffectivePermissions(ctx, "U", Attributes{"region": "us"})
	require.NoError(t, err)
	assert.Equal(t, []string{"product.read", "report.view"}, perms)

	perms, err = f.svc.GetEffectivePermissions(ctx, "U", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"product.read"}, perms)
}

func TestAssignRoleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.role(t, "viewer")
	in := AssignRoleInput{PrincipalID: "U", Role: "viewer", AssignedBy: "admin", Context: Attributes{"store_id": "S1"}}

	changed, err := f.svc.AssignRole(ctx, in)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.AssignRole(ctx, in)
	require.NoError(t, err)
	assert.False(t, changed)

	later := f.clock.Now().Add(time.Hour)
	in.ExpiresAt = &later
	changed, err = f.svc.AssignRole(ctx, in)
	require.NoError(t, err)
	assert.True(t, changed, "a different expiry is a change")

	changed, err = f.svc.RevokeRole(ctx, "U", "viewer", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.svc.RevokeRole(ctx, "U", "viewer", nil)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.svc.AssignRole(ctx, in)
	require.NoError(t, err)
	assert.True(t, changed, "a revoked assignment can be reinstated")
}

func TestGrantPermissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "report.export", nil)
	in := GrantPermissionInput{PrincipalID: "U", Permission: "Report.Export", GrantedBy: "admin"}

	changed, err := f.svc.GrantPermission(ctx, in)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.svc.GrantPermission(ctx, in)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.True(t, f.check(t, "U", "report.export", nil))
	changed, err = f.svc.RevokePermission(ctx, "U", "report.export", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.check(t, "U", "report.export", nil))
}

func TestExpiryIsObservedDespiteCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "settings.manage", nil)
	f.role(t, "admin", "settings.manage")

	expires := f.clock.Now().Add(time.Hour)
	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "admin", ExpiresAt: &expires})
	require.NoError(t, err)
	assert.True(t, f.check(t, "U", "settings.manage", nil))

	f.clock.Advance(time.Hour)
	assert.False(t, f.check(t, "U", "settings.manage", nil), "expired exactly at expires_at")
}

func TestRoleBindingChangesReachCachedHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "product.read", nil)
	f.permission(t, "product.update", nil)
	f.role(t, "clerk", "product.read")
	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "clerk"})
	require.NoError(t, err)

	assert.False(t, f.check(t, "U", "product.update", nil))
	bound, err := f.svc.BindPermissionsToRole(ctx, "clerk", []string{"product.update", "product.read"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, bound)
	assert.True(t, f.check(t, "U", "product.update", nil))

	require.NoError(t, f.svc.SetRoleActive(ctx, "clerk", false))
	assert.False(t, f.check(t, "U", "product.read", nil))
}

func TestPermissionConditionChangesReachRoleHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "report.view", nil)
	f.role(t, "analyst", "report.view")
	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "analyst"})
	require.NoError(t, err)
	assert.True(t, f.check(t, "U", "report.view", Attributes{"region": "apac"}))

	require.NoError(t, f.svc.UpdatePermissionConditions(ctx, "report.view", Conditions{"region": Scalar("eu")}))
	assert.False(t, f.check(t, "U", "report.view", Attributes{"region": "apac"}))
	assert.True(t, f.check(t, "U", "report.view", Attributes{"region": "eu"}))
}

func TestRevokeScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "product.read", nil)
	f.role(t, "store_manager", "product.read")
	for _, store := range []string{"S1", "S2"} {
		_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "store_manager", Context: Attributes{"store_id": store}})
		require.NoError(t, err)
	}

	changed, err := f.svc.RevokeRole(ctx, "U", "store_manager", Attributes{"store_id": "S3"})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.svc.RevokeRole(ctx, "U", "store_manager", Attributes{"store_id": "S1"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.check(t, "U", "product.read", Attributes{"store_id": "S1"}))
	assert.True(t, f.check(t, "U", "product.read", Attributes{"store_id": "S2"}))

	changed, err = f.svc.RevokeRole(ctx, "U", "store_manager", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.check(t, "U", "product.read", Attributes{"store_id": "S2"}))
}

func TestHasRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.role(t, "store_manager")
	f.role(t, "auditor")
	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "store_manager", Context: Attributes{"store_id": "S1"}})
	require.NoError(t, err)
	_, err = f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "auditor"})
	require.NoError(t, err)

	held, err := f.svc.HasRole(ctx, "U", "store_manager", Attributes{"store_id": "S1"})
	require.NoError(t, err)
	assert.True(t, held)

	held, err = f.svc.HasRole(ctx, "U", "store_manager", Attributes{"store_id": "S2"})
	require.NoError(t, err)
	assert.False(t, held)

	held, err = f.svc.HasRole(ctx, "U", "ghost", nil)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, f.svc.SetRoleActive(ctx, "auditor", false))
	held, err = f.svc.HasRole(ctx, "U", "auditor", nil)
	require.NoError(t, err)
	assert.False(t, held)

	checks := f.audit.byAction(audit.ActionCheck)
	require.NotEmpty(t, checks)
	assert.Equal(t, "store_manager", checks[0].Role)
}

func TestCheckPermissionFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "settings.manage", nil)
	f.role(t, "admin", "settings.manage")
	_, err := f.svc.AssignRole(context.Background(), AssignRoleInput{PrincipalID: "U", Role: "admin"})
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.failures = 10
	f.store.err = errors.New("connection reset")
	f.store.mu.Unlock()

	allowed, err := f.svc.CheckPermission(context.Background(), "U", "settings.manage", nil)
	require.Error(t, err)
	assert.False(t, allowed)
	assert.ErrorIs(t, err, ErrStorage)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, f.store.callCount())

	checks := f.audit.byAction(audit.ActionCheck)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].Result)
	assert.Contains(t, checks[0].Origin["error"], "connection reset")
}

func TestCheckPermissionRetriesTransientReads(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "settings.manage", nil)
	f.role(t, "admin", "settings.manage")
	_, err := f.svc.AssignRole(context.Background(), AssignRoleInput{PrincipalID: "U", Role: "admin"})
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.failures = 2
	f.store.err = errors.New("timeout")
	f.store.mu.Unlock()

	assert.True(t, f.check(t, "U", "settings.manage", nil))
	assert.Equal(t, 3, f.store.callCount())
}

func TestCheckPermissionHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "settings.manage", nil)
	f.store.mu.Lock()
	f.store.block = true
	f.store.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	allowed, err := f.svc.CheckPermission(ctx, "U", "settings.manage", nil)
	assert.False(t, allowed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckPermissionRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)
	allowed, err := f.svc.CheckPermission(context.Background(), "", "product.read", nil)
	assert.False(t, allowed)
	assert.ErrorIs(t, err, ErrValidation)

	allowed, err = f.svc.CheckPermission(context.Background(), "U", "product", nil)
	assert.False(t, allowed)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "settings.manage", nil)
	f.role(t, "admin", "settings.manage")
	_, err := f.svc.AssignRole(context.Background(), AssignRoleInput{PrincipalID: "U", Role: "admin"})
	require.NoError(t, err)

	f.redis.SetError("ERR cache down")
	assert.True(t, f.check(t, "U", "settings.manage", nil))

	_, err = f.svc.RevokeRole(context.Background(), "U", "admin", nil)
	require.Error(t, err, "a revocation that cannot invalidate the cache must be reported")
	assert.ErrorIs(t, err, ErrStorage)

	f.redis.SetError("")
	changed, err := f.svc.RevokeRole(context.Background(), "U", "admin", nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, f.check(t, "U", "settings.manage", nil))
}

func TestMutationsRequireExistingActiveTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "product.read", nil)
	f.role(t, "clerk")

	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GrantPermission(ctx, GrantPermissionInput{PrincipalID: "U", Permission: "product.delete"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.BindPermissionsToRole(ctx, "clerk", []string{"product.read", "product.delete"}, "admin")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.BindPermissionsToRole(ctx, "ghost", []string{"product.read"}, "admin")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.RevokeRole(ctx, "U", "ghost", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.svc.SetRoleActive(ctx, "clerk", false))
	_, err = f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "clerk"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.BindPermissionsToRole(ctx, "clerk", []string{"product.read"}, "admin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.BindPermissionsToRole(ctx, "clerk", nil, "admin")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRoleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.EnsureRole(ctx, RoleInput{Name: "root", IsSystem: true})
	require.NoError(t, err)
	f.permission(t, "product.read", nil)
	f.role(t, "clerk", "product.read")
	f.role(t, "temp")

	_, err = f.svc.CreateRole(ctx, "Clerk", "Clerk", 1)
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = f.svc.CreateRole(ctx, "  ", "", 1)
	assert.ErrorIs(t, err, ErrValidation)

	assert.ErrorIs(t, f.svc.DeleteRole(ctx, "root"), ErrSystemRole)
	assert.ErrorIs(t, f.svc.SetRoleActive(ctx, "root", false), ErrSystemRole)
	assert.ErrorIs(t, f.svc.DeleteRole(ctx, "clerk"), ErrInUse)
	require.NoError(t, f.svc.DeleteRole(ctx, "temp"))
	assert.ErrorIs(t, f.svc.DeleteRole(ctx, "temp"), ErrNotFound)

	roles, err := f.svc.ListRoles(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"root", "clerk"}, names)
}

func TestCreatePermissionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.CreatePermission(ctx, PermissionInput{Resource: " Product ", Action: "Read"})
	require.NoError(t, err)
	assert.Equal(t, "product.read", p.Name)

	_, err = f.svc.CreatePermission(ctx, PermissionInput{Resource: "product", Action: "read"})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = f.svc.CreatePermission(ctx, PermissionInput{Resource: "product", Action: "bulk.read"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreatePermission(ctx, PermissionInput{Resource: "", Action: "read"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMutationsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "report.export", nil)
	f.role(t, "viewer")

	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "viewer", AssignedBy: "admin"})
	require.NoError(t, err)
	_, err = f.svc.RevokeRole(ctx, "U", "viewer", nil)
	require.NoError(t, err)
	_, err = f.svc.GrantPermission(ctx, GrantPermissionInput{PrincipalID: "U", Permission: "report.export", GrantedBy: "admin"})
	require.NoError(t, err)
	_, err = f.svc.RevokePermission(ctx, "U", "report.export", nil)
	require.NoError(t, err)

	assigns := f.audit.byAction(audit.ActionAssignRole)
	require.Len(t, assigns, 1)
	assert.Equal(t, "U", assigns[0].Principal)
	assert.Equal(t, "viewer", assigns[0].Role)
	assert.Equal(t, "admin", assigns[0].Actor)
	assert.True(t, assigns[0].Result)

	require.Len(t, f.audit.byAction(audit.ActionRemoveRole), 1)
	revokes := f.audit.byOp("revoke_permission")
	require.Len(t, revokes, 1)
	assert.Equal(t, audit.ActionRevoke, revokes[0].Action)
	assert.Equal(t, "report", revokes[0].Resource)

	grants := f.audit.byOp("grant_permission")
	require.Len(t, grants, 1)
	assert.Equal(t, audit.ActionGrant, grants[0].Action)
	assert.Equal(t, "report.export", grants[0].Permission)
}

func TestCatalogueMutationsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := ContextWithPrincipal(context.Background(), "admin")

	_, err := f.svc.CreatePermission(ctx, PermissionInput{Resource: "report", Action: "view"})
	require.NoError(t, err)
	_, err = f.svc.CreateRole(ctx, "analyst", "Analyst", 5)
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdatePermissionConditions(ctx, "report.view", Conditions{"region": Scalar("eu")}))
	require.NoError(t, f.svc.SetRoleActive(ctx, "analyst", false))
	require.NoError(t, f.svc.SetRoleActive(ctx, "analyst", true))
	require.NoError(t, f.svc.DeleteRole(ctx, "analyst"))
	assert.ErrorIs(t, f.svc.DeleteRole(ctx, "analyst"), ErrNotFound)

	cases := []struct {
		op     string
		action audit.Action
		result bool
	}{
		{"create_permission", audit.ActionGrant, true},
		{"create_role", audit.ActionGrant, true},
		{"update_conditions", audit.ActionGrant, true},
		{"deactivate_role", audit.ActionRevoke, true},
		{"activate_role", audit.ActionGrant, true},
	}
	for _, tc := range cases {
		entries := f.audit.byOp(tc.op)
		require.Len(t, entries, 1, tc.op)
		assert.Equal(t, tc.action, entries[0].Action, tc.op)
		assert.Equal(t, tc.result, entries[0].Result, tc.op)
		assert.Equal(t, "admin", entries[0].Actor, tc.op)
		assert.Equal(t, "admin", entries[0].Principal, tc.op)
	}

	deletes := f.audit.byOp("delete_role")
	require.Len(t, deletes, 2)
	assert.Equal(t, audit.ActionRevoke, deletes[0].Action)
	assert.True(t, deletes[0].Result)
	assert.False(t, deletes[1].Result)
	assert.NotEmpty(t, deletes[1].Origin["error"])

	updates := f.audit.byOp("update_conditions")
	assert.Equal(t, "report.view", updates[0].Permission)
	assert.JSONEq(t, `{"region":"eu"}`, updates[0].Origin["conditions"])

	before := f.audit.count()
	_, err = f.svc.CreateRole(ctx, " ", "", 1)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, before, f.audit.count(), "rejected input is not audited")
}

func TestMutationReturnsStorageErrorAfterCacheErrorReply(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "report.view", nil)
	f.role(t, "viewer")

	f.redis.SetError("LOADING Redis is loading the dataset in memory")
	_, err := f.svc.CheckPermission(context.Background(), "U", "report.view", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.BindPermissionsToRole(ctx, "viewer", []string{"report.view"}, "admin")
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStorage)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation did not return after a cache error reply")
	}

	f.redis.SetError("")
	_, err = f.svc.AssignRole(context.Background(), AssignRoleInput{PrincipalID: "U", Role: "viewer"})
	require.NoError(t, err)
	assert.True(t, f.check(t, "U", "report.view", nil))
}

func TestGrantStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.role(t, "a")
	f.role(t, "b")
	f.role(t, "c")
	soon := f.clock.Now().Add(time.Minute)
	for _, in := range []AssignRoleInput{
		{PrincipalID: "U", Role: "a"},
		{PrincipalID: "U", Role: "b", ExpiresAt: &soon},
		{PrincipalID: "U", Role: "c"},
	} {
		_, err := f.svc.AssignRole(ctx, in)
		require.NoError(t, err)
	}
	_, err := f.svc.RevokeRole(ctx, "U", "c", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	counts, err := f.svc.GrantStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Assignments[GrantActive])
	assert.Equal(t, int64(1), counts.Assignments[GrantExpired])
	assert.Equal(t, int64(1), counts.Assignments[GrantRevoked])
}

func TestServiceWithoutCache(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(ServiceConfig{Store: store})
	ctx := context.Background()
	_, err := svc.CreatePermission(ctx, PermissionInput{Resource: "settings", Action: "manage"})
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "admin", "Admin", 100)
	require.NoError(t, err)
	_, err = svc.BindPermissionsToRole(ctx, "admin", []string{"settings.manage"}, "root")
	require.NoError(t, err)

	_, err = svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "admin"})
	require.NoError(t, err)
	ok, err := svc.CheckPermission(ctx, "U", "settings.manage", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.RevokeRole(ctx, "U", "admin", nil)
	require.NoError(t, err)
	ok, err = svc.CheckPermission(ctx, "U", "settings.manage", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, svc.Ping(ctx))
}

func TestConcurrentChecksAndRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "settings.manage", nil)
	f.role(t, "admin", "settings.manage")
	_, err := f.svc.AssignRole(ctx, AssignRoleInput{PrincipalID: "U", Role: "admin"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CheckPermission(ctx, "U", "settings.manage", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = f.svc.RevokeRole(ctx, "U", "admin", nil)
	require.NoError(t, err)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := f.svc.CheckPermission(ctx, "U", "settings.manage", nil)
			assert.NoError(t, err)
			assert.False(t, allowed)
		}()
	}
	wg.Wait()
}
