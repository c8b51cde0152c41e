package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the data model in process. It backs STORE_DRIVER=memory
// and the package tests.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	roles       map[int64]Role
	perms       map[int64]Permission
	bindings    map[int64]map[int64]RoleGrant
	assignments map[int64]Assignment
	grants      map[int64]DirectGrant
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[int64]Role),
		perms:       make(map[int64]Permission),
		bindings:    make(map[int64]map[int64]RoleGrant),
		assignments: make(map[int64]Assignment),
		grants:      make(map[int64]DirectGrant),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) ListAssignments(ctx context.Context, principalID string) ([]Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.PrincipalID == principalID && a.IsActive {
			a.Context = a.Context.Clone()
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListDirectGrants(ctx context.Context, principalID string) ([]DirectGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DirectGrant
	for _, g := range m.grants {
		if g.PrincipalID == principalID && g.IsActive {
			g.Context = g.Context.Clone()
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetRolesByID(ctx context.Context, ids []int64) ([]Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64][]Permission, len(roleIDs))
	for _, roleID := range roleIDs {
		for permID := range m.bindings[roleID] {
			if p, ok := m.perms[permID]; ok {
				out[roleID] = append(out[roleID], p)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) GetPermissionsByID(ctx context.Context, ids []int64) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRoleByName(ctx context.Context, name string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, fmt.Errorf("role %q: %w", name, ErrNotFound)
}

func (m *MemoryStore) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return Permission{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, fmt.Errorf("permission %q: %w", name, ErrNotFound)
}

func (m *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) RolesBoundTo(ctx context.Context, permissionID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for roleID, perms := range m.bindings {
		if _, ok := perms[permissionID]; ok {
			out = append(out, roleID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) CountGrantStates(ctx context.Context, now time.Time) (GrantStateCounts, error) {
	if err := ctx.Err(); err != nil {
		return GrantStateCounts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := GrantStateCounts{
		Assignments: map[GrantState]int64{},
		Grants:      map[GrantState]int64{},
	}
	for _, a := range m.assignments {
		counts.Assignments[a.State(now)]++
	}
	for _, g := range m.grants {
		counts.Grants[g.State(now)]++
	}
	return counts, nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == role.Name {
			return Role{}, fmt.Errorf("role %q: %w", role.Name, ErrDuplicate)
		}
	}
	role.ID = m.id()
	m.roles[role.ID] = role
	return role, nil
}

func (m *MemoryStore) SetRoleActive(ctx context.Context, roleID int64, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = active
	r.UpdatedAt = time.Now().UTC()
	m.roles[roleID] = r
	return nil
}

func (m *MemoryStore) DeleteRole(ctx context.Context, roleID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	if len(m.bindings[roleID]) > 0 {
		return ErrInUse
	}
	for _, a := range m.assignments {
		if a.RoleID == roleID {
			return ErrInUse
		}
	}
	delete(m.roles, roleID)
	return nil
}

func (m *MemoryStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return Permission{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.perms {
		if p.Name == perm.Name {
			return Permission{}, fmt.Errorf("permission %q: %w", perm.Name, ErrDuplicate)
		}
	}
	perm.ID = m.id()
	m.perms[perm.ID] = perm
	return perm, nil
}

func (m *MemoryStore) UpdatePermissionConditions(ctx context.Context, permissionID int64, conditions Conditions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[permissionID]
	if !ok {
		return ErrNotFound
	}
	p.Conditions = conditions
	m.perms[permissionID] = p
	return nil
}

func (m *MemoryStore) BindPermissions(ctx context.Context, roleID int64, permissionIDs []int64, grantedBy string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return 0, ErrNotFound
	}
	for _, id := range permissionIDs {
		if _, ok := m.perms[id]; !ok {
			return 0, ErrNotFound
		}
	}
	bound := m.bindings[roleID]
	if bound == nil {
		bound = make(map[int64]RoleGrant)
		m.bindings[roleID] = bound
	}
	created := 0
	for _, id := range permissionIDs {
		if _, ok := bound[id]; ok {
			continue
		}
		bound[id] = RoleGrant{RoleID: roleID, PermissionID: id, GrantedBy: grantedBy, GrantedAt: at}
		created++
	}
	return created, nil
}

func (m *MemoryStore) SaveAssignment(ctx context.Context, a Assignment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[a.RoleID]; !ok {
		return false, ErrNotFound
	}
	key := a.Context.Key()
	for id, existing := range m.assignments {
		if existing.PrincipalID != a.PrincipalID || existing.RoleID != a.RoleID || existing.Context.Key() != key {
			continue
		}
		if existing.ValidAt(a.AssignedAt) && sameExpiry(existing.ExpiresAt, a.ExpiresAt) {
			return false, nil
		}
		existing.ExpiresAt = a.ExpiresAt
		existing.IsActive = true
		existing.AssignedBy = a.AssignedBy
		existing.AssignedAt = a.AssignedAt
		existing.RevokedAt = nil
		m.assignments[id] = existing
		return true, nil
	}
	a.ID = m.id()
	a.IsActive = true
	a.Context = a.Context.Clone()
	m.assignments[a.ID] = a
	return true, nil
}

func (m *MemoryStore) RevokeAssignments(ctx context.Context, principalID string, roleID int64, scope *string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.assignments {
		if a.PrincipalID != principalID || a.RoleID != roleID || !a.IsActive {
			continue
		}
		if scope != nil && a.Context.Key() != *scope {
			continue
		}
		a.IsActive = false
		revokedAt := at
		a.RevokedAt = &revokedAt
		m.assignments[id] = a
		n++
	}
	return n, nil
}

func (m *MemoryStore) SaveDirectGrant(ctx context.Context, g DirectGrant) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.perms[g.PermissionID]; !ok {
		return false, ErrNotFound
	}
	key := g.Context.Key()
	for id, existing := range m.grants {
		if existing.PrincipalID != g.PrincipalID || existing.PermissionID != g.PermissionID || existing.Context.Key() != key {
			continue
		}
		if existing.ValidAt(g.GrantedAt) && sameExpiry(existing.ExpiresAt, g.ExpiresAt) {
			return false, nil
		}
		existing.ExpiresAt = g.ExpiresAt
		existing.IsActive = true
		existing.GrantedBy = g.GrantedBy
		existing.GrantedAt = g.GrantedAt
		existing.RevokedAt = nil
		m.grants[id] = existing
		return true, nil
	}
	g.ID = m.id()
	g.IsActive = true
	g.Context = g.Context.Clone()
	m.grants[g.ID] = g
	return true, nil
}

func (m *MemoryStore) RevokeDirectGrants(ctx context.Context, principalID string, permissionID int64, scope *string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, g := range m.grants {
		if g.PrincipalID != principalID || g.PermissionID != permissionID || !g.IsActive {
			continue
		}
		if scope != nil && g.Context.Key() != *scope {
			continue
		}
		g.IsActive = false
		revokedAt := at
		g.RevokedAt = &revokedAt
		m.grants[id] = g
		n++
	}
	return n, nil
}

// String summarises the store contents for debugging.
func (m *MemoryStore) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parts := []string{
		fmt.Sprintf("roles=%d", len(m.roles)),
		fmt.Sprintf("permissions=%d", len(m.perms)),
		fmt.Sprintf("assignments=%d", len(m.assignments)),
		fmt.Sprintf("grants=%d", len(m.grants)),
	}
	return "rbac.MemoryStore{" + strings.Join(parts, " ") + "}"
}
