package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/authz/internal/audit"
	"github.com/odyssey-erp/authz/internal/observability"
)

// AuditRecorder receives audit entries. Record must not block.
type AuditRecorder interface {
	Record(entry audit.Entry)
}

// ServiceConfig collects the dependencies of a Service.
type ServiceConfig struct {
	Store   Store
	Cache   *Cache
	Audit   AuditRecorder
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Retry   RetryPolicy
	Clock   func() time.Time
}

// Service is the decision and administration surface.
type Service struct {
	store    Store
	cache    *Cache
	resolver *Resolver
	audit    AuditRecorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	retry    RetryPolicy
	now      func() time.Time

	flights singleflight.Group
	// epoch advances after every local mutation so lookups issued after it
	// never join a resolution that started before it.
	epoch atomic.Uint64
}

// NewService wires a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = DefaultRetryPolicy
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	var versions VersionReader
	if cfg.Cache != nil {
		versions = cfg.Cache
	}
	resolver := NewResolver(cfg.Store, versions, retry, logger)
	resolver.now = now
	return &Service{
		store:    cfg.Store,
		cache:    cfg.Cache,
		resolver: resolver,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   logger,
		retry:    retry,
		now:      now,
	}
}

// CheckPermission reports whether principal holds permission in attrs.
// Any failure yields false together with the error.
func (s *Service) CheckPermission(ctx context.Context, principalID, permission string, attrs Attributes) (bool, error) {
	start := time.Now()
	name := normalizeName(permission)
	allowed, err := s.checkPermission(ctx, principalID, name, attrs)
	if err != nil {
		allowed = false
	}

	result := "deny"
	switch {
	case err != nil:
		result = "error"
		s.logger.Error("rbac check permission",
			slog.String("principal", principalID),
			slog.String("permission", name),
			slog.Any("error", err))
	case allowed:
		result = "allow"
	default:
		s.logger.Debug("rbac permission denied",
			slog.String("principal", principalID),
			slog.String("permission", name))
	}
	s.metrics.ObserveDecision(result, time.Since(start))

	resource, _, _ := SplitPermissionName(name)
	s.record(audit.Entry{
		Principal:  principalID,
		Action:     audit.ActionCheck,
		Resource:   resource,
		Permission: name,
		Context:    attrs.Clone(),
		Result:     allowed,
		Origin:     origin("check_permission", err),
	})
	return allowed, err
}

func (s *Service) checkPermission(ctx context.Context, principalID, name string, attrs Attributes) (bool, error) {
	if err := validatePrincipal(principalID); err != nil {
		return false, err
	}
	if _, _, ok := SplitPermissionName(name); !ok {
		return false, validationErr("permission %q must be resource.action", name)
	}
	perms, err := s.effective(ctx, principalID, attrs)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == name {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether principal holds a valid assignment of role whose
// scope matches attrs. Role permissions are not consulted.
func (s *Service) HasRole(ctx context.Context, principalID, roleName string, attrs Attributes) (bool, error) {
	name := normalizeName(roleName)
	held, err := s.hasRole(ctx, principalID, name, attrs)
	if err != nil {
		held = false
		s.logger.Error("rbac has role",
			slog.String("principal", principalID),
			slog.String("role", name),
			slog.Any("error", err))
	}
	s.record(audit.Entry{
		Principal: principalID,
		Action:    audit.ActionCheck,
		Role:      name,
		Context:   attrs.Clone(),
		Result:    held,
		Origin:    origin("has_role", err),
	})
	return held, err
}

func (s *Service) hasRole(ctx context.Context, principalID, name string, attrs Attributes) (bool, error) {
	if err := validatePrincipal(principalID); err != nil {
		return false, err
	}
	if name == "" {
		return false, validationErr("role name required")
	}
	role, err := readWithRetry(ctx, s.retry, "get role", func(ctx context.Context) (Role, error) {
		return s.store.GetRoleByName(ctx, name)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !role.IsActive {
		return false, nil
	}
	assignments, err := readWithRetry(ctx, s.retry, "list assignments", func(ctx context.Context) ([]Assignment, error) {
		return s.store.ListAssignments(ctx, principalID)
	})
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, a := range assignments {
		if a.RoleID == role.ID && a.ValidAt(now) && Matches(a.Context.AsConditions(), attrs) {
			return true, nil
		}
	}
	return false, nil
}

// GetEffectivePermissions returns the sorted permission names principal holds
// in attrs.
func (s *Service) GetEffectivePermissions(ctx context.Context, principalID string, attrs Attributes) ([]string, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	perms, err := s.effective(ctx, principalID, attrs)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), perms...), nil
}

func (s *Service) effective(ctx context.Context, principalID string, attrs Attributes) ([]string, error) {
	perms, ok, err := s.cache.Get(ctx, principalID, attrs)
	if err != nil {
		s.logger.Warn("rbac cache get", slog.String("principal", principalID), slog.Any("error", err))
	}
	if ok {
		return perms, nil
	}

	key := strconv.FormatUint(s.epoch.Load(), 10) + "\x00" + principalID + "\x00" + attrs.Key()
	ch := s.flights.DoChan(key, func() (any, error) {
		return s.resolveAndStore(ctx, principalID, attrs)
	})
	select {
	case <-ctx.Done():
		return nil, storageErr("resolve", ctx.Err())
	case res := <-ch:
		if !res.Shared {
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(Resolution).Permissions, nil
		}
		if res.Err == nil && s.reusable(ctx, res.Val.(Resolution)) {
			return res.Val.(Resolution).Permissions, nil
		}
		// The leader failed (possibly on its own deadline) or its result can
		// no longer be trusted; resolve on this caller's context instead.
		resolution, err := s.resolveAndStore(ctx, principalID, attrs)
		if err != nil {
			return nil, err
		}
		return resolution.Permissions, nil
	}
}

func (s *Service) resolveAndStore(ctx context.Context, principalID string, attrs Attributes) (Resolution, error) {
	resolution, err := s.resolver.Resolve(ctx, principalID, attrs)
	if err != nil {
		return Resolution{}, err
	}
	if err := s.cache.Put(ctx, principalID, attrs, resolution); err != nil {
		s.logger.Warn("rbac cache put", slog.String("principal", principalID), slog.Any("error", err))
	}
	return resolution, nil
}

// reusable decides whether a resolution computed by another caller may be
// returned to this one.
func (s *Service) reusable(ctx context.Context, res Resolution) bool {
	if res.ValidUntil != nil && !s.now().Before(*res.ValidUntil) {
		return false
	}
	if s.cache == nil {
		return true
	}
	if !res.Cacheable {
		return false
	}
	fresh, err := s.cache.Fresh(ctx, res.Stamps)
	return err == nil && fresh
}

// AssignRoleInput describes a role assignment.
type AssignRoleInput struct {
	PrincipalID string
	Role        string
	AssignedBy  string
	ExpiresAt   *time.Time
	Context     Attributes
}

// AssignRole assigns an active role. It returns false when an identical
// valid assignment already exists.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (bool, error) {
	name := normalizeName(in.Role)
	changed, err := s.assignRole(ctx, in, name)
	s.recordMutation(audit.Entry{
		Principal: in.PrincipalID,
		Action:    audit.ActionAssignRole,
		Role:      name,
		Context:   in.Context.Clone(),
		Result:    changed,
		Actor:     in.AssignedBy,
		Origin:    withExpiry(origin("assign_role", err), in.ExpiresAt),
	}, err)
	return changed, err
}

func (s *Service) assignRole(ctx context.Context, in AssignRoleInput, name string) (bool, error) {
	if err := validatePrincipal(in.PrincipalID); err != nil {
		return false, err
	}
	role, err := s.activeRole(ctx, name)
	if err != nil {
		return false, err
	}
	now := s.now()
	changed, err := s.store.SaveAssignment(ctx, Assignment{
		PrincipalID: in.PrincipalID,
		RoleID:      role.ID,
		Context:     in.Context.Clone(),
		ExpiresAt:   in.ExpiresAt,
		IsActive:    true,
		AssignedBy:  strings.TrimSpace(in.AssignedBy),
		AssignedAt:  now,
	})
	if err != nil {
		return false, mutationErr("save assignment", err)
	}
	return changed, s.invalidate(ctx, PrincipalGeneration(in.PrincipalID))
}

// RevokeRole deactivates the principal's assignments of role. A nil scope
// revokes the role in every context; otherwise only the assignment whose
// context equals scope is revoked.
func (s *Service) RevokeRole(ctx context.Context, principalID, roleName string, scope Attributes) (bool, error) {
	name := normalizeName(roleName)
	changed, err := s.revokeRole(ctx, principalID, name, scope)
	s.recordMutation(audit.Entry{
		Principal: principalID,
		Action:    audit.ActionRemoveRole,
		Role:      name,
		Context:   scope.Clone(),
		Result:    changed,
		Origin:    origin("revoke_role", err),
	}, err)
	return changed, err
}

func (s *Service) revokeRole(ctx context.Context, principalID, name string, scope Attributes) (bool, error) {
	if err := validatePrincipal(principalID); err != nil {
		return false, err
	}
	role, err := s.roleByName(ctx, name)
	if err != nil {
		return false, err
	}
	n, err := s.store.RevokeAssignments(ctx, principalID, role.ID, scopeKey(scope), s.now())
	if err != nil {
		return false, mutationErr("revoke assignments", err)
	}
	return n > 0, s.invalidate(ctx, PrincipalGeneration(principalID))
}

// GrantPermissionInput describes a direct permission grant.
type GrantPermissionInput struct {
	PrincipalID string
	Permission  string
	GrantedBy   string
	ExpiresAt   *time.Time
	Context     Attributes
}

// GrantPermission grants an active permission directly. It returns false
// when an identical valid grant already exists.
func (s *Service) GrantPermission(ctx context.Context, in GrantPermissionInput) (bool, error) {
	name := normalizeName(in.Permission)
	changed, err := s.grantPermission(ctx, in, name)
	resource, _, _ := SplitPermissionName(name)
	s.recordMutation(audit.Entry{
		Principal:  in.PrincipalID,
		Action:     audit.ActionGrant,
		Resource:   resource,
		Permission: name,
		Context:    in.Context.Clone(),
		Result:     changed,
		Actor:      in.GrantedBy,
		Origin:     withExpiry(origin("grant_permission", err), in.ExpiresAt),
	}, err)
	return changed, err
}

func (s *Service) grantPermission(ctx context.Context, in GrantPermissionInput, name string) (bool, error) {
	if err := validatePrincipal(in.PrincipalID); err != nil {
		return false, err
	}
	perm, err := s.activePermission(ctx, name)
	if err != nil {
		return false, err
	}
	changed, err := s.store.SaveDirectGrant(ctx, DirectGrant{
		PrincipalID:  in.PrincipalID,
		PermissionID: perm.ID,
		Context:      in.Context.Clone(),
		ExpiresAt:    in.ExpiresAt,
		IsActive:     true,
		GrantedBy:    strings.TrimSpace(in.GrantedBy),
		GrantedAt:    s.now(),
	})
	if err != nil {
		return false, mutationErr("save direct grant", err)
	}
	return changed, s.invalidate(ctx, PrincipalGeneration(in.PrincipalID))
}

// RevokePermission deactivates direct grants of permission. Scope follows
// the RevokeRole rules.
func (s *Service) RevokePermission(ctx context.Context, principalID, permission string, scope Attributes) (bool, error) {
	name := normalizeName(permission)
	changed, err := s.revokePermission(ctx, principalID, name, scope)
	resource, _, _ := SplitPermissionName(name)
	s.recordMutation(audit.Entry{
		Principal:  principalID,
		Action:     audit.ActionRevoke,
		Resource:   resource,
		Permission: name,
		Context:    scope.Clone(),
		Result:     changed,
		Origin:     origin("revoke_permission", err),
	}, err)
	return changed, err
}

func (s *Service) revokePermission(ctx context.Context, principalID, name string, scope Attributes) (bool, error) {
	if err := validatePrincipal(principalID); err != nil {
		return false, err
	}
	perm, err := s.permissionByName(ctx, name)
	if err != nil {
		return false, err
	}
	n, err := s.store.RevokeDirectGrants(ctx, principalID, perm.ID, scopeKey(scope), s.now())
	if err != nil {
		return false, mutationErr("revoke direct grants", err)
	}
	return n > 0, s.invalidate(ctx, PrincipalGeneration(principalID))
}

// CreateRole registers a new, active, non-system role.
func (s *Service) CreateRole(ctx context.Context, name, displayName string, level int) (Role, error) {
	return s.createRole(ctx, RoleInput{Name: name, DisplayName: displayName, Level: level})
}

func (s *Service) recordRoleCreated(ctx context.Context, name string, err error) {
	s.recordAdmin(ctx, audit.Entry{
		Action: audit.ActionGrant,
		Role:   name,
		Result: err == nil,
		Origin: origin("create_role", err),
	}, err)
}

// RoleInput describes a role for EnsureRole.
type RoleInput struct {
	Name        string
	DisplayName string
	Level       int
	IsSystem    bool
}

func (s *Service) createRole(ctx context.Context, in RoleInput) (Role, error) {
	name := normalizeName(in.Name)
	if name == "" {
		return Role{}, validationErr("role name required")
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = name
	}
	now := s.now()
	role, err := s.store.CreateRole(ctx, Role{
		Name:        name,
		DisplayName: display,
		Level:       in.Level,
		IsSystem:    in.IsSystem,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		err = mutationErr("create role", err)
		s.recordRoleCreated(ctx, name, err)
		return Role{}, err
	}
	s.recordRoleCreated(ctx, role.Name, nil)
	s.logger.Info("rbac role created", slog.String("role", role.Name), slog.Int64("role_id", role.ID))
	return role, nil
}

// EnsureRole returns the named role, creating it when missing.
func (s *Service) EnsureRole(ctx context.Context, in RoleInput) (Role, error) {
	role, err := s.store.GetRoleByName(ctx, normalizeName(in.Name))
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Role{}, mutationErr("get role", err)
	}
	role, err = s.createRole(ctx, in)
	if errors.Is(err, ErrDuplicate) {
		return s.roleByName(ctx, normalizeName(in.Name))
	}
	return role, err
}

// BindPermissionsToRole attaches permissions to role in one transaction and
// returns how many bindings were new. Role and permissions must exist and be
// active.
func (s *Service) BindPermissionsToRole(ctx context.Context, roleName string, permissions []string, assignedBy string) (int, error) {
	name := normalizeName(roleName)
	names := make([]string, 0, len(permissions))
	for _, p := range permissions {
		if n := normalizeName(p); n != "" {
			names = append(names, n)
		}
	}
	bound, err := s.bindPermissions(ctx, name, names, assignedBy)
	s.recordMutation(audit.Entry{
		Principal:  strings.TrimSpace(assignedBy),
		Action:     audit.ActionGrant,
		Role:       name,
		Permission: strings.Join(names, ","),
		Result:     bound > 0,
		Actor:      assignedBy,
		Origin:     withCount(origin("bind_permissions", err), bound),
	}, err)
	return bound, err
}

func (s *Service) bindPermissions(ctx context.Context, roleName string, names []string, assignedBy string) (int, error) {
	if len(names) == 0 {
		return 0, validationErr("at least one permission required")
	}
	role, err := s.activeRole(ctx, roleName)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(names))
	seen := make(map[int64]struct{}, len(names))
	for _, n := range names {
		perm, err := s.activePermission(ctx, n)
		if err != nil {
			return 0, err
		}
		if _, ok := seen[perm.ID]; ok {
			continue
		}
		seen[perm.ID] = struct{}{}
		ids = append(ids, perm.ID)
	}
	bound, err := s.store.BindPermissions(ctx, role.ID, ids, strings.TrimSpace(assignedBy), s.now())
	if err != nil {
		return 0, mutationErr("bind permissions", err)
	}
	return bound, s.invalidate(ctx, RoleGeneration(role.ID))
}

// PermissionInput describes a permission.
type PermissionInput struct {
	Resource    string
	Action      string
	Description string
	Conditions  Conditions
}

// CreatePermission registers an active permission named resource.action.
func (s *Service) CreatePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	resource := normalizeName(in.Resource)
	action := normalizeName(in.Action)
	if resource == "" || action == "" {
		return Permission{}, validationErr("resource and action required")
	}
	if strings.Contains(action, ".") {
		return Permission{}, validationErr("action %q must not contain '.'", action)
	}
	name := PermissionName(resource, action)
	perm, err := s.store.CreatePermission(ctx, Permission{
		Name:        name,
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(in.Description),
		Conditions:  in.Conditions,
		IsActive:    true,
		CreatedAt:   s.now(),
	})
	if err != nil {
		err = mutationErr("create permission", err)
	}
	s.recordAdmin(ctx, audit.Entry{
		Action:     audit.ActionGrant,
		Resource:   resource,
		Permission: name,
		Result:     err == nil,
		Origin:     withConditions(origin("create_permission", err), in.Conditions),
	}, err)
	if err != nil {
		return Permission{}, err
	}
	s.logger.Info("rbac permission created", slog.String("permission", perm.Name), slog.Int64("permission_id", perm.ID))
	return perm, nil
}

// EnsurePermission returns the permission, creating it when missing and
// reconciling its conditions when they differ.
func (s *Service) EnsurePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	name := PermissionName(in.Resource, in.Action)
	perm, err := s.store.GetPermissionByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return s.CreatePermission(ctx, in)
	}
	if err != nil {
		return Permission{}, mutationErr("get permission", err)
	}
	if !perm.Conditions.Equal(in.Conditions) {
		if err := s.UpdatePermissionConditions(ctx, name, in.Conditions); err != nil {
			return Permission{}, err
		}
		perm.Conditions = in.Conditions
	}
	return perm, nil
}

// UpdatePermissionConditions replaces a permission's conditions and
// invalidates every cached set that depends on it, including those reached
// through roles bound to it.
func (s *Service) UpdatePermissionConditions(ctx context.Context, permission string, conditions Conditions) error {
	name := normalizeName(permission)
	err := s.updatePermissionConditions(ctx, name, conditions)
	resource, _, _ := SplitPermissionName(name)
	s.recordAdmin(ctx, audit.Entry{
		Action:     audit.ActionGrant,
		Resource:   resource,
		Permission: name,
		Result:     err == nil,
		Origin:     withConditions(origin("update_conditions", err), conditions),
	}, err)
	return err
}

func (s *Service) updatePermissionConditions(ctx context.Context, name string, conditions Conditions) error {
	perm, err := s.permissionByName(ctx, name)
	if err != nil {
		return err
	}
	roles, err := s.store.RolesBoundTo(ctx, perm.ID)
	if err != nil {
		return mutationErr("roles bound to permission", err)
	}
	if err := s.store.UpdatePermissionConditions(ctx, perm.ID, conditions); err != nil {
		return mutationErr("update permission conditions", err)
	}
	gens := make([]Generation, 0, len(roles)+1)
	gens = append(gens, PermissionGeneration(perm.ID))
	for _, id := range roles {
		gens = append(gens, RoleGeneration(id))
	}
	return s.invalidate(ctx, gens...)
}

// SetRoleActive toggles a role. System roles cannot be deactivated.
func (s *Service) SetRoleActive(ctx context.Context, roleName string, active bool) error {
	name := normalizeName(roleName)
	err := s.setRoleActive(ctx, name, active)
	entry := audit.Entry{Action: audit.ActionGrant, Role: name, Result: err == nil, Origin: origin("activate_role", err)}
	if !active {
		entry.Action = audit.ActionRevoke
		entry.Origin = origin("deactivate_role", err)
	}
	s.recordAdmin(ctx, entry, err)
	return err
}

func (s *Service) setRoleActive(ctx context.Context, name string, active bool) error {
	role, err := s.roleByName(ctx, name)
	if err != nil {
		return err
	}
	if role.IsSystem && !active {
		return fmt.Errorf("deactivate %q: %w", role.Name, ErrSystemRole)
	}
	if err := s.store.SetRoleActive(ctx, role.ID, active); err != nil {
		return mutationErr("set role active", err)
	}
	return s.invalidate(ctx, RoleGeneration(role.ID))
}

// DeleteRole hard-deletes an unreferenced, non-system role.
func (s *Service) DeleteRole(ctx context.Context, roleName string) error {
	name := normalizeName(roleName)
	err := s.deleteRole(ctx, name)
	s.recordAdmin(ctx, audit.Entry{
		Action: audit.ActionRevoke,
		Role:   name,
		Result: err == nil,
		Origin: origin("delete_role", err),
	}, err)
	return err
}

func (s *Service) deleteRole(ctx context.Context, name string) error {
	role, err := s.roleByName(ctx, name)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("delete %q: %w", role.Name, ErrSystemRole)
	}
	if err := s.store.DeleteRole(ctx, role.ID); err != nil {
		return mutationErr("delete role", err)
	}
	return s.invalidate(ctx, RoleGeneration(role.ID))
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, mutationErr("list roles", err)
	}
	return roles, nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, mutationErr("list permissions", err)
	}
	return perms, nil
}

// GrantStates counts assignments and direct grants per lifecycle state.
func (s *Service) GrantStates(ctx context.Context) (GrantStateCounts, error) {
	counts, err := s.store.CountGrantStates(ctx, s.now())
	if err != nil {
		return GrantStateCounts{}, mutationErr("count grant states", err)
	}
	return counts, nil
}

// Ping reports cache health.
func (s *Service) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

func (s *Service) roleByName(ctx context.Context, name string) (Role, error) {
	if name == "" {
		return Role{}, validationErr("role name required")
	}
	role, err := s.store.GetRoleByName(ctx, name)
	if err != nil {
		return Role{}, mutationErr("get role", err)
	}
	return role, nil
}

func (s *Service) activeRole(ctx context.Context, name string) (Role, error) {
	role, err := s.roleByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	if !role.IsActive {
		return Role{}, fmt.Errorf("role %q inactive: %w", name, ErrNotFound)
	}
	return role, nil
}

func (s *Service) permissionByName(ctx context.Context, name string) (Permission, error) {
	if _, _, ok := SplitPermissionName(name); !ok {
		return Permission{}, validationErr("permission %q must be resource.action", name)
	}
	perm, err := s.store.GetPermissionByName(ctx, name)
	if err != nil {
		return Permission{}, mutationErr("get permission", err)
	}
	return perm, nil
}

func (s *Service) activePermission(ctx context.Context, name string) (Permission, error) {
	perm, err := s.permissionByName(ctx, name)
	if err != nil {
		return Permission{}, err
	}
	if !perm.IsActive {
		return Permission{}, fmt.Errorf("permission %q inactive: %w", name, ErrNotFound)
	}
	return perm, nil
}

// invalidate runs after the store write has committed. The local epoch moves
// first so no later lookup in this process joins an in-flight resolution;
// the counter bump covers every other reader.
func (s *Service) invalidate(ctx context.Context, gens ...Generation) error {
	s.epoch.Add(1)
	if err := s.cache.Bump(ctx, gens...); err != nil {
		s.logger.Error("rbac bump generation", slog.Any("error", err))
		return storageErr("bump generation", err)
	}
	return nil
}

func (s *Service) record(entry audit.Entry) {
	if s.audit == nil {
		return
	}
	s.audit.Record(entry)
}

// recordMutation skips requests rejected before touching the store.
func (s *Service) recordMutation(entry audit.Entry, err error) {
	if errors.Is(err, ErrValidation) {
		return
	}
	s.record(entry)
}

// recordAdmin attributes a catalogue mutation to the principal on ctx.
func (s *Service) recordAdmin(ctx context.Context, entry audit.Entry, err error) {
	if actor, ok := PrincipalFromContext(ctx); ok {
		entry.Principal = actor
		entry.Actor = actor
	}
	s.recordMutation(entry, err)
}

func mutationErr(op string, err error) error {
	if isDomainErr(err) {
		return err
	}
	return storageErr(op, err)
}

func validatePrincipal(principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return validationErr("principal required")
	}
	return nil
}

func scopeKey(scope Attributes) *string {
	if scope == nil {
		return nil
	}
	key := scope.Key()
	return &key
}

func origin(op string, err error) map[string]string {
	out := map[string]string{"op": op}
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

func withExpiry(o map[string]string, expiresAt *time.Time) map[string]string {
	if expiresAt != nil {
		o["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	return o
}

func withConditions(o map[string]string, c Conditions) map[string]string {
	if len(c) == 0 {
		return o
	}
	if raw, err := json.Marshal(c); err == nil {
		o["conditions"] = string(raw)
	}
	return o
}

func withCount(o map[string]string, n int) map[string]string {
	o["bound"] = strconv.Itoa(n)
	return o
}
