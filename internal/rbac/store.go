package rbac

import (
	"context"
	"time"
)

// Store is the data store port. Implementations must enforce the uniqueness
// constraints of the data model and run every multi-row write atomically.
type Store interface {
	// Hot path reads used by the resolver.
	ListAssignments(ctx context.Context, principalID string) ([]Assignment, error)
	ListDirectGrants(ctx context.Context, principalID string) ([]DirectGrant, error)
	GetRolesByID(ctx context.Context, ids []int64) ([]Role, error)
	ListRolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error)
	GetPermissionsByID(ctx context.Context, ids []int64) ([]Permission, error)

	// Administrative reads.
	GetRoleByName(ctx context.Context, name string) (Role, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	RolesBoundTo(ctx context.Context, permissionID int64) ([]int64, error)
	CountGrantStates(ctx context.Context, now time.Time) (GrantStateCounts, error)

	// Administrative writes.
	CreateRole(ctx context.Context, role Role) (Role, error)
	SetRoleActive(ctx context.Context, roleID int64, active bool) error
	DeleteRole(ctx context.Context, roleID int64) error
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	UpdatePermissionConditions(ctx context.Context, permissionID int64, conditions Conditions) error
	// BindPermissions attaches permissions to a role and returns how many
	// bindings were newly created.
	BindPermissions(ctx context.Context, roleID int64, permissionIDs []int64, grantedBy string, at time.Time) (int, error)
	// SaveAssignment inserts or reactivates an assignment keyed by
	// (principal, role, context). It returns false when an identical valid
	// row already exists.
	SaveAssignment(ctx context.Context, a Assignment) (bool, error)
	// RevokeAssignments deactivates matching active rows. A nil scope matches
	// every context.
	RevokeAssignments(ctx context.Context, principalID string, roleID int64, scope *string, at time.Time) (int64, error)
	SaveDirectGrant(ctx context.Context, g DirectGrant) (bool, error)
	RevokeDirectGrants(ctx context.Context, principalID string, permissionID int64, scope *string, at time.Time) (int64, error)
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
