package rbac

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Role represents a named bundle of permissions.
type Role struct {
	ID          int64
	Name        string
	DisplayName string
	// Level orders roles for display; it does not imply inheritance.
	Level     int
	IsSystem  bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission represents an atomic resource.action capability.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Action      string
	Description string
	Conditions  Conditions
	IsActive    bool
	CreatedAt   time.Time
}

// RoleGrant ties a permission to a role.
type RoleGrant struct {
	RoleID       int64
	PermissionID int64
	GrantedBy    string
	GrantedAt    time.Time
}

// Assignment links a principal to a role within a context scope.
type Assignment struct {
	ID          int64
	PrincipalID string
	RoleID      int64
	Context     Attributes
	ExpiresAt   *time.Time
	IsActive    bool
	AssignedBy  string
	AssignedAt  time.Time
	RevokedAt   *time.Time
}

// ValidAt reports whether the assignment grants access at now.
func (a Assignment) ValidAt(now time.Time) bool {
	return validAt(a.IsActive, a.ExpiresAt, now)
}

// State classifies the assignment for reporting.
func (a Assignment) State(now time.Time) GrantState {
	return stateOf(a.IsActive, a.ExpiresAt, now)
}

// DirectGrant links a principal straight to a permission.
type DirectGrant struct {
	ID           int64
	PrincipalID  string
	PermissionID int64
	Context      Attributes
	ExpiresAt    *time.Time
	IsActive     bool
	GrantedBy    string
	GrantedAt    time.Time
	RevokedAt    *time.Time
}

// ValidAt reports whether the grant is usable at now.
func (g DirectGrant) ValidAt(now time.Time) bool {
	return validAt(g.IsActive, g.ExpiresAt, now)
}

// State classifies the grant for reporting.
func (g DirectGrant) State(now time.Time) GrantState {
	return stateOf(g.IsActive, g.ExpiresAt, now)
}

// GrantState is the lifecycle of an assignment or direct grant row.
// Expired and revoked rows are equally invalid for resolution.
type GrantState string

const (
	GrantActive  GrantState = "active"
	GrantExpired GrantState = "expired"
	GrantRevoked GrantState = "revoked"
)

// GrantStateCounts aggregates rows per state.
type GrantStateCounts struct {
	Assignments map[GrantState]int64
	Grants      map[GrantState]int64
}

func validAt(active bool, expiresAt *time.Time, now time.Time) bool {
	if !active {
		return false
	}
	return expiresAt == nil || now.Before(*expiresAt)
}

func stateOf(active bool, expiresAt *time.Time, now time.Time) GrantState {
	switch {
	case !active:
		return GrantRevoked
	case expiresAt != nil && !now.Before(*expiresAt):
		return GrantExpired
	default:
		return GrantActive
	}
}

// Attributes is the caller-supplied context used for scoping and matching.
type Attributes map[string]string

// Key returns a canonical encoding of the attributes. Equal maps produce
// equal keys regardless of insertion order.
func (a Attributes) Key() string {
	if len(a) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(a[k]))
	}
	return b.String()
}

// Clone returns an independent copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// AsConditions turns an assignment scope into scalar conditions so it can be
// evaluated by the matcher.
func (a Attributes) AsConditions() Conditions {
	if len(a) == 0 {
		return nil
	}
	out := make(Conditions, len(a))
	for k, v := range a {
		out[k] = Scalar(v)
	}
	return out
}

// PermissionName derives the canonical resource.action name.
func PermissionName(resource, action string) string {
	return normalizeName(resource) + "." + normalizeName(action)
}

// SplitPermissionName separates a resource.action name at its last dot.
func SplitPermissionName(name string) (resource, action string, ok bool) {
	name = normalizeName(name)
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

func normalizeName(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
