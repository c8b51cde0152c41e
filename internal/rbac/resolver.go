package rbac

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// VersionReader exposes the current generation counters.
type VersionReader interface {
	Versions(ctx context.Context, gens []Generation) ([]int64, error)
}

// Resolution is the effective permission set for one principal and context,
// together with what is needed to cache it safely.
type Resolution struct {
	Permissions []string
	Stamps      []Stamp
	// ValidUntil is the earliest expiry among the rows that were valid at
	// resolution time. The set must not be reused at or after it.
	ValidUntil *time.Time
	// Cacheable is false when generation counters could not be read.
	Cacheable bool
}

// Resolver computes effective permissions from the store.
type Resolver struct {
	store    Store
	versions VersionReader
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver wires a resolver. versions may be nil, which disables stamping.
func NewResolver(store Store, versions VersionReader, retry RetryPolicy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		versions: versions,
		retry:    retry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the union of permissions reachable through valid,
// context-matching role assignments and direct grants.
//
// Generation counters are read before the data they protect: the principal
// counter before the principal's rows, role and permission counters before
// role bindings and permission conditions. A mutation that lands between the
// two reads therefore always leaves a mismatching stamp behind.
func (r *Resolver) Resolve(ctx context.Context, principalID string, attrs Attributes) (Resolution, error) {
	now := r.now()
	stamper := newStamper(r.versions, r.logger)

	stamper.observe(ctx, []Generation{PrincipalGeneration(principalID)})

	assignments, err := readWithRetry(ctx, r.retry, "list assignments", func(ctx context.Context) ([]Assignment, error) {
		return r.store.ListAssignments(ctx, principalID)
	})
	if err != nil {
		return Resolution{}, err
	}
	grants, err := readWithRetry(ctx, r.retry, "list direct grants", func(ctx context.Context) ([]DirectGrant, error) {
		return r.store.ListDirectGrants(ctx, principalID)
	})
	if err != nil {
		return Resolution{}, err
	}

	var validUntil *time.Time
	track := func(exp *time.Time) {
		if exp != nil && (validUntil == nil || exp.Before(*validUntil)) {
			t := *exp
			validUntil = &t
		}
	}

	roleIDs := make([]int64, 0, len(assignments))
	seenRole := make(map[int64]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.ValidAt(now) || !Matches(a.Context.AsConditions(), attrs) {
			continue
		}
		track(a.ExpiresAt)
		if _, ok := seenRole[a.RoleID]; ok {
			continue
		}
		seenRole[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
	}
	directIDs := make([]int64, 0, len(grants))
	seenPerm := make(map[int64]struct{}, len(grants))
	for _, g := range grants {
		if !g.ValidAt(now) || !Matches(g.Context.AsConditions(), attrs) {
			continue
		}
		track(g.ExpiresAt)
		if _, ok := seenPerm[g.PermissionID]; ok {
			continue
		}
		seenPerm[g.PermissionID] = struct{}{}
		directIDs = append(directIDs, g.PermissionID)
	}

	gens := make([]Generation, 0, len(roleIDs)+len(directIDs))
	for _, id := range roleIDs {
		gens = append(gens, RoleGeneration(id))
	}
	for _, id := range directIDs {
		gens = append(gens, PermissionGeneration(id))
	}
	stamper.observe(ctx, gens)

	names := make(map[string]struct{})
	if len(roleIDs) > 0 {
		roles, err := readWithRetry(ctx, r.retry, "get roles", func(ctx context.Context) ([]Role, error) {
			return r.store.GetRolesByID(ctx, roleIDs)
		})
		if err != nil {
			return Resolution{}, err
		}
		active := make([]int64, 0, len(roles))
		for _, role := range roles {
			if role.IsActive {
				active = append(active, role.ID)
			}
		}
		if len(active) > 0 {
			bound, err := readWithRetry(ctx, r.retry, "list role permissions", func(ctx context.Context) (map[int64][]Permission, error) {
				return r.store.ListRolePermissions(ctx, active)
			})
			if err != nil {
				return Resolution{}, err
			}
			for _, roleID := range active {
				for _, p := range bound[roleID] {
					if p.IsActive && Matches(p.Conditions, attrs) {
						names[p.Name] = struct{}{}
					}
				}
			}
		}
	}
	if len(directIDs) > 0 {
		perms, err := readWithRetry(ctx, r.retry, "get permissions", func(ctx context.Context) ([]Permission, error) {
			return r.store.GetPermissionsByID(ctx, directIDs)
		})
		if err != nil {
			return Resolution{}, err
		}
		for _, p := range perms {
			if p.IsActive && Matches(p.Conditions, attrs) {
				names[p.Name] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return Resolution{
		Permissions: out,
		Stamps:      stamper.stamps,
		ValidUntil:  validUntil,
		Cacheable:   stamper.ok,
	}, nil
}

// stamper collects generation stamps; any failure makes the result
// non-cacheable without failing the resolution.
type stamper struct {
	reader VersionReader
	logger *slog.Logger
	stamps []Stamp
	ok     bool
}

func newStamper(reader VersionReader, logger *slog.Logger) *stamper {
	return &stamper{reader: reader, logger: logger, ok: reader != nil}
}

func (s *stamper) observe(ctx context.Context, gens []Generation) {
	if !s.ok || len(gens) == 0 {
		return
	}
	versions, err := s.reader.Versions(ctx, gens)
	if err != nil {
		s.ok = false
		s.logger.Warn("rbac read generations", slog.Any("error", err))
		return
	}
	for i, g := range gens {
		s.stamps = append(s.stamps, Stamp{Generation: g, Version: versions[i]})
	}
}
