package rbac

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed declares permissions, roles, bindings and initial assignments.
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
	Assignments []SeedAssignment `yaml:"assignments"`
}

type SeedPermission struct {
	Resource    string     `yaml:"resource"`
	Action      string     `yaml:"action"`
	Description string     `yaml:"description"`
	Conditions  Conditions `yaml:"conditions"`
}

type SeedRole struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Level       int      `yaml:"level"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

type SeedAssignment struct {
	Principal string     `yaml:"principal"`
	Role      string     `yaml:"role"`
	Context   Attributes `yaml:"context"`
	ExpiresAt *time.Time `yaml:"expires_at"`
}

// BootstrapResult summarises what a bootstrap run changed.
type BootstrapResult struct {
	Permissions int
	Roles       int
	Bindings    int
	Assignments int
}

// LoadSeed parses a YAML seed, rejecting unknown fields.
func LoadSeed(raw []byte) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("rbac: parse seed: %w", err)
	}
	return seed, nil
}

// LoadSeedFile reads and parses a YAML seed file.
func LoadSeedFile(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("rbac: read seed: %w", err)
	}
	return LoadSeed(raw)
}

// Bootstrap applies seed idempotently; running it twice changes nothing the
// second time.
func Bootstrap(ctx context.Context, svc *Service, seed Seed, actor string) (BootstrapResult, error) {
	var result BootstrapResult
	if _, ok := PrincipalFromContext(ctx); !ok && actor != "" {
		ctx = ContextWithPrincipal(ctx, actor)
	}
	before, err := svc.ListPermissions(ctx)
	if err != nil {
		return result, err
	}
	known := make(map[string]struct{}, len(before))
	for _, p := range before {
		known[p.Name] = struct{}{}
	}
	for _, p := range seed.Permissions {
		perm, err := svc.EnsurePermission(ctx, PermissionInput{
			Resource:    p.Resource,
			Action:      p.Action,
			Description: p.Description,
			Conditions:  p.Conditions,
		})
		if err != nil {
			return result, fmt.Errorf("rbac: seed permission %s.%s: %w", p.Resource, p.Action, err)
		}
		if _, ok := known[perm.Name]; !ok {
			known[perm.Name] = struct{}{}
			result.Permissions++
		}
	}

	for _, r := range seed.Roles {
		_, err := svc.roleByName(ctx, normalizeName(r.Name))
		existed := err == nil
		if _, err := svc.EnsureRole(ctx, RoleInput{Name: r.Name, DisplayName: r.DisplayName, Level: r.Level, IsSystem: r.System}); err != nil {
			return result, fmt.Errorf("rbac: seed role %s: %w", r.Name, err)
		}
		if !existed {
			result.Roles++
		}
		if len(r.Permissions) == 0 {
			continue
		}
		bound, err := svc.BindPermissionsToRole(ctx, r.Name, r.Permissions, actor)
		if err != nil {
			return result, fmt.Errorf("rbac: seed bindings for %s: %w", r.Name, err)
		}
		result.Bindings += bound
	}

	for _, a := range seed.Assignments {
		changed, err := svc.AssignRole(ctx, AssignRoleInput{
			PrincipalID: a.Principal,
			Role:        a.Role,
			AssignedBy:  actor,
			ExpiresAt:   a.ExpiresAt,
			Context:     a.Context,
		})
		if err != nil {
			return result, fmt.Errorf("rbac: seed assignment %s/%s: %w", a.Principal, a.Role, err)
		}
		if changed {
			result.Assignments++
		}
	}
	return result, nil
}
