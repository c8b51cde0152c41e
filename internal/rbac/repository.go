package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/authz/internal/platform/db"
)

var _ Store = (*Repository)(nil)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const roleColumns = `id, name, display_name, level, is_system, is_active, created_at, updated_at`

const permissionColumns = `id, name, resource, action, description, conditions, is_active, created_at`

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Level, &r.IsSystem, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var (
		p   Permission
		raw []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &raw, &p.IsActive, &p.CreatedAt); err != nil {
		return Permission{}, err
	}
	conds, err := decodeConditions(raw)
	if err != nil {
		return Permission{}, err
	}
	p.Conditions = conds
	return p, nil
}

func (r *Repository) ListAssignments(ctx context.Context, principalID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, principal_id, role_id, context, expires_at, is_active, assigned_by, assigned_at, revoked_at
		FROM user_role_assignments WHERE principal_id = $1 AND is_active ORDER BY id`, principalID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a   Assignment
			raw []byte
		)
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &raw, &a.ExpiresAt, &a.IsActive, &a.AssignedBy, &a.AssignedAt, &a.RevokedAt); err != nil {
			return nil, err
		}
		if a.Context, err = decodeAttributes(raw); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) ListDirectGrants(ctx context.Context, principalID string) ([]DirectGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, principal_id, permission_id, context, expires_at, is_active, granted_by, granted_at, revoked_at
		FROM user_permission_grants WHERE principal_id = $1 AND is_active ORDER BY id`, principalID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []DirectGrant
	for rows.Next() {
		var (
			g   DirectGrant
			raw []byte
		)
		if err := rows.Scan(&g.ID, &g.PrincipalID, &g.PermissionID, &raw, &g.ExpiresAt, &g.IsActive, &g.GrantedBy, &g.GrantedAt, &g.RevokedAt); err != nil {
			return nil, err
		}
		if g.Context, err = decodeAttributes(raw); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *Repository) GetRolesByID(ctx context.Context, ids []int64) ([]Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *Repository) ListRolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error) {
	out := make(map[int64][]Permission, len(roleIDs))
	if len(roleIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT rp.role_id, p.id, p.name, p.resource, p.action, p.description, p.conditions, p.is_active, p.created_at
		FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			roleID int64
			p      Permission
			raw    []byte
		)
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &raw, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		if p.Conditions, err = decodeConditions(raw); err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], p)
	}
	return out, rows.Err()
}

func (r *Repository) GetPermissionsByID(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err != nil {
		return Role{}, mapPgErr(err)
	}
	return role, nil
}

func (r *Repository) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	p, err := scanPermission(r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
	if err != nil {
		return Permission{}, mapPgErr(err)
	}
	return p, nil
}

func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *Repository) RolesBoundTo(ctx context.Context, permissionID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id FROM role_permissions WHERE permission_id = $1 ORDER BY role_id`, permissionID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const grantStateQuery = `SELECT CASE
		WHEN NOT is_active THEN 'revoked'
		WHEN expires_at IS NOT NULL AND expires_at <= $1 THEN 'expired'
		ELSE 'active' END AS state, COUNT(*)
	FROM %s GROUP BY 1`

func (r *Repository) CountGrantStates(ctx context.Context, now time.Time) (GrantStateCounts, error) {
	counts := GrantStateCounts{
		Assignments: map[GrantState]int64{},
		Grants:      map[GrantState]int64{},
	}
	for table, dest := range map[string]map[GrantState]int64{
		"user_role_assignments":  counts.Assignments,
		"user_permission_grants": counts.Grants,
	} {
		rows, err := r.pool.Query(ctx, fmt.Sprintf(grantStateQuery, table), now)
		if err != nil {
			return GrantStateCounts{}, mapPgErr(err)
		}
		for rows.Next() {
			var (
				state string
				n     int64
			)
			if err := rows.Scan(&state, &n); err != nil {
				rows.Close()
				return GrantStateCounts{}, err
			}
			dest[GrantState(state)] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return GrantStateCounts{}, err
		}
	}
	return counts, nil
}

func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO roles (name, display_name, level, is_system, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Level, role.IsSystem, role.IsActive, role.CreatedAt)
	created, err := scanRole(row)
	if err != nil {
		return Role{}, mapPgErr(err)
	}
	return created, nil
}

func (r *Repository) SetRoleActive(ctx context.Context, roleID int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET is_active = $2, updated_at = NOW() WHERE id = $1`, roleID, active)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteRole(ctx context.Context, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	raw, err := encodeConditions(perm.Conditions)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO permissions (name, resource, action, description, conditions, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+permissionColumns,
		perm.Name, perm.Resource, perm.Action, perm.Description, raw, perm.IsActive, perm.CreatedAt)
	created, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapPgErr(err)
	}
	return created, nil
}

func (r *Repository) UpdatePermissionConditions(ctx context.Context, permissionID int64, conditions Conditions) error {
	raw, err := encodeConditions(conditions)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET conditions = $2 WHERE id = $1`, permissionID, raw)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) BindPermissions(ctx context.Context, roleID int64, permissionIDs []int64, grantedBy string, at time.Time) (int, error) {
	created := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked int64
		if err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&locked); err != nil {
			return mapPgErr(err)
		}
		for _, permID := range permissionIDs {
			tag, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, granted_by, granted_at)
				VALUES ($1, $2, $3, $4) ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permID, grantedBy, at)
			if err != nil {
				return mapPgErr(err)
			}
			created += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// The conflict branch only fires when the stored row is not already an
// identical valid grant, so RETURNING yields no row for a no-op. Same rules
// as MemoryStore.SaveAssignment; assertSaveAssignmentSemantics covers both.
const saveAssignmentSQL = `INSERT INTO user_role_assignments
		(principal_id, role_id, context, context_key, expires_at, is_active, assigned_by, assigned_at)
	VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
	ON CONFLICT (principal_id, role_id, context_key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at,
		    is_active = TRUE,
		    assigned_by = EXCLUDED.assigned_by,
		    assigned_at = EXCLUDED.assigned_at,
		    revoked_at = NULL
		WHERE NOT (user_role_assignments.is_active
			AND (user_role_assignments.expires_at IS NULL OR user_role_assignments.expires_at > EXCLUDED.assigned_at)
			AND user_role_assignments.expires_at IS NOT DISTINCT FROM EXCLUDED.expires_at)
	RETURNING id`

func (r *Repository) SaveAssignment(ctx context.Context, a Assignment) (bool, error) {
	return r.upsert(ctx, saveAssignmentSQL, a.PrincipalID, a.RoleID, a.Context, a.ExpiresAt, a.AssignedBy, a.AssignedAt)
}

const saveGrantSQL = `INSERT INTO user_permission_grants
		(principal_id, permission_id, context, context_key, expires_at, is_active, granted_by, granted_at)
	VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
	ON CONFLICT (principal_id, permission_id, context_key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at,
		    is_active = TRUE,
		    granted_by = EXCLUDED.granted_by,
		    granted_at = EXCLUDED.granted_at,
		    revoked_at = NULL
		WHERE NOT (user_permission_grants.is_active
			AND (user_permission_grants.expires_at IS NULL OR user_permission_grants.expires_at > EXCLUDED.granted_at)
			AND user_permission_grants.expires_at IS NOT DISTINCT FROM EXCLUDED.expires_at)
	RETURNING id`

func (r *Repository) SaveDirectGrant(ctx context.Context, g DirectGrant) (bool, error) {
	return r.upsert(ctx, saveGrantSQL, g.PrincipalID, g.PermissionID, g.Context, g.ExpiresAt, g.GrantedBy, g.GrantedAt)
}

func (r *Repository) upsert(ctx context.Context, sql, principalID string, targetID int64, scope Attributes, expiresAt *time.Time, by string, at time.Time) (bool, error) {
	raw, err := encodeAttributes(scope)
	if err != nil {
		return false, err
	}
	var id int64
	err = r.pool.QueryRow(ctx, sql, principalID, targetID, raw, scope.Key(), expiresAt, by, at).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPgErr(err)
	}
	return true, nil
}

func (r *Repository) RevokeAssignments(ctx context.Context, principalID string, roleID int64, scope *string, at time.Time) (int64, error) {
	return revokeRows(ctx, r.pool, "user_role_assignments", "role_id", principalID, roleID, scope, at)
}

func (r *Repository) RevokeDirectGrants(ctx context.Context, principalID string, permissionID int64, scope *string, at time.Time) (int64, error) {
	return revokeRows(ctx, r.pool, "user_permission_grants", "permission_id", principalID, permissionID, scope, at)
}

func revokeRows(ctx context.Context, q querier, table, column, principalID string, targetID int64, scope *string, at time.Time) (int64, error) {
	sql := fmt.Sprintf(`UPDATE %s SET is_active = FALSE, revoked_at = $3
		WHERE principal_id = $1 AND %s = $2 AND is_active`, table, column)
	args := []any{principalID, targetID, at}
	if scope != nil {
		sql += ` AND context_key = $4`
		args = append(args, *scope)
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return tag.RowsAffected(), nil
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrInUse, pgErr.ConstraintName)
		}
	}
	return err
}

func encodeConditions(c Conditions) ([]byte, error) {
	if len(c) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func decodeConditions(raw []byte) (Conditions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("rbac: decode conditions: %w", err)
	}
	if len(c) == 0 {
		return nil, nil
	}
	return c, nil
}

func encodeAttributes(a Attributes) ([]byte, error) {
	if len(a) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

func decodeAttributes(raw []byte) (Attributes, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a Attributes
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("rbac: decode context: %w", err)
	}
	if len(a) == 0 {
		return nil, nil
	}
	return a, nil
}
