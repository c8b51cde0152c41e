package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository menyimpan entri di tabel audit_entries.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository membuat repository berbasis PostgreSQL.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const insertEntrySQL = `
INSERT INTO audit_entries (id, principal_id, action, resource, permission_name, role_name, context, result, actor, origin, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// Append menulis entri secara idempoten.
func (r *PostgresRepository) Append(ctx context.Context, entry Entry) error {
	ctxJSON, err := encodeMap(entry.Context)
	if err != nil {
		return Permanent(err)
	}
	originJSON, err := encodeMap(entry.Origin)
	if err != nil {
		return Permanent(err)
	}
	_, err = r.pool.Exec(ctx, insertEntrySQL,
		entry.ID, entry.Principal, string(entry.Action), entry.Resource, entry.Permission, entry.Role,
		ctxJSON, entry.Result, entry.Actor, originJSON, entry.OccurredAt)
	return err
}

const queryEntriesSQL = `
SELECT id, principal_id, action, resource, permission_name, role_name, context, result, actor, origin, occurred_at
FROM audit_entries
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::text IS NULL OR principal_id = $3)
  AND ($4::text IS NULL OR action = $4)
ORDER BY occurred_at DESC, id
LIMIT $5 OFFSET $6`

// Query membaca entri terbaru lebih dulu.
func (r *PostgresRepository) Query(ctx context.Context, q Query) ([]Entry, error) {
	limit := pgtype.Int8{}
	if q.Limit > 0 {
		limit = pgtype.Int8{Int64: int64(q.Limit), Valid: true}
	}
	rows, err := r.pool.Query(ctx, queryEntriesSQL,
		toPgTime(q.From), toPgTime(q.To), optionalText(q.Principal), optionalText(string(q.Action)),
		limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			action  string
			ctxRaw  []byte
			origRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.Principal, &action, &e.Resource, &e.Permission, &e.Role,
			&ctxRaw, &e.Result, &e.Actor, &origRaw, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		if e.Context, err = decodeMap(ctxRaw); err != nil {
			return nil, err
		}
		if e.Origin, err = decodeMap(origRaw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func encodeMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
