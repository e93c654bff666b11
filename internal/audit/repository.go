package audit

import (
	"context"
	"database/sql"
)

// NOTE: assumes table call_events
// (id UUID PRIMARY KEY, type, call_id, audio_id, sector_id, attempt, status, message, created_at)
// with INSERT-only grants for the API role.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (
  id, type, call_id, audio_id, sector_id, attempt, status, message, created_at
) VALUES (
  $1,$2,$3,NULLIF($4::bigint, 0),NULLIF($5::bigint, 0),$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.CallID,
		e.AnnouncementID,
		e.SectorID,
		e.Attempt,
		e.Status,
		e.Message,
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID int64) ([]Event, error) {
	const q = `
SELECT id, type, call_id, COALESCE(audio_id, 0), COALESCE(sector_id, 0), attempt, status, message, created_at
FROM call_events
WHERE call_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.CallID,
			&e.AnnouncementID,
			&e.SectorID,
			&e.Attempt,
			&e.Status,
			&e.Message,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
