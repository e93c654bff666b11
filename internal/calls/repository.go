package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinic-paging/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgForeignKeyViolation = "23503"

// NOTE: This repository assumes the following tables exist:
// - area (id BIGSERIAL, name TEXT UNIQUE)
// - sector (id BIGSERIAL, name TEXT UNIQUE, area_id BIGINT NULL REFERENCES area)
// - call (id BIGSERIAL, patient_name, doctor_name, sector_id, status, attempts INT,
//   created_at, started_at, last_called_at, expires_at, finished_at)
// - audio_queue (id BIGSERIAL, call_id, status, text, audio_url, created_at, finished_at)
//
// Recommended indexes:
// - call (sector_id, status, created_at, id)
// - audio_queue (status) WHERE status = 'playing'

// PostgresRepo implements Store on database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
	// lockTimeout bounds row-lock waits inside every transaction.
	lockTimeout time.Duration
}

func NewPostgresRepo(db *sql.DB, lockTimeout time.Duration) *PostgresRepo {
	return &PostgresRepo{db: db, lockTimeout: lockTimeout}
}

func (r *PostgresRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.SetLockTimeout(ctx, tx, r.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, pgTx{tx: tx})
	})
}

func (r *PostgresRepo) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, r.db, 2*time.Second)
}

const callColumns = `c.id, c.patient_name, c.doctor_name, c.sector_id, s.name, c.status, c.attempts,
       c.created_at, c.started_at, c.last_called_at, c.expires_at, c.finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c                                   Call
		started, lastCalled, expires, ended sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.PatientName,
		&c.RequesterName,
		&c.SectorID,
		&c.SectorName,
		&c.Status,
		&c.Attempts,
		&c.CreatedAt,
		&started,
		&lastCalled,
		&expires,
		&ended,
	); err != nil {
		return Call{}, err
	}
	c.StartedAt = nullTimePtr(started)
	c.LastCalledAt = nullTimePtr(lastCalled)
	c.ExpiresAt = nullTimePtr(expires)
	c.FinishedAt = nullTimePtr(ended)
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]Call, error) {
	defer rows.Close()
	out := []Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *PostgresRepo) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
ORDER BY c.created_at DESC, c.id DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (r *PostgresRepo) LastCalling(ctx context.Context, sectorID int64) (Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
WHERE c.sector_id = $1 AND c.status = 'calling'
ORDER BY c.last_called_at DESC NULLS LAST, c.id DESC
LIMIT 1
`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, sectorID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) Waiting(ctx context.Context, sectorID int64) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
WHERE c.sector_id = $1 AND c.status = 'waiting'
ORDER BY c.created_at, c.id
`
	rows, err := r.db.QueryContext(ctx, q, sectorID)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (r *PostgresRepo) SectorCalls(ctx context.Context, sectorID int64) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
WHERE c.sector_id = $1
ORDER BY c.created_at, c.id
`
	rows, err := r.db.QueryContext(ctx, q, sectorID)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (r *PostgresRepo) Directory(ctx context.Context) ([]Area, []Sector, error) {
	const qAreas = `SELECT id, name FROM area ORDER BY name, id`
	const qSectors = `SELECT id, name, area_id FROM sector ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, qAreas)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	areas := []Area{}
	for rows.Next() {
		var a Area
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, nil, err
		}
		areas = append(areas, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	srows, err := r.db.QueryContext(ctx, qSectors)
	if err != nil {
		return nil, nil, err
	}
	defer srows.Close()
	sectors := []Sector{}
	for srows.Next() {
		s, err := scanSector(srows)
		if err != nil {
			return nil, nil, err
		}
		sectors = append(sectors, s)
	}
	return areas, sectors, srows.Err()
}

func (r *PostgresRepo) StalePlaying(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	const q = `
SELECT id FROM audio_queue
WHERE status = 'playing' AND created_at < $1
ORDER BY id
`
	rows, err := r.db.QueryContext(ctx, q, startedBefore)
	if err != nil {
		return nil, err
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

func scanSector(row rowScanner) (Sector, error) {
	var (
		s    Sector
		area sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Name, &area); err != nil {
		return Sector{}, err
	}
	if area.Valid {
		id := area.Int64
		s.AreaID = &id
	}
	return s, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t pgTx) LockScope(ctx context.Context, scope Scope) error {
	lockArea := func(id int64) error {
		var got int64
		err := t.tx.QueryRowContext(ctx, `SELECT id FROM area WHERE id = $1 FOR UPDATE`, id).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	switch scope.Kind {
	case ScopeArea:
		return lockArea(scope.ID)
	case ScopeSector:
		s, err := t.GetSector(ctx, scope.ID)
		if err != nil {
			return err
		}
		if s.AreaID != nil {
			return lockArea(*s.AreaID)
		}
		var got int64
		return t.tx.QueryRowContext(ctx, `SELECT id FROM sector WHERE id = $1 FOR UPDATE`, scope.ID).Scan(&got)
	}
	return ErrInvalidArgument
}

func (t pgTx) AnyPlaying(ctx context.Context, scope Scope) (bool, error) {
	const qSector = `
SELECT EXISTS (
  SELECT 1
  FROM audio_queue aq
  JOIN call c ON c.id = aq.call_id
  WHERE aq.status = 'playing' AND c.sector_id = $1
)
`
	const qArea = `
SELECT EXISTS (
  SELECT 1
  FROM audio_queue aq
  JOIN call c ON c.id = aq.call_id
  JOIN sector s ON s.id = c.sector_id
  WHERE aq.status = 'playing' AND s.area_id = $1
)
`
	q := qSector
	if scope.Kind == ScopeArea {
		q = qArea
	}
	var playing bool
	err := t.tx.QueryRowContext(ctx, q, scope.ID).Scan(&playing)
	return playing, err
}

func (t pgTx) NextEligible(ctx context.Context, scope Scope, maxAttempts int, now time.Time) (Candidate, bool, error) {
	// Rows locked by a concurrent claim are skipped rather than waited on.
	const qSector = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
WHERE c.sector_id = $1
  AND c.status = 'waiting'
  AND c.attempts < $2
  AND (c.expires_at IS NULL OR c.expires_at > $3)
ORDER BY c.created_at, c.id
LIMIT 1
FOR UPDATE OF c SKIP LOCKED
`
	const qArea = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
WHERE s.area_id = $1
  AND c.status = 'waiting'
  AND c.attempts < $2
  AND (c.expires_at IS NULL OR c.expires_at > $3)
ORDER BY c.created_at, c.id
LIMIT 1
FOR UPDATE OF c SKIP LOCKED
`
	q := qSector
	if scope.Kind == ScopeArea {
		q = qArea
	}
	c, err := scanCall(t.tx.QueryRowContext(ctx, q, scope.ID, maxAttempts, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Candidate{}, false, nil
		}
		return Candidate{}, false, err
	}
	return Candidate{Call: c, SectorName: c.SectorName}, true, nil
}

func (t pgTx) UpdateCall(ctx context.Context, c Call) error {
	const q = `
UPDATE call
SET status = $2, attempts = $3, started_at = $4, last_called_at = $5, expires_at = $6, finished_at = $7
WHERE id = $1
`
	res, err := t.tx.ExecContext(ctx, q,
		c.ID,
		c.Status,
		c.Attempts,
		c.StartedAt,
		c.LastCalledAt,
		c.ExpiresAt,
		c.FinishedAt,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (t pgTx) LockCall(ctx context.Context, id int64) (Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM call c
JOIN sector s ON s.id = c.sector_id
WHERE c.id = $1
FOR UPDATE OF c
`
	c, err := scanCall(t.tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (t pgTx) InsertCall(ctx context.Context, c Call) (Call, error) {
	const q = `
INSERT INTO call (patient_name, doctor_name, sector_id, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`
	if err := t.tx.QueryRowContext(ctx, q,
		c.PatientName,
		c.RequesterName,
		c.SectorID,
		c.Status,
		c.Attempts,
		c.CreatedAt,
	).Scan(&c.ID); err != nil {
		return Call{}, err
	}
	return c, nil
}

func (t pgTx) InsertAnnouncement(ctx context.Context, a Announcement) (Announcement, error) {
	const q = `
INSERT INTO audio_queue (call_id, status, text, audio_url, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`
	if err := t.tx.QueryRowContext(ctx, q,
		a.CallID,
		a.Status,
		a.Text,
		a.AudioURL,
		a.CreatedAt,
	).Scan(&a.ID); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func (t pgTx) LockAnnouncement(ctx context.Context, id int64) (Announcement, error) {
	const q = `
SELECT id, call_id, status, text, COALESCE(audio_url, ''), created_at, finished_at
FROM audio_queue
WHERE id = $1
FOR UPDATE
`
	var (
		a     Announcement
		ended sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, q, id).Scan(
		&a.ID,
		&a.CallID,
		&a.Status,
		&a.Text,
		&a.AudioURL,
		&a.CreatedAt,
		&ended,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Announcement{}, ErrNotFound
		}
		return Announcement{}, err
	}
	a.FinishedAt = nullTimePtr(ended)
	return a, nil
}

func (t pgTx) UpdateAnnouncement(ctx context.Context, a Announcement) error {
	const q = `
UPDATE audio_queue
SET status = $2, text = $3, audio_url = $4, finished_at = $5
WHERE id = $1
`
	res, err := t.tx.ExecContext(ctx, q, a.ID, a.Status, a.Text, a.AudioURL, a.FinishedAt)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (t pgTx) GetSector(ctx context.Context, id int64) (Sector, error) {
	s, err := scanSector(t.tx.QueryRowContext(ctx, `SELECT id, name, area_id FROM sector WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Sector{}, ErrNotFound
	}
	return s, err
}

func (t pgTx) UpsertSector(ctx context.Context, name string, areaID *int64) (Sector, error) {
	// An existing sector keeps its area unless a new one is supplied.
	const q = `
INSERT INTO sector (name, area_id)
VALUES ($1, $2)
ON CONFLICT (name)
DO UPDATE SET area_id = COALESCE(EXCLUDED.area_id, sector.area_id)
RETURNING id, name, area_id
`
	s, err := scanSector(t.tx.QueryRowContext(ctx, q, name, areaID))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return Sector{}, ErrNotFound
	}
	return s, err
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
