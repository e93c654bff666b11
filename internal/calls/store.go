package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSynthesisFailed wraps speech backend failures during a claim.
	// Nothing was advanced; the caller may try again.
	ErrSynthesisFailed = errors.New("synthesis failed")
)

// Store is the persistence contract for the call queue.
// Reads outside a transaction are served directly; every mutation goes
// through InTx so it commits or rolls back as a unit.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListCalls(ctx context.Context, limit int) ([]Call, error)
	LastCalling(ctx context.Context, sectorID int64) (Call, error)
	Waiting(ctx context.Context, sectorID int64) ([]Call, error)
	SectorCalls(ctx context.Context, sectorID int64) ([]Call, error)
	Directory(ctx context.Context) ([]Area, []Sector, error)
	StalePlaying(ctx context.Context, startedBefore time.Time) ([]int64, error)
	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// LockScope serializes claims over a scope. Sector scopes lock the owning
	// area when the sector has one, so sector and area claims exclude each other.
	LockScope(ctx context.Context, scope Scope) error
	AnyPlaying(ctx context.Context, scope Scope) (bool, error)
	// NextEligible returns the oldest waiting call in scope that is under
	// maxAttempts and not expired at now, skipping rows locked elsewhere.
	NextEligible(ctx context.Context, scope Scope, maxAttempts int, now time.Time) (Candidate, bool, error)
	UpdateCall(ctx context.Context, c Call) error
	LockCall(ctx context.Context, id int64) (Call, error)
	InsertCall(ctx context.Context, c Call) (Call, error)

	InsertAnnouncement(ctx context.Context, a Announcement) (Announcement, error)
	LockAnnouncement(ctx context.Context, id int64) (Announcement, error)
	UpdateAnnouncement(ctx context.Context, a Announcement) error

	GetSector(ctx context.Context, id int64) (Sector, error)
	UpsertSector(ctx context.Context, name string, areaID *int64) (Sector, error)
}
