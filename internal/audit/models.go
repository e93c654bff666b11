package audit

import "time"

// Event is an immutable, append-only record of a call lifecycle change.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required.
// - Recording is best-effort; paging never blocks on audit failures.
//
// Storage (Postgres): table call_events with an INSERT-only policy.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	CallID         int64 `json:"call_id" db:"call_id"`
	AnnouncementID int64 `json:"audio_id,omitempty" db:"audio_id"`
	SectorID       int64 `json:"sector_id,omitempty" db:"sector_id"`

	Attempt int    `json:"attempt,omitempty" db:"attempt"`
	Status  string `json:"status,omitempty" db:"status"`

	// Message is a short human-readable description, e.g. a retry decline reason.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCreated       EventType = "call_created"
	EventTypeClaimed       EventType = "call_claimed"
	EventTypeFinished      EventType = "announcement_finished"
	EventTypeRetried       EventType = "call_retried"
	EventTypeRetryDeclined EventType = "retry_declined"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeCreated, EventTypeClaimed, EventTypeFinished, EventTypeRetried, EventTypeRetryDeclined:
		return true
	}
	return false
}
