package calls

import "time"

// Call is one page request for a patient.
//
// Lifecycle: waiting -> calling -> {called, no_show, finished}; called may return
// to waiting through Retry. Rows are never deleted.
type Call struct {
	ID            int64  `json:"id" db:"id"`
	PatientName   string `json:"patient_name" db:"patient_name"`
	RequesterName string `json:"requester_name" db:"doctor_name"`
	SectorID      int64  `json:"sector_id" db:"sector_id"`
	SectorName    string `json:"sector,omitempty" db:"-"`

	Status   Status `json:"status" db:"status"`
	Attempts int    `json:"attempts" db:"attempts"`

	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	LastCalledAt *time.Time `json:"last_called_at,omitempty" db:"last_called_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusCalling  Status = "calling"
	StatusCalled   Status = "called"
	StatusNoShow   Status = "no_show"
	StatusFinished Status = "finished"
)

// Terminal reports whether no operation can move the call out of s.
func (s Status) Terminal() bool {
	return s == StatusNoShow || s == StatusFinished
}

// Announcement is one synthesized utterance for one attempt of a call.
// Stored in audio_queue.
type Announcement struct {
	ID       int64              `json:"id" db:"id"`
	CallID   int64              `json:"call_id" db:"call_id"`
	Status   AnnouncementStatus `json:"status" db:"status"`
	Text     string             `json:"text" db:"text"`
	AudioURL string             `json:"audio_url,omitempty" db:"audio_url"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

type AnnouncementStatus string

const (
	AnnouncementPending AnnouncementStatus = "pending"
	AnnouncementPlaying AnnouncementStatus = "playing"
	AnnouncementDone    AnnouncementStatus = "done"
)

type Area struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Sector belongs to at most one area. Sectors upserted by name from the
// intake endpoint may not have an area yet.
type Sector struct {
	ID     int64  `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	AreaID *int64 `json:"area_id,omitempty" db:"area_id"`
}

// AreaGroup is one entry of the sector directory.
// Sectors without an area are grouped under a nil AreaID.
type AreaGroup struct {
	AreaID   *int64   `json:"area_id"`
	AreaName string   `json:"area_name"`
	Sectors  []Sector `json:"sectors"`
}

type ScopeKind string

const (
	ScopeSector ScopeKind = "sector"
	ScopeArea   ScopeKind = "area"
)

// Scope is the unit of mutual exclusion for claims.
type Scope struct {
	Kind ScopeKind
	ID   int64
}

func (s Scope) Valid() bool {
	return (s.Kind == ScopeSector || s.Kind == ScopeArea) && s.ID > 0
}

// Candidate is a call selected for claiming, joined with its sector name.
type Candidate struct {
	Call       Call
	SectorName string
}

// Payload is what a successful claim returns and what panels receive.
type Payload struct {
	CallID         int64  `json:"call_id"`
	AnnouncementID int64  `json:"audio_id"`
	PatientName    string `json:"patient_name"`
	RequesterName  string `json:"requester_name"`
	SectorID       int64  `json:"sector_id"`
	SectorName     string `json:"sector"`
	Attempt        int    `json:"attempt"`
	Text           string `json:"text"`
	AudioURL       string `json:"audio_url"`
}

type ClaimOutcome string

const (
	OutcomeClaimed      ClaimOutcome = "claimed"
	OutcomeNoneEligible ClaimOutcome = "none_eligible"
)

// ClaimResult carries Payload only when Outcome is OutcomeClaimed.
type ClaimResult struct {
	Outcome ClaimOutcome
	Payload Payload
}

func (r ClaimResult) Claimed() bool { return r.Outcome == OutcomeClaimed }

// RetryResult is either accepted with the attempt number the next claim will
// use, or declined with a reason.
type RetryResult struct {
	Accepted    bool   `json:"accepted"`
	CallID      int64  `json:"call_id"`
	NextAttempt int    `json:"next_attempt,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type FinishResult struct {
	Announcement Announcement `json:"announcement"`
	Call         Call         `json:"call"`
	// AlreadyDone is set when the announcement had been finished before.
	AlreadyDone bool `json:"already_done"`
}

type CreateCallRequest struct {
	PatientName   string `json:"patient_name" binding:"required"`
	RequesterName string `json:"requester_name" binding:"required"`
	SectorID      int64  `json:"sector_id,omitempty"`
	SectorName    string `json:"sector_name,omitempty"`
	// AreaID attaches a newly upserted sector to an area.
	AreaID *int64 `json:"area_id,omitempty"`
}
