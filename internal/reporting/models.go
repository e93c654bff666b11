package reporting

import "time"

// TimeRange filters by call creation time. A zero range means all time.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// QueueSummaryRequest requests aggregated queue metrics for one sector.
type QueueSummaryRequest struct {
	SectorID int64     `json:"sector_id"`
	Range    TimeRange `json:"range"`
}

type QueueSummary struct {
	SectorID int64 `json:"sector_id"`

	TotalCalls    int `json:"total_calls"`
	WaitingCalls  int `json:"waiting_calls"`
	CallingCalls  int `json:"calling_calls"`
	CalledCalls   int `json:"called_calls"`
	NoShowCalls   int `json:"no_show_calls"`
	FinishedCalls int `json:"finished_calls"`

	// AverageAttempts is taken over calls that were announced at least once.
	AverageAttempts float64 `json:"average_attempts"`
	// AverageWaitSeconds is the mean time from intake to first announcement.
	AverageWaitSeconds int `json:"average_wait_seconds"`
	// NoShowRate is no_show calls over calls that reached a final state.
	NoShowRate float64 `json:"no_show_rate"`
}
