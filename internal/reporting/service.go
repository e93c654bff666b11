package reporting

import (
	"context"
	"errors"

	"clinic-paging/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts read access to a sector's calls.
// calls.Service satisfies it.
type Repository interface {
	SectorCalls(ctx context.Context, sectorID int64) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) QueueSummary(ctx context.Context, req QueueSummaryRequest) (QueueSummary, error) {
	if req.SectorID <= 0 {
		return QueueSummary{}, ErrInvalidRequest
	}
	if !req.Range.IsZero() && (req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From)) {
		return QueueSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return QueueSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.SectorCalls(ctx, req.SectorID)
	if err != nil {
		return QueueSummary{}, err
	}

	out := QueueSummary{SectorID: req.SectorID}
	var (
		announced, attempts int
		waitTotal           float64
		resolved            int
	)
	for _, c := range rows {
		if !req.Range.IsZero() && !req.Range.Contains(c.CreatedAt) {
			continue
		}
		out.TotalCalls++
		switch c.Status {
		case calls.StatusWaiting:
			out.WaitingCalls++
		case calls.StatusCalling:
			out.CallingCalls++
		case calls.StatusCalled:
			out.CalledCalls++
		case calls.StatusNoShow:
			out.NoShowCalls++
		case calls.StatusFinished:
			out.FinishedCalls++
		}
		if c.Status.Terminal() {
			resolved++
		}
		if c.Attempts > 0 {
			announced++
			attempts += c.Attempts
			if c.StartedAt != nil {
				waitTotal += c.StartedAt.Sub(c.CreatedAt).Seconds()
			}
		}
	}

	if announced > 0 {
		out.AverageAttempts = float64(attempts) / float64(announced)
		out.AverageWaitSeconds = int(waitTotal / float64(announced))
	}
	if resolved > 0 {
		out.NoShowRate = float64(out.NoShowCalls) / float64(resolved)
	}
	return out, nil
}
