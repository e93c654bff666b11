package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic-paging/pkg/logger"
	"clinic-paging/pkg/metrics"
)

// Synthesizer turns announcement text into an artifact reference
// (a path the panels can fetch). It may be slow and may fail.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type SynthesisMode string

const (
	// SynthesizeOutside synthesizes between a read-only preselection and the
	// commit transaction, which re-validates exclusion and the candidate.
	SynthesizeOutside SynthesisMode = "outside"
	// SynthesizeInside holds the claim transaction open across synthesis.
	SynthesizeInside SynthesisMode = "inside"
)

// LifecycleHook receives call lifecycle events after their transaction commits.
// Failures are logged and never fail the operation.
type LifecycleHook interface {
	LogLifecycle(ctx context.Context, e LifecycleEvent) error
}

type LifecycleKind string

const (
	LifecycleCreated       LifecycleKind = "call_created"
	LifecycleClaimed       LifecycleKind = "call_claimed"
	LifecycleFinished      LifecycleKind = "announcement_finished"
	LifecycleRetried       LifecycleKind = "call_retried"
	LifecycleRetryDeclined LifecycleKind = "retry_declined"
)

type LifecycleEvent struct {
	Kind           LifecycleKind
	CallID         int64
	AnnouncementID int64
	SectorID       int64
	Attempt        int
	Status         Status
	Message        string
}

type ServiceConfig struct {
	Policy Policy
	Mode   SynthesisMode
	Hook   LifecycleHook
}

// Service owns the call queue: intake, claiming, finishing and retrying.
//
// Invariants:
// - At most one announcement is playing per scope. Claims lock the scope
//   (area row, or sector row when it has no area) before checking.
// - Attempts never exceed Policy.MaxAttempts.
// - A failed synthesis leaves calls and announcements untouched.
type Service struct {
	store  Store
	tts    Synthesizer
	policy Policy
	mode   SynthesisMode
	hook   LifecycleHook
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, tts Synthesizer, cfg ServiceConfig) (*Service, error) {
	if store == nil || tts == nil {
		return nil, fmt.Errorf("%w: store and synthesizer are required", ErrInvalidArgument)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	mode := cfg.Mode
	if mode == "" {
		mode = SynthesizeOutside
	}
	if mode != SynthesizeOutside && mode != SynthesizeInside {
		return nil, fmt.Errorf("%w: unknown synthesis mode %q", ErrInvalidArgument, mode)
	}
	return &Service{
		store:  store,
		tts:    tts,
		policy: cfg.Policy,
		mode:   mode,
		hook:   cfg.Hook,
		clock:  time.Now,
	}, nil
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) CreateCall(ctx context.Context, req CreateCallRequest) (Call, error) {
	patient := normalizeName(req.PatientName)
	requester := normalizeName(req.RequesterName)
	sectorName := normalizeName(req.SectorName)
	if patient == "" || requester == "" {
		return Call{}, fmt.Errorf("%w: patient_name and requester_name are required", ErrInvalidArgument)
	}
	if req.SectorID <= 0 && sectorName == "" {
		return Call{}, fmt.Errorf("%w: sector_id or sector_name is required", ErrInvalidArgument)
	}

	now := s.clock().UTC()
	var out Call
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var (
			sector Sector
			err    error
		)
		if req.SectorID > 0 {
			sector, err = tx.GetSector(ctx, req.SectorID)
		} else {
			sector, err = tx.UpsertSector(ctx, sectorName, req.AreaID)
		}
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown sector or area", ErrInvalidArgument)
		}
		if err != nil {
			return err
		}

		c, err := tx.InsertCall(ctx, Call{
			PatientName:   patient,
			RequesterName: requester,
			SectorID:      sector.ID,
			Status:        StatusWaiting,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		c.SectorName = sector.Name
		out = c
		return nil
	})
	if err != nil {
		return Call{}, err
	}

	s.emit(ctx, LifecycleEvent{Kind: LifecycleCreated, CallID: out.ID, SectorID: out.SectorID, Status: out.Status})
	return out, nil
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// ListCalls returns calls most recent first.
func (s *Service) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListCalls(ctx, limit)
}

// LastCalling returns the most recently claimed call still calling in a sector.
func (s *Service) LastCalling(ctx context.Context, sectorID int64) (Call, error) {
	if sectorID <= 0 {
		return Call{}, ErrInvalidArgument
	}
	return s.store.LastCalling(ctx, sectorID)
}

// Waiting returns a sector's waiting calls oldest first.
func (s *Service) Waiting(ctx context.Context, sectorID int64) ([]Call, error) {
	if sectorID <= 0 {
		return nil, ErrInvalidArgument
	}
	return s.store.Waiting(ctx, sectorID)
}

// SectorCalls returns every call of a sector oldest first.
func (s *Service) SectorCalls(ctx context.Context, sectorID int64) ([]Call, error) {
	if sectorID <= 0 {
		return nil, ErrInvalidArgument
	}
	return s.store.SectorCalls(ctx, sectorID)
}

// Directory lists areas with their sectors, ordered by area name then sector
// name. Sectors without an area come last.
func (s *Service) Directory(ctx context.Context) ([]AreaGroup, error) {
	areas, sectors, err := s.store.Directory(ctx)
	if err != nil {
		return nil, err
	}

	groups := make([]AreaGroup, 0, len(areas)+1)
	index := make(map[int64]int, len(areas))
	for _, a := range areas {
		id := a.ID
		index[a.ID] = len(groups)
		groups = append(groups, AreaGroup{AreaID: &id, AreaName: a.Name, Sectors: []Sector{}})
	}
	var orphans []Sector
	for _, sec := range sectors {
		if sec.AreaID != nil {
			if i, ok := index[*sec.AreaID]; ok {
				groups[i].Sectors = append(groups[i].Sectors, sec)
				continue
			}
		}
		orphans = append(orphans, sec)
	}
	if len(orphans) > 0 {
		groups = append(groups, AreaGroup{Sectors: orphans})
	}
	return groups, nil
}

// ClaimNext selects the next eligible call in scope, advances it to calling
// and records a playing announcement. NoneEligible is returned when the scope
// already has a playing announcement or nothing is eligible.
func (s *Service) ClaimNext(ctx context.Context, scope Scope) (ClaimResult, error) {
	if !scope.Valid() {
		return ClaimResult{}, fmt.Errorf("%w: invalid scope", ErrInvalidArgument)
	}

	var (
		res ClaimResult
		err error
	)
	if s.mode == SynthesizeInside {
		res, err = s.claimInside(ctx, scope)
	} else {
		res, err = s.claimOutside(ctx, scope)
	}

	outcome := "none"
	switch {
	case errors.Is(err, ErrSynthesisFailed):
		outcome = "synthesis_failed"
	case err != nil:
		outcome = "error"
	case res.Claimed():
		outcome = "claimed"
	}
	metrics.Claims.WithLabelValues(string(scope.Kind), outcome).Inc()

	if err != nil {
		return ClaimResult{}, err
	}
	if res.Claimed() {
		p := res.Payload
		s.emit(ctx, LifecycleEvent{
			Kind:           LifecycleClaimed,
			CallID:         p.CallID,
			AnnouncementID: p.AnnouncementID,
			SectorID:       p.SectorID,
			Attempt:        p.Attempt,
			Status:         StatusCalling,
		})
	}
	return res, nil
}

func noneEligible() ClaimResult { return ClaimResult{Outcome: OutcomeNoneEligible} }

// claimInside runs the whole protocol in one transaction, synthesis included.
func (s *Service) claimInside(ctx context.Context, scope Scope) (ClaimResult, error) {
	now := s.clock().UTC()
	res := noneEligible()

	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		if playing, err := tx.AnyPlaying(ctx, scope); err != nil || playing {
			return err
		}
		cand, ok, err := tx.NextEligible(ctx, scope, s.policy.MaxAttempts, now)
		if err != nil || !ok {
			return err
		}

		advanced := s.policy.Advance(cand.Call, now)
		if err := tx.UpdateCall(ctx, advanced); err != nil {
			return err
		}
		text := AnnouncementText(advanced.PatientName, cand.SectorName, advanced.RequesterName, advanced.Attempts)
		ref, err := s.synthesize(ctx, text)
		if err != nil {
			return err
		}
		p, err := s.record(ctx, tx, advanced, cand.SectorName, text, ref, now)
		if err != nil {
			return err
		}
		res = ClaimResult{Outcome: OutcomeClaimed, Payload: p}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return res, nil
}

// claimOutside preselects a candidate, synthesizes with no transaction open,
// then commits only if the scope is still free and the same call is still the
// next eligible one at the same attempt count. A lost race returns
// NoneEligible and leaves the artifact for housekeeping.
func (s *Service) claimOutside(ctx context.Context, scope Scope) (ClaimResult, error) {
	var (
		cand  Candidate
		found bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		// Unknown scopes fail here, as they do in the inside mode.
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		playing, err := tx.AnyPlaying(ctx, scope)
		if err != nil || playing {
			return err
		}
		cand, found, err = tx.NextEligible(ctx, scope, s.policy.MaxAttempts, s.clock().UTC())
		return err
	})
	if err != nil {
		return ClaimResult{}, err
	}
	if !found {
		return noneEligible(), nil
	}

	attempt := cand.Call.Attempts + 1
	text := AnnouncementText(cand.Call.PatientName, cand.SectorName, cand.Call.RequesterName, attempt)
	ref, err := s.synthesize(ctx, text)
	if err != nil {
		return ClaimResult{}, err
	}

	now := s.clock().UTC()
	res := noneEligible()
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		if playing, err := tx.AnyPlaying(ctx, scope); err != nil || playing {
			return err
		}
		again, ok, err := tx.NextEligible(ctx, scope, s.policy.MaxAttempts, now)
		if err != nil || !ok {
			return err
		}
		if again.Call.ID != cand.Call.ID || again.Call.Attempts != cand.Call.Attempts {
			return nil
		}

		advanced := s.policy.Advance(again.Call, now)
		if err := tx.UpdateCall(ctx, advanced); err != nil {
			return err
		}
		p, err := s.record(ctx, tx, advanced, again.SectorName, text, ref, now)
		if err != nil {
			return err
		}
		res = ClaimResult{Outcome: OutcomeClaimed, Payload: p}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	if !res.Claimed() {
		logger.From(ctx).Debug("claim lost after synthesis", "scope", scope.Kind, "scope_id", scope.ID, "call_id", cand.Call.ID)
	}
	return res, nil
}

func (s *Service) synthesize(ctx context.Context, text string) (string, error) {
	ref, err := s.tts.Synthesize(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	return ref, nil
}

func (s *Service) record(ctx context.Context, tx Tx, c Call, sectorName, text, ref string, now time.Time) (Payload, error) {
	a, err := tx.InsertAnnouncement(ctx, Announcement{
		CallID:    c.ID,
		Status:    AnnouncementPlaying,
		Text:      text,
		AudioURL:  ref,
		CreatedAt: now,
	})
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		CallID:         c.ID,
		AnnouncementID: a.ID,
		PatientName:    c.PatientName,
		RequesterName:  c.RequesterName,
		SectorID:       c.SectorID,
		SectorName:     sectorName,
		Attempt:        c.Attempts,
		Text:           text,
		AudioURL:       ref,
	}, nil
}

// Finish marks an announcement done and resolves its call. Finishing an
// announcement that is already done returns the current state unchanged.
func (s *Service) Finish(ctx context.Context, announcementID int64) (FinishResult, error) {
	if announcementID <= 0 {
		return FinishResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var out FinishResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.LockAnnouncement(ctx, announcementID)
		if err != nil {
			return err
		}
		c, err := tx.LockCall(ctx, a.CallID)
		if err != nil {
			return err
		}
		if a.Status == AnnouncementDone {
			out = FinishResult{Announcement: a, Call: c, AlreadyDone: true}
			return nil
		}

		a.Status = AnnouncementDone
		a.FinishedAt = timePtr(now)
		if err := tx.UpdateAnnouncement(ctx, a); err != nil {
			return err
		}

		if c.Status == StatusCalling {
			c.Status = s.policy.Resolve(c, now)
			if c.Status.Terminal() {
				c.FinishedAt = timePtr(now)
			}
			if err := tx.UpdateCall(ctx, c); err != nil {
				return err
			}
		}
		out = FinishResult{Announcement: a, Call: c}
		return nil
	})
	if err != nil {
		return FinishResult{}, err
	}

	if !out.AlreadyDone {
		s.emit(ctx, LifecycleEvent{
			Kind:           LifecycleFinished,
			CallID:         out.Call.ID,
			AnnouncementID: out.Announcement.ID,
			SectorID:       out.Call.SectorID,
			Attempt:        out.Call.Attempts,
			Status:         out.Call.Status,
		})
	}
	return out, nil
}

// Retry returns a called call to waiting if it is still under the attempt
// cap and unexpired. A declined retry is a result, not an error.
func (s *Service) Retry(ctx context.Context, callID int64) (RetryResult, error) {
	if callID <= 0 {
		return RetryResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var (
		out    RetryResult
		called Call
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LockCall(ctx, callID)
		if err != nil {
			return err
		}
		called = c
		if reason := s.policy.RetryDecline(c, now); reason != "" {
			out = RetryResult{Accepted: false, CallID: c.ID, Reason: reason}
			return nil
		}
		c.Status = StatusWaiting
		if err := tx.UpdateCall(ctx, c); err != nil {
			return err
		}
		out = RetryResult{Accepted: true, CallID: c.ID, NextAttempt: c.Attempts + 1}
		return nil
	})
	if err != nil {
		return RetryResult{}, err
	}

	e := LifecycleEvent{CallID: called.ID, SectorID: called.SectorID, Attempt: called.Attempts}
	if out.Accepted {
		e.Kind, e.Status = LifecycleRetried, StatusWaiting
	} else {
		e.Kind, e.Status, e.Message = LifecycleRetryDeclined, called.Status, out.Reason
	}
	s.emit(ctx, e)
	return out, nil
}

// ReleaseStale finishes announcements that have been playing for longer than
// olderThan, so a panel that disappeared mid-playback does not hold its scope
// forever. It returns how many announcements were released.
func (s *Service) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidArgument
	}
	ids, err := s.store.StalePlaying(ctx, s.clock().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	released := 0
	var errs []error
	for _, id := range ids {
		res, err := s.Finish(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("announcement %d: %w", id, err))
			continue
		}
		if !res.AlreadyDone {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// Ping checks storage connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) emit(ctx context.Context, e LifecycleEvent) {
	if s.hook == nil {
		return
	}
	if err := s.hook.LogLifecycle(ctx, e); err != nil {
		logger.From(ctx).Warn("lifecycle hook failed", "kind", e.Kind, "call_id", e.CallID, "error", err)
	}
}

// ParseSynthesisMode maps a config value to a SynthesisMode.
func ParseSynthesisMode(v string) (SynthesisMode, error) {
	switch m := SynthesisMode(strings.TrimSpace(v)); m {
	case "", SynthesizeOutside:
		return SynthesizeOutside, nil
	case SynthesizeInside:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown synthesis mode %q", ErrInvalidArgument, v)
}
