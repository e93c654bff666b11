package calls

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

var policyBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func drawPolicy(rt *rapid.T) Policy {
	return Policy{
		MaxAttempts:   rapid.IntRange(1, MaxAttemptsCap).Draw(rt, "max_attempts"),
		Window:        time.Duration(rapid.IntRange(1, 600).Draw(rt, "window_s")) * time.Second,
		Expiry:        rapid.SampledFrom([]ExpiryPolicy{ExpiryFixed, ExpiryExtend}).Draw(rt, "expiry"),
		FinishOutcome: rapid.SampledFrom([]Status{StatusCalled, StatusWaiting, StatusFinished}).Draw(rt, "finish_outcome"),
	}
}

// Claiming a call repeatedly never pushes attempts past the cap because an
// exhausted call is never eligible.
func TestPolicy_AttemptsNeverExceedCap(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := drawPolicy(rt)
		c := Call{Status: StatusWaiting}
		now := policyBase

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.IntRange(0, 120).Draw(rt, "gap_s")) * time.Second)
			if p.EligibleToCall(c, now) {
				c = p.Advance(c, now)
			}
			if c.Attempts > p.MaxAttempts || c.Attempts > MaxAttemptsCap {
				rt.Fatalf("attempts %d exceed cap %d", c.Attempts, p.MaxAttempts)
			}
		}
	})
}

func TestPolicy_FixedDeadlineNeverMoves(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := drawPolicy(rt)
		p.Expiry = ExpiryFixed

		first := p.Advance(Call{Status: StatusWaiting}, policyBase)
		later := policyBase.Add(time.Duration(rapid.IntRange(0, 600).Draw(rt, "later_s")) * time.Second)
		second := p.Advance(first, later)

		if !second.ExpiresAt.Equal(*first.ExpiresAt) {
			rt.Fatalf("deadline moved from %v to %v", first.ExpiresAt, second.ExpiresAt)
		}
		if !second.StartedAt.Equal(policyBase) {
			rt.Fatalf("started_at must keep the first claim time")
		}
		if !second.LastCalledAt.Equal(later) {
			rt.Fatalf("last_called_at must follow the latest claim")
		}
	})
}

// Retry eligibility is a subset of call eligibility, and an ineligible call
// always resolves to no_show.
func TestPolicy_RetryImpliesEligibleToCall(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := drawPolicy(rt)
		c := Call{
			Status:   rapid.SampledFrom([]Status{StatusWaiting, StatusCalling, StatusCalled, StatusNoShow, StatusFinished}).Draw(rt, "status"),
			Attempts: rapid.IntRange(0, MaxAttemptsCap).Draw(rt, "attempts"),
		}
		if rapid.Bool().Draw(rt, "has_deadline") {
			c.ExpiresAt = timePtr(policyBase.Add(time.Duration(rapid.IntRange(-300, 300).Draw(rt, "deadline_s")) * time.Second))
		}

		retry := p.EligibleToRetry(c, policyBase)
		if retry && !p.EligibleToCall(c, policyBase) {
			rt.Fatalf("retry allowed for a call that is not eligible to call: %+v", c)
		}
		if retry != (p.RetryDecline(c, policyBase) == "") {
			rt.Fatalf("RetryDecline disagrees with EligibleToRetry for %+v", c)
		}
		if !p.EligibleToCall(c, policyBase) && p.Resolve(c, policyBase) != StatusNoShow {
			rt.Fatalf("ineligible call must resolve to no_show")
		}
	})
}

func TestPolicy_ValidateRejectsOutOfRange(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy should be valid: %v", err)
	}
	p.MaxAttempts = 4
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for 4 attempts")
	}
	p = DefaultPolicy()
	p.FinishOutcome = StatusNoShow
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for no_show finish outcome")
	}
}

func TestPolicy_ExpiryIsInclusiveOfDeadline(t *testing.T) {
	p := DefaultPolicy()
	c := p.Advance(Call{Status: StatusWaiting}, policyBase)
	deadline := *c.ExpiresAt
	if p.Expired(c, deadline.Add(-time.Nanosecond)) {
		t.Fatalf("call expired before its deadline")
	}
	if !p.Expired(c, deadline) {
		t.Fatalf("call must be expired at its deadline")
	}
}
