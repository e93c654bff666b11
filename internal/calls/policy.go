package calls

import (
	"fmt"
	"time"
)

// MaxAttemptsCap is the hard upper bound on attempts for any call.
const MaxAttemptsCap = 3

type ExpiryPolicy string

const (
	// ExpiryFixed sets the deadline on the first claim and never moves it.
	ExpiryFixed ExpiryPolicy = "fixed"
	// ExpiryExtend resets the deadline on every claim.
	ExpiryExtend ExpiryPolicy = "extend"
)

// Policy decides eligibility for claims and retries and how finished
// announcements resolve their call. It is pure; callers pass now.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Expiry      ExpiryPolicy
	// FinishOutcome is the status a call takes after Finish when it is neither
	// exhausted nor expired. One of called, waiting, finished.
	FinishOutcome Status
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   MaxAttemptsCap,
		Window:        5 * time.Minute,
		Expiry:        ExpiryFixed,
		FinishOutcome: StatusCalled,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxAttemptsCap {
		return fmt.Errorf("%w: max attempts must be between 1 and %d", ErrInvalidArgument, MaxAttemptsCap)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: expiry window must be > 0", ErrInvalidArgument)
	}
	if p.Expiry != ExpiryFixed && p.Expiry != ExpiryExtend {
		return fmt.Errorf("%w: unknown expiry policy %q", ErrInvalidArgument, p.Expiry)
	}
	switch p.FinishOutcome {
	case StatusCalled, StatusWaiting, StatusFinished:
	default:
		return fmt.Errorf("%w: unsupported finish outcome %q", ErrInvalidArgument, p.FinishOutcome)
	}
	return nil
}

func (p Policy) Exhausted(c Call) bool {
	return c.Attempts >= p.MaxAttempts
}

// Expired reports whether the call deadline has elapsed at now.
// A call without a deadline never expires.
func (p Policy) Expired(c Call, now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

func (p Policy) EligibleToCall(c Call, now time.Time) bool {
	return !p.Exhausted(c) && !p.Expired(c, now)
}

func (p Policy) EligibleToRetry(c Call, now time.Time) bool {
	return c.Status == StatusCalled && p.EligibleToCall(c, now)
}

// RetryDecline returns the reason a retry would be declined, or "" if the
// retry is allowed.
func (p Policy) RetryDecline(c Call, now time.Time) string {
	switch {
	case c.Status != StatusCalled:
		return fmt.Sprintf("call is %s, only called calls can be retried", c.Status)
	case p.Exhausted(c):
		return fmt.Sprintf("call reached the limit of %d attempts", p.MaxAttempts)
	case p.Expired(c, now):
		return "call deadline has passed"
	}
	return ""
}

// Advance returns c as it looks after a successful claim at now.
func (p Policy) Advance(c Call, now time.Time) Call {
	out := c
	out.Attempts++
	out.Status = StatusCalling
	out.LastCalledAt = timePtr(now)
	if out.StartedAt == nil {
		out.StartedAt = timePtr(now)
	}
	if out.ExpiresAt == nil || p.Expiry == ExpiryExtend {
		out.ExpiresAt = timePtr(now.Add(p.Window))
	}
	return out
}

// Resolve returns the status a calling call takes when its announcement is
// finished at now.
func (p Policy) Resolve(c Call, now time.Time) Status {
	if p.Exhausted(c) || p.Expired(c, now) {
		return StatusNoShow
	}
	return p.FinishOutcome
}

func timePtr(t time.Time) *time.Time { return &t }
