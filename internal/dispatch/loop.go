// Package dispatch drives area-wide claims for areas that have live panels
// and fans the resulting announcements out to them.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clinic-paging/internal/calls"
	"clinic-paging/pkg/metrics"
	"clinic-paging/pkg/utils"

	"golang.org/x/sync/errgroup"
)

// Claimer is satisfied by calls.Service. Finish and Retry release an
// announcement that reached no panel.
type Claimer interface {
	ClaimNext(ctx context.Context, scope calls.Scope) (calls.ClaimResult, error)
	Finish(ctx context.Context, announcementID int64) (calls.FinishResult, error)
	Retry(ctx context.Context, callID int64) (calls.RetryResult, error)
}

type Broadcaster interface {
	Areas() []int64
	Broadcast(areaID int64, p calls.Payload) int
}

type Config struct {
	// Interval between ticks. Defaults to 500ms.
	Interval time.Duration
	// Concurrency bounds how many areas are claimed in parallel within a tick.
	Concurrency int
}

// Loop runs one tick per Interval. Ticks never overlap: a tick that finds the
// previous one still running is skipped, not queued.
type Loop struct {
	claimer     Claimer
	subs        Broadcaster
	interval    time.Duration
	concurrency int
	log         *slog.Logger

	running atomic.Bool
}

// TickReport summarizes one tick.
type TickReport struct {
	Skipped   bool
	Areas     int
	Claimed   int
	Delivered int
	Failed    int
}

func New(claimer Claimer, subs Broadcaster, cfg Config, log *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		claimer:     claimer,
		subs:        subs,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		log:         log.With("component", "dispatch"),
	}
}

// Run ticks until ctx is done, then waits for an in-flight tick to return.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	l.log.Info("dispatch loop started", "interval", l.interval.String(), "concurrency", l.concurrency)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("dispatch loop stopping")
			return
		case <-ticker.C:
			if !l.running.CompareAndSwap(false, true) {
				metrics.DispatchTicks.WithLabelValues("skipped").Inc()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer l.running.Store(false)
				l.tick(ctx)
			}()
		}
	}
}

// Tick runs one tick synchronously unless another tick is in flight.
func (l *Loop) Tick(ctx context.Context) TickReport {
	if !l.running.CompareAndSwap(false, true) {
		metrics.DispatchTicks.WithLabelValues("skipped").Inc()
		return TickReport{Skipped: true}
	}
	defer l.running.Store(false)
	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) TickReport {
	metrics.DispatchTicks.WithLabelValues("ran").Inc()

	areas := l.subs.Areas()
	report := TickReport{Areas: len(areas)}
	if len(areas) == 0 {
		return report
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(l.concurrency)

	for _, areaID := range areas {
		areaID := areaID
		g.Go(func() error {
			claimed, delivered, err := l.dispatchArea(ctx, areaID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				return nil
			}
			if claimed {
				report.Claimed++
				report.Delivered += delivered
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// dispatchArea errors are logged and never stop other areas.
func (l *Loop) dispatchArea(ctx context.Context, areaID int64) (bool, int, error) {
	res, err := l.claimer.ClaimNext(ctx, calls.Scope{Kind: calls.ScopeArea, ID: areaID})
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, err
		}
		if utils.IsTransient(err) {
			l.log.Warn("area claim skipped", "area_id", areaID, "error", err)
		} else {
			l.log.Error("area claim failed", "area_id", areaID, "error", err)
		}
		return false, 0, err
	}
	if !res.Claimed() {
		return false, 0, nil
	}

	delivered := l.subs.Broadcast(areaID, res.Payload)
	if delivered == 0 {
		// The last panel left after Areas() was read.
		l.release(ctx, areaID, res.Payload)
		return true, 0, nil
	}
	metrics.Broadcasts.Inc()
	l.log.Info("announcement dispatched",
		"area_id", areaID,
		"call_id", res.Payload.CallID,
		"audio_id", res.Payload.AnnouncementID,
		"attempt", res.Payload.Attempt,
		"subscribers", delivered,
	)
	return true, delivered, nil
}

// release finishes an announcement nobody received and puts its call back in
// the queue so the area is not held until stale release.
func (l *Loop) release(ctx context.Context, areaID int64, p calls.Payload) {
	log := l.log.With("area_id", areaID, "call_id", p.CallID, "audio_id", p.AnnouncementID)
	log.Warn("announcement reached no panel, releasing")

	if _, err := l.claimer.Finish(ctx, p.AnnouncementID); err != nil {
		log.Error("release finish failed", "error", err)
		return
	}
	res, err := l.claimer.Retry(ctx, p.CallID)
	if err != nil {
		log.Error("release retry failed", "error", err)
		return
	}
	if !res.Accepted {
		log.Info("released call not requeued", "reason", res.Reason)
	}
}
