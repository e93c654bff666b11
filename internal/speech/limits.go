package speech

import (
	"context"
	"fmt"
	"time"

	"clinic-paging/pkg/utils"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimited spaces requests to the synthesis backend.
type RateLimited struct {
	next    Synthesizer
	limiter *rate.Limiter
}

// NewRateLimited allows requestsPerMinute syntheses per minute with a small burst.
func NewRateLimited(next Synthesizer, requestsPerMinute int) *RateLimited {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst),
	}
}

func (r *RateLimited) Synthesize(ctx context.Context, text string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return r.next.Synthesize(ctx, text)
}

// Capped bounds concurrent syntheses across every API process with a counter
// in Redis. A slot that cannot be taken within the wait yields ErrBusy.
type Capped struct {
	next Synthesizer
	wait time.Duration
	poll time.Duration

	acquire func(ctx context.Context) (bool, error)
	release func(ctx context.Context) error
}

type CappedConfig struct {
	Key   string
	Limit int
	// SlotTTL releases slots leaked by a crashed process. Defaults to 2m.
	SlotTTL time.Duration
	// Wait is how long to keep trying for a slot. Defaults to 2s.
	Wait time.Duration
}

func NewCapped(next Synthesizer, rdb redis.Scripter, cfg CappedConfig) *Capped {
	if cfg.Key == "" {
		cfg.Key = "paging:tts:inflight"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 2
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 2 * time.Minute
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	return &Capped{
		next: next,
		wait: cfg.Wait,
		poll: 100 * time.Millisecond,
		acquire: func(ctx context.Context) (bool, error) {
			return utils.AcquireConcurrencyCap(ctx, rdb, cfg.Key, cfg.Limit, cfg.SlotTTL)
		},
		release: func(ctx context.Context) error {
			return utils.ReleaseConcurrencyCap(ctx, rdb, cfg.Key)
		},
	}
}

func (c *Capped) Synthesize(ctx context.Context, text string) (string, error) {
	if err := c.take(ctx); err != nil {
		return "", err
	}
	defer func() {
		// Release even if the request context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = c.release(rctx)
	}()
	return c.next.Synthesize(ctx, text)
}

func (c *Capped) take(ctx context.Context) error {
	deadline := time.NewTimer(c.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		ok, err := c.acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire synthesis slot: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrBusy
		case <-ticker.C:
		}
	}
}
