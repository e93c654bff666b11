// Package housekeeping removes expired audio artifacts and releases
// announcements left playing by panels that went away.
package housekeeping

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"clinic-paging/pkg/metrics"
)

// Releaser finishes announcements stuck in playing.
type Releaser interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Config struct {
	AudioDir  string
	Retention time.Duration
	Interval  time.Duration
	// StaleAfter <= 0 disables stale release.
	StaleAfter time.Duration
}

type Janitor struct {
	cfg      Config
	releaser Releaser
	log      *slog.Logger
	clock    func() time.Time
}

func New(cfg Config, releaser Releaser, log *slog.Logger) *Janitor {
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{cfg: cfg, releaser: releaser, log: log.With("component", "housekeeping"), clock: time.Now}
}

// CleanupArtifacts deletes regular files in the audio dir whose modification
// time is older than the retention window. A missing dir is not an error.
func (j *Janitor) CleanupArtifacts(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.cfg.AudioDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := j.clock().Add(-j.cfg.Retention)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed concurrently.
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(j.cfg.AudioDir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.log.Warn("artifact removal failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
		metrics.ArtifactsRemoved.Inc()
	}
	if removed > 0 {
		j.log.Info("artifacts removed", "count", removed)
	}
	return removed, nil
}

// ReleaseStale delegates to the releaser when stale release is enabled.
func (j *Janitor) ReleaseStale(ctx context.Context) (int, error) {
	if j.releaser == nil || j.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := j.releaser.ReleaseStale(ctx, j.cfg.StaleAfter)
	if n > 0 {
		j.log.Warn("stale announcements released", "count", n, "older_than", j.cfg.StaleAfter.String())
	}
	return n, err
}

// Run performs both jobs until ctx is done. Stale release runs twice per
// StaleAfter window so a stuck scope is freed within 1.5x that window.
func (j *Janitor) Run(ctx context.Context) {
	artifacts := time.NewTicker(j.cfg.Interval)
	defer artifacts.Stop()

	staleEvery := j.cfg.StaleAfter / 2
	if staleEvery < time.Second {
		staleEvery = time.Second
	}
	stale := time.NewTicker(staleEvery)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-artifacts.C:
			if _, err := j.CleanupArtifacts(ctx); err != nil && ctx.Err() == nil {
				j.log.Error("artifact cleanup failed", "error", err)
			}
		case <-stale.C:
			if _, err := j.ReleaseStale(ctx); err != nil && ctx.Err() == nil {
				j.log.Error("stale release failed", "error", err)
			}
		}
	}
}
