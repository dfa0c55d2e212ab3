package core

// scheduler.go provides background maintenance for upload sessions.
//
// Clients that stop sending chunks leave a session holding an open file
// handle. The sweeper runs periodically to:
//  1. Close sessions idle longer than the configured timeout
//  2. Mark their file records failed so the partial bytes are visible as such
//
// The sweeper is long-running and context-aware for graceful shutdown. It
// logs what it closed but never fails the application.

import (
	"context"
	"log/slog"
	"time"
)

// SweepConfig holds configuration for the session sweeper.
type SweepConfig struct {
	IdleTimeout   time.Duration // Close sessions idle this long (default: 30m)
	CheckInterval time.Duration // How often to run (default: 1m)
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	return c
}

// StartSweeper periodically closes idle upload sessions until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (r *UploadRegistry) StartSweeper(ctx context.Context, cfg SweepConfig) {
	cfg = cfg.withDefaults()
	slog.Info("upload sweeper started",
		"idle_timeout", cfg.IdleTimeout.String(),
		"check_interval", cfg.CheckInterval.String(),
	)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("upload sweeper stopped")
			return
		case <-ticker.C:
			r.runSweep(cfg)
		}
	}
}

// runSweep performs one sweep cycle.
func (r *UploadRegistry) runSweep(cfg SweepConfig) {
	start := time.Now()
	swept := r.Sweep(cfg.IdleTimeout)
	if swept == 0 {
		slog.Debug("upload sweep found no idle sessions", "active", r.Active())
		return
	}
	slog.Info("closed idle upload sessions",
		"sessions_closed", swept,
		"active", r.Active(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
