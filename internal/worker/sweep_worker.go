package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper terminates sessions of orgID idle longer than maxAgeMinutes. The
// worker sweeps every organization and passes an empty orgID.
type Sweeper interface {
	CleanupInactiveSessions(ctx context.Context, orgID string, maxAgeMinutes int) (int, error)
}

// SweepWorker runs the inactivity sweep on a fixed interval.
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
}

// NewSweepWorker creates a SweepWorker. A zero maxAge uses the sweeper's default.
func NewSweepWorker(sweeper Sweeper, interval, maxAge time.Duration, log zerolog.Logger) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepWorker{
		sweeper:  sweeper,
		interval: interval,
		maxAge:   maxAge,
		log:      log.With().Str("component", "sweep_worker").Logger(),
	}
}

// Start blocks until ctx is cancelled. Call in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Dur("max_inactive", w.maxAge).Msg("SweepWorker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of sessions closed.
func (w *SweepWorker) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := w.sweeper.CleanupInactiveSessions(ctx, "", int(w.maxAge/time.Minute))
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Inactive session sweep failed")
		}
		return n
	}
	if n > 0 {
		w.log.Info().Int("closed", n).Dur("took", time.Since(start)).Msg("Closed inactive sessions")
	}
	return n
}
