package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the tick time.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune loop behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Loop drives periodic maintenance jobs (proposal compaction, provider
// heartbeats). Tick errors are logged, never fatal: maintenance must survive
// a bad cycle.
type Loop struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a maintenance loop.
func New(opts Options, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function every interval until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		timer := time.NewTimer(l.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			l.logger.Debug().Time("at", now).Msg("running maintenance tick")
			if err := tick(ctx, now); err != nil {
				l.logger.Error().Err(err).Time("at", now).Msg("maintenance tick failed")
			}
		}
	}
}
