// Package scheduler triggers ingestion cycles.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects how the next tick is computed.
type Mode string

const (
	// Fixed fires on wall-clock boundaries that are multiples of Interval.
	// A tick that overruns skips the boundaries it missed.
	Fixed Mode = "fixed"
	// AfterCompletion waits Interval after the previous tick returns.
	AfterCompletion Mode = "after_completion"
)

// TickFunc runs one cycle. at is the scheduled time of the tick.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	Mode         Mode
	RunOnStart   bool
	StartupDelay time.Duration
}

// Scheduler drives cycles one at a time; ticks never overlap.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive")
	}
	switch opts.Mode {
	case "":
		opts.Mode = Fixed
	case Fixed, AfterCompletion:
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", opts.Mode)
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Str("mode", string(opts.Mode)).Logger(),
		nowFunc: time.Now,
	}, nil
}

// Run blocks, invoking tick until ctx is cancelled. Tick errors are logged
// and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunOnStart {
		s.runTick(ctx, tick, s.nowFunc().UTC())
	}

	last := s.nowFunc().UTC()
	for {
		next := s.NextTick(last, s.nowFunc().UTC())
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := sleep(ctx, next.Sub(s.nowFunc())); err != nil {
			return err
		}

		s.runTick(ctx, tick, next)
		last = s.nowFunc().UTC()
	}
}

func (s *Scheduler) runTick(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Info().Time("tick", at).Msg("executing scheduled cycle")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("cycle execution failed")
	}
}

// NextTick returns when the next cycle should start, given when the
// previous one finished and the current time.
func (s *Scheduler) NextTick(finished, now time.Time) time.Time {
	if s.opts.Mode == AfterCompletion {
		return finished.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
