// Package scheduler runs a pass function at a fixed interval.
//
// Passes never overlap and are never queued. When a pass takes longer than the
// interval, the ticks that elapsed while it was running are counted as skipped
// and the next pass starts at the next interval boundary, measured from the
// start of the overrunning pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paulschiretz/pgl-replica/pkg/plog"
)

// PassFunc performs one pass.
type PassFunc func(ctx context.Context) error

// PassReport describes a completed pass.
type PassReport struct {
	// Number is the 1-based sequence number of the pass.
	Number   int
	Started  time.Time
	Duration time.Duration
	// Skipped is the number of whole intervals the pass overran.
	Skipped int
	Err     error
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	// FailFast stops the loop on the first failed pass. Otherwise failures are
	// logged and the next pass runs on schedule.
	FailFast bool
	// MaxPasses stops the loop after this many passes. Zero means unbounded.
	MaxPasses int
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// OnPass is called after every pass, before waiting for the next one.
	OnPass func(PassReport)
}

// Scheduler invokes a PassFunc once per interval.
type Scheduler struct {
	interval  time.Duration
	failFast  bool
	maxPasses int
	clock     clockwork.Clock
	onPass    func(PassReport)
	run       PassFunc

	passes       int
	totalSkipped int
}

// New creates a Scheduler for run.
func New(run PassFunc, opts Options) (*Scheduler, error) {
	if run == nil {
		return nil, errors.New("scheduler: pass function must not be nil")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %v", opts.Interval)
	}
	if opts.MaxPasses < 0 {
		return nil, fmt.Errorf("scheduler: max passes cannot be negative, got %d", opts.MaxPasses)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		interval:  opts.Interval,
		failFast:  opts.FailFast,
		maxPasses: opts.MaxPasses,
		clock:     clock,
		onPass:    opts.OnPass,
		run:       run,
	}, nil
}

// Passes returns the number of passes run so far.
func (s *Scheduler) Passes() int { return s.passes }

// Skipped returns the total number of intervals skipped so far.
func (s *Scheduler) Skipped() int { return s.totalSkipped }

// Run executes passes until ctx is cancelled, MaxPasses is reached or, with
// FailFast set, a pass fails. Cancellation is observed between passes only and
// is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		start := s.clock.Now()
		err := s.run(ctx)
		duration := s.clock.Now().Sub(start)
		s.passes++

		wait, skipped := nextWait(s.interval, duration)
		s.totalSkipped += skipped

		if s.onPass != nil {
			s.onPass(PassReport{
				Number:   s.passes,
				Started:  start,
				Duration: duration,
				Skipped:  skipped,
				Err:      err,
			})
		}

		if err != nil {
			if s.failFast {
				return fmt.Errorf("pass %d failed: %w", s.passes, err)
			}
			plog.Error("Pass failed, continuing with next pass", "pass", s.passes, "error", err)
		}

		if skipped > 0 {
			plog.Warn("Pass overran its interval", "pass", s.passes, "duration", duration, "interval", s.interval, "skipped", skipped)
		}

		if s.maxPasses > 0 && s.passes >= s.maxPasses {
			return nil
		}

		if wait <= 0 {
			continue
		}
		plog.Debug("Waiting for next pass", "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		}
	}
}

// nextWait returns how long to wait after a pass that took duration, and how
// many whole intervals were skipped because the pass overran.
func nextWait(interval, duration time.Duration) (time.Duration, int) {
	wait := interval - duration
	skipped := 0
	for wait < 0 {
		wait += interval
		skipped++
	}
	return wait, skipped
}
