// Package engine drives a replication run: it validates the paths, guards the
// replica with a lock file, restores the metadata cache and then hands the
// pass loop to the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/hints"
	"github.com/paulschiretz/pgl-replica/pkg/hook"
	"github.com/paulschiretz/pgl-replica/pkg/lockfile"
	"github.com/paulschiretz/pgl-replica/pkg/metrics"
	"github.com/paulschiretz/pgl-replica/pkg/pathmeta"
	"github.com/paulschiretz/pgl-replica/pkg/pathsync"
	"github.com/paulschiretz/pgl-replica/pkg/planner"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/preflight"
	"github.com/paulschiretz/pgl-replica/pkg/scheduler"
	"github.com/paulschiretz/pgl-replica/pkg/statefile"
)

// Runner executes replication plans.
type Runner struct {
	hooks    *hook.HookExecutor
	exporter *metrics.Exporter
	clock    clockwork.Clock
}

// NewRunner creates a Runner. exporter may be nil, in which case nothing is
// exported even if a plan names a metrics address. A nil clock means the
// real clock.
func NewRunner(hooks *hook.HookExecutor, exporter *metrics.Exporter, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		hooks:    hooks,
		exporter: exporter,
		clock:    clock,
	}
}

// replication is the state shared by the passes of one run. Passes run
// sequentially on the scheduler goroutine.
type replication struct {
	plan     *planner.ReplicationPlan
	syncer   *pathsync.Engine
	cache    *pathmeta.Cache
	hooks    *hook.HookExecutor
	recorder metrics.Recorder

	number      int
	lastStats   pathsync.PassStats
	lastEvicted int
}

// ExecuteReplication runs p until its pass budget is used up, a pass fails
// with FailFast set, or ctx is cancelled. Cancellation is not an error.
func (r *Runner) ExecuteReplication(ctx context.Context, p *planner.ReplicationPlan) error {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := preflight.Run(p.Paths.Source, p.Paths.Replica, p.Paths.LogFile, p.Preflight); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireReplicaLock(ctx, p)
	if err != nil {
		return err
	}
	if releaseLock == nil {
		return nil // Another single-pass run holds the lock; exit gracefully.
	}
	defer releaseLock()

	hasher, err := pathmeta.NewHasher(p.Hash, p.Sync.BufferSize)
	if err != nil {
		return err
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if r.exporter != nil {
		recorder = r.exporter
	}

	rep := &replication{
		plan:     p,
		syncer:   pathsync.NewEngine(hasher, p.Sync),
		cache:    loadCache(p),
		hooks:    r.hooks,
		recorder: recorder,
	}

	sched, err := scheduler.New(rep.pass, scheduler.Options{
		Interval:  p.Interval,
		FailFast:  p.FailFast,
		MaxPasses: p.MaxPasses,
		Clock:     r.clock,
		OnPass:    rep.observe,
	})
	if err != nil {
		return err
	}

	plog.Info("Starting replication",
		"source", p.Paths.Source,
		"replica", p.Paths.Replica,
		"mode", p.Mode,
		"interval", p.Interval,
		"cached_entries", rep.cache.Len())

	g, gctx := errgroup.WithContext(ctx)
	if p.MetricsAddr != "" && r.exporter != nil {
		serveCtx, stopServing := context.WithCancel(gctx)
		defer stopServing()
		g.Go(func() error {
			return metrics.Serve(serveCtx, p.MetricsAddr, r.exporter.Handler())
		})
		g.Go(func() error {
			defer stopServing()
			return sched.Run(gctx)
		})
	} else {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}
	runErr := g.Wait()

	// A hook interrupted by shutdown surfaces as a failed pass.
	if runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		runErr = nil
	}

	if err := r.saveState(p, rep.cache); err != nil {
		if runErr != nil {
			plog.Error("Could not save state", "error", err)
			return runErr
		}
		return err
	}

	if runErr != nil {
		return runErr
	}
	plog.Info("Replication stopped", "passes", sched.Passes(), "skipped_intervals", sched.Skipped())
	return nil
}

// pass runs the pre-pass hooks, one engine pass, the cache prune and the
// post-pass hooks.
func (rep *replication) pass(ctx context.Context) error {
	rep.number++
	rep.lastStats = pathsync.PassStats{}
	rep.lastEvicted = 0

	env := hook.Env{
		Source:  rep.plan.Paths.Source,
		Replica: rep.plan.Paths.Replica,
		Pass:    rep.number,
	}

	if err := hints.Ignore(rep.hooks.RunPrePass(ctx, rep.plan.Hooks, env)); err != nil {
		// Pre-pass hook errors are fatal for the pass. Distinguish a
		// cancellation from a failure.
		errMsg := "pre-pass hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-pass hook canceled"
		}
		return fmt.Errorf("%s: %w", errMsg, err)
	}

	stats, passErr := rep.syncer.RunPass(rep.plan.Paths.Source, rep.plan.Paths.Replica, rep.cache)
	rep.lastStats = stats
	if passErr == nil {
		rep.lastEvicted = rep.cache.Prune()
	}

	env.PassErr = passErr
	if err := hints.Ignore(rep.hooks.RunPostPass(ctx, rep.plan.Hooks, env)); err != nil {
		if errors.Is(err, context.Canceled) {
			plog.Info("Post-pass hooks skipped due to cancellation")
		} else {
			plog.Warn("Post-pass hook failed", "error", err)
		}
	}
	return passErr
}

// observe reports a finished pass to the log and the metrics recorder.
func (rep *replication) observe(r scheduler.PassReport) {
	rep.recorder.ObservePass(metrics.PassObservation{
		Stats:     rep.lastStats,
		Duration:  r.Duration,
		Skipped:   r.Skipped,
		Err:       r.Err,
		CacheSize: rep.cache.Len(),
		Evicted:   rep.lastEvicted,
		Finished:  r.Started.Add(r.Duration),
	})

	msg := fmt.Sprintf("Pass %d completed", r.Number)
	if r.Err != nil {
		msg = fmt.Sprintf("Pass %d failed", r.Number)
	}
	if rep.syncer.DryRun() {
		msg = "[DRY RUN] " + msg
	}
	rep.lastStats.LogSummary(msg, r.Duration)
	plog.Info("Metadata cache", "entries", rep.cache.Len(), "evicted", rep.lastEvicted)
}

// acquireReplicaLock takes the lock guarding the replica. It returns a nil
// release function when a single-pass run finds the lock held, which is not
// an error. A daemon treats a held lock as fatal.
func (r *Runner) acquireReplicaLock(ctx context.Context, p *planner.ReplicationPlan) (func(), error) {
	plog.Debug("Attempting to acquire lock", "path", p.Paths.LockFile)
	lock, err := lockfile.Acquire(ctx, p.Paths.LockFile, buildinfo.AppID, p.Paths.Replica)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) && p.Mode == planner.Once {
			plog.Warn("Replication is already running for this replica, skipping run.", "details", lockErr.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.", "path", lock.Path())
	return lock.Release, nil
}

// loadCache restores the metadata cache from the plan's state file. Any
// problem with the file degrades to an empty cache.
func loadCache(p *planner.ReplicationPlan) *pathmeta.Cache {
	cache := pathmeta.NewCache()
	if p.Paths.StateFile == "" {
		return cache
	}

	state, err := statefile.Load(p.Paths.StateFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			plog.Info("No state file yet, starting with an empty cache", "path", p.Paths.StateFile)
		} else {
			plog.Warn("Ignoring unreadable state file", "path", p.Paths.StateFile, "error", err)
		}
		return cache
	}
	if !state.Matches(p.Paths.Source, p.Paths.Replica) {
		plog.Warn("Ignoring state file written for different paths",
			"path", p.Paths.StateFile, "source", state.Source, "replica", state.Replica)
		return cache
	}

	cache.Restore(state.Entries)
	plog.Info("Restored metadata cache", "path", p.Paths.StateFile, "entries", cache.Len(), "saved_at", state.SavedAtUTC)
	return cache
}

// saveState persists the cache. Dry runs never write it.
func (r *Runner) saveState(p *planner.ReplicationPlan, cache *pathmeta.Cache) error {
	if p.Paths.StateFile == "" {
		return nil
	}
	if p.DryRun {
		plog.Notice("[DRY RUN] Would save state", "path", p.Paths.StateFile, "entries", cache.Len())
		return nil
	}
	state := statefile.New(p.Paths.Source, p.Paths.Replica, cache, r.clock.Now())
	if err := statefile.Save(p.Paths.StateFile, state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	plog.Info("Saved state", "path", p.Paths.StateFile, "entries", cache.Len())
	return nil
}
