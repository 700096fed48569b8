// Package planner turns a validated configuration into the plans consumed by
// the runner and its collaborators.
package planner

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/config"
	"github.com/paulschiretz/pgl-replica/pkg/hook"
	"github.com/paulschiretz/pgl-replica/pkg/lockfile"
	"github.com/paulschiretz/pgl-replica/pkg/pathmeta"
	"github.com/paulschiretz/pgl-replica/pkg/pathsync"
	"github.com/paulschiretz/pgl-replica/pkg/preflight"
	"github.com/paulschiretz/pgl-replica/pkg/statefile"
)

type ReplicationPlan struct {
	Mode     Mode
	DryRun   bool
	FailFast bool

	Paths PathKeys

	Interval  time.Duration
	MaxPasses int
	Hash      pathmeta.HashAlgorithm

	// StateFormat is derived from the state file extension.
	StateFormat statefile.Format
	// MetricsAddr is empty when the metrics endpoint is disabled.
	MetricsAddr string

	Preflight *preflight.Plan
	Hooks     *hook.Plan
	Sync      pathsync.Options
}

// PathKeys holds the absolute paths a run operates on. Optional paths are
// empty when unset.
type PathKeys struct {
	Source    string
	Replica   string
	LogFile   string
	StateFile string
	LockFile  string
}

// GenerateReplicationPlan builds the plan for cfg, which must already be
// validated.
func GenerateReplicationPlan(cfg config.Config, mode Mode) (*ReplicationPlan, error) {
	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast

	if _, ok := modeToString[mode]; !ok {
		return nil, fmt.Errorf("unsupported mode: %s", mode)
	}

	hash, err := pathmeta.ParseHashAlgorithm(string(cfg.Engine.Hash))
	if err != nil {
		return nil, err
	}

	interval := time.Duration(cfg.Engine.Interval)
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be greater than 0, got %s", interval)
	}

	maxPasses := 0
	if mode == Once {
		maxPasses = 1
	}

	lockPath := cfg.LockFile
	if lockPath == "" {
		lockPath = lockfile.DefaultPath(buildinfo.AppID, cfg.Replica)
	}

	var stateFormat statefile.Format
	if cfg.StateFile != "" {
		stateFormat = statefile.FormatFromPath(cfg.StateFile)
	}

	var metricsAddr string
	if cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}

	return &ReplicationPlan{
		Mode:     mode,
		DryRun:   dryRun,
		FailFast: failFast,

		Paths: PathKeys{
			Source:    cfg.Source,
			Replica:   cfg.Replica,
			LogFile:   cfg.LogFile,
			StateFile: cfg.StateFile,
			LockFile:  lockPath,
		},

		Interval:    interval,
		MaxPasses:   maxPasses,
		Hash:        hash,
		StateFormat: stateFormat,
		MetricsAddr: metricsAddr,

		Preflight: &preflight.Plan{
			SourceAccessible:    true,
			ReplicaAccessible:   true,
			EnsureReplicaExists: true,
			ReplicaWritable:     true,
			PathNesting:         true,
			LogFileLocation:     true,
			// Global Flags
			DryRun: dryRun,
		},
		Hooks: &hook.Plan{
			Enabled:          len(cfg.Hooks.PrePass) > 0 || len(cfg.Hooks.PostPass) > 0,
			PrePassCommands:  cfg.Hooks.PrePass,
			PostPassCommands: cfg.Hooks.PostPass,
			// Global Flags
			DryRun:   dryRun,
			FailFast: true,
		},
		Sync: pathsync.Options{
			DryRun:     dryRun,
			BufferSize: int64(cfg.Engine.BufferSizeKB) * 1024,
		},
	}, nil
}
