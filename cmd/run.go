package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/config"
	"github.com/paulschiretz/pgl-replica/pkg/engine"
	"github.com/paulschiretz/pgl-replica/pkg/flagparse"
	"github.com/paulschiretz/pgl-replica/pkg/hook"
	"github.com/paulschiretz/pgl-replica/pkg/metrics"
	"github.com/paulschiretz/pgl-replica/pkg/planner"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// RunDaemon handles the 'run' command: passes repeat at the configured
// interval until ctx is cancelled.
func RunDaemon(ctx context.Context, flagMap map[string]interface{}) error {
	return replicate(ctx, flagparse.Run, planner.Daemon, flagMap)
}

// RunSync handles the 'sync' command: a single pass.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
	return replicate(ctx, flagparse.Sync, planner.Once, flagMap)
}

func replicate(ctx context.Context, command flagparse.Command, mode planner.Mode, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(command, flagMap)
	if err != nil {
		return err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	if runConfig.LogFile != "" {
		closeLog, err := openLogFile(runConfig.LogFile)
		if err != nil {
			return err
		}
		defer closeLog()
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid(), "mode", mode)
	runConfig.LogSummary()

	plan, err := planner.GenerateReplicationPlan(runConfig, mode)
	if err != nil {
		return err
	}

	var exporter *metrics.Exporter
	if runConfig.Metrics.Enabled {
		exporter = metrics.NewExporter()
	}

	runner := engine.NewRunner(hook.NewHookExecutor(exec.CommandContext), exporter, nil)

	startTime := time.Now()
	if err := runner.ExecuteReplication(ctx, plan); err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}

// loadRunConfig resolves the configuration file, overlays the flags and
// validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	configPath := configPathFromFlags(flagMap)

	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig, err := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	if err != nil {
		return config.Config{}, err
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}
	return runConfig, nil
}

// configPathFromFlags returns the -config value, or the default file name in
// the working directory.
func configPathFromFlags(flagMap map[string]interface{}) string {
	if p, ok := flagMap["config"].(string); ok && p != "" {
		return p
	}
	return config.ConfigFileName
}

// openLogFile attaches an append-only log file to the global logger.
func openLogFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	plog.AddFileOutput(f)
	return func() {
		plog.AddFileOutput(nil)
		f.Close()
	}, nil
}
