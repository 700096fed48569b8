package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/flagparse"
	"github.com/paulschiretz/pgl-replica/pkg/pathmeta"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// ConfigFileName is the name of the configuration file looked up in the
// working directory when no -config flag is given.
const ConfigFileName = "pgl-replica.config.json"

var validLogLevels = []string{"debug", "notice", "info", "warn", "warning", "error"}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file for better discoverability.
	// PrePass is a list of shell commands to execute before every pass.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PrePass []string `json:"prePass"`
	// PostPass is a list of shell commands to execute after every pass.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostPass []string `json:"postPass"`
}

type EngineConfig struct {
	Interval     Duration               `json:"interval"`
	Hash         pathmeta.HashAlgorithm `json:"hash"`
	FailFast     bool                   `json:"failFast"`
	BufferSizeKB int                    `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for copies and hashing. Default is 256 (256KB)."`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type RuntimeConfig struct {
	DryRun     bool
	ConfigPath string
}

type Config struct {
	Version   string        `json:"version"`
	Source    string        `json:"source"`
	Replica   string        `json:"replica"`
	LogLevel  string        `json:"logLevel"`
	LogFile   string        `json:"logFile"`
	StateFile string        `json:"stateFile"`
	LockFile  string        `json:"lockFile"`
	Runtime   RuntimeConfig `json:"-"` // Never added to config file
	Engine    EngineConfig  `json:"engine"`
	Metrics   MetricsConfig `json:"metrics"`
	Hooks     HooksConfig   `json:"hooks"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Source:   "",     // Intentionally empty to force user configuration.
		Replica:  "",     // Intentionally empty to force user configuration.
		LogLevel: "info", // Default log level.
		Engine: EngineConfig{
			Interval:     Duration(time.Minute),
			Hash:         pathmeta.Blake3,
			FailFast:     true,
			BufferSizeKB: 256, // Keep it between 64KB-4MB
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9479",
		},
		Hooks: HooksConfig{
			PrePass:  []string{},
			PostPass: []string{},
		},
	}
}

// Load reads the configuration file at path on top of the defaults.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
func Load(path string) (Config, error) {
	absPath, err := util.AbsPath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Runtime.ConfigPath = absPath
			return cfg, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}

	plog.Info("Loading configuration", "path", absPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	// NOTE: if config.Version differs from the app version a migration step goes here.
	config.Version = buildinfo.Version
	config.Runtime.ConfigPath = absPath
	return config, nil
}

// Generate creates or overwrites the configuration file at path.
func Generate(configToGenerate Config, path string) error {
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	jsonData = append(jsonData, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(jsonData)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(path, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set permissions on config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and normalizes all
// paths to cleaned absolute paths.
func (c *Config) Validate() error {
	// --- Strict Path Validation (Fail-Fast) ---
	if c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Replica == "" {
		return fmt.Errorf("replica path cannot be empty")
	}

	var err error
	if c.Source, err = util.AbsPath(c.Source); err != nil {
		return fmt.Errorf("could not expand source path: %w", err)
	}
	if c.Replica, err = util.AbsPath(c.Replica); err != nil {
		return fmt.Errorf("could not expand replica path: %w", err)
	}
	for _, p := range []*string{&c.LogFile, &c.StateFile, &c.LockFile} {
		if *p == "" {
			continue
		}
		if *p, err = util.AbsPath(*p); err != nil {
			return err
		}
	}

	if c.StateFile != "" && (util.IsSubPath(c.Source, c.StateFile) || util.IsSubPath(c.Replica, c.StateFile)) {
		return fmt.Errorf("stateFile %s cannot lie inside the source or the replica", c.StateFile)
	}
	if c.LockFile != "" && (util.IsSubPath(c.Source, c.LockFile) || util.IsSubPath(c.Replica, c.LockFile)) {
		return fmt.Errorf("lockFile %s cannot lie inside the source or the replica", c.LockFile)
	}

	// --- Validate Engine Settings ---
	if c.Engine.Interval <= 0 {
		return fmt.Errorf("engine.interval must be greater than 0")
	}
	if _, err := pathmeta.ParseHashAlgorithm(string(c.Engine.Hash)); err != nil {
		return fmt.Errorf("engine.hash: %w", err)
	}
	if c.Engine.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.bufferSizeKB must be greater than 0")
	}

	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid logLevel %q. Must be one of: %s", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr cannot be empty when metrics are enabled")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	level = strings.ToLower(strings.TrimSpace(level))
	for _, l := range validLogLevels {
		if l == level {
			return true
		}
	}
	return false
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source", c.Source,
		"replica", c.Replica,
		"interval", c.Engine.Interval.String(),
		"hash", c.Engine.Hash.String(),
		"fail_fast", c.Engine.FailFast,
		"dry_run", c.Runtime.DryRun,
		"buffer_size_kb", c.Engine.BufferSizeKB,
	}
	if c.LogFile != "" {
		logArgs = append(logArgs, "log_file", c.LogFile)
	}
	if c.StateFile != "" {
		logArgs = append(logArgs, "state_file", c.StateFile)
	}
	if c.LockFile != "" {
		logArgs = append(logArgs, "lock_file", c.LockFile)
	}
	if c.Metrics.Enabled {
		logArgs = append(logArgs, "metrics_addr", c.Metrics.Addr)
	}
	if len(c.Hooks.PrePass) > 0 {
		logArgs = append(logArgs, "pre_pass_hooks", strings.Join(c.Hooks.PrePass, "; "))
	}
	if len(c.Hooks.PostPass) > 0 {
		logArgs = append(logArgs, "post_pass_hooks", strings.Join(c.Hooks.PostPass, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) (Config, error) {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "replica":
			merged.Replica = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-file":
			merged.LogFile = value.(string)
		case "state-file":
			merged.StateFile = value.(string)
		case "lock-file":
			merged.LockFile = value.(string)
		case "interval":
			d, err := ParseInterval(value.(string))
			if err != nil {
				return Config{}, err
			}
			merged.Engine.Interval = Duration(d)
		case "hash":
			algo, err := pathmeta.ParseHashAlgorithm(value.(string))
			if err != nil {
				return Config{}, err
			}
			merged.Engine.Hash = algo
		case "fail-fast":
			merged.Engine.FailFast = value.(bool)
		case "buffer-size-kb":
			merged.Engine.BufferSizeKB = value.(int)
		case "metrics":
			merged.Metrics.Enabled = value.(bool)
		case "metrics-addr":
			merged.Metrics.Addr = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "config":
			merged.Runtime.ConfigPath = value.(string)
		case "pre-pass-hooks":
			merged.Hooks.PrePass = value.([]string)
		case "post-pass-hooks":
			merged.Hooks.PostPass = value.([]string)
		case "force", "default":
			// Only meaningful to the init command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name, "command", command)
		}
	}
	return merged, nil
}
