package cmd_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-replica/cmd"
	"github.com/paulschiretz/pgl-replica/pkg/config"
)

func TestRunSync(t *testing.T) {
	setup := func(t *testing.T) (tmp, src, replica string) {
		t.Helper()
		tmp = t.TempDir()
		src = filepath.Join(tmp, "src")
		replica = filepath.Join(tmp, "replica")
		if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("content"), 0644); err != nil {
			t.Fatal(err)
		}
		return tmp, src, replica
	}

	t.Run("Uses Config File", func(t *testing.T) {
		tmp, src, replica := setup(t)
		cfg := config.NewDefault()
		cfg.Source = src
		cfg.Replica = replica
		cfg.LockFile = filepath.Join(tmp, "replica.lock")
		cfg.StateFile = filepath.Join(tmp, "state.json.zst")
		cfg.LogFile = filepath.Join(tmp, "replica.log")
		configPath := filepath.Join(tmp, config.ConfigFileName)
		if err := config.Generate(cfg, configPath); err != nil {
			t.Fatal(err)
		}

		if err := cmd.RunSync(context.Background(), map[string]interface{}{"config": configPath}); err != nil {
			t.Fatalf("RunSync failed: %v", err)
		}

		if _, err := os.Stat(filepath.Join(replica, "sub", "file.txt")); err != nil {
			t.Errorf("expected file to be replicated: %v", err)
		}
		if _, err := os.Stat(cfg.StateFile); err != nil {
			t.Errorf("expected state file to be written: %v", err)
		}
		logData, err := os.ReadFile(cfg.LogFile)
		if err != nil {
			t.Fatalf("expected log file to be written: %v", err)
		}
		if !strings.Contains(string(logData), "Pass 1 completed") {
			t.Errorf("expected log file to contain the pass summary, got:\n%s", logData)
		}
	})

	t.Run("Flags Override Config", func(t *testing.T) {
		tmp, src, replica := setup(t)
		flags := map[string]interface{}{
			"config":    filepath.Join(tmp, "absent.json"),
			"source":    src,
			"replica":   replica,
			"lock-file": filepath.Join(tmp, "replica.lock"),
			"dry-run":   true,
		}
		if err := cmd.RunSync(context.Background(), flags); err != nil {
			t.Fatalf("RunSync failed: %v", err)
		}
		if _, err := os.Stat(replica); !os.IsNotExist(err) {
			t.Errorf("dry run must not create the replica, stat returned: %v", err)
		}
	})

	t.Run("Invalid Config", func(t *testing.T) {
		tmp, _, _ := setup(t)
		flags := map[string]interface{}{"config": filepath.Join(tmp, "absent.json")}
		err := cmd.RunSync(context.Background(), flags)
		if err == nil || !strings.Contains(err.Error(), "source path cannot be empty") {
			t.Fatalf("expected a validation error, got: %v", err)
		}
	})

	t.Run("Invalid Interval Flag", func(t *testing.T) {
		tmp, src, replica := setup(t)
		flags := map[string]interface{}{
			"config":   filepath.Join(tmp, "absent.json"),
			"source":   src,
			"replica":  replica,
			"interval": "soon",
		}
		if err := cmd.RunSync(context.Background(), flags); err == nil {
			t.Fatal("expected an error for an invalid interval")
		}
	})
}
