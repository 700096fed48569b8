package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	t.Run("No Arguments Prints Usage", func(t *testing.T) {
		if err := run(context.Background(), nil); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
	})

	t.Run("Version", func(t *testing.T) {
		if err := run(context.Background(), []string{"version"}); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
	})

	t.Run("Subcommand Help", func(t *testing.T) {
		if err := run(context.Background(), []string{"sync", "-help"}); err != nil {
			t.Fatalf("expected help to be handled, but got: %v", err)
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		err := run(context.Background(), []string{"mirror"})
		if err == nil {
			t.Fatal("expected an error for an unknown command, but got nil")
		}
		if !strings.Contains(err.Error(), "invalid command") {
			t.Errorf("expected error to contain 'invalid command', but got: %v", err)
		}
	})

	t.Run("Sync Replicates Source", func(t *testing.T) {
		tmp := t.TempDir()
		src := filepath.Join(tmp, "src")
		replica := filepath.Join(tmp, "replica")
		if err := os.MkdirAll(src, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0644); err != nil {
			t.Fatal(err)
		}

		args := []string{
			"sync",
			"-config", filepath.Join(tmp, "missing.config.json"),
			"-source", src,
			"-replica", replica,
			"-lock-file", filepath.Join(tmp, "replica.lock"),
		}
		if err := run(context.Background(), args); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}

		got, err := os.ReadFile(filepath.Join(replica, "a.txt"))
		if err != nil {
			t.Fatalf("expected file to be replicated: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("expected content 'hello', but got %q", got)
		}
	})
}
