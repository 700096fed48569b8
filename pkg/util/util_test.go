package util

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestReplicaDirPerms(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{
			name:     "Read-only directory",
			input:    0555, // r-xr-xr-x
			expected: 0755, // rwxr-xr-x
		},
		{
			name:     "Already writable",
			input:    0755,
			expected: 0755,
		},
		{
			name:     "No permissions",
			input:    0000,
			expected: 0300, // -wx------
		},
		{
			name:     "Directory type bit is stripped",
			input:    os.ModeDir | 0444,
			expected: 0744,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ReplicaDirPerms(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestIsSubPath(t *testing.T) {
	root := filepath.FromSlash("/data/src")
	testCases := []struct {
		name   string
		parent string
		child  string
		want   bool
	}{
		{"Same path", root, root, true},
		{"Direct child", root, filepath.Join(root, "a"), true},
		{"Deep child", root, filepath.Join(root, "a", "b"), true},
		{"Sibling with common prefix", root, root + "2", false},
		{"Parent", root, filepath.Dir(root), false},
		{"Dot-dot prefixed name", root, filepath.Join(root, "..cache"), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSubPath(tc.parent, tc.child); got != tc.want {
				t.Errorf("IsSubPath(%q, %q) = %v, want %v", tc.parent, tc.child, got, tc.want)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got, err := ExpandPath("~/replica")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "replica"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got, err = ExpandPath("/abs/path")
	if err != nil || got != "/abs/path" {
		t.Errorf("expected path without tilde to be unchanged, got %q (err %v)", got, err)
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[int]string{1: "one", 2: "two"})
	if inv["one"] != 1 || inv["two"] != 2 || len(inv) != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}

func TestCanModifyDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission checks")
	}

	dir := t.TempDir()
	if err := CanModifyDir(dir); err != nil {
		t.Fatalf("expected temp dir to be modifiable: %v", err)
	}

	locked := filepath.Join(dir, "locked")
	if err := os.Mkdir(locked, 0555); err != nil {
		t.Fatalf("failed to create locked dir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	if err := CanModifyDir(locked); err == nil {
		t.Error("expected read-only directory to be reported as not modifiable")
	}
	if err := CanReadDir(locked); err != nil {
		t.Errorf("expected read-only directory to be readable: %v", err)
	}
}

func TestSetSymlinkTimes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink times are not replicated on Windows")
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink("does-not-exist", link); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	want := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := SetSymlinkTimes(link, want, want); err != nil {
		t.Fatalf("SetSymlinkTimes failed: %v", err)
	}
	info, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("lstat failed: %v", err)
	}
	if !info.ModTime().Equal(want) {
		t.Errorf("expected link mtime %v, got %v", want, info.ModTime())
	}
}
