//go:build !windows

package preflight

import "path/filepath"

// checkVolumeExists is a no-op on Unix-like systems, where every path hangs
// off the single root.
func checkVolumeExists(string) error { return nil }

// isUnsafeRoot reports whether path is the filesystem root.
func isUnsafeRoot(path string) bool {
	return filepath.Clean(path) == "/"
}
