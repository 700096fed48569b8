//go:build windows

package util

import (
	"fmt"
	"os"
	"time"
)

// CanModifyDir reports whether dir looks writable. Windows has no access(2)
// equivalent for ACLs, so only the read-only attribute is inspected.
func CanModifyDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&PermUserWrite == 0 {
		return fmt.Errorf("directory %s is read-only", dir)
	}
	return nil
}

// CanReadDir reports whether dir can be listed.
func CanReadDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("directory %s is not readable: %w", dir, err)
	}
	return f.Close()
}

// SetSymlinkTimes is a no-op on Windows; link timestamps are not replicated.
func SetSymlinkTimes(path string, atime, mtime time.Time) error {
	return nil
}
