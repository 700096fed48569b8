//go:build !windows

package util

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// CanModifyDir reports whether the current user may list dir and create or
// remove entries inside it (read, write and search permission).
func CanModifyDir(dir string) error {
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("directory %s lacks read, write or search permission: %w", dir, err)
	}
	return nil
}

// CanReadDir reports whether the current user may list and traverse dir.
func CanReadDir(dir string) error {
	if err := unix.Access(dir, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("directory %s is not readable and traversable: %w", dir, err)
	}
	return nil
}

// SetSymlinkTimes stamps access and modification times onto the link itself
// without following it.
func SetSymlinkTimes(path string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("failed to set symlink times on %s: %w", path, err)
	}
	return nil
}
