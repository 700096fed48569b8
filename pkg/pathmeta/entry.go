// Package pathmeta holds what a pass remembers about source paths between
// passes: per-path metadata snapshots and the mark-and-sweep cache that owns them.
package pathmeta

import (
	"errors"
	"fmt"
	"os"
)

// ErrSymlinkHash is returned when a content hash is requested for a symlink.
// Links are compared by target, never by the content they point to.
var ErrSymlinkHash = errors.New("refusing to hash through a symlink")

// Entry is the observed state of one filesystem path as of the last time it
// was examined. Only the modification time is cached; size and content are
// always read live.
type Entry struct {
	path      string
	modTime   int64 // Unix Nano. Compared for equality only.
	isSymlink bool
	accessed  bool
}

// Capture stats path without following symlinks and returns a fresh Entry.
// The returned error wraps fs.ErrNotExist or fs.ErrPermission where applicable.
func Capture(path string) (*Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to capture metadata for %s: %w", path, err)
	}
	return &Entry{
		path:      path,
		modTime:   info.ModTime().UnixNano(),
		isSymlink: info.Mode()&os.ModeSymlink != 0,
		accessed:  true,
	}, nil
}

// Path returns the absolute path the entry describes.
func (e *Entry) Path() string { return e.path }

// ModTime returns the cached modification time in Unix nanoseconds.
func (e *Entry) ModTime() int64 { return e.modTime }

// IsSymlink reports whether the path was a symlink when last observed.
func (e *Entry) IsSymlink() bool { return e.isSymlink }

// Size performs a live Lstat and returns the current size in bytes.
func (e *Entry) Size() (int64, error) {
	info, err := os.Lstat(e.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", e.path, err)
	}
	return info.Size(), nil
}

// RefreshModTime re-stats the path and updates the cached modification time
// in place. It reports whether the value changed.
func (e *Entry) RefreshModTime() (bool, error) {
	info, err := os.Lstat(e.path)
	if err != nil {
		return false, fmt.Errorf("failed to refresh metadata for %s: %w", e.path, err)
	}
	// The type can flip between passes (file replaced by a link) and
	// the flag must follow, since links are never hashed.
	e.isSymlink = info.Mode()&os.ModeSymlink != 0

	current := info.ModTime().UnixNano()
	if current == e.modTime {
		return false, nil
	}
	e.modTime = current
	return true, nil
}

// LinkTarget returns the textual target of a symlink.
func (e *Entry) LinkTarget() (string, error) {
	target, err := os.Readlink(e.path)
	if err != nil {
		return "", fmt.Errorf("failed to read link %s: %w", e.path, err)
	}
	return target, nil
}

// ContentHash streams the file through h and returns the digest.
// It costs O(file size) and is only called when cheaper signals are inconclusive.
func (e *Entry) ContentHash(h *Hasher) ([]byte, error) {
	if e.isSymlink {
		return nil, fmt.Errorf("%s: %w", e.path, ErrSymlinkHash)
	}
	sum, _, err := h.Sum(e.path)
	return sum, err
}
