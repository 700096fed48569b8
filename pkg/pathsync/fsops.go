package pathsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

const tempPattern = ".pgl-replica-*.tmp"

// copyEntry replicates a single non-directory source entry onto dst,
// atomically replacing whatever non-directory entry exists there.
// It returns the number of content bytes written.
func (e *Engine) copyEntry(src, dst string) (int64, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return 0, fmt.Errorf("failed to stat source %s: %w", src, err)
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return 0, e.copySymlink(src, dst, info)
	case info.Mode().IsRegular():
		return e.copyFile(src, dst, info)
	default:
		return 0, fmt.Errorf("cannot replicate %s: unsupported file type %s", src, info.Mode().Type())
	}
}

// copyFile writes the content of src into a temporary file next to dst, applies
// the source mode and timestamps, and renames it over dst.
func (e *Engine) copyFile(src, dst string, info os.FileInfo) (written int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	dstDir := filepath.Dir(dst)
	out, err := os.CreateTemp(dstDir, tempPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}
	defer out.Close() // Ensure closed on error.

	tempPath := out.Name()
	// Cleared after a successful rename so the deferred remove becomes a no-op.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	if written, err = e.buffers.Copy(out, in); err != nil {
		return written, fmt.Errorf("failed to copy content from %s to %s: %w", src, tempPath, err)
	}

	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return written, fmt.Errorf("failed to set permissions on temporary file %s: %w", tempPath, err)
	}

	// Closing flushes data and might touch the modification time, so it
	// must happen before Chtimes.
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	if err := os.Chtimes(tempPath, util.AccessTime(info), info.ModTime()); err != nil {
		return written, fmt.Errorf("failed to set timestamps on %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		return written, fmt.Errorf("failed to move %s into place at %s: %w", tempPath, dst, err)
	}
	tempPath = ""
	return written, nil
}

// copySymlink recreates the link at src under dst without dereferencing it.
func (e *Engine) copySymlink(src, dst string, info os.FileInfo) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", src, err)
	}

	// os.CreateTemp only serves to reserve a unique name; the placeholder file
	// is removed so os.Symlink can create the link in its place.
	f, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return fmt.Errorf("failed to generate temp name for symlink: %w", err)
	}
	tempName := f.Name()
	f.Close()
	os.Remove(tempName)

	defer func() {
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	if err := os.Symlink(target, tempName); err != nil {
		if runtime.GOOS == "windows" && strings.Contains(err.Error(), "privilege") {
			return fmt.Errorf("failed to create symlink (requires Admin or Developer Mode): %w", err)
		}
		return fmt.Errorf("failed to create symlink %s -> %s: %w", tempName, target, err)
	}

	if err := util.SetSymlinkTimes(tempName, util.AccessTime(info), info.ModTime()); err != nil {
		return err
	}

	if err := os.Rename(tempName, dst); err != nil {
		return fmt.Errorf("failed to rename temp symlink to %s: %w", dst, err)
	}
	tempName = ""
	return nil
}

// copyTree recreates the source directory src at dst, including everything
// below it. A non-directory occupying dst is replaced. Directory timestamps
// are applied post-order, once the directory's children are complete.
func (e *Engine) copyTree(src, dst string, stats *PassStats) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source directory %s: %w", src, err)
	}

	if err := removeNonDir(dst); err != nil {
		return err
	}
	if err := os.Mkdir(dst, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dst, err)
	}
	stats.DirsCreated++
	// Mkdir is subject to the umask, so apply the permissions explicitly.
	if err := os.Chmod(dst, util.ReplicaDirPerms(info.Mode())); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", dst, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read source directory %s: %w", src, err)
	}
	for _, de := range entries {
		childSrc := filepath.Join(src, de.Name())
		childDst := filepath.Join(dst, de.Name())
		switch kindOf(de.Type()) {
		case kindDir:
			if err := e.copyTree(childSrc, childDst, stats); err != nil {
				return err
			}
		case kindRegular, kindSymlink:
			n, err := e.copyEntry(childSrc, childDst)
			stats.BytesCopied += n
			if err != nil {
				return err
			}
			stats.FilesCreated++
		default:
			plog.Debug("Ignoring special file", "path", childSrc, "type", de.Type().String())
			stats.SpecialsIgnored++
		}
	}

	if err := os.Chtimes(dst, util.AccessTime(info), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", dst, err)
	}
	return nil
}

// removeEntry deletes path without following symlinks. Real directories are
// removed recursively; links (including links to directories) and files are
// unlinked. A path that is already gone is not an error.
func removeEntry(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s for removal: %w", path, err)
	}
	if info.IsDir() {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove directory %s: %w", path, err)
		}
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// removeNonDir clears a file or link occupying path so a directory can take its place.
func removeNonDir(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot create directory %s: a directory already exists there", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove %s before creating a directory: %w", path, err)
	}
	return nil
}

// stampDir copies the access/modification times and the permission bits of
// the source directory onto the replica directory.
func stampDir(src, dst string) (bool, error) {
	info, err := os.Lstat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat source directory %s: %w", src, err)
	}
	if _, err := os.Lstat(dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat replica directory %s: %w", dst, err)
	}
	if err := os.Chmod(dst, util.ReplicaDirPerms(info.Mode())); err != nil {
		return false, fmt.Errorf("failed to set permissions on %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, util.AccessTime(info), info.ModTime()); err != nil {
		return false, fmt.Errorf("failed to set timestamps on %s: %w", dst, err)
	}
	return true, nil
}

// stampFile copies the timestamps and permission bits of src onto dst.
func stampFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", src, err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, util.AccessTime(info), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", dst, err)
	}
	return nil
}

// sameModTime compares two modification times at nanosecond resolution.
func sameModTime(a int64, b time.Time) bool {
	return a == b.UnixNano()
}
