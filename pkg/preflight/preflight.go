// Package preflight validates the source, replica and log file paths before
// the first pass. Apart from creating a missing replica root, the checks do
// not change the filesystem.
package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// Run performs the checks enabled in p. source, replica and logFile must be
// absolute and cleaned; logFile may be empty.
func Run(source, replica, logFile string, p *Plan) error {
	if p.SourceAccessible {
		if err := CheckSourceAccessible(source); err != nil {
			return err
		}
	}

	if p.PathNesting {
		if err := CheckPathNesting(source, replica); err != nil {
			return err
		}
	}

	if p.ReplicaAccessible {
		if err := CheckReplicaAccessible(replica); err != nil {
			return err
		}
	}

	if p.EnsureReplicaExists {
		if p.DryRun {
			if _, err := os.Stat(replica); errors.Is(err, fs.ErrNotExist) {
				plog.Notice("[DRY RUN] Create replica directory", "path", replica)
			}
		} else if err := EnsureReplicaExists(replica); err != nil {
			return err
		}
	}

	if p.ReplicaWritable {
		// A replica that does not exist yet in dry-run mode has nothing to check.
		if _, err := os.Stat(replica); err == nil || !p.DryRun {
			if err := CheckReplicaWritable(replica); err != nil {
				return err
			}
		}
	}

	if p.LogFileLocation && logFile != "" {
		if tree, inside := LogFileInsideTree(logFile, source, replica); inside {
			plog.Warn("Log file lies inside a synchronized tree; it will be replicated or removed by passes",
				"log_file", logFile, "tree", tree)
		}
	}
	return nil
}

// CheckSourceAccessible validates that the source path is a directory the
// current user can list and traverse.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	if err := util.CanReadDir(srcPath); err != nil {
		return fmt.Errorf("source directory is not accessible: %w", err)
	}
	return nil
}

// CheckPathNesting rejects source and replica paths that are equal or
// contain one another. A replica inside the source would be replicated into
// itself; a source inside the replica would be deleted by the first pass.
func CheckPathNesting(source, replica string) error {
	if source == replica {
		return fmt.Errorf("source and replica are the same directory: %s", source)
	}
	if util.IsSubPath(source, replica) {
		return fmt.Errorf("replica %s lies inside the source %s", replica, source)
	}
	if util.IsSubPath(replica, source) {
		return fmt.Errorf("source %s lies inside the replica %s", source, replica)
	}
	return nil
}

// CheckReplicaAccessible ensures the replica path is usable before anything
// is created there. It provides more user-friendly errors than letting
// os.MkdirAll fail.
//
// The checks include:
//  1. The path is not a filesystem root, since every entry absent from the
//     source is deleted from the replica.
//  2. On Windows, the drive or network share exists.
//  3. If the path exists, it is a directory.
//  4. If it does not exist, its parent directory is accessible.
func CheckReplicaAccessible(replicaPath string) error {
	if isUnsafeRoot(replicaPath) {
		return fmt.Errorf("refusing to use %s as replica: it is a filesystem root", replicaPath)
	}

	if err := checkVolumeExists(replicaPath); err != nil {
		return err
	}

	info, err := os.Stat(replicaPath)
	if os.IsNotExist(err) {
		parentDir := filepath.Dir(replicaPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("replica path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access replica path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("replica path exists but is not a directory: %s", replicaPath)
	}
	return nil
}

// EnsureReplicaExists creates the replica root if it is missing.
func EnsureReplicaExists(replicaPath string) error {
	if err := os.MkdirAll(replicaPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create replica directory %s: %w", replicaPath, err)
	}
	return nil
}

// CheckReplicaWritable ensures entries can be created and removed in the
// replica root.
func CheckReplicaWritable(replicaPath string) error {
	info, err := os.Stat(replicaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("replica directory does not exist: %s", replicaPath)
		}
		return fmt.Errorf("cannot access replica directory %s: %w", replicaPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("replica path exists but is not a directory: %s", replicaPath)
	}
	if err := util.CanModifyDir(replicaPath); err != nil {
		return fmt.Errorf("replica directory is not writable: %w", err)
	}
	return nil
}

// LogFileInsideTree reports whether logFile lies inside the source or the
// replica tree, and which one.
func LogFileInsideTree(logFile, source, replica string) (string, bool) {
	switch {
	case util.IsSubPath(source, logFile):
		return source, true
	case util.IsSubPath(replica, logFile):
		return replica, true
	default:
		return "", false
	}
}
