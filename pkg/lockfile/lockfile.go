// Package lockfile guarantees that at most one daemon replicates into a
// given replica directory at a time.
//
// The lock is a small JSON file created with O_EXCL and kept fresh by a
// heartbeat. A lock whose heartbeat stopped for longer than the stale timeout
// (the owner crashed) is taken over with an atomic rename.
//
// The lock file must live outside the replica tree, since every pass removes
// replica entries that are absent from the source.
package lockfile

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"

	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// LockContent defines the structure of the data written to the lock file.
type LockContent struct {
	PID         int64     `json:"pid"`
	Hostname    string    `json:"hostname"`
	LastUpdate  time.Time `json:"lastUpdate"`
	Nonce       string    `json:"nonce,omitempty"` // Used for takeover race resolution
	AppID       string    `json:"appID"`
	ReplicaPath string    `json:"replicaPath,omitempty"`
}

// ErrLockActive is a structured error returned when a lock is already held by another process.
type ErrLockActive struct {
	PID         int64
	Hostname    string
	AppID       string
	ReplicaPath string
	TimeSince   time.Duration
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	// Truncate for cleaner output, e.g., "3m2s" instead of "3m2.123456789s".
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s, replica: %s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, e.ReplicaPath, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is a sentinel error returned when a process attempts to take over a stale lock but another process wins.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file on disk is unreadable, either empty or containing invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock manages the state of the acquired lock file.
type Lock struct {
	path    string
	content LockContent
	// The context and cancel function are used to stop the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	// We keep track if we actually hold the lock to prevent double release
	held bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 3 * heartbeatInterval
	clock        = clockwork.NewRealClock()
)

// DefaultPath returns the lock path used when none is configured: a file in
// the system temp directory whose name is derived from the replica path.
func DefaultPath(appID, replicaPath string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(replicaPath)))
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s.lock", appID, hex.EncodeToString(sum[:8])))
}

// Acquire attempts to acquire the lock at lockPath for the given replica.
// ctx is used for the lifecycle of the acquisition attempt, not the background heartbeat.
// It returns a non-nil Lock on success.
// It returns (nil, *ErrLockActive) if the lock is already held.
// It returns (nil, error) for any other failure.
func Acquire(ctx context.Context, lockPath, appID, replicaPath string) (*Lock, error) {
	absLockFilePath, err := filepath.Abs(lockPath)
	if err != nil {
		return nil, fmt.Errorf("invalid lock path %s: %w", lockPath, err)
	}
	// We will attempt to acquire multiple times in case of race conditions during cleanup
	maxAttempts := 3

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// --- 1. Attempt Atomic Acquisition ---
		lock, err := tryAcquire(absLockFilePath, appID, replicaPath)
		if err == nil {
			// Synchronously clean up any old temp files before starting the heartbeat.
			cleanupTempLockFiles(absLockFilePath)
			go lock.heartbeat()
			return lock, nil
		}

		// If error is NOT "file exists", it's a real filesystem error (permissions, disk full, etc)
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// --- 2. Lock is Held, Check for Staleness ---
		content, staleErr := readLockContentSafely(absLockFilePath)
		if staleErr != nil {
			if errors.Is(staleErr, ErrCorruptLockFile) {
				plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", staleErr)
			} else {
				// A different read error occurred (e.g., permissions), so retry.
				time.Sleep(100 * time.Millisecond)
				continue
			}
		} else {
			elapsed := clock.Now().Sub(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:         content.PID,
					Hostname:    content.Hostname,
					AppID:       content.AppID,
					ReplicaPath: content.ReplicaPath,
					TimeSince:   elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		// --- 3. Lock is Stale or Corrupt, Attempt Takeover ---
		lock, takeoverErr := attemptStaleLockTakeover(absLockFilePath, appID, replicaPath)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		cleanupTempLockFiles(absLockFilePath)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// Path returns the absolute path of the lock file.
func (l *Lock) Path() string { return l.path }

func newContent(appID, replicaPath string) (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:         int64(os.Getpid()),
		Hostname:    hostname,
		LastUpdate:  clock.Now().UTC(),
		Nonce:       nonce,
		AppID:       appID,
		ReplicaPath: replicaPath,
	}, nil
}

// tryAcquire attempts atomic creation using O_EXCL to guarantee "I created this file first".
func tryAcquire(absLockFilePath, appID, replicaPath string) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(appID, replicaPath)
	if err != nil {
		os.Remove(absLockFilePath)
		return nil, err
	}

	l := newLock(absLockFilePath, content)

	// If the initial write fails, the empty file we just created must go.
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}

	return l, nil
}

// newLock creates a new Lock object and sets up its context for the heartbeat.
func newLock(absLockFilePath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockFilePath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		held:    true,
	}
}

// Release stops the heartbeat and removes the file.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}

	l.cancel()
	// A heartbeat still writing would recreate the file after removal.
	<-l.done
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover uses an atomic rename strategy to seize a stale or
// corrupt lock. It writes new lock content to a temporary file and then renames
// it over the existing lock file, guaranteeing an atomic update.
func attemptStaleLockTakeover(absLockFilePath, appID, replicaPath string) (*Lock, error) {
	takeoverContent, err := newContent(appID, replicaPath)
	if err != nil {
		return nil, err
	}

	if err := updateLockFileAtomic(absLockFilePath, takeoverContent); err != nil {
		return nil, err
	}

	// Read back immediately to verify we won the race.
	readbackContent, readbackErr := readLockContentSafely(absLockFilePath)
	if readbackErr != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", readbackErr)
	}

	if readbackContent.PID == takeoverContent.PID && readbackContent.Nonce == takeoverContent.Nonce {
		plog.Debug("Successfully took over stale lock")
		return newLock(absLockFilePath, takeoverContent), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-clock.After(heartbeatInterval):
			l.content.LastUpdate = clock.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				// Not fatal. The next tick tries again.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic replaces the lock file content through a temporary
// file in the same directory, so the file at absLockFilePath is never
// observed empty or half-written.
func updateLockFileAtomic(absLockFilePath string, content LockContent) error {
	var buf bytes.Buffer
	if err := writeLockContent(&buf, content); err != nil {
		return err
	}
	if err := atomic.WriteFile(absLockFilePath, &buf); err != nil {
		return fmt.Errorf("failed to replace lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes temporary files left next to the lock by a
// crashed writer. Only files unmodified for longer than the stale timeout are
// deleted, so an in-flight heartbeat write is never disturbed.
func cleanupTempLockFiles(absLockFilePath string) {
	pattern := absLockFilePath + "[0-9]*"

	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
			}
		}
	}
}

// generateNonce creates a new random 16-byte token and returns it as a hex string.
func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonceBytes), nil
}

// writeLockContent marshals the LockContent and writes it to the provided io.Writer.
func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying a few times when it is
// observed empty or partially written.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	var lastErr error
	var lastEmptyOrCorruptErr error
	for i := 0; i < 3; i++ {
		f, err := os.Open(absLockFilePath)
		if err != nil {
			return LockContent{}, err
		}

		data, err := io.ReadAll(f)
		f.Close() // Close explicitly before potential sleep
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if len(data) == 0 {
			lastEmptyOrCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		lastEmptyOrCorruptErr = json.Unmarshal(data, &content)
		if lastEmptyOrCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		return content, nil
	}

	if lastEmptyOrCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastEmptyOrCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
