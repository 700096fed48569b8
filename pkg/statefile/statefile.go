// Package statefile persists the metadata cache between daemon runs.
//
// Without a state file every path is a first encounter after a restart and
// the first pass hashes every file present on both sides. With it the first
// pass after a restart is as cheap as any steady-state pass.
package statefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/natefinch/atomic"

	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/pathmeta"
)

// SchemaVersion is bumped whenever the layout of State changes incompatibly.
const SchemaVersion = 1

// State is the content of a state file.
type State struct {
	SchemaVersion int               `json:"schemaVersion"`
	AppVersion    string            `json:"appVersion"`
	Source        string            `json:"source"`
	Replica       string            `json:"replica"`
	SavedAtUTC    time.Time         `json:"savedAtUTC"`
	Entries       []pathmeta.Record `json:"entries"`
}

// New captures the current content of cache.
func New(source, replica string, cache *pathmeta.Cache, now time.Time) *State {
	return &State{
		SchemaVersion: SchemaVersion,
		AppVersion:    buildinfo.Version,
		Source:        source,
		Replica:       replica,
		SavedAtUTC:    now.UTC(),
		Entries:       cache.Snapshot(),
	}
}

// Matches reports whether the state was written for the given tree pair.
// Entries are keyed by absolute source paths, so a state file from another
// pair would only pollute the cache until the first prune.
func (s *State) Matches(source, replica string) bool {
	return s.Source == source && s.Replica == replica
}

// Save writes state to path atomically, encoded in the format implied by
// the file extension. A crash mid-write leaves the previous file intact.
func Save(path string, state *State) error {
	format := FormatFromPath(path)

	var buf bytes.Buffer
	w, err := newWriter(&buf, format)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(state); err != nil {
		w.Close()
		return fmt.Errorf("could not encode state: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("could not finish %s stream: %w", format, err)
	}

	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("could not write state file %s: %w", path, err)
	}
	return nil
}

// Load reads the state file at path. A missing file is reported with an
// error satisfying errors.Is(err, fs.ErrNotExist).
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open state file: %w", err)
	}
	defer f.Close()

	r, err := newReader(f, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("could not read state file %s: %w", path, err)
	}
	defer r.Close()

	var state State
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("could not parse state file %s: %w. It may be corrupt", path, err)
	}
	if state.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("state file %s has schema version %d, expected %d", path, state.SchemaVersion, SchemaVersion)
	}
	return &state, nil
}

// nopWriteCloser adds a no-op Close to a plain writer.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case JSONGz:
		return pgzip.NewWriter(w), nil
	case JSONZst:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("could not create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

func newReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case JSONGz:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("could not create gzip reader: %w", err)
		}
		return gz, nil
	case JSONZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("could not create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}
