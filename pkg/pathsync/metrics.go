package pathsync

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-replica/pkg/plog"
)

// PassStats holds the counters collected during a single pass.
// A pass runs on one goroutine, so the counters are plain integers.
type PassStats struct {
	FilesCreated   int64
	FilesUpdated   int64
	FilesDeleted   int64
	FilesUpToDate  int64
	FilesRestamped int64

	DirsCreated          int64
	DirsDeleted          int64
	DirsUpToDate         int64
	DirsPermissionDenied int64
	DirsRestamped        int64

	SpecialsIgnored int64

	BytesCopied int64
	BytesHashed int64
}

// Mutations returns the number of structural changes applied to the replica.
func (s PassStats) Mutations() int64 {
	return s.FilesCreated + s.FilesUpdated + s.FilesDeleted + s.DirsCreated + s.DirsDeleted
}

// Add accumulates o into s.
func (s *PassStats) Add(o PassStats) {
	s.FilesCreated += o.FilesCreated
	s.FilesUpdated += o.FilesUpdated
	s.FilesDeleted += o.FilesDeleted
	s.FilesUpToDate += o.FilesUpToDate
	s.FilesRestamped += o.FilesRestamped
	s.DirsCreated += o.DirsCreated
	s.DirsDeleted += o.DirsDeleted
	s.DirsUpToDate += o.DirsUpToDate
	s.DirsPermissionDenied += o.DirsPermissionDenied
	s.DirsRestamped += o.DirsRestamped
	s.SpecialsIgnored += o.SpecialsIgnored
	s.BytesCopied += o.BytesCopied
	s.BytesHashed += o.BytesHashed
}

// LogSummary prints the counters with a custom message.
func (s PassStats) LogSummary(msg string, duration time.Duration) {
	plog.Info(msg,
		"files_created", s.FilesCreated,
		"files_updated", s.FilesUpdated,
		"files_deleted", s.FilesDeleted,
		"files_uptodate", s.FilesUpToDate,
		"files_restamped", s.FilesRestamped,
		"dirs_created", s.DirsCreated,
		"dirs_deleted", s.DirsDeleted,
		"dirs_uptodate", s.DirsUpToDate,
		"dirs_permission_denied", s.DirsPermissionDenied,
		"dirs_restamped", s.DirsRestamped,
		"bytes_copied", humanize.IBytes(uint64(s.BytesCopied)),
		"bytes_hashed", humanize.IBytes(uint64(s.BytesHashed)),
		"duration", duration.Round(time.Millisecond),
	)
}
