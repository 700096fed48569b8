package util

import (
	"os"
	"syscall"
	"time"
)

// AccessTime extracts the access time from a FileInfo produced by os.Lstat/os.Stat.
// It falls back to the modification time when the platform data is unavailable.
func AccessTime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atimespec.Unix())
	}
	return info.ModTime()
}
