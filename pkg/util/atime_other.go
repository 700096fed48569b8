//go:build !linux && !darwin

package util

import (
	"os"
	"time"
)

// AccessTime returns the modification time; access times are not extracted on this platform.
func AccessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
