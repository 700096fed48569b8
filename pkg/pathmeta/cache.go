package pathmeta

import (
	"slices"
	"strings"
)

// Record is the persistable form of a cached Entry.
type Record struct {
	Path      string `json:"path"`
	ModTimeNs int64  `json:"modTimeNs"`
	IsSymlink bool   `json:"isSymlink,omitempty"`
}

// Cache maps source paths to their Entry for the lifetime of the process.
// Each entry carries an accessed flag so that a pass can sweep away paths it
// no longer visited. It is owned by the goroutine running the passes and is
// not safe for concurrent use.
type Cache struct {
	entries map[string]*Entry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Lookup returns the cached entry for path and marks it accessed.
func (c *Cache) Lookup(path string) (*Entry, bool) {
	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	e.accessed = true
	return e, true
}

// Insert stores e under its path, replacing any previous entry.
func (c *Cache) Insert(e *Entry) {
	e.accessed = true
	c.entries[e.path] = e
}

// Prune drops every entry that was not accessed since the previous Prune and
// resets the flag on the survivors. It returns the number of evicted entries.
func (c *Cache) Prune() int {
	evicted := 0
	for path, e := range c.entries {
		if !e.accessed {
			delete(c.entries, path)
			evicted++
			continue
		}
		e.accessed = false
	}
	return evicted
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return len(c.entries) }

// Snapshot returns all entries as records sorted by path.
func (c *Cache) Snapshot() []Record {
	records := make([]Record, 0, len(c.entries))
	for _, e := range c.entries {
		records = append(records, Record{Path: e.path, ModTimeNs: e.modTime, IsSymlink: e.isSymlink})
	}
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.Path, b.Path) })
	return records
}

// Restore loads records into the cache as not-yet-accessed entries, so that
// paths missing from the source are evicted by the first Prune.
func (c *Cache) Restore(records []Record) {
	for _, r := range records {
		if r.Path == "" {
			continue
		}
		c.entries[r.Path] = &Entry{path: r.Path, modTime: r.ModTimeNs, isSymlink: r.IsSymlink}
	}
}
