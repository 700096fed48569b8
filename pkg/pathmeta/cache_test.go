package pathmeta

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureNew(t *testing.T, dir, name string) *Entry {
	t.Helper()
	path := filepath.Join(dir, name)
	writeFile(t, path, name, time.Now())
	e, err := Capture(path)
	require.NoError(t, err)
	return e
}

func TestCacheLookupInsert(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()

	_, ok := c.Lookup(filepath.Join(dir, "a"))
	assert.False(t, ok)

	e := captureNew(t, dir, "a")
	c.Insert(e)
	got, ok := c.Lookup(e.Path())
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 1, c.Len())

	// Insert overwrites by path.
	replacement := captureNew(t, dir, "a")
	c.Insert(replacement)
	got, _ = c.Lookup(e.Path())
	assert.Same(t, replacement, got)
	assert.Equal(t, 1, c.Len())
}

func TestCachePrune(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	a := captureNew(t, dir, "a")
	b := captureNew(t, dir, "b")
	c.Insert(a)
	c.Insert(b)

	// Pass N: both inserted, both survive and are reset.
	assert.Equal(t, 0, c.Prune())
	assert.Equal(t, 2, c.Len())
	assert.False(t, a.accessed)
	assert.False(t, b.accessed)

	// Pass N+1: only "a" is visited.
	_, ok := c.Lookup(a.Path())
	require.True(t, ok)
	assert.Equal(t, 1, c.Prune())

	_, ok = c.Lookup(b.Path())
	assert.False(t, ok, "unvisited path must be evicted")
	_, ok = c.Lookup(a.Path())
	assert.True(t, ok)
}

func TestCacheSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	c.Insert(captureNew(t, dir, "b"))
	c.Insert(captureNew(t, dir, "a"))

	records := c.Snapshot()
	require.Len(t, records, 2)
	assert.Equal(t, filepath.Join(dir, "a"), records[0].Path, "snapshot must be sorted by path")

	restored := NewCache()
	restored.Restore(append(records, Record{}))
	assert.Equal(t, 2, restored.Len(), "records without a path are ignored")

	// Restored entries have not been accessed yet: an immediate prune forgets them all.
	assert.Equal(t, 2, restored.Prune())
	assert.Equal(t, 0, restored.Len())

	restored.Restore(records)
	e, ok := restored.Lookup(records[1].Path)
	require.True(t, ok)
	assert.Equal(t, records[1].ModTimeNs, e.ModTime())
	assert.Equal(t, 1, restored.Prune())
	assert.Equal(t, 1, restored.Len())
}
