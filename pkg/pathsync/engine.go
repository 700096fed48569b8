// Package pathsync reconciles a replica directory tree with its source.
//
// A pass walks both trees in lockstep, one directory level at a time. At each
// level the child directories and the child files of both sides are merged by
// name like two sorted streams: names only on the source side are copied,
// names only on the replica side are removed and names on both sides are
// compared. Directories whose metadata proves them unchanged since the last
// pass are skipped without listing their contents.
//
// Comparison of a file present on both sides escalates in cost:
//
//  1. Two symlinks with the same target are equal.
//  2. An unchanged cached modification time that also matches the replica is equal.
//  3. Equal sizes and equal content hashes are equal; only timestamps are restamped.
//  4. Everything else is replaced by a fresh copy.
//
// Replica directories whose children changed are recorded and restamped with
// their source directory's timestamps once the walk completes, deepest first.
package pathsync

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-replica/pkg/pathmeta"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/pool"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// Options tunes an Engine.
type Options struct {
	// DryRun logs every mutation instead of executing it.
	DryRun bool
	// BufferSize is the size of the pooled copy buffers. Zero selects pool.DefaultBufferSize.
	BufferSize int64
}

// Engine executes passes. It holds no per-pass state and may run any number
// of passes sequentially.
type Engine struct {
	hasher  *pathmeta.Hasher
	buffers *pool.FixedBufferPool
	dryRun  bool
}

// NewEngine creates an Engine that compares file content with hasher.
func NewEngine(hasher *pathmeta.Hasher, opts Options) *Engine {
	return &Engine{
		hasher:  hasher,
		buffers: pool.NewFixedBuffer(opts.BufferSize),
		dryRun:  opts.DryRun,
	}
}

// DryRun reports whether the engine only logs mutations.
func (e *Engine) DryRun() bool { return e.dryRun }

// entryKind classifies a directory entry by its type bits.
type entryKind int

const (
	kindOther entryKind = iota
	kindDir
	kindRegular
	kindSymlink
)

func kindOf(mode fs.FileMode) entryKind {
	switch {
	case mode&fs.ModeSymlink != 0:
		return kindSymlink
	case mode.IsDir():
		return kindDir
	case mode.IsRegular():
		return kindRegular
	default:
		return kindOther
	}
}

// fileItem is a non-directory child of a listed directory.
type fileItem struct {
	name string
	kind entryKind
}

// pass carries the state of one RunPass invocation through the recursive walk.
type pass struct {
	e           *Engine
	sourceRoot  string
	replicaRoot string
	cache       *pathmeta.Cache
	touched     *touchedDirs
	stats       PassStats
}

// RunPass reconciles replicaRoot with sourceRoot. Entries seen during the
// walk are looked up in (and added to) cache; the caller prunes it afterwards.
// Any filesystem error other than a permission-denied replica directory aborts
// the pass. The returned statistics cover the work done up to that point.
func (e *Engine) RunPass(sourceRoot, replicaRoot string, cache *pathmeta.Cache) (PassStats, error) {
	p := &pass{
		e:           e,
		sourceRoot:  sourceRoot,
		replicaRoot: replicaRoot,
		cache:       cache,
		touched:     newTouchedDirs(),
	}

	if e.dryRun {
		// Preflight does not create the replica root in dry-run mode.
		if _, err := os.Lstat(replicaRoot); errors.Is(err, fs.ErrNotExist) {
			plog.Notice("[DRY RUN] Replicate whole source into missing replica", "source", sourceRoot, "replica", replicaRoot)
			return p.stats, nil
		}
	}

	if err := p.syncDir(""); err != nil {
		return p.stats, err
	}

	if e.dryRun {
		return p.stats, nil
	}

	if err := p.touched.applyFixups(p.fixupDir); err != nil {
		return p.stats, fmt.Errorf("failed to restamp touched directories: %w", err)
	}
	return p.stats, nil
}

func (p *pass) sourcePath(rel string) string  { return filepath.Join(p.sourceRoot, rel) }
func (p *pass) replicaPath(rel string) string { return filepath.Join(p.replicaRoot, rel) }

// syncDir reconciles the children of one directory pair and then descends
// into every child directory pair that could not be skipped.
func (p *pass) syncDir(rel string) error {
	srcDir := p.sourcePath(rel)
	repDir := p.replicaPath(rel)

	srcInfo, err := os.Lstat(srcDir)
	if err != nil {
		return fmt.Errorf("failed to stat source directory %s: %w", srcDir, err)
	}
	repInfo, err := os.Lstat(repDir)
	if err != nil {
		return fmt.Errorf("failed to stat replica directory %s: %w", repDir, err)
	}
	if !srcInfo.ModTime().Equal(repInfo.ModTime()) {
		p.touched.record(rel)
	}

	srcDirs, srcFiles, err := p.listSource(srcDir)
	if err != nil {
		return err
	}
	repDirs, repFiles, err := listReplica(repDir)
	if err != nil {
		return err
	}

	descend, err := p.reconcileDirs(rel, srcDirs, repDirs)
	if err != nil {
		return err
	}

	// A replica file shadowed by a source directory of the same name was
	// replaced during directory reconciliation.
	if err := p.reconcileFiles(rel, srcFiles, withoutNames(repFiles, srcDirs)); err != nil {
		return err
	}

	for _, name := range descend {
		if err := p.syncDir(filepath.Join(rel, name)); err != nil {
			return err
		}
	}
	return nil
}

// listSource splits the children of a source directory into directories and
// files. Special files cannot be replicated and are left out.
func (p *pass) listSource(dir string) ([]string, []fileItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list source directory %s: %w", dir, err)
	}
	var dirs []string
	var files []fileItem
	for _, de := range entries {
		switch k := kindOf(de.Type()); k {
		case kindDir:
			dirs = append(dirs, de.Name())
		case kindRegular, kindSymlink:
			files = append(files, fileItem{name: de.Name(), kind: k})
		default:
			plog.Debug("Ignoring special file", "path", filepath.Join(dir, de.Name()), "type", de.Type().String())
			p.stats.SpecialsIgnored++
		}
	}
	return dirs, files, nil
}

// listReplica splits the children of a replica directory. Everything that is
// not a real directory counts as a file, so it is removed or replaced like one.
func listReplica(dir string) ([]string, []fileItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list replica directory %s: %w", dir, err)
	}
	var dirs []string
	var files []fileItem
	for _, de := range entries {
		if k := kindOf(de.Type()); k == kindDir {
			dirs = append(dirs, de.Name())
		} else {
			files = append(files, fileItem{name: de.Name(), kind: k})
		}
	}
	return dirs, files, nil
}

// withoutNames returns files minus every item whose name is in sorted names.
func withoutNames(files []fileItem, names []string) []fileItem {
	if len(names) == 0 {
		return files
	}
	out := files[:0:0]
	j := 0
	for _, f := range files {
		for j < len(names) && names[j] < f.name {
			j++
		}
		if j < len(names) && names[j] == f.name {
			continue
		}
		out = append(out, f)
	}
	return out
}

// reconcileDirs merge-joins the sorted child directory names of both sides.
// It returns the names of the directory pairs that need a descent.
func (p *pass) reconcileDirs(rel string, src, rep []string) ([]string, error) {
	var descend []string
	i, j := 0, 0
	for i < len(src) || j < len(rep) {
		switch {
		case j >= len(rep) || (i < len(src) && src[i] < rep[j]):
			if err := p.createDir(rel, src[i]); err != nil {
				return nil, err
			}
			i++
		case i >= len(src) || rep[j] < src[i]:
			if err := p.removeDir(rel, rep[j]); err != nil {
				return nil, err
			}
			j++
		default:
			ok, err := p.matchDir(filepath.Join(rel, src[i]))
			if err != nil {
				return nil, err
			}
			if ok {
				descend = append(descend, src[i])
			}
			i++
			j++
		}
	}
	return descend, nil
}

// createDir copies a source-only directory with everything below it.
func (p *pass) createDir(rel, name string) error {
	childRel := filepath.Join(rel, name)
	srcPath := p.sourcePath(childRel)
	repPath := p.replicaPath(childRel)

	entry, err := pathmeta.Capture(srcPath)
	if err != nil {
		return err
	}
	p.cache.Insert(entry)

	if p.e.dryRun {
		plog.Notice("[DRY RUN] Create directory", "path", repPath)
		return nil
	}
	if err := p.e.copyTree(srcPath, repPath, &p.stats); err != nil {
		return err
	}
	p.touched.record(rel)
	plog.Info("Created directory", "path", repPath)
	return nil
}

// removeDir deletes a replica-only directory.
func (p *pass) removeDir(rel, name string) error {
	repPath := p.replicaPath(filepath.Join(rel, name))
	if p.e.dryRun {
		plog.Notice("[DRY RUN] Remove directory", "path", repPath)
		return nil
	}
	if err := removeEntry(repPath); err != nil {
		return err
	}
	p.touched.record(rel)
	p.stats.DirsDeleted++
	plog.Info("Removed directory", "path", repPath)
	return nil
}

// matchDir decides whether a directory present on both sides needs a descent.
func (p *pass) matchDir(rel string) (bool, error) {
	srcPath := p.sourcePath(rel)
	repPath := p.replicaPath(rel)

	entry, hit := p.cache.Lookup(srcPath)
	if !hit {
		var err error
		if entry, err = pathmeta.Capture(srcPath); err != nil {
			return false, err
		}
		p.cache.Insert(entry)
	} else {
		changed, err := entry.RefreshModTime()
		if err != nil {
			return false, err
		}
		if !changed {
			repInfo, err := os.Lstat(repPath)
			if err != nil {
				return false, fmt.Errorf("failed to stat replica directory %s: %w", repPath, err)
			}
			if sameModTime(entry.ModTime(), repInfo.ModTime()) {
				plog.Debug("Directory unchanged, skipping", "path", srcPath)
				p.stats.DirsUpToDate++
				return false, nil
			}
		}
	}

	if err := util.CanModifyDir(repPath); err != nil {
		plog.Warn("Skipping directory without write access", "path", repPath, "error", err)
		p.stats.DirsPermissionDenied++
		return false, nil
	}
	return true, nil
}

// reconcileFiles merge-joins the sorted child files of both sides.
func (p *pass) reconcileFiles(rel string, src, rep []fileItem) error {
	i, j := 0, 0
	for i < len(src) || j < len(rep) {
		switch {
		case j >= len(rep) || (i < len(src) && src[i].name < rep[j].name):
			if err := p.createFile(rel, src[i].name); err != nil {
				return err
			}
			i++
		case i >= len(src) || rep[j].name < src[i].name:
			if err := p.removeFile(rel, rep[j].name); err != nil {
				return err
			}
			j++
		default:
			if err := p.compareFile(rel, src[i], rep[j]); err != nil {
				return err
			}
			i++
			j++
		}
	}
	return nil
}

func (p *pass) createFile(rel, name string) error {
	childRel := filepath.Join(rel, name)
	srcPath := p.sourcePath(childRel)
	repPath := p.replicaPath(childRel)

	if p.e.dryRun {
		entry, err := pathmeta.Capture(srcPath)
		if err != nil {
			return err
		}
		p.cache.Insert(entry)
		plog.Notice("[DRY RUN] Create file", "path", repPath)
		return nil
	}

	n, err := p.e.copyEntry(srcPath, repPath)
	p.stats.BytesCopied += n
	if err != nil {
		return err
	}
	// Captured after the copy so the cached time matches what was stamped
	// onto the replica, unless the source changed during the copy.
	entry, err := pathmeta.Capture(srcPath)
	if err != nil {
		return err
	}
	p.cache.Insert(entry)
	p.touched.record(rel)
	p.stats.FilesCreated++
	plog.Info("Created file", "path", repPath)
	return nil
}

func (p *pass) removeFile(rel, name string) error {
	repPath := p.replicaPath(filepath.Join(rel, name))
	if p.e.dryRun {
		plog.Notice("[DRY RUN] Remove file", "path", repPath)
		return nil
	}
	if err := removeEntry(repPath); err != nil {
		return err
	}
	p.touched.record(rel)
	p.stats.FilesDeleted++
	plog.Info("Removed file", "path", repPath)
	return nil
}

// compareFile applies the tiered comparison to a file present on both sides.
func (p *pass) compareFile(rel string, src, rep fileItem) error {
	childRel := filepath.Join(rel, src.name)
	srcPath := p.sourcePath(childRel)
	repPath := p.replicaPath(childRel)

	if src.kind == kindSymlink && rep.kind == kindSymlink {
		same, err := sameLinkTarget(srcPath, repPath)
		if err != nil {
			return err
		}
		if same {
			plog.Debug("Symlink unchanged, skipping", "path", srcPath)
			p.stats.FilesUpToDate++
			return nil
		}
	}

	entry, hit := p.cache.Lookup(srcPath)
	firstEncounter := !hit
	if firstEncounter {
		var err error
		if entry, err = pathmeta.Capture(srcPath); err != nil {
			return err
		}
		p.cache.Insert(entry)
	}

	repInfo, err := os.Lstat(repPath)
	if err != nil {
		return fmt.Errorf("failed to stat replica %s: %w", repPath, err)
	}

	if !firstEncounter {
		changed, err := entry.RefreshModTime()
		if err != nil {
			return err
		}
		if !changed && sameModTime(entry.ModTime(), repInfo.ModTime()) {
			plog.Debug("File unchanged, skipping", "path", srcPath)
			p.stats.FilesUpToDate++
			return nil
		}
	}

	if !entry.IsSymlink() && repInfo.Mode().IsRegular() {
		equal, err := p.sameContent(entry, repPath, repInfo.Size())
		if err != nil {
			return err
		}
		if equal {
			if firstEncounter {
				plog.Debug("File content identical, skipping", "path", srcPath)
				p.stats.FilesUpToDate++
				return nil
			}
			return p.restampFile(srcPath, repPath)
		}
	}

	return p.updateFile(rel, entry, repPath)
}

// sameContent reports whether the source entry and the replica file have the
// same size and the same content hash.
func (p *pass) sameContent(entry *pathmeta.Entry, repPath string, repSize int64) (bool, error) {
	srcSize, err := entry.Size()
	if err != nil {
		return false, err
	}
	if srcSize != repSize {
		return false, nil
	}

	srcSum, err := entry.ContentHash(p.e.hasher)
	if err != nil {
		return false, err
	}
	p.stats.BytesHashed += srcSize

	repSum, n, err := p.e.hasher.Sum(repPath)
	p.stats.BytesHashed += n
	if err != nil {
		return false, err
	}
	return bytes.Equal(srcSum, repSum), nil
}

// restampFile copies timestamps and mode onto a replica file whose content is
// already identical. The parent directory's listing is unchanged, so it is
// not recorded as touched.
func (p *pass) restampFile(srcPath, repPath string) error {
	if p.e.dryRun {
		plog.Notice("[DRY RUN] Restamp file", "path", repPath)
		return nil
	}
	if err := stampFile(srcPath, repPath); err != nil {
		return err
	}
	p.stats.FilesRestamped++
	plog.Debug("Restamped file with identical content", "path", repPath)
	return nil
}

// updateFile replaces the replica entry with a fresh copy of the source.
func (p *pass) updateFile(rel string, entry *pathmeta.Entry, repPath string) error {
	if p.e.dryRun {
		plog.Notice("[DRY RUN] Update file", "path", repPath)
		return nil
	}
	n, err := p.e.copyEntry(entry.Path(), repPath)
	p.stats.BytesCopied += n
	if err != nil {
		return err
	}
	if _, err := entry.RefreshModTime(); err != nil {
		return err
	}
	p.touched.record(rel)
	p.stats.FilesUpdated++
	plog.Info("Updated file", "path", repPath)
	return nil
}

// fixupDir restamps one touched replica directory from its source directory.
func (p *pass) fixupDir(rel string) error {
	ok, err := stampDir(p.sourcePath(rel), p.replicaPath(rel))
	if err != nil {
		return err
	}
	if ok {
		p.stats.DirsRestamped++
	}
	return nil
}

func sameLinkTarget(srcPath, repPath string) (bool, error) {
	srcTarget, err := os.Readlink(srcPath)
	if err != nil {
		return false, fmt.Errorf("failed to read link %s: %w", srcPath, err)
	}
	repTarget, err := os.Readlink(repPath)
	if err != nil {
		if errors.Is(err, fs.ErrInvalid) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read link %s: %w", repPath, err)
	}
	return srcTarget == repTarget, nil
}
