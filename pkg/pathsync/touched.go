package pathsync

import (
	"path/filepath"
	"slices"
	"strings"
)

// touchedNode is one path component in the touched-directory trie.
type touchedNode struct {
	children map[string]*touchedNode
	recorded bool
}

func newTouchedNode() *touchedNode {
	return &touchedNode{children: make(map[string]*touchedNode)}
}

// touchedDirs records the replica directories whose immediate children were
// created, removed or replaced during a pass. Keys are paths relative to the
// replica root; the empty path denotes the root itself.
type touchedDirs struct {
	root *touchedNode
}

func newTouchedDirs() *touchedDirs {
	return &touchedDirs{root: newTouchedNode()}
}

// record inserts relDir into the trie. Recording the same path twice is a no-op.
func (t *touchedDirs) record(relDir string) {
	n := t.root
	for _, part := range splitRel(relDir) {
		child, ok := n.children[part]
		if !ok {
			child = newTouchedNode()
			n.children[part] = child
		}
		n = child
	}
	n.recorded = true
}

// empty reports whether nothing has been recorded.
func (t *touchedDirs) empty() bool {
	return !t.root.recorded && len(t.root.children) == 0
}

// applyFixups walks the trie children-first and calls fix for every node
// that was recorded or is an ancestor of a recorded node. Children are
// visited in ascending name order. The trie is reset afterwards, even when
// fix fails.
func (t *touchedDirs) applyFixups(fix func(relDir string) error) error {
	defer func() { t.root = newTouchedNode() }()
	if t.empty() {
		return nil
	}
	return walkTouched(t.root, "", fix)
}

func walkTouched(n *touchedNode, relDir string, fix func(relDir string) error) error {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := walkTouched(n.children[name], filepath.Join(relDir, name), fix); err != nil {
			return err
		}
	}
	return fix(relDir)
}

// splitRel splits a relative directory path into its components.
func splitRel(relDir string) []string {
	relDir = filepath.ToSlash(filepath.Clean(relDir))
	if relDir == "." || relDir == "" {
		return nil
	}
	return strings.Split(relDir, "/")
}
