// Package graph builds and queries the Obsidian-vault knowledge-graph
// overlay: note/tag/header nodes and wikilink/tag/header_child edges,
// persisted through store.MetadataStore alongside the chunks they
// describe. The model is grounded on bbiangul-go-reason's graph package
// (entity/edge/community persistence, BFS traversal, PageRank-style
// centrality) adapted from an LLM-extracted entity graph to the
// deterministic structure a markdown vault already carries: headers,
// `[[wikilinks]]`, and `#tags`.
package graph

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kbindex/ragkb/internal/store"
)

const previewLength = 200

var (
	wikilinkRe = regexp.MustCompile(`\[\[([^\]|#]+)(?:[|#][^\]]*)?\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z0-9_/-]+)`)
	headerRe   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
)

// NoteGraph is what ProcessNote hands back so a caller can link chunks
// to the header they fall under once chunking has happened.
type NoteGraph struct {
	NoteID           string
	HeaderNodeByPath map[string]string // header text -> node ID, in document order
}

// Builder emits graph nodes and edges for one note at a time. It is not
// safe for concurrent ProcessNote calls against the same note, but is
// safe across different notes sharing one NoteIndex and MetadataStore
// (the store serializes its own writes).
type Builder struct {
	store  store.MetadataStore
	notes  *NoteIndex
	search *NodeSearch
}

// NewBuilder returns a Builder backed by metadata and the given note
// title index (shared across the vault so wikilinks resolve against
// every previously registered note).
func NewBuilder(metadata store.MetadataStore, notes *NoteIndex) *Builder {
	return &Builder{store: metadata, notes: notes}
}

// WithSearch attaches a NodeSearch index: every node the Builder saves
// from then on is also indexed for full-text lookup. Optional; a nil
// search target (the default) just skips this, graph data is still
// correct without it.
func (b *Builder) WithSearch(s *NodeSearch) *Builder {
	b.search = s
	return b
}

func (b *Builder) saveNode(ctx context.Context, n *store.GraphNode) error {
	if err := b.store.SaveGraphNode(ctx, n); err != nil {
		return err
	}
	if b.search != nil {
		if err := b.search.Index(n); err != nil {
			return fmt.Errorf("index node in search: %w", err)
		}
	}
	return nil
}

// ProcessNote registers path in the title index, then emits the note
// node and its wikilink/tag/header edges from content. Call
// DeleteNoteNodes first when reindexing an already-processed note, so
// stale headers and edges don't linger alongside the new ones.
func (b *Builder) ProcessNote(ctx context.Context, path, content string) (*NoteGraph, error) {
	b.notes.Register(path)

	noteID := "note:" + path
	preview := content
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	if err := b.saveNode(ctx, &store.GraphNode{
		NodeID:   noteID,
		NodeType: store.GraphNodeNote,
		Title:    noteTitle(path),
		Content:  preview,
		Metadata: map[string]string{"length": strconv.Itoa(len(content))},
	}); err != nil {
		return nil, fmt.Errorf("save note node: %w", err)
	}

	if err := b.addWikilinks(ctx, noteID, content); err != nil {
		return nil, err
	}

	headerNodes, err := b.addHeaders(ctx, noteID, content)
	if err != nil {
		return nil, err
	}

	body := stripHeaderLines(content)
	if err := b.addTags(ctx, noteID, body); err != nil {
		return nil, err
	}

	return &NoteGraph{NoteID: noteID, HeaderNodeByPath: headerNodes}, nil
}

func (b *Builder) addWikilinks(ctx context.Context, noteID, content string) error {
	for _, m := range wikilinkRe.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}

		var targetID string
		placeholder := false
		if resolved, ok := b.notes.Resolve(name); ok {
			targetID = "note:" + resolved
		} else {
			targetID = "note_ref:" + name
			placeholder = true
			if err := b.saveNode(ctx, &store.GraphNode{
				NodeID:   targetID,
				NodeType: store.GraphNodeNoteRef,
				Title:    name,
			}); err != nil {
				return fmt.Errorf("save note_ref node %s: %w", name, err)
			}
		}

		meta := map[string]string{}
		if placeholder {
			meta["placeholder"] = "true"
		}
		if err := b.store.SaveGraphEdge(ctx, &store.GraphEdge{
			SourceID: noteID, TargetID: targetID, EdgeType: store.GraphEdgeWikilink, Metadata: meta,
		}); err != nil {
			return fmt.Errorf("save wikilink edge to %s: %w", targetID, err)
		}
	}
	return nil
}

func (b *Builder) addTags(ctx context.Context, noteID, body string) error {
	seen := make(map[string]bool)
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		tag := m[1]
		if seen[tag] {
			continue
		}
		seen[tag] = true

		tagID := "tag:" + tag
		if err := b.saveNode(ctx, &store.GraphNode{
			NodeID: tagID, NodeType: store.GraphNodeTag, Title: tag,
		}); err != nil {
			return fmt.Errorf("save tag node %s: %w", tag, err)
		}
		if err := b.store.SaveGraphEdge(ctx, &store.GraphEdge{
			SourceID: noteID, TargetID: tagID, EdgeType: store.GraphEdgeTag,
		}); err != nil {
			return fmt.Errorf("save tag edge to %s: %w", tagID, err)
		}
	}
	return nil
}

// headerStackEntry tracks one open header in the nesting stack while
// walking the note top to bottom.
type headerStackEntry struct {
	level  int
	nodeID string
}

// addHeaders walks content line by line, emitting one header node per
// `#`-line and a header_child edge from the nearest open ancestor
// (a shallower header, or the note itself if none is open).
func (b *Builder) addHeaders(ctx context.Context, noteID, content string) (map[string]string, error) {
	byPath := make(map[string]string)
	var stack []headerStackEntry
	n := 0

	for _, line := range strings.Split(content, "\n") {
		m := headerRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		level := len(m[1])
		title := strings.TrimSpace(m[2])

		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		parentID := noteID
		if len(stack) > 0 {
			parentID = stack[len(stack)-1].nodeID
		}

		headerID := fmt.Sprintf("%s:h%d", noteID, n)
		n++
		if err := b.saveNode(ctx, &store.GraphNode{
			NodeID:   headerID,
			NodeType: store.GraphNodeHeader,
			Title:    title,
			Metadata: map[string]string{"level": strconv.Itoa(level)},
		}); err != nil {
			return nil, fmt.Errorf("save header node %s: %w", title, err)
		}
		if err := b.store.SaveGraphEdge(ctx, &store.GraphEdge{
			SourceID: parentID, TargetID: headerID, EdgeType: store.GraphEdgeHeaderChild,
		}); err != nil {
			return nil, fmt.Errorf("save header_child edge to %s: %w", headerID, err)
		}

		stack = append(stack, headerStackEntry{level: level, nodeID: headerID})
		byPath[title] = headerID
	}

	return byPath, nil
}

func stripHeaderLines(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if headerRe.MatchString(strings.TrimRight(line, "\r")) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// LinkChunk records that chunkID's primary context is headerTitle within
// note (falling back to the note node itself when headerTitle is empty
// or unrecognised), so graph-aware search enrichment can map a matched
// chunk back to its place in the vault.
func (b *Builder) LinkChunk(ctx context.Context, chunkID string, note *NoteGraph, headerTitle string) error {
	nodeID := note.NoteID
	if headerTitle != "" {
		if id, ok := note.HeaderNodeByPath[headerTitle]; ok {
			nodeID = id
		}
	}
	return b.store.SaveChunkGraphLink(ctx, &store.ChunkGraphLink{
		ChunkID: chunkID, NodeID: nodeID, LinkType: store.ChunkGraphLinkPrimary,
	})
}

// DeleteNote removes path's note and header nodes, cascades their edges,
// and unregisters it from the title index so future wikilinks to it
// resolve as placeholders until it is reprocessed. The attached search
// index, if any, is not pruned here since DeleteNoteNodes does not
// report which header/tag IDs it reaped; call NodeSearch.Rebuild
// periodically to clear out any stale entries that leaves behind.
func (b *Builder) DeleteNote(ctx context.Context, path string) error {
	b.notes.Unregister(path)
	return b.store.DeleteNoteNodes(ctx, path)
}
