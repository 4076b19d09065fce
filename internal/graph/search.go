package graph

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/kbindex/ragkb/internal/store"
)

// nodeDoc is the document shape indexed for each graph node. Only the
// fields worth full-text matching are carried; node_id/type round-trip
// through the bleve document ID and a stored field instead of being
// re-parsed out of it.
type nodeDoc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// NodeSearch is an in-memory bleve index over graph node titles and
// content previews, giving tag/header lookup fuzzy and prefix matching
// instead of exact-string comparison. It is rebuilt from the store on
// startup and kept in sync as the Builder emits nodes; it is never the
// source of truth, so losing it (process restart without a rebuild call)
// only degrades search, it does not lose graph data.
type NodeSearch struct {
	mu    sync.RWMutex
	index bleve.Index
}

// NewNodeSearch returns an empty in-memory node search index.
func NewNodeSearch() (*NodeSearch, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("graph.NewNodeSearch: %w", err)
	}
	return &NodeSearch{index: idx}, nil
}

// Index adds or replaces node's entry.
func (s *NodeSearch) Index(node *store.GraphNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := nodeDoc{Title: node.Title, Content: node.Content, Type: string(node.NodeType)}
	if err := s.index.Index(node.NodeID, doc); err != nil {
		return fmt.Errorf("graph.NodeSearch.Index %s: %w", node.NodeID, err)
	}
	return nil
}

// Delete removes nodeID's entry, if present.
func (s *NodeSearch) Delete(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.Delete(nodeID); err != nil {
		return fmt.Errorf("graph.NodeSearch.Delete %s: %w", nodeID, err)
	}
	return nil
}

// Search runs a full-text query over node titles and previews, returning
// matching node IDs ordered by bleve's relevance score, most relevant
// first, capped at limit results.
func (s *NodeSearch) Search(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Size = limit
	result, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("graph.NodeSearch.Search: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Rebuild clears the index and re-indexes every node of the given types
// from the store, for use at startup or after a bulk graph mutation.
func (s *NodeSearch) Rebuild(nodes []*store.GraphNode) error {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return fmt.Errorf("graph.NodeSearch.Rebuild: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		doc := nodeDoc{Title: n.Title, Content: n.Content, Type: string(n.NodeType)}
		if err := idx.Index(n.NodeID, doc); err != nil {
			return fmt.Errorf("graph.NodeSearch.Rebuild: index %s: %w", n.NodeID, err)
		}
	}
	s.index = idx
	return nil
}
