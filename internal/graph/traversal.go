package graph

import (
	"context"
	"fmt"

	"github.com/kbindex/ragkb/internal/store"
)

// TraversalResult holds the nodes discovered from an N-hop walk.
type TraversalResult struct {
	NodeIDs []string
}

// Traverse walks outgoing and incoming edges from seedID up to maxDepth
// hops, optionally restricted to edgeTypes, terminating via a visited
// set so cycles between notes (A<->B wikilinks) can't loop forever.
func Traverse(ctx context.Context, s store.MetadataStore, seedID string, maxDepth int, edgeTypes []store.GraphEdgeType) (*TraversalResult, error) {
	if maxDepth < 0 {
		return &TraversalResult{}, nil
	}

	allowed := make(map[store.GraphEdgeType]bool, len(edgeTypes))
	for _, t := range edgeTypes {
		allowed[t] = true
	}

	visited := map[string]bool{seedID: true}
	queue := []string{seedID}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var next []string
		for _, id := range queue {
			neighbors, err := neighborsOf(ctx, s, id, allowed)
			if err != nil {
				return nil, fmt.Errorf("graph.Traverse: %w", err)
			}
			for _, nid := range neighbors {
				if !visited[nid] {
					visited[nid] = true
					next = append(next, nid)
				}
			}
		}
		queue = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	return &TraversalResult{NodeIDs: ids}, nil
}

func neighborsOf(ctx context.Context, s store.MetadataStore, nodeID string, allowed map[store.GraphEdgeType]bool) ([]string, error) {
	out, err := s.GetGraphEdgesFrom(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	in, err := s.GetGraphEdgesTo(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range out {
		if len(allowed) == 0 || allowed[e.EdgeType] {
			ids = append(ids, e.TargetID)
		}
	}
	for _, e := range in {
		if len(allowed) == 0 || allowed[e.EdgeType] {
			ids = append(ids, e.SourceID)
		}
	}
	return ids, nil
}

// Backlinks returns every node with an edge pointing at nodeID.
func Backlinks(ctx context.Context, s store.MetadataStore, nodeID string) ([]string, error) {
	edges, err := s.GetGraphEdgesTo(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("graph.Backlinks: %w", err)
	}
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.SourceID
	}
	return ids, nil
}

const (
	defaultDamping   = 0.85
	defaultMaxIter   = 100
	convergenceDelta = 1e-6
)

// PageRank computes centrality scores over every node and edge
// currently in the graph store. Nodes with zero out-degree distribute
// their score uniformly (the standard dangling-node fix), and the whole
// computation falls back to a uniform distribution if it does not
// converge within maxIter passes or the graph is empty.
func PageRank(ctx context.Context, s store.MetadataStore, maxIter int) (map[string]float64, error) {
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}

	nodeIDs, edges, err := loadGraph(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("graph.PageRank: %w", err)
	}
	n := len(nodeIDs)
	if n == 0 {
		return map[string]float64{}, nil
	}

	uniform := func() map[string]float64 {
		scores := make(map[string]float64, n)
		for _, id := range nodeIDs {
			scores[id] = 1.0 / float64(n)
		}
		return scores
	}

	outEdges := make(map[string][]string)
	for _, e := range edges {
		outEdges[e.SourceID] = append(outEdges[e.SourceID], e.TargetID)
	}

	scores := uniform()
	danglingMass := func(cur map[string]float64) float64 {
		var mass float64
		for _, id := range nodeIDs {
			if len(outEdges[id]) == 0 {
				mass += cur[id]
			}
		}
		return mass
	}

	for iter := 0; iter < maxIter; iter++ {
		next := make(map[string]float64, n)
		base := (1 - defaultDamping) / float64(n)
		dangling := defaultDamping * danglingMass(scores) / float64(n)
		for _, id := range nodeIDs {
			next[id] = base + dangling
		}
		for src, targets := range outEdges {
			share := defaultDamping * scores[src] / float64(len(targets))
			for _, tgt := range targets {
				next[tgt] += share
			}
		}

		delta := 0.0
		for _, id := range nodeIDs {
			d := next[id] - scores[id]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		scores = next
		if delta < convergenceDelta {
			return scores, nil
		}
	}

	return scores, nil
}

func loadGraph(ctx context.Context, s store.MetadataStore) ([]string, []*store.GraphEdge, error) {
	var nodeIDs []string
	var edges []*store.GraphEdge
	for _, nodeType := range []store.GraphNodeType{
		store.GraphNodeNote, store.GraphNodeTag, store.GraphNodeHeader,
		store.GraphNodeNoteRef, store.GraphNodeConcept,
	} {
		nodes, err := s.ListGraphNodesByType(ctx, nodeType)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range nodes {
			nodeIDs = append(nodeIDs, n.NodeID)
			from, err := s.GetGraphEdgesFrom(ctx, n.NodeID)
			if err != nil {
				return nil, nil, err
			}
			edges = append(edges, from...)
		}
	}
	return nodeIDs, edges, nil
}
