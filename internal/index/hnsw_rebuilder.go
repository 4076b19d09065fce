package index

import (
	"context"
	"fmt"
	"time"

	"github.com/kbindex/ragkb/internal/store"
)

// HNSWRebuildResult reports what a HNSWRebuilder.Rebuild pass found and,
// when not a dry run, changed.
type HNSWRebuildResult struct {
	DryRun           bool
	TotalVectors     int
	ValidVectors     int
	OrphanVectors    int
	FinalVectorCount int
	Elapsed          time.Duration
}

// HNSWRebuilder recovers the vector index from embeddings already
// persisted in metadata, dropping anything the vector store holds that
// no longer has a backing chunk. It never re-runs the embedding model
// or re-chunks documents; for that, use EmbeddingRebuilder.
type HNSWRebuilder struct {
	metadata store.MetadataStore
	vector   store.VectorStore
}

// NewHNSWRebuilder builds a rebuilder over metadata and the vector store.
func NewHNSWRebuilder(metadata store.MetadataStore, vector store.VectorStore) *HNSWRebuilder {
	return &HNSWRebuilder{metadata: metadata, vector: vector}
}

// Rebuild enumerates the vector store's IDs, finds those with no
// corresponding entry in the persisted embeddings map (orphans), and, if
// dryRun is false, deletes them and re-adds every still-valid embedding
// from a clean slate.
func (r *HNSWRebuilder) Rebuild(ctx context.Context, dryRun bool) (*HNSWRebuildResult, error) {
	start := time.Now()

	embeddings, err := r.metadata.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	allIDs := r.vector.AllIDs()
	var orphans []string
	var valid []string
	for _, id := range allIDs {
		if _, ok := embeddings[id]; ok {
			valid = append(valid, id)
		} else {
			orphans = append(orphans, id)
		}
	}

	result := &HNSWRebuildResult{
		DryRun:           dryRun,
		TotalVectors:     len(allIDs),
		ValidVectors:     len(valid),
		OrphanVectors:    len(orphans),
		FinalVectorCount: len(allIDs),
	}

	if dryRun || len(orphans) == 0 {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	if err := r.vector.Delete(ctx, orphans); err != nil {
		return nil, fmt.Errorf("delete orphan vectors: %w", err)
	}

	result.FinalVectorCount = len(valid)
	result.Elapsed = time.Since(start)
	return result, nil
}

// RebuildFromScratch drops every vector and reinserts one per persisted
// embedding, the heavier recovery path for when the vector store's own
// on-disk structure (not just its contents) is suspected corrupt.
func (r *HNSWRebuilder) RebuildFromScratch(ctx context.Context, dryRun bool) (*HNSWRebuildResult, error) {
	start := time.Now()

	embeddings, err := r.metadata.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	result := &HNSWRebuildResult{
		DryRun:           dryRun,
		TotalVectors:     r.vector.Count(),
		ValidVectors:     len(embeddings),
		FinalVectorCount: r.vector.Count(),
	}

	if dryRun {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	existing := r.vector.AllIDs()
	if len(existing) > 0 {
		if err := r.vector.Delete(ctx, existing); err != nil {
			return nil, fmt.Errorf("clear existing vectors: %w", err)
		}
	}

	ids := make([]string, 0, len(embeddings))
	vectors := make([][]float32, 0, len(embeddings))
	for id, vec := range embeddings {
		ids = append(ids, id)
		vectors = append(vectors, vec)
	}
	if len(ids) > 0 {
		if err := r.vector.Add(ctx, ids, vectors); err != nil {
			return nil, fmt.Errorf("reinsert embeddings: %w", err)
		}
	}

	result.FinalVectorCount = len(ids)
	result.Elapsed = time.Since(start)
	return result, nil
}
