package index

import (
	"context"
	"fmt"
	"time"

	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/store"
)

// PartialRebuildResult reports a PartialRebuilder.Rebuild pass.
type PartialRebuildResult struct {
	DryRun         bool
	ChunkIDs       []string
	ChunksMissing  int
	ChunksEmbedded int
	ModelName      string
	Elapsed        time.Duration
	Errors         []string
}

// PartialRebuilder re-embeds a known, bounded set of chunks that are
// missing from the vector store without touching anything else already
// there. Use this over EmbeddingRebuilder when a diagnostic (or
// HNSWRebuilder's orphan report) has already named the affected chunks,
// since it avoids re-embedding the whole corpus.
type PartialRebuilder struct {
	metadata store.MetadataStore
	vector   store.VectorStore
	embedder embed.Embedder
}

// NewPartialRebuilder builds a targeted rebuild operation.
func NewPartialRebuilder(metadata store.MetadataStore, vector store.VectorStore, embedder embed.Embedder) *PartialRebuilder {
	return &PartialRebuilder{metadata: metadata, vector: vector, embedder: embedder}
}

// Rebuild re-embeds every ID in chunkIDs that the vector store does not
// already contain. IDs already present are left untouched.
func (r *PartialRebuilder) Rebuild(ctx context.Context, chunkIDs []string, dryRun bool) (*PartialRebuildResult, error) {
	start := time.Now()

	var missing []string
	for _, id := range chunkIDs {
		if !r.vector.Contains(id) {
			missing = append(missing, id)
		}
	}

	result := &PartialRebuildResult{
		DryRun:        dryRun,
		ChunkIDs:      chunkIDs,
		ChunksMissing: len(missing),
		ModelName:     r.embedder.ModelName(),
	}

	if dryRun || len(missing) == 0 {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	chunks, err := r.metadata.GetChunks(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
		ids[i] = ch.ID
	}

	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if err := r.vector.Add(ctx, ids, vectors); err != nil {
		return nil, fmt.Errorf("add vectors: %w", err)
	}
	if err := r.metadata.SaveChunkEmbeddings(ctx, ids, vectors, r.embedder.ModelName()); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.ChunksEmbedded = len(ids)
	result.Elapsed = time.Since(start)
	return result, nil
}
