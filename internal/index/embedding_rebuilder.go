package index

import (
	"context"
	"fmt"
	"time"

	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/store"
)

const embeddingRebuildBatchSize = 64

// EmbeddingRebuildResult reports an EmbeddingRebuilder.Rebuild pass.
type EmbeddingRebuildResult struct {
	DryRun           bool
	ChunksFound      int
	ChunksEmbedded   int
	EmbeddingsBefore int
	EmbeddingsAfter  int
	ModelName        string
	Elapsed          time.Duration
	Errors           []string
}

// EmbeddingRebuilder regenerates every chunk's embedding from its stored
// content and repopulates both the persisted embeddings table and the
// vector store, skipping extraction, chunking, and security scanning
// entirely. Use for full HNSW corruption or after switching embedding
// models; for surgical recovery of specific chunks see PartialRebuilder.
type EmbeddingRebuilder struct {
	metadata store.MetadataStore
	vector   store.VectorStore
	embedder embed.Embedder
}

// NewEmbeddingRebuilder builds a full-rebuild operation.
func NewEmbeddingRebuilder(metadata store.MetadataStore, vector store.VectorStore, embedder embed.Embedder) *EmbeddingRebuilder {
	return &EmbeddingRebuilder{metadata: metadata, vector: vector, embedder: embedder}
}

// Rebuild walks every file's chunks in batches, re-embeds their content,
// and, if dryRun is false, replaces the vector store and persisted
// embeddings table wholesale.
func (r *EmbeddingRebuilder) Rebuild(ctx context.Context, projectID string, dryRun bool) (*EmbeddingRebuildResult, error) {
	start := time.Now()

	before, withoutEmbedding, err := r.metadata.GetEmbeddingStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read embedding stats: %w", err)
	}
	_ = withoutEmbedding

	result := &EmbeddingRebuildResult{
		DryRun:           dryRun,
		EmbeddingsBefore: before,
		ModelName:        r.embedder.ModelName(),
	}

	var allChunks []*store.Chunk
	cursor := ""
	for {
		files, next, err := r.metadata.ListFiles(ctx, projectID, cursor, 500)
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		for _, f := range files {
			chunks, err := r.metadata.GetChunksByFile(ctx, f.ID)
			if err != nil {
				return nil, fmt.Errorf("get chunks for file %s: %w", f.ID, err)
			}
			allChunks = append(allChunks, chunks...)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	result.ChunksFound = len(allChunks)

	if dryRun {
		result.EmbeddingsAfter = before
		result.Elapsed = time.Since(start)
		return result, nil
	}

	existing := r.vector.AllIDs()
	if len(existing) > 0 {
		if err := r.vector.Delete(ctx, existing); err != nil {
			return nil, fmt.Errorf("clear existing vectors: %w", err)
		}
	}

	for i := 0; i < len(allChunks); i += embeddingRebuildBatchSize {
		end := i + embeddingRebuildBatchSize
		if end > len(allChunks) {
			end = len(allChunks)
		}
		batch := allChunks[i:end]

		texts := make([]string, len(batch))
		ids := make([]string, len(batch))
		for j, ch := range batch {
			texts[j] = ch.Content
			ids[j] = ch.ID
		}

		vectors, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d-%d: %v", i, end, err))
			continue
		}
		if err := r.vector.Add(ctx, ids, vectors); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d-%d add: %v", i, end, err))
			continue
		}
		if err := r.metadata.SaveChunkEmbeddings(ctx, ids, vectors, r.embedder.ModelName()); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d-%d save: %v", i, end, err))
			continue
		}
		result.ChunksEmbedded += len(batch)
	}

	result.EmbeddingsAfter = r.vector.Count()
	result.Elapsed = time.Since(start)
	return result, nil
}
