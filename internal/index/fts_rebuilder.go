package index

import (
	"context"
	"fmt"
	"time"

	"github.com/kbindex/ragkb/internal/store"
)

// FTSRebuildResult reports an FTSRebuilder.Rebuild pass.
type FTSRebuildResult struct {
	DryRun        bool
	ChunksFound   int
	ChunksIndexed int
	EntriesBefore int
	EntriesAfter  int
	Elapsed       time.Duration
}

// FTSRebuilder rebuilds the BM25 keyword index from chunk content
// already in metadata, for recovery when fts_chunks drifts out of sync
// with the chunks table (corruption, interrupted compaction).
type FTSRebuilder struct {
	metadata store.MetadataStore
	bm25     store.BM25Index
}

// NewFTSRebuilder builds a rebuilder over metadata and the BM25 index.
func NewFTSRebuilder(metadata store.MetadataStore, bm25 store.BM25Index) *FTSRebuilder {
	return &FTSRebuilder{metadata: metadata, bm25: bm25}
}

// Rebuild drops every document currently in the BM25 index and
// re-indexes the content of every chunk metadata knows about.
func (r *FTSRebuilder) Rebuild(ctx context.Context, projectID string, dryRun bool) (*FTSRebuildResult, error) {
	start := time.Now()

	before, err := r.bm25.AllIDs()
	if err != nil {
		return nil, fmt.Errorf("read existing BM25 IDs: %w", err)
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

	result := &FTSRebuildResult{
		DryRun:        dryRun,
		ChunksFound:   len(allChunks),
		EntriesBefore: len(before),
		EntriesAfter:  len(before),
	}

	if dryRun {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	if len(before) > 0 {
		if err := r.bm25.Delete(ctx, before); err != nil {
			return nil, fmt.Errorf("clear existing BM25 entries: %w", err)
		}
	}

	docs := make([]*store.Document, len(allChunks))
	for i, ch := range allChunks {
		docs[i] = &store.Document{ID: ch.ID, Content: ch.Content}
	}
	if len(docs) > 0 {
		if err := r.bm25.Index(ctx, docs); err != nil {
			return nil, fmt.Errorf("reindex chunks into BM25: %w", err)
		}
	}

	result.ChunksIndexed = len(docs)
	result.EntriesAfter = len(docs)
	result.Elapsed = time.Since(start)
	return result, nil
}
