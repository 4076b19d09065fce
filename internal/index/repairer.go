package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/store"
)

// RepairResult summarizes one Repairer.Run pass: what the consistency
// check found, and what each sub-operation did about it.
type RepairResult struct {
	DryRun          bool
	Check           *CheckResult
	OrphansDeleted  int
	MissingRepaired *PartialRebuildResult
	Elapsed         time.Duration
}

// Repairer is the single entry point for `ragkb maintenance repair-indexes`:
// it runs a ConsistencyChecker pass, deletes orphan BM25/vector entries,
// and re-embeds chunks the vector store is missing via PartialRebuilder.
// Chunks missing from BM25 are re-indexed directly since that only needs
// their stored content, not a model call.
type Repairer struct {
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	checker  *ConsistencyChecker
	partial  *PartialRebuilder
}

// NewRepairer wires a Repairer from the same stores a ConsistencyChecker
// and PartialRebuilder would need individually.
func NewRepairer(metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorStore, embedder embed.Embedder) *Repairer {
	return &Repairer{
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		checker:  NewConsistencyChecker(metadata, bm25, vector),
		partial:  NewPartialRebuilder(metadata, vector, embedder),
	}
}

// Run checks consistency, then repairs what it can automatically.
// Orphans (in BM25/vector but not metadata) are deleted. Chunks missing
// from BM25 are re-indexed from their stored content. Chunks missing
// from the vector store are re-embedded via PartialRebuilder. dryRun
// reports what would happen without changing anything.
func (r *Repairer) Run(ctx context.Context, dryRun bool) (*RepairResult, error) {
	start := time.Now()

	check, err := r.checker.Check(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency check: %w", err)
	}

	result := &RepairResult{DryRun: dryRun, Check: check}

	if dryRun || len(check.Inconsistencies) == 0 {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	var orphanBM25, orphanVector, missingBM25, missingVector []string
	for _, issue := range check.Inconsistencies {
		switch issue.Type {
		case InconsistencyOrphanBM25:
			orphanBM25 = append(orphanBM25, issue.ChunkID)
		case InconsistencyOrphanVector:
			orphanVector = append(orphanVector, issue.ChunkID)
		case InconsistencyMissingBM25:
			missingBM25 = append(missingBM25, issue.ChunkID)
		case InconsistencyMissingVector:
			missingVector = append(missingVector, issue.ChunkID)
		}
	}

	if len(orphanBM25) > 0 {
		if err := r.bm25.Delete(ctx, orphanBM25); err != nil {
			slog.Warn("failed to delete orphan BM25 entries", slog.String("error", err.Error()))
		} else {
			result.OrphansDeleted += len(orphanBM25)
		}
	}
	if len(orphanVector) > 0 {
		if err := r.vector.Delete(ctx, orphanVector); err != nil {
			slog.Warn("failed to delete orphan vector entries", slog.String("error", err.Error()))
		} else {
			result.OrphansDeleted += len(orphanVector)
		}
	}

	if len(missingBM25) > 0 {
		chunks, err := r.metadata.GetChunks(ctx, missingBM25)
		if err != nil {
			slog.Warn("failed to load chunks missing from BM25", slog.String("error", err.Error()))
		} else {
			docs := make([]*store.Document, len(chunks))
			for i, ch := range chunks {
				docs[i] = &store.Document{ID: ch.ID, Content: ch.Content}
			}
			if err := r.bm25.Index(ctx, docs); err != nil {
				slog.Warn("failed to reindex chunks missing from BM25", slog.String("error", err.Error()))
			}
		}
	}

	if len(missingVector) > 0 {
		partial, err := r.partial.Rebuild(ctx, missingVector, false)
		if err != nil {
			slog.Warn("failed to re-embed chunks missing from vector store", slog.String("error", err.Error()))
		} else {
			result.MissingRepaired = partial
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}
