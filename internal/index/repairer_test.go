package index

import (
	"context"
	"testing"

	"github.com/kbindex/ragkb/internal/store"
)

func TestRepairer_Run_DeletesOrphansAndReindexesMissing(t *testing.T) {
	metadata := newMockRebuildMetadata()
	metadata.addFile(&store.File{ID: "f1", Path: "a.go"}, []*store.Chunk{
		{ID: "missing_bm25", Content: "needs reindex"},
		{ID: "missing_vector", Content: "needs reembed"},
	})
	metadata.embeddings = map[string][]float32{
		"missing_bm25":   {0.1},
		"missing_vector": {0.2},
	}
	bm25 := &MockBM25ForConsistency{IDs: []string{"missing_vector", "orphan_bm25"}}
	vector := &MockVectorForConsistency{IDs: []string{"missing_bm25", "orphan_vector"}}
	embedder := &MockEmbedder{DimensionsValue: 4}

	r := NewRepairer(metadata, bm25, vector, embedder)
	result, err := r.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Check.Inconsistencies) == 0 {
		t.Fatal("expected the consistency check to find issues")
	}
	if result.OrphansDeleted != 2 {
		t.Errorf("OrphansDeleted = %d, want 2", result.OrphansDeleted)
	}
	if result.MissingRepaired == nil || result.MissingRepaired.ChunksEmbedded != 1 {
		t.Errorf("MissingRepaired = %+v, want ChunksEmbedded=1", result.MissingRepaired)
	}
}

func TestRepairer_Run_DryRunReportsWithoutChanging(t *testing.T) {
	metadata := newMockRebuildMetadata()
	metadata.embeddings = map[string][]float32{"chunk1": {0.1}}
	bm25 := &MockBM25ForConsistency{IDs: []string{"orphan"}}
	vector := &MockVectorForConsistency{IDs: []string{"chunk1"}}
	embedder := &MockEmbedder{DimensionsValue: 4}

	r := NewRepairer(metadata, bm25, vector, embedder)
	result, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if bm25.DeleteCalled || vector.DeleteCalled {
		t.Error("dry run must not delete anything")
	}
	if len(result.Check.Inconsistencies) == 0 {
		t.Fatal("expected the consistency check to find the BM25 orphan")
	}
}

func TestRepairer_Run_NoIssuesIsNoOp(t *testing.T) {
	metadata := newMockRebuildMetadata()
	metadata.embeddings = map[string][]float32{"chunk1": {0.1}}
	bm25 := &MockBM25ForConsistency{IDs: []string{"chunk1"}}
	vector := &MockVectorForConsistency{IDs: []string{"chunk1"}}
	embedder := &MockEmbedder{DimensionsValue: 4}

	r := NewRepairer(metadata, bm25, vector, embedder)
	result, err := r.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(result.Check.Inconsistencies) != 0 {
		t.Errorf("Inconsistencies = %v, want none", result.Check.Inconsistencies)
	}
	if result.OrphansDeleted != 0 {
		t.Errorf("OrphansDeleted = %d, want 0", result.OrphansDeleted)
	}
}
