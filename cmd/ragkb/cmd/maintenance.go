package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kbindex/ragkb/internal/config"
	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/index"
	"github.com/kbindex/ragkb/internal/store"
)

// newMaintenanceCmd groups the recovery operations also reachable over
// POST /api/maintenance/{op} on the HTTP adapter, for operators who'd
// rather run them from a terminal than curl a running server.
func newMaintenanceCmd() *cobra.Command {
	var (
		dryRun     bool
		jsonOutput bool
		chunkIDs   []string
	)

	cmd := &cobra.Command{
		Use:   "maintenance <operation> [path]",
		Short: "Run index recovery and consistency operations",
		Long: `Diagnose and repair divergence between the metadata store, the
BM25 keyword index, and the HNSW vector index.

Operations:
  verify-integrity    report orphaned and missing entries across indexes
  repair-indexes      verify then fix what verify-integrity finds
  rebuild-hnsw        rebuild the vector index from stored embeddings
  rebuild-fts         rebuild the keyword index from chunk content
  rebuild-embeddings  re-embed chunks that are missing a vector
  partial-rebuild     re-embed a specific set of chunk IDs (--chunk)
  reindex-incomplete  requeue files stuck in-progress or failed

Use --dry-run to see what an operation would change without changing it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 1 {
				path = args[1]
			}
			return runMaintenance(cmd.Context(), args[0], path, dryRun, jsonOutput, chunkIDs)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without changing it")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringSliceVar(&chunkIDs, "chunk", nil, "Chunk IDs for partial-rebuild (repeatable)")

	return cmd
}

func runMaintenance(ctx context.Context, op, path string, dryRun, jsonOutput bool, chunkIDs []string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".ragkb")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found at %s - run 'ragkb index' first", dataDir)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	// A static embedder is enough for read-only checks; operations that
	// actually re-embed (rebuild-embeddings, partial-rebuild) need the
	// real configured embedder instead.
	needsEmbedder := op == "rebuild-embeddings" || op == "partial-rebuild" || op == "repair-indexes"
	var embedder embed.Embedder
	if needsEmbedder {
		provider := embed.ParseProvider(cfg.Embeddings.Provider)
		embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
	} else {
		embedder = embed.NewStaticEmbedder768()
	}
	defer func() { _ = embedder.Close() }()

	vectorPath := filepath.Join(dataDir, "vec_chunks.idx")
	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if fileExists(vectorPath) {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			return fmt.Errorf("failed to load vector store: %w", loadErr)
		}
	}

	projectID := root

	var result any
	switch op {
	case "verify-integrity":
		result, err = index.NewConsistencyChecker(metadata, bm25, vector).Check(ctx)

	case "repair-indexes":
		result, err = index.NewRepairer(metadata, bm25, vector, embedder).Run(ctx, dryRun)

	case "rebuild-hnsw":
		result, err = index.NewHNSWRebuilder(metadata, vector).Rebuild(ctx, dryRun)
		if err == nil && !dryRun {
			err = vector.Save(vectorPath)
		}

	case "rebuild-fts":
		result, err = index.NewFTSRebuilder(metadata, bm25).Rebuild(ctx, projectID, dryRun)

	case "rebuild-embeddings":
		result, err = index.NewEmbeddingRebuilder(metadata, vector, embedder).Rebuild(ctx, projectID, dryRun)
		if err == nil && !dryRun {
			err = vector.Save(vectorPath)
		}

	case "partial-rebuild":
		if len(chunkIDs) == 0 {
			return fmt.Errorf("partial-rebuild requires at least one --chunk <id>")
		}
		result, err = index.NewPartialRebuilder(metadata, vector, embedder).Rebuild(ctx, chunkIDs, dryRun)
		if err == nil && !dryRun {
			err = vector.Save(vectorPath)
		}

	case "reindex-incomplete":
		result, err = reindexIncomplete(ctx, metadata, dryRun)

	default:
		return fmt.Errorf("unknown maintenance operation %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Printf("%s: %+v\n", op, result)
	return nil
}

type reindexIncompleteResult struct {
	DryRun   bool     `json:"dry_run"`
	Found    int      `json:"found"`
	Paths    []string `json:"paths,omitempty"`
	Requeued int      `json:"requeued"`
}

// reindexIncomplete finds files left in a non-terminal or failed state by
// a prior run and reports them. Unlike the HTTP maintenance endpoint, the
// CLI form never requeues directly since it has no running pipeline
// worker to drain the queue; re-run 'ragkb index' afterward to pick the
// reported paths back up.
func reindexIncomplete(ctx context.Context, metadata store.MetadataStore, dryRun bool) (*reindexIncompleteResult, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, status := range []store.ProgressStatus{store.ProgressFailed, store.ProgressInProgress} {
		entries, err := metadata.ListProgressByStatus(ctx, status)
		if err != nil {
			continue
		}
		for _, p := range entries {
			if !seen[p.FilePath] {
				seen[p.FilePath] = true
				paths = append(paths, p.FilePath)
			}
		}
	}
	return &reindexIncompleteResult{DryRun: dryRun, Found: len(paths), Paths: paths}, nil
}
