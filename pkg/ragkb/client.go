// Package ragkb is a thin embeddable client over the indexer and searcher
// packages, for Go programs that want hybrid search over a local knowledge
// base without going through the CLI, MCP, or HTTP adapters.
package ragkb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/store"
	"github.com/kbindex/ragkb/pkg/indexer"
	"github.com/kbindex/ragkb/pkg/searcher"
)

// Config configures a Client.
type Config struct {
	// DataDir holds the on-disk indexes. Created if it doesn't exist.
	DataDir string

	// EmbedderProvider selects the embedding backend: "ollama", "mlx", or
	// "static". Defaults to "static" when empty, which needs no external
	// model or network access and is suitable for tests and offline use.
	EmbedderProvider string

	// EmbedderModel names the model for providers that need one.
	EmbedderModel string

	// BM25Backend selects the keyword index backend ("sqlite" or
	// "bleve"). Defaults to "sqlite".
	BM25Backend string
}

// Client is a hybrid indexer and searcher over a single knowledge base
// directory. It is safe for concurrent use; the underlying indexer and
// searcher components each hold their own locks.
type Client struct {
	dataDir  string
	embedder embed.Embedder
	bm25     store.BM25Index
	vector   *store.HNSWStore

	indexer  *indexer.HybridIndexer
	searcher *searcher.FusionSearcher

	vectorPath string
}

// Open creates or opens a knowledge base at cfg.DataDir, wiring a BM25
// keyword index and an HNSW vector index behind RRF fusion.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("ragkb: DataDir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ragkb: create data dir: %w", err)
	}

	backend := cfg.BM25Backend
	if backend == "" {
		backend = "sqlite"
	}
	bm25Path := filepath.Join(cfg.DataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25Path, store.DefaultBM25Config(), backend)
	if err != nil {
		return nil, fmt.Errorf("ragkb: open bm25 index: %w", err)
	}

	providerStr := cfg.EmbedderProvider
	if providerStr == "" {
		providerStr = "static"
	}
	embedder, err := embed.NewEmbedder(ctx, embed.ParseProvider(providerStr), cfg.EmbedderModel)
	if err != nil {
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create embedder: %w", err)
	}

	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create vector store: %w", err)
	}

	vectorPath := filepath.Join(cfg.DataDir, "vec_chunks.idx")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			embedder.Close()
			_ = bm25.Close()
			return nil, fmt.Errorf("ragkb: load vector index: %w", loadErr)
		}
	}

	bm25Indexer, err := indexer.NewBM25Indexer(indexer.WithStore(bm25))
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create bm25 indexer: %w", err)
	}
	vectorIndexer, err := indexer.NewVectorIndexer(
		indexer.WithEmbedder(embedder),
		indexer.WithVectorStore(vector),
	)
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create vector indexer: %w", err)
	}
	hybridIndexer, err := indexer.NewHybridIndexer(
		indexer.WithBM25(bm25Indexer),
		indexer.WithVector(vectorIndexer),
	)
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create hybrid indexer: %w", err)
	}

	bm25Searcher, err := searcher.NewBM25Searcher(searcher.WithBM25Store(bm25))
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create bm25 searcher: %w", err)
	}
	vectorSearcher, err := searcher.NewVectorSearcher(
		searcher.WithSearchEmbedder(embedder),
		searcher.WithSearchVectorStore(vector),
	)
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create vector searcher: %w", err)
	}
	fusion, err := searcher.NewFusionSearcher(
		searcher.WithBM25Searcher(bm25Searcher),
		searcher.WithVectorSearcher(vectorSearcher),
	)
	if err != nil {
		embedder.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("ragkb: create fusion searcher: %w", err)
	}

	return &Client{
		dataDir:    cfg.DataDir,
		embedder:   embedder,
		bm25:       bm25,
		vector:     vector,
		indexer:    hybridIndexer,
		searcher:   fusion,
		vectorPath: vectorPath,
	}, nil
}

// Index adds or updates chunks in both the keyword and vector indexes.
func (c *Client) Index(ctx context.Context, chunks []*store.Chunk) error {
	return c.indexer.Index(ctx, chunks)
}

// Delete removes chunks by ID from both indexes.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	return c.indexer.Delete(ctx, ids)
}

// Search runs a hybrid search and returns up to limit fused results.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]searcher.Result, error) {
	return c.searcher.Search(ctx, query, limit)
}

// Stats reports combined document and term counts across both indexes.
func (c *Client) Stats() indexer.IndexStats {
	return c.indexer.Stats()
}

// Close persists the vector index to disk and releases all resources.
// Safe to call once; subsequent calls are no-ops beyond the first error.
func (c *Client) Close() error {
	saveErr := c.vector.Save(c.vectorPath)
	closeErr := c.indexer.Close()
	if saveErr != nil {
		return fmt.Errorf("ragkb: save vector index: %w", saveErr)
	}
	return closeErr
}
