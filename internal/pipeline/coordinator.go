package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbindex/ragkb/internal/chunk"
	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/extract"
	"github.com/kbindex/ragkb/internal/graph"
	"github.com/kbindex/ragkb/internal/quarantine"
	"github.com/kbindex/ragkb/internal/store"
	"github.com/kbindex/ragkb/internal/validate"
)

// DefaultGetTimeout bounds how long a worker blocks on an empty queue
// before checking ctx again.
const DefaultGetTimeout = 2 * time.Second

// skipLogInterval bounds how often rejected/failed items are summarized,
// instead of logging one line per file during a large bulk import.
const skipLogInterval = 10 * time.Second

// CoordinatorConfig wires the three ingestion stages to their
// collaborators: the priority queue, the security validation chain, the
// quarantine manager, document extraction/chunking, and the storage
// layer (BM25 keyword index, HNSW vector index, SQLite metadata).
type CoordinatorConfig struct {
	ProjectID string

	Queue      *Queue
	Chain      *validate.Chain
	Quarantine *quarantine.Manager
	Extractors *extract.Registry
	Chunkers   *chunk.Factory

	Embedder embed.Embedder
	BM25     store.BM25Index
	Vector   store.VectorStore
	Metadata store.MetadataStore

	// Graph builds the Obsidian knowledge-graph overlay for markdown
	// notes. Optional: when nil, markdown files are indexed for search
	// exactly like any other document, with no graph nodes/edges emitted.
	Graph       *graph.Builder
	GraphSearch *graph.NodeSearch

	// NumChunkWorkers is the size of the extract+chunk stage pool.
	NumChunkWorkers int
	// NumEmbedWorkers is the size of the embedding stage pool.
	NumEmbedWorkers int

	// ChunkQueueSize/EmbedQueueSize bound the channels between stages,
	// giving the pipeline back-pressure instead of unbounded buffering.
	ChunkQueueSize int
	EmbedQueueSize int

	// GetTimeout bounds each Queue.Get poll. Defaults to DefaultGetTimeout.
	GetTimeout time.Duration
}

// chunkedDocument is the output of the chunk stage: one file's chunks,
// ready for batch embedding.
type chunkedDocument struct {
	path        string
	fileType    string
	method      string
	size        int64
	modTime     time.Time
	contentHash string
	chunks      []*chunk.Chunk

	// noteContent carries the raw file text through to the store stage
	// for markdown files only, so graph.Builder.ProcessNote can parse
	// wikilinks/tags/headers without re-reading the file from disk.
	// Left empty for every other file type.
	noteContent string
}

// embeddedDocument is the output of the embed stage: a chunkedDocument
// with one embedding vector per chunk, in the same order.
type embeddedDocument struct {
	chunkedDocument
	embeddings [][]float32
}

// Coordinator runs the chunk -> embed -> store pipeline over items
// popped from a Queue. Stage concurrency is independently tunable:
// extraction and chunking are CPU-bound and benefit from several
// workers, embedding is usually bound by one model server so a smaller
// pool avoids overwhelming it, and storage is single-threaded because
// the BM25/vector/metadata stores serialize writes internally.
type Coordinator struct {
	config CoordinatorConfig

	chunkCh chan chunkedDocument
	embedCh chan embeddedDocument

	wg       sync.WaitGroup
	skipped  atomic.Int64
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCoordinator builds a Coordinator. Call Start to launch the worker
// pools and Stop to drain and shut them down.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.NumChunkWorkers <= 0 {
		cfg.NumChunkWorkers = 4
	}
	if cfg.NumEmbedWorkers <= 0 {
		cfg.NumEmbedWorkers = 2
	}
	if cfg.ChunkQueueSize <= 0 {
		cfg.ChunkQueueSize = 64
	}
	if cfg.EmbedQueueSize <= 0 {
		cfg.EmbedQueueSize = 64
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = DefaultGetTimeout
	}
	return &Coordinator{
		config:  cfg,
		chunkCh: make(chan chunkedDocument, cfg.ChunkQueueSize),
		embedCh: make(chan embeddedDocument, cfg.EmbedQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the chunk, embed, and store worker pools plus the skip
// summary ticker. It returns immediately; workers run until ctx is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.config.NumChunkWorkers; i++ {
		c.wg.Add(1)
		go c.chunkWorker(ctx)
	}
	for i := 0; i < c.config.NumEmbedWorkers; i++ {
		c.wg.Add(1)
		go c.embedWorker(ctx)
	}
	c.wg.Add(1)
	go c.storeWorker(ctx)

	c.wg.Add(1)
	go c.skipSummaryLoop(ctx)
}

// Stop signals all workers to drain and blocks until they exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) skipSummaryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(skipLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.skipped.Swap(0); n > 0 {
				slog.Info("ingestion: skipped files", slog.Int64("count", n))
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// chunkWorker pops items off the queue, runs the security validation
// chain, extracts and chunks accepted files, and forwards the result to
// the embed stage. Rejected and unreadable files are logged and marked
// complete without ever reaching the later stages.
func (c *Coordinator) chunkWorker(ctx context.Context) {
	defer c.wg.Done()
	q := c.config.Queue

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, ok := q.Get(ctx, c.config.GetTimeout)
		if !ok {
			continue
		}

		doc, err := c.chunkItem(ctx, item)
		if err != nil {
			slog.Warn("failed to process ingestion item",
				slog.String("path", item.Path), slog.String("error", err.Error()))
			c.skipped.Add(1)
			q.MarkComplete(item.Path)
			continue
		}
		if doc == nil {
			// Rejected by validation, or no chunks produced; already
			// recorded and marked complete inside chunkItem.
			continue
		}

		select {
		case c.chunkCh <- *doc:
		case <-c.stopCh:
			q.MarkComplete(item.Path)
			return
		case <-ctx.Done():
			q.MarkComplete(item.Path)
			return
		}
	}
}

// chunkItem validates, extracts, and chunks a single queued path. It
// returns (nil, nil) for anything that should not proceed further
// (rejected, empty, no chunks) after already marking the queue item
// complete and, if warranted, quarantining the file.
func (c *Coordinator) chunkItem(ctx context.Context, item *Item) (*chunkedDocument, error) {
	q := c.config.Queue

	result, err := c.config.Chain.Run(ctx, item.Path)
	if err != nil {
		q.MarkComplete(item.Path)
		return nil, fmt.Errorf("validate: %w", err)
	}
	if !result.IsValid {
		if remediated, ok := c.tryRemediateExecutable(ctx, item.Path, result); ok {
			result = remediated
		} else {
			c.handleRejection(item.Path, result)
			q.MarkComplete(item.Path)
			return nil, nil
		}
	}

	content, err := os.ReadFile(item.Path)
	if err != nil {
		q.MarkComplete(item.Path)
		return nil, fmt.Errorf("read file: %w", err)
	}
	info, err := os.Stat(item.Path)
	if err != nil {
		q.MarkComplete(item.Path)
		return nil, fmt.Errorf("stat file: %w", err)
	}

	pages, method, err := c.extractPages(ctx, item.Path, content)
	if err != nil {
		q.MarkComplete(item.Path)
		return nil, fmt.Errorf("extract: %w", err)
	}

	chunker := c.config.Chunkers.For(result.FileType)
	var chunks []*chunk.Chunk
	for _, page := range pages {
		pageIdx := page.Index
		pageChunks, err := chunker.Chunk(ctx, &chunk.FileInput{
			Path:     fmt.Sprintf("%s#%d", item.Path, pageIdx),
			Content:  []byte(page.Text),
			Language: result.FileType,
		})
		if err != nil {
			slog.Warn("failed to chunk page",
				slog.String("path", item.Path), slog.Int("page", pageIdx), slog.String("error", err.Error()))
			continue
		}
		for _, ch := range pageChunks {
			ch.FilePath = item.Path
			idx := pageIdx
			ch.Page = &idx
			ch.ChunkIndex = len(chunks)
			chunks = append(chunks, ch)
		}
	}

	if err := c.config.Metadata.SaveProgress(ctx, &store.ProcessingProgress{
		FilePath:    item.Path,
		ContentHash: hashContent(content),
		TotalChunks: len(chunks),
		Status:      store.ProgressInProgress,
		StartedAt:   time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
	}); err != nil {
		slog.Warn("failed to save processing progress", slog.String("path", item.Path), slog.String("error", err.Error()))
	}

	if len(chunks) == 0 {
		q.MarkComplete(item.Path)
		return nil, nil
	}

	doc := &chunkedDocument{
		path:        item.Path,
		fileType:    result.FileType,
		method:      method,
		size:        info.Size(),
		modTime:     info.ModTime(),
		contentHash: hashContent(content),
		chunks:      chunks,
	}
	if result.FileType == "markdown" && c.config.Graph != nil {
		doc.noteContent = string(content)
	}
	return doc, nil
}

// tryRemediateExecutable strips the executable bit from a file rejected
// only for a warning-severity accidental +x permission and re-runs the
// chain once. A shebang-disguised script is flagged critical by
// ExecutablePermissionStrategy, not warning, so it never reaches this
// path and goes straight to quarantine instead. Returns the revalidated
// result and true when remediation made the file admissible.
func (c *Coordinator) tryRemediateExecutable(ctx context.Context, path string, result validate.Result) (validate.Result, bool) {
	if result.ValidationCheck != "ExecutablePermissionStrategy" || result.Severity != validate.SeverityWarning {
		return result, false
	}

	info, err := os.Stat(path)
	if err != nil {
		return result, false
	}
	if err := os.Chmod(path, info.Mode()&^0o111); err != nil {
		slog.Warn("failed to remove executable permission for remediation",
			slog.String("path", path), slog.String("error", err.Error()))
		return result, false
	}

	retried, err := c.config.Chain.RunUncached(ctx, path)
	if err != nil || !retried.IsValid {
		return result, false
	}

	slog.Info("remediated accidental executable permission",
		slog.String("path", path))
	return retried, true
}

// handleRejection records a validation rejection: dangerous checks move
// the file into quarantine, everything else is just logged.
func (c *Coordinator) handleRejection(path string, result validate.Result) {
	hash := ""
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		if content, err := os.ReadFile(path); err == nil {
			hash = hashContent(content)
		}
	}

	if c.config.Quarantine != nil {
		moved, err := c.config.Quarantine.Quarantine(path, result.Reason, result.ValidationCheck, hash)
		if err != nil {
			slog.Warn("failed to quarantine rejected file",
				slog.String("path", path), slog.String("error", err.Error()))
		} else if moved {
			slog.Warn("file quarantined", slog.String("path", path),
				slog.String("check", result.ValidationCheck), slog.String("reason", result.Reason))
			return
		}
	}

	slog.Warn("file rejected by validation",
		slog.String("path", path), slog.String("check", result.ValidationCheck),
		slog.String("reason", result.Reason), slog.String("severity", string(result.Severity)))
}

// extractPages returns the file's pages via the registered Extractor, or
// treats the whole file as a single page when no extractor is
// registered for its extension (the common case for source code and
// plain markdown, which the chunkers read directly).
func (c *Coordinator) extractPages(ctx context.Context, path string, content []byte) ([]extract.Page, string, error) {
	if e := c.config.Extractors.For(path); e != nil {
		result, err := e.Extract(ctx, path, content)
		if err != nil {
			return nil, "", err
		}
		return result.Pages, result.Method, nil
	}
	return []extract.Page{{Text: string(content), Index: 0}}, "", nil
}

// embedWorker batches chunked documents through the embedder and
// forwards embedded documents to the store stage. An embedding failure
// drops the document (mirroring the hard-fail behavior of a bundled
// index call) since chunks without vectors cannot be searched.
func (c *Coordinator) embedWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case doc, ok := <-c.chunkCh:
			if !ok {
				return
			}
			embedded, err := c.embedDocument(ctx, doc)
			if err != nil {
				slog.Warn("failed to embed chunks", slog.String("path", doc.path), slog.String("error", err.Error()))
				c.skipped.Add(1)
				c.config.Queue.MarkComplete(doc.path)
				continue
			}
			select {
			case c.embedCh <- *embedded:
			case <-c.stopCh:
				c.config.Queue.MarkComplete(doc.path)
				return
			case <-ctx.Done():
				c.config.Queue.MarkComplete(doc.path)
				return
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) embedDocument(ctx context.Context, doc chunkedDocument) (*embeddedDocument, error) {
	texts := make([]string, len(doc.chunks))
	for i, ch := range doc.chunks {
		texts[i] = ch.Content
	}
	embeddings, err := c.config.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("generate embeddings: %w", err)
	}
	return &embeddedDocument{chunkedDocument: doc, embeddings: embeddings}, nil
}

// storeWorker is the single writer stage: it persists each embedded
// document's file record, BM25 documents, vectors, chunk metadata, and
// embeddings, then marks the queue item complete. Running as one
// goroutine avoids concurrent writers racing the SQLite metadata store
// and the on-disk BM25/HNSW indexes.
func (c *Coordinator) storeWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case doc, ok := <-c.embedCh:
			if !ok {
				return
			}
			if err := c.storeDocument(ctx, doc); err != nil {
				slog.Warn("failed to store chunks", slog.String("path", doc.path), slog.String("error", err.Error()))
				c.skipped.Add(1)
			}
			c.config.Queue.MarkComplete(doc.path)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) storeDocument(ctx context.Context, doc embeddedDocument) error {
	fileID := generateFileID(c.config.ProjectID, doc.path)

	file := &store.File{
		ID:               fileID,
		ProjectID:        c.config.ProjectID,
		Path:             doc.path,
		Size:             doc.size,
		ModTime:          doc.modTime,
		ContentHash:      doc.contentHash,
		ContentType:      doc.fileType,
		IndexedAt:        time.Now().UTC(),
		ExtractionMethod: doc.method,
	}
	if err := c.config.Metadata.SaveFiles(ctx, []*store.File{file}); err != nil {
		return fmt.Errorf("save file record: %w", err)
	}

	ids := make([]string, len(doc.chunks))
	docs := make([]*store.Document, len(doc.chunks))
	storeChunks := make([]*store.Chunk, len(doc.chunks))
	for i, ch := range doc.chunks {
		ids[i] = ch.ID
		docs[i] = &store.Document{ID: ch.ID, Content: ch.Content}
		storeChunks[i] = &store.Chunk{
			ID:          ch.ID,
			FileID:      fileID,
			FilePath:    ch.FilePath,
			Content:     ch.Content,
			RawContent:  ch.RawContent,
			Context:     ch.Context,
			ContentType: store.ContentType(ch.ContentType),
			Language:    ch.Language,
			StartLine:   ch.StartLine,
			EndLine:     ch.EndLine,
			Metadata:    ch.Metadata,
			Page:        ch.Page,
			ChunkIndex:  ch.ChunkIndex,
		}
	}

	if err := c.config.BM25.Index(ctx, docs); err != nil {
		return fmt.Errorf("index in BM25: %w", err)
	}
	if err := c.config.Vector.Add(ctx, ids, doc.embeddings); err != nil {
		return fmt.Errorf("add vectors: %w", err)
	}
	if err := c.config.Metadata.SaveChunks(ctx, storeChunks); err != nil {
		return fmt.Errorf("save chunks metadata: %w", err)
	}

	if doc.fileType == "markdown" && c.config.Graph != nil {
		c.storeNoteGraph(ctx, doc)
	}

	if err := c.config.Metadata.SaveChunkEmbeddings(ctx, ids, doc.embeddings, c.config.Embedder.ModelName()); err != nil {
		slog.Warn("failed to persist embeddings, compaction will require re-embedding",
			slog.String("error", err.Error()), slog.Int("count", len(ids)))
	}

	if err := c.config.Metadata.SaveProgress(ctx, &store.ProcessingProgress{
		FilePath:        doc.path,
		ContentHash:     doc.contentHash,
		TotalChunks:     len(doc.chunks),
		ChunksProcessed: len(doc.chunks),
		Status:          store.ProgressCompleted,
		LastUpdated:     time.Now().UTC(),
		CompletedAt:     time.Now().UTC(),
	}); err != nil {
		slog.Warn("failed to save processing progress", slog.String("path", doc.path), slog.String("error", err.Error()))
	}

	return nil
}

// storeNoteGraph rebuilds the knowledge-graph overlay for a markdown
// note and links each of its chunks to the header it falls under.
// Errors are warn-only: the graph is a search-enrichment overlay, not
// part of the core retrievable index, so a failure here must not fail
// the whole ingestion of an otherwise valid note.
func (c *Coordinator) storeNoteGraph(ctx context.Context, doc embeddedDocument) {
	if err := c.config.Graph.DeleteNote(ctx, doc.path); err != nil {
		slog.Warn("failed to clear stale graph nodes before reindex",
			slog.String("path", doc.path), slog.String("error", err.Error()))
	}

	note, err := c.config.Graph.ProcessNote(ctx, doc.path, doc.noteContent)
	if err != nil {
		slog.Warn("failed to build note graph", slog.String("path", doc.path), slog.String("error", err.Error()))
		return
	}

	for _, ch := range doc.chunks {
		headerTitle := ch.Metadata["section_title"]
		if err := c.config.Graph.LinkChunk(ctx, ch.ID, note, headerTitle); err != nil {
			slog.Warn("failed to link chunk to note graph",
				slog.String("path", doc.path), slog.String("chunk_id", ch.ID), slog.String("error", err.Error()))
		}
	}
}

func generateFileID(projectID, path string) string {
	input := fmt.Sprintf("%s:%s", projectID, path)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

func hashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
