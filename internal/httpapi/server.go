// Package httpapi exposes the ingestion pipeline and hybrid search engine
// over plain HTTP. Each handler is a thin adapter: it decodes a request,
// calls one core operation, and encodes the result. No business logic
// lives here that isn't already owned by internal/search, internal/index,
// or internal/pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kbindex/ragkb/internal/index"
	"github.com/kbindex/ragkb/internal/pipeline"
	"github.com/kbindex/ragkb/internal/scanner"
	"github.com/kbindex/ragkb/internal/search"
	"github.com/kbindex/ragkb/internal/store"
)

// Config wires the dependencies a Server needs. Only Engine and Metadata
// are required; everything else degrades to a 503 "not configured"
// response so a minimal serve setup (no watcher, no maintenance tooling)
// still answers queries.
type Config struct {
	ProjectID string
	RootPath  string

	Engine   search.SearchEngine
	Metadata store.MetadataStore

	Scanner  *scanner.Scanner
	Queue    *pipeline.Queue
	Pipeline *pipeline.Coordinator

	Checker            *index.ConsistencyChecker
	Repairer           *index.Repairer
	HNSWRebuilder      *index.HNSWRebuilder
	FTSRebuilder       *index.FTSRebuilder
	EmbeddingRebuilder *index.EmbeddingRebuilder
	PartialRebuilder   *index.PartialRebuilder

	Logger *slog.Logger
}

// Server answers the HTTP surface described for RagKB: indexing control,
// hybrid query, completeness reporting, and maintenance operations.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	http   *http.Server
}

// NewServer builds a Server from cfg. Returns an error if Engine or
// Metadata is nil; both are load-bearing for every route.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("httpapi: engine is required")
	}
	if cfg.Metadata == nil {
		return nil, errors.New("httpapi: metadata store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.mux = http.NewServeMux()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /index", s.handleIndex)
	s.mux.HandleFunc("POST /indexing/pause", s.handleQueueControl(func(q *pipeline.Queue) { q.Pause() }))
	s.mux.HandleFunc("POST /indexing/resume", s.handleQueueControl(func(q *pipeline.Queue) { q.Resume() }))
	s.mux.HandleFunc("POST /indexing/clear", s.handleQueueControl(func(q *pipeline.Queue) { q.Clear() }))
	s.mux.HandleFunc("POST /indexing/priority/{path...}", s.handleIndexingPriority)
	s.mux.HandleFunc("GET /indexing/status", s.handleIndexingStatus)
	s.mux.HandleFunc("POST /query", s.handleQuery)
	s.mux.HandleFunc("GET /documents/completeness", s.handleCompleteness)
	s.mux.HandleFunc("POST /api/maintenance/{op}", s.handleMaintenance)
}

// Handler returns the underlying http.Handler, primarily for tests that
// want to drive requests through httptest.NewServer without a real listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// cancelled, at which point it shuts down gracefully. Mirrors the
// accept-loop-plus-context-cancel shutdown shape used elsewhere for the
// daemon's unix-socket listener, generalized to net/http's own
// Shutdown/ListenAndServe split.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func notConfigured(name string) error {
	return fmt.Errorf("%s is not configured on this server", name)
}

// --- /index ---

type indexRequest struct {
	ForceReindex bool `json:"force_reindex"`
}

// handleIndex triggers a background scan and enqueues discovered files.
// It returns as soon as the scan goroutine is launched; the scan itself
// runs against the live queue, same as the watcher-driven path.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scanner == nil || s.cfg.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, notConfigured("scanner/queue"))
		return
	}

	var req indexRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	go s.runScan(req.ForceReindex)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan_started"})
}

func (s *Server) runScan(force bool) {
	ctx := context.Background()
	results, err := s.cfg.Scanner.Scan(ctx, &scanner.ScanOptions{RootDir: s.cfg.RootPath})
	if err != nil {
		s.logger.Error("background scan failed to start", slog.String("error", err.Error()))
		return
	}

	priority := pipeline.PriorityNormal
	enqueued := 0
	for res := range results {
		if res.Error != nil || res.File == nil {
			continue
		}
		if s.cfg.Queue.Add(res.File.Path, priority, force) {
			enqueued++
		}
	}
	s.logger.Info("background scan complete", slog.Int("enqueued", enqueued))
}

// --- /indexing/{pause,resume,clear} ---

func (s *Server) handleQueueControl(apply func(*pipeline.Queue)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Queue == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("queue"))
			return
		}
		apply(s.cfg.Queue)
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.cfg.Queue.IsPaused()})
	}
}

// --- /indexing/priority/{path} ---

func (s *Server) handleIndexingPriority(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, notConfigured("queue"))
		return
	}
	path := r.PathValue("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	var body struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	ok := s.cfg.Queue.Add(path, pipeline.PriorityHigh, body.Force)
	writeJSON(w, http.StatusOK, map[string]bool{"enqueued": ok})
}

// --- /indexing/status ---

type indexingStatus struct {
	QueueSize          int  `json:"queue_size"`
	Paused             bool `json:"paused"`
	WorkerRunning      bool `json:"worker_running"`
	IndexingInProgress bool `json:"indexing_in_progress"`
}

func (s *Server) handleIndexingStatus(w http.ResponseWriter, r *http.Request) {
	status := indexingStatus{
		WorkerRunning: s.cfg.Pipeline != nil,
	}
	if s.cfg.Queue != nil {
		status.QueueSize = s.cfg.Queue.Size()
		status.Paused = s.cfg.Queue.IsPaused()
		status.IndexingInProgress = status.QueueSize > 0 && !status.Paused
	}
	writeJSON(w, http.StatusOK, status)
}

// --- /query ---

type queryRequest struct {
	Text      string  `json:"text"`
	TopK      int     `json:"top_k"`
	Threshold float64 `json:"threshold,omitempty"`
	Decompose bool    `json:"decompose,omitempty"`
}

type queryResultItem struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Line    int     `json:"line,omitempty"`
}

type decompositionInfo struct {
	Applied    bool     `json:"applied"`
	SubQueries []string `json:"sub_queries"`
}

type queryResponse struct {
	Results       []queryResultItem `json:"results"`
	Decomposition decompositionInfo `json:"decomposition"`
	Suggestions   []string          `json:"suggestions,omitempty"`
}

// handleQuery runs a hybrid search and always reports whether the query
// was decomposed, independent of the decompose flag: decompose only
// controls whether the engine is given the chance to split the query, not
// whether the response describes what happened.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	opts := search.SearchOptions{Limit: req.TopK}

	applied, subQueries := false, []string(nil)
	if req.Decompose {
		applied, subQueries = s.cfg.Engine.DecomposeQuery(req.Text)
	}

	results, err := s.cfg.Engine.Search(r.Context(), req.Text, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	items := make([]queryResultItem, 0, len(results))
	for _, res := range results {
		if req.Threshold > 0 && res.Score < req.Threshold {
			continue
		}
		items = append(items, queryResultItem{
			Source:  res.Chunk.FilePath,
			Content: res.Chunk.Content,
			Score:   res.Score,
			Line:    res.Chunk.StartLine,
		})
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Results: items,
		Decomposition: decompositionInfo{
			Applied:    applied,
			SubQueries: subQueries,
		},
		Suggestions: suggestionsFor(req.Text, items),
	})
}

// suggestionsFor offers alternate phrasings when a query comes back empty.
// Kept deliberately simple: it doesn't reach into the index, it just
// hints at the knobs (decomposition, broader scope) that might help.
func suggestionsFor(query string, results []queryResultItem) []string {
	if len(results) > 0 {
		return nil
	}
	suggestions := []string{"try a shorter or more general query"}
	if strings.Contains(query, " and ") || strings.Contains(query, " or ") {
		suggestions = append(suggestions, "set decompose=true to search each part of the query separately")
	}
	return suggestions
}

// --- /documents/completeness ---

type completenessReport struct {
	TotalChunks        int `json:"total_chunks"`
	ChunksWithEmbed    int `json:"chunks_with_embedding"`
	ChunksMissingEmbed int `json:"chunks_missing_embedding"`
	FilesFailed        int `json:"files_failed"`
	FilesRejected      int `json:"files_rejected"`
	FilesInProgress    int `json:"files_in_progress"`
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	withEmbed, withoutEmbed, err := s.cfg.Metadata.GetEmbeddingStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	report := completenessReport{
		TotalChunks:        withEmbed + withoutEmbed,
		ChunksWithEmbed:    withEmbed,
		ChunksMissingEmbed: withoutEmbed,
	}

	if failed, err := s.cfg.Metadata.ListProgressByStatus(ctx, store.ProgressFailed); err == nil {
		report.FilesFailed = len(failed)
	}
	if rejected, err := s.cfg.Metadata.ListProgressByStatus(ctx, store.ProgressRejected); err == nil {
		report.FilesRejected = len(rejected)
	}
	if inProgress, err := s.cfg.Metadata.ListProgressByStatus(ctx, store.ProgressInProgress); err == nil {
		report.FilesInProgress = len(inProgress)
	}

	writeJSON(w, http.StatusOK, report)
}

// --- /api/maintenance/{op} ---

type maintenanceRequest struct {
	DryRun   bool     `json:"dry_run"`
	ChunkIDs []string `json:"chunk_ids,omitempty"`
}

// handleMaintenance dispatches to the recovery operation named in the
// path. Each op maps to exactly one existing index.* type; this handler
// does no repair logic of its own.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("op")

	var req maintenanceRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx := r.Context()

	switch op {
	case "verify-integrity":
		if s.cfg.Checker == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("consistency checker"))
			return
		}
		result, err := s.cfg.Checker.Check(ctx)
		s.respondMaintenance(w, result, err)

	case "cleanup-orphans", "delete-orphans", "fix-tracking":
		if s.cfg.Checker == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("consistency checker"))
			return
		}
		check, err := s.cfg.Checker.Check(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !req.DryRun {
			err = s.cfg.Checker.Repair(ctx, check.Inconsistencies)
		}
		s.respondMaintenance(w, check, err)

	case "repair-indexes":
		if s.cfg.Repairer == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("repairer"))
			return
		}
		result, err := s.cfg.Repairer.Run(ctx, req.DryRun)
		s.respondMaintenance(w, result, err)

	case "rebuild-embeddings":
		if s.cfg.EmbeddingRebuilder == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("embedding rebuilder"))
			return
		}
		result, err := s.cfg.EmbeddingRebuilder.Rebuild(ctx, s.cfg.ProjectID, req.DryRun)
		s.respondMaintenance(w, result, err)

	case "rebuild-hnsw":
		if s.cfg.HNSWRebuilder == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("HNSW rebuilder"))
			return
		}
		result, err := s.cfg.HNSWRebuilder.Rebuild(ctx, req.DryRun)
		s.respondMaintenance(w, result, err)

	case "rebuild-fts":
		if s.cfg.FTSRebuilder == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("FTS rebuilder"))
			return
		}
		result, err := s.cfg.FTSRebuilder.Rebuild(ctx, s.cfg.ProjectID, req.DryRun)
		s.respondMaintenance(w, result, err)

	case "partial-rebuild":
		if s.cfg.PartialRebuilder == nil {
			writeError(w, http.StatusServiceUnavailable, notConfigured("partial rebuilder"))
			return
		}
		result, err := s.cfg.PartialRebuilder.Rebuild(ctx, req.ChunkIDs, req.DryRun)
		s.respondMaintenance(w, result, err)

	case "reindex-incomplete":
		s.handleReindexIncomplete(w, r, req.DryRun)

	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown maintenance operation %q", op))
	}
}

func (s *Server) respondMaintenance(w http.ResponseWriter, result any, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleReindexIncomplete requeues every file whose ProcessingProgress
// stalled in "failed" or "in_progress" so the next worker pass retries
// them. It has no index.* rebuilder counterpart because it never touches
// BM25/vector content directly, only the queue.
func (s *Server) handleReindexIncomplete(w http.ResponseWriter, r *http.Request, dryRun bool) {
	if s.cfg.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, notConfigured("queue"))
		return
	}

	ctx := r.Context()
	var paths []string
	for _, status := range []store.ProgressStatus{store.ProgressFailed, store.ProgressInProgress} {
		entries, err := s.cfg.Metadata.ListProgressByStatus(ctx, status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, p := range entries {
			paths = append(paths, p.FilePath)
		}
	}

	requeued := 0
	if !dryRun {
		for _, p := range paths {
			if s.cfg.Queue.Add(p, pipeline.PriorityHigh, true) {
				requeued++
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dry_run":  dryRun,
		"found":    len(paths),
		"requeued": requeued,
	})
}
