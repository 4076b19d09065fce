// Package startup sequences the work a long-running ragkb process does
// before and during serving: resuming interrupted ingestion, repairing
// index drift, starting the live file watcher, and routing watcher
// events to either the validated ingestion pipeline or a direct index
// update depending on what kind of change occurred.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kbindex/ragkb/internal/async"
	"github.com/kbindex/ragkb/internal/index"
	"github.com/kbindex/ragkb/internal/pipeline"
	"github.com/kbindex/ragkb/internal/scanner"
	"github.com/kbindex/ragkb/internal/store"
	"github.com/kbindex/ragkb/internal/watcher"
)

// Config wires every dependency the Manager needs. Fields with a
// pointer/interface zero value disable the corresponding phase rather
// than erroring: a nil Watcher means "run without live file watching",
// a nil Pipeline means "skip ingestion, serve the existing index only".
type Config struct {
	ProjectID string
	RootPath  string
	DataDir   string

	Metadata store.MetadataStore
	Vector   store.VectorStore
	BM25     store.BM25Index
	Scanner  *scanner.Scanner

	// IndexCoordinator applies direct, unvalidated index updates:
	// deletions, gitignore reconciliation, and the startup diff against
	// what's already on disk. Required.
	IndexCoordinator *index.Coordinator

	// Pipeline and Queue drive validated ingestion of new and changed
	// file content. Nil disables live content ingestion; the watcher
	// still runs for deletions and gitignore changes if set.
	Pipeline *pipeline.Coordinator
	Queue    *pipeline.Queue

	// Watcher is started after the initial reconciliation pass
	// completes. Nil skips live watching entirely.
	Watcher *watcher.HybridWatcher

	// Repairer runs a consistency check and automatic repair pass after
	// indexing settles. Nil skips self-healing.
	Repairer *index.Repairer

	// WatcherStartupTimeout bounds how long Start waits for the watcher
	// to come up before proceeding without it. Defaults to 2s.
	WatcherStartupTimeout time.Duration
}

// Manager runs the startup sequence described in Config: resume
// interrupted work, reconcile the index against the filesystem, start
// the live watcher, and keep the index in sync for the life of the
// process.
type Manager struct {
	cfg Config

	bgIndexer *async.BackgroundIndexer
	stopCh    chan struct{}
}

// NewManager constructs a Manager. It does not start anything; call
// Start to run the startup sequence.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("startup: metadata store is required")
	}
	if cfg.IndexCoordinator == nil {
		return nil, fmt.Errorf("startup: index coordinator is required")
	}
	if cfg.WatcherStartupTimeout <= 0 {
		cfg.WatcherStartupTimeout = 2 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		bgIndexer: async.NewBackgroundIndexer(async.IndexerConfig{DataDir: cfg.DataDir}),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start brings up the watcher first, then runs sanitisation,
// reconciliation, and the post-indexing repair check as one background
// task behind async.BackgroundIndexer (so a crash mid-reconciliation
// leaves the same indexing.lock trail a foreground index run would).
// Start itself never blocks on any of this: it returns as soon as the
// watcher has had its startup window, matching the sequencing of the
// original background indexing task (watch, then sanitise, then index,
// then check for orphans).
func (m *Manager) Start(ctx context.Context) error {
	m.startWatcher(ctx)

	if m.cfg.Pipeline != nil {
		m.cfg.Pipeline.Start(ctx)
	}

	m.bgIndexer.IndexFunc = func(ctx context.Context, _ *async.IndexProgress) error {
		if err := m.sanitizeBeforeIndexing(ctx); err != nil {
			slog.Warn("startup: pre-indexing sanitisation failed", slog.String("error", err.Error()))
		}

		if err := m.cfg.IndexCoordinator.ReconcileFilesOnStartup(ctx); err != nil {
			slog.Warn("startup: reconciliation failed", slog.String("error", err.Error()))
		}

		m.postIndexingCheck(ctx)
		return nil
	}
	m.bgIndexer.Start(ctx)

	return nil
}

// Stop shuts down the watcher and pipeline workers. Safe to call once;
// subsequent calls are no-ops.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}

	if m.cfg.Watcher != nil {
		_ = m.cfg.Watcher.Stop()
	}
	if m.cfg.Pipeline != nil {
		m.cfg.Pipeline.Stop()
	}
	if m.bgIndexer.IsRunning() {
		m.bgIndexer.Stop()
	}
}

// sanitizeBeforeIndexing resumes files that were mid-ingestion when the
// process last stopped (status in_progress) by re-enqueueing them at
// high priority, and runs a repair pass to fix any BM25/vector drift
// accumulated since. Mirrors the original orchestrator's resume step:
// skip entirely if there's nothing to resume from.
func (m *Manager) sanitizeBeforeIndexing(ctx context.Context) error {
	inProgress, err := m.cfg.Metadata.ListProgressByStatus(ctx, store.ProgressInProgress)
	if err != nil {
		return fmt.Errorf("list in-progress files: %w", err)
	}

	if len(inProgress) > 0 && m.cfg.Queue != nil {
		for _, p := range inProgress {
			m.cfg.Queue.Add(p.FilePath, pipeline.PriorityHigh, true)
		}
		slog.Info("startup: resumed incomplete files", slog.Int("count", len(inProgress)))
	}

	if m.cfg.Repairer != nil {
		result, err := m.cfg.Repairer.Run(ctx, false)
		if err != nil {
			return fmt.Errorf("repair pass: %w", err)
		}
		if result.OrphansDeleted > 0 {
			slog.Info("startup: repaired index drift", slog.Int("orphans_deleted", result.OrphansDeleted))
		}
	}

	return nil
}

// postIndexingCheck re-runs the repair pass once startup reconciliation
// has settled, catching orphans the reconciliation pass itself created
// (e.g. files deleted from disk mid-startup).
func (m *Manager) postIndexingCheck(ctx context.Context) {
	if m.cfg.Repairer == nil {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	default:
	}

	result, err := m.cfg.Repairer.Run(ctx, false)
	if err != nil {
		slog.Warn("startup: post-indexing repair failed", slog.String("error", err.Error()))
		return
	}
	if result.OrphansDeleted > 0 {
		slog.Info("startup: post-indexing repair removed orphans", slog.Int("count", result.OrphansDeleted))
	}
}

// startWatcher starts the live watcher and its event-routing loop.
// Startup never blocks on this beyond WatcherStartupTimeout: the
// watcher is started in its own goroutine so a slow or failing fsnotify
// backend can't delay the MCP handshake.
func (m *Manager) startWatcher(ctx context.Context) {
	if m.cfg.Watcher == nil {
		return
	}

	started := make(chan error, 1)
	go func() {
		started <- m.cfg.Watcher.Start(ctx, m.cfg.RootPath)
	}()

	select {
	case err := <-started:
		if err != nil {
			slog.Warn("startup: watcher failed to start", slog.String("error", err.Error()))
			return
		}
	case <-time.After(m.cfg.WatcherStartupTimeout):
		slog.Warn("startup: watcher start exceeded timeout, continuing without blocking",
			slog.Duration("timeout", m.cfg.WatcherStartupTimeout))
	}

	go m.watchLoop(ctx)
}

// watchLoop routes batches of watcher events to either direct index
// updates or the validated ingestion queue. Deletes, renames, and
// gitignore/config changes go straight to the index coordinator, which
// already knows how to reconcile them against the metadata store;
// creates and modifications go through the priority queue so their
// content passes the validation chain before anything is indexed.
func (m *Manager) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case batch, ok := <-m.cfg.Watcher.Events():
			if !ok {
				return
			}
			m.routeEvents(ctx, batch)
		case err, ok := <-m.cfg.Watcher.Errors():
			if !ok {
				continue
			}
			slog.Warn("startup: watcher error", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) routeEvents(ctx context.Context, events []watcher.FileEvent) {
	var direct []watcher.FileEvent

	for _, ev := range events {
		switch ev.Operation {
		case watcher.OpCreate, watcher.OpModify:
			if m.cfg.Queue != nil {
				m.cfg.Queue.Add(ev.Path, pipeline.PriorityNormal, false)
				continue
			}
			direct = append(direct, ev)
		default:
			// Delete, Rename, GitignoreChange, ConfigChange: these
			// don't need security validation, only metadata/index
			// bookkeeping the coordinator already implements.
			direct = append(direct, ev)
		}
	}

	if len(direct) == 0 {
		return
	}
	if err := m.cfg.IndexCoordinator.HandleEvents(ctx, direct); err != nil {
		slog.Warn("startup: direct event handling failed", slog.String("error", err.Error()))
	}
}
