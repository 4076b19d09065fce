package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kbindex/ragkb/internal/chunk"
	"github.com/kbindex/ragkb/internal/config"
	"github.com/kbindex/ragkb/internal/embed"
	"github.com/kbindex/ragkb/internal/extract"
	"github.com/kbindex/ragkb/internal/graph"
	"github.com/kbindex/ragkb/internal/httpapi"
	"github.com/kbindex/ragkb/internal/index"
	"github.com/kbindex/ragkb/internal/logging"
	"github.com/kbindex/ragkb/internal/mcp"
	"github.com/kbindex/ragkb/internal/pipeline"
	"github.com/kbindex/ragkb/internal/quarantine"
	"github.com/kbindex/ragkb/internal/scanner"
	"github.com/kbindex/ragkb/internal/search"
	"github.com/kbindex/ragkb/internal/startup"
	"github.com/kbindex/ragkb/internal/store"
	"github.com/kbindex/ragkb/internal/telemetry"
	"github.com/kbindex/ragkb/internal/validate"
	"github.com/kbindex/ragkb/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var debug bool
	var transport string
	var session string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol server, exposing hybrid search
over the current project to AI coding assistants.

The stdio transport uses stdout EXCLUSIVELY for JSON-RPC.
All diagnostic output goes to the MCP-mode log file instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeWithSessionAndLevel(cmd.Context(), transport, 0, session, debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose debug logging to the MCP log file")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport to serve on (stdio or sse)")
	cmd.Flags().StringVar(&session, "session", "", "Named session to resume instead of the project's default index")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe rather than an
// interactive terminal. A terminal almost always means the user ran
// `ragkb serve` by hand instead of letting their MCP client launch it,
// which will hang waiting for JSON-RPC input that never arrives.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal, not a pipe: ragkb serve expects to be launched by an MCP client, not run directly")
	}
	return nil
}

// runServe starts the MCP server against the project found from the
// current working directory, using the project's default index.
func runServe(ctx context.Context, transport string, port int) error {
	return runServeWithSession(ctx, transport, port, "")
}

// runServeWithSession is the shared implementation behind both the bare
// `ragkb` smart default and `ragkb serve [--session=NAME]`. It wires the
// full dependency graph, starts the startup.Manager (resume, reconcile,
// watch), and blocks serving MCP until ctx is cancelled.
func runServeWithSession(ctx context.Context, transport string, port int, session string) error {
	return runServeWithSessionAndLevel(ctx, transport, port, session, false)
}

// runServeWithSessionAndLevel is runServeWithSession plus a verbose flag
// that widens the MCP-mode log file from info to debug level. Logging
// always stays file-only in MCP mode regardless of this flag; only the
// verbosity changes.
func runServeWithSessionAndLevel(ctx context.Context, transport string, port int, session string, debug bool) error {
	// stdout is reserved for JSON-RPC once stdio serving
	// begins. Every diagnostic goes to the MCP log file, never stdout or
	// stderr, from this point forward.
	level := "info"
	if debug {
		level = "debug"
	}
	cleanup, err := logging.SetupMCPModeWithLevel(level)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanup()

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin validation failed, MCP handshake may hang", slog.String("error", err.Error()))
		}
	}

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	dataDir := filepath.Join(root, ".ragkb")
	if session != "" {
		dataDir = filepath.Join(dataDir, "sessions", session)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := writeServePID(dataDir); err != nil {
		slog.Warn("failed to write serve.pid", slog.String("error", err.Error()))
	}
	defer func() { _ = os.Remove(filepath.Join(dataDir, "serve.pid")) }()

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
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

	embed.SetThermalConfig(embed.ThermalConfig{
		TimeoutProgression:     cfg.Embeddings.TimeoutProgression,
		RetryTimeoutMultiplier: cfg.Embeddings.RetryTimeoutMultiplier,
	})
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	var embedder embed.Embedder
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	if provider == embed.ProviderStatic {
		embedder = embed.NewStaticEmbedder768()
	} else {
		embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
		embedder, err = embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
		embedCancel()
		if err != nil {
			slog.Warn("embedder initialization failed, falling back to static embeddings", slog.String("error", err.Error()))
			embedder = embed.NewStaticEmbedder768()
		}
	}
	defer func() { _ = embedder.Close() }()

	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	engine, err := search.NewEngine(bm25, vector, embedder, metadata, search.EngineConfig{
		DefaultLimit:  cfg.Search.MaxResults,
		MaxLimit:      100,
		RRFConstant:   cfg.Search.RRFConstant,
		SearchTimeout: 5 * time.Second,
		DefaultWeights: search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		},
	}, search.WithMultiQuerySearch(search.NewCompoundDecomposer()))
	if err != nil {
		return fmt.Errorf("failed to build search engine: %w", err)
	}

	projectID := root

	sc, err := scanner.New()
	if err != nil {
		slog.Warn("failed to create scanner, incremental reconciliation disabled", slog.String("error", err.Error()))
	}

	indexCoordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       projectID,
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          engine,
		Metadata:        metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         sc,
		ExcludePatterns: cfg.Paths.Exclude,
	})

	repairer := index.NewRepairer(metadata, bm25, vector, embedder)

	mgrCfg := startup.Config{
		ProjectID:        projectID,
		RootPath:         root,
		DataDir:          dataDir,
		Metadata:         metadata,
		Vector:           vector,
		BM25:             bm25,
		Scanner:          sc,
		IndexCoordinator: indexCoordinator,
		Repairer:         repairer,
	}

	if watcherTimeout, perr := time.ParseDuration(cfg.Watcher.StartupTimeout); perr == nil {
		mgrCfg.WatcherStartupTimeout = watcherTimeout
	}

	if cfg.Watcher.Enabled {
		watcherOpts := defaultWatcherOptions(cfg)
		w, werr := buildWatcher(watcherOpts)
		if werr != nil {
			slog.Warn("failed to construct file watcher, continuing without live updates", slog.String("error", werr.Error()))
		} else {
			mgrCfg.Watcher = w
		}
	}

	var queue *pipeline.Queue
	if mgrCfg.Watcher != nil || needsInitialIngestion(ctx, metadata) {
		queue = pipeline.New()
		mgrCfg.Queue = queue

		chain := validate.NewChain(
			validate.DefaultChain(cfg.Validation.MaxFileSizeMB, cfg.Validation.WarnFileSizeMB),
			metadata,
			slog.Default(),
		)
		qm := quarantine.NewManager(dataDir)

		var graphBuilder *graph.Builder
		var graphSearch *graph.NodeSearch
		if cfg.Graph.Enabled {
			notes := graph.NewNoteIndex()
			graphBuilder = graph.NewBuilder(metadata, notes)
			if ns, gerr := graph.NewNodeSearch(); gerr == nil {
				graphSearch = ns
				graphBuilder = graphBuilder.WithSearch(ns)
			}
		}

		mgrCfg.Pipeline = pipeline.NewCoordinator(pipeline.CoordinatorConfig{
			ProjectID:   projectID,
			Queue:       queue,
			Chain:       chain,
			Quarantine:  qm,
			Extractors:  extract.NewRegistry(nil, nil),
			Chunkers:    chunk.NewFactory(nil, nil, nil),
			Embedder:    embedder,
			BM25:        bm25,
			Vector:      vector,
			Metadata:    metadata,
			Graph:       graphBuilder,
			GraphSearch: graphSearch,
		})
	}

	manager, err := startup.NewManager(mgrCfg)
	if err != nil {
		return fmt.Errorf("failed to build startup manager: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		slog.Warn("startup manager reported an error", slog.String("error", err.Error()))
	}
	defer manager.Stop()

	mcpServer, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to build MCP server: %w", err)
	}
	mcpServer.SetMetrics(telemetry.NewQueryMetrics(nil))
	defer func() { _ = mcpServer.Close() }()

	if cfg.HTTP.Enabled {
		httpServer, herr := httpapi.NewServer(httpapi.Config{
			ProjectID:          projectID,
			RootPath:           root,
			Engine:             engine,
			Metadata:           metadata,
			Scanner:            sc,
			Queue:              queue,
			Pipeline:           mgrCfg.Pipeline,
			Checker:            index.NewConsistencyChecker(metadata, bm25, vector),
			Repairer:           repairer,
			HNSWRebuilder:      index.NewHNSWRebuilder(metadata, vector),
			FTSRebuilder:       index.NewFTSRebuilder(metadata, bm25),
			EmbeddingRebuilder: index.NewEmbeddingRebuilder(metadata, vector, embedder),
			PartialRebuilder:   index.NewPartialRebuilder(metadata, vector, embedder),
		})
		if herr != nil {
			slog.Warn("failed to build HTTP API server, continuing without it", slog.String("error", herr.Error()))
		} else {
			go func() {
				if serr := httpServer.ListenAndServe(ctx, cfg.HTTP.Addr); serr != nil && !errors.Is(serr, context.Canceled) {
					slog.Warn("HTTP API server stopped with error", slog.String("error", serr.Error()))
				}
			}()
		}
	}

	addr := ""
	if port != 0 {
		addr = fmt.Sprintf(":%d", port)
	}
	return mcpServer.Serve(ctx, transport, addr)
}

// needsInitialIngestion reports whether the pipeline queue should be
// built even without a live watcher, so orphaned/rejected files queued
// by a previous run still get picked up once a worker pool exists.
func needsInitialIngestion(ctx context.Context, metadata store.MetadataStore) bool {
	pending, err := metadata.ListProgressByStatus(ctx, store.ProgressInProgress)
	if err != nil {
		return false
	}
	return len(pending) > 0
}

// defaultWatcherOptions builds watcher.Options from the loaded config,
// falling back to watcher.DefaultOptions for any duration that fails to
// parse.
func defaultWatcherOptions(cfg *config.Config) watcher.Options {
	opts := watcher.DefaultOptions()
	if d, err := time.ParseDuration(cfg.Watcher.DebounceWindow); err == nil {
		opts.DebounceWindow = d
	}
	if d, err := time.ParseDuration(cfg.Watcher.PollInterval); err == nil {
		opts.PollInterval = d
	}
	return opts
}

// buildWatcher constructs the live filesystem watcher. Kept as its own
// function so startup failures are isolated from the rest of dependency
// construction: a watcher that can't start should never take down serve.
func buildWatcher(opts watcher.Options) (*watcher.HybridWatcher, error) {
	return watcher.NewHybridWatcher(opts)
}

func writeServePID(dataDir string) error {
	pidPath := filepath.Join(dataDir, "serve.pid")
	if pidData, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, scanErr := fmt.Sscanf(string(pidData), "%d", &pid); scanErr == nil && pid > 0 {
			if process, findErr := os.FindProcess(pid); findErr == nil {
				if sigErr := process.Signal(syscall.Signal(0)); sigErr != nil {
					_ = os.Remove(pidPath)
				}
			}
		}
	}
	return os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}
