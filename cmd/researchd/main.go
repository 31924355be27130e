// Researchd is the query-processing daemon for the research pipeline.
//
// This binary starts the HTTP API with full service initialization:
// vector store, document store, trace store, web-search providers, the
// completion client, and the six-stage pipeline engine.
//
// Configuration is loaded from a YAML file plus environment variables.
// See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	researchd
//
//	# Start with a config file
//	researchd --config ~/.config/researchd/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 LLM_PROVIDER=openai researchd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/docstore"
	"github.com/fyrsmithlabs/researchd/internal/httpapi"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/retrieval"
	"github.com/fyrsmithlabs/researchd/internal/telemetry"
	"github.com/fyrsmithlabs/researchd/internal/trace"
	"github.com/fyrsmithlabs/researchd/internal/vectorstore"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  researchd           Start the researchd daemon\n")
			fmt.Fprintf(os.Stderr, "  researchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("researchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zlog := logger.Underlying()

	zlog.Info("starting researchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("llm", cfg.LLM.Provider))

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	deps, err := initDependencies(cfg, zlog)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	zlog.Info("dependencies initialized",
		zap.Bool("nats_publisher", deps.publisher != nil),
		zap.Bool("vectorstore_ready", deps.vec != nil))

	engine, err := initEngine(cfg, deps, zlog)
	if err != nil {
		return fmt.Errorf("initializing pipeline: %w", err)
	}

	srv, err := httpapi.NewServer(engine, deps.docs, deps.vec, deps.providers, zlog, httpapi.Config{
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogger builds the structured logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	return logging.NewLogger(logCfg)
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	vec        vectorstore.Store
	docs       *docstore.Store
	traceStore *trace.Store
	publisher  *trace.Publisher
	recorder   *trace.Recorder
	providers  *websearch.Registry
	completion pipeline.CompletionClient
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.publisher != nil {
		d.publisher.Close()
	}
	if d.traceStore != nil {
		_ = d.traceStore.Close()
	}
	if d.docs != nil {
		_ = d.docs.Close()
	}
	if d.vec != nil {
		_ = d.vec.Close()
	}
}

// initDependencies wires storage, search providers, and the completion
// client.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	embedder, err := vectorstore.NewEmbedder(vectorstore.EmbedderConfig{
		Provider:   cfg.Embeddings.Provider,
		BaseURL:    cfg.Embeddings.BaseURL,
		Model:      cfg.Embeddings.Model,
		APIKey:     cfg.Embeddings.APIKey.Value(),
		Dimensions: cfg.Embeddings.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	vec, err := vectorstore.NewStore(vectorstore.Config{
		Provider: cfg.VectorStore.Provider,
		Chromem: vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: cfg.VectorStore.Chromem.Collection,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			Collection: cfg.VectorStore.Qdrant.Collection,
			VectorSize: cfg.VectorStore.Qdrant.VectorSize,
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
		},
	}, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}

	docs, err := docstore.NewStore(cfg.Storage.DocumentDBPath, vec, docstore.Config{
		ChunkSize:    cfg.Storage.ChunkSize,
		ChunkOverlap: cfg.Storage.ChunkOverlap,
	}, logger)
	if err != nil {
		_ = vec.Close()
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	traceStore, err := trace.OpenStore(cfg.Storage.TraceDBPath)
	if err != nil {
		_ = docs.Close()
		_ = vec.Close()
		return nil, fmt.Errorf("opening trace store: %w", err)
	}

	var recorderOpts []trace.Option
	var publisher *trace.Publisher
	if cfg.NATS.Enabled {
		publisher, err = trace.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			// Live trace fan-out is optional; the daemon serves queries
			// without it.
			logger.Warn("nats publisher unavailable", zap.Error(err))
		} else {
			recorderOpts = append(recorderOpts, trace.WithSink(publisher.Sink()))
		}
	}
	recorder := trace.NewRecorder(logger, recorderOpts...)

	providers := websearch.NewRegistry(websearch.Config{
		Default:    cfg.WebSearch.Default,
		BingAPIKey: cfg.WebSearch.BingAPIKey.Value(),
		SerpAPIKey: cfg.WebSearch.SerpAPIKey.Value(),
		Timeout:    cfg.WebSearch.Timeout,
	})

	completion, err := llm.New(llm.Config{
		Provider:    cfg.LLM.Provider,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey.Value(),
		Temperature: cfg.LLM.Temperature,
	}, logger)
	if err != nil {
		_ = traceStore.Close()
		_ = docs.Close()
		_ = vec.Close()
		return nil, fmt.Errorf("creating completion client: %w", err)
	}

	return &dependencies{
		vec:        vec,
		docs:       docs,
		traceStore: traceStore,
		publisher:  publisher,
		recorder:   recorder,
		providers:  providers,
		completion: completion,
	}, nil
}

// initEngine assembles the six pipeline stages and the engine.
func initEngine(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*pipeline.Engine, error) {
	search := retrieval.NewService(deps.vec, deps.providers, retrieval.Config{}, logger)

	stages := pipeline.Stages{
		Planner:   pipeline.NewPlanner(pipeline.PlannerConfig{}),
		Retriever: pipeline.NewRetriever(search, pipeline.RetrieverConfig{
			MaxExpansions: cfg.Pipeline.MaxRetrievalExpansions,
		}, logger),
		Writer:    pipeline.NewWriter(deps.completion, pipeline.WriterConfig{}),
		Critic:    pipeline.NewCritic(pipeline.CriticConfig{}),
		Verifier: pipeline.NewVerifier(pipeline.VerifierConfig{
			MaxRewrites: cfg.Pipeline.MaxRewrites,
		}),
		RedTeam: pipeline.NewRedTeam(pipeline.RedTeamConfig{
			MaxRewrites: cfg.Pipeline.MaxRewrites,
		}),
	}

	engine := pipeline.NewEngine(pipeline.Config{
		MaxRetrievalExpansions: cfg.Pipeline.MaxRetrievalExpansions,
		MaxRewrites:            cfg.Pipeline.MaxRewrites,
		StageTimeout:           cfg.Pipeline.StageTimeout,
		ProviderRetries:        cfg.Pipeline.ProviderRetries,
		ConfidenceThreshold:    cfg.Pipeline.ConfidenceThreshold,
		CompletionRPS:          cfg.Pipeline.CompletionRPS,
	}, stages, deps.recorder, deps.traceStore, logger)

	return engine, nil
}
