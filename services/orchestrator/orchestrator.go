// Package orchestrator assembles the subchat service: telemetry, the
// shared LM pool, the conversation forest, the Weaviate archive and the
// HTTP surface, wired in dependency order.
//
// The archive is optional. When WEAVIATE_SERVICE_URL is unset or the
// cluster is unreachable the service comes up in lightweight mode:
// conversations, streaming and summarization all work, but turns are
// not indexed and retrieval is disabled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/moonmehedi/subchat/services/llm"
	"github.com/moonmehedi/subchat/services/orchestrator/config"
	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
	"github.com/moonmehedi/subchat/services/orchestrator/observability"
	"github.com/moonmehedi/subchat/services/orchestrator/routes"
	"github.com/moonmehedi/subchat/services/orchestrator/services"
	"github.com/moonmehedi/subchat/services/orchestrator/telemetry"
)

// Service is the handle main holds: serve until the context ends, and
// reach the router from integration tests.
type Service interface {
	// Run serves HTTP until ctx is canceled or the listener fails,
	// then releases resources. In-flight requests get a five second
	// drain window.
	Run(ctx context.Context) error

	// Router exposes the configured engine for tests.
	Router() *gin.Engine
}

type service struct {
	settings *config.Settings
	router   *gin.Engine

	forest      *conversation.Forest
	snapshots   *conversation.SnapshotStore
	summarizer  *conversation.Summarizer
	chatService *services.ChatService

	llmPool        *llm.Pool
	weaviateClient *weaviate.Client
	archive        *memory.Archive
	retriever      *memory.Retriever

	watcher           *config.Watcher
	telemetryShutdown func(context.Context) error
}

var _ Service = (*service)(nil)

// New builds the service from settings. configPath, when non-empty,
// names the YAML settings file to watch for runtime tunable changes;
// startup-only keys in that file are ignored on reload.
//
// A nil settings falls back to the environment.
func New(settings *config.Settings, configPath string) (Service, error) {
	if settings == nil {
		settings = config.FromEnv()
	}
	s := &service{settings: settings}

	if err := s.initTelemetry(); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	observability.InitMetrics()

	if err := s.initLLM(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LM client: %w", err)
	}

	// Not fatal: the chat pipeline works without long-term memory.
	if err := s.initArchive(); err != nil {
		slog.Warn("Archive initialization failed, running in lightweight mode",
			"error", err)
	}

	if err := s.initConversation(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize conversation state: %w", err)
	}

	s.initChatService()

	if configPath != "" {
		if err := s.initWatcher(configPath); err != nil {
			slog.Warn("Config watcher failed to start, runtime tuning disabled",
				"path", configPath,
				"error", err)
		}
	}

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// listener fails. Shutdown drains in-flight requests, then cleanup
// saves the forest snapshot and flushes telemetry.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:    s.settings.Addr(),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down subchat orchestrator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Starting subchat orchestrator",
		"addr", s.settings.Addr(),
		"backend", s.settings.LLMBackend,
		"archive", s.archive != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the underlying engine for integration tests. Routes
// are fixed after New.
func (s *service) Router() *gin.Engine {
	return s.router
}

// initTelemetry installs the tracer and meter providers per settings.
func (s *service) initTelemetry() error {
	cfg := telemetry.DefaultConfig()
	cfg.TraceExporter = s.settings.TraceExporter
	cfg.MetricExporter = s.settings.MetricExporter
	if s.settings.Environment != "" {
		cfg.Environment = s.settings.Environment
	}
	if s.settings.OTelEndpoint != "" {
		cfg.OTLPEndpoint = s.settings.OTelEndpoint
	}

	shutdown, err := telemetry.Init(context.Background(), cfg)
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown
	return nil
}

// initLLM builds the backend client and wraps it in the shared pool.
// Every LM call in the service, chat turns and auxiliary work alike,
// goes through this one pool so LM_POOL_SIZE bounds total concurrency.
func (s *service) initLLM() error {
	var (
		client llm.LLMClient
		err    error
	)
	switch s.settings.LLMBackend {
	case "openai", "groq":
		client, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI-compatible LM backend", "backend", s.settings.LLMBackend)
	case "ollama":
		client, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LM backend")
	case "echo":
		client = llm.NewEchoClient()
	default:
		slog.Warn("Unknown LM backend, defaulting to echo", "backend", s.settings.LLMBackend)
		client = llm.NewEchoClient()
	}
	if err != nil {
		return err
	}

	s.llmPool = llm.NewPool(client, llm.PoolConfig{
		Size:          int64(s.settings.LMPoolSize),
		RatePerSecond: s.settings.LMRateLimitRPS,
		CallTimeout:   time.Duration(s.settings.LMTimeoutSeconds) * time.Second,
	})
	return nil
}

// initArchive connects to Weaviate and bootstraps the archive class.
// Errors are reported to the caller, which degrades to lightweight mode
// rather than failing startup.
func (s *service) initArchive() error {
	weaviateURL := strings.Trim(s.settings.WeaviateURL, "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, running in lightweight mode")
		return nil
	}

	parsed, err := url.Parse(weaviateURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	embedder := s.pickEmbedder()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := datatypes.EnsureArchiveSchema(ctx, client, embedder.Model(), embedder.Dim()); err != nil {
		return fmt.Errorf("archive schema bootstrap: %w", err)
	}

	s.weaviateClient = client
	s.archive = memory.NewArchive(client, embedder, memory.DefaultArchiveConfig())
	slog.Info("Connected the conversation archive",
		"url", weaviateURL,
		"embedding_model", embedder.Model(),
		"embedding_dim", embedder.Dim())
	return nil
}

// pickEmbedder selects the embedding client. The sidecar wins when
// EMBEDDING_SERVICE_URL is set; an OpenAI-compatible backend tries the
// provider's embedding endpoint; everything else, and any constructor
// failure, lands on the deterministic hash embedder so the archive
// still functions.
func (s *service) pickEmbedder() memory.Embedder {
	if s.settings.EmbeddingServiceURL != "" {
		return memory.NewServiceEmbedder(s.settings.EmbeddingModel, 0)
	}
	if s.settings.LLMBackend == "openai" || s.settings.LLMBackend == "groq" {
		embedder, err := llm.NewOpenAIEmbedder(s.settings.EmbeddingModel)
		if err == nil {
			return embedder
		}
		slog.Warn("Provider embedder unavailable, falling back to hash embedder",
			"error", err)
	}
	return memory.NewHashEmbedder(0)
}

// initConversation creates the forest and, when snapshots are enabled,
// restores the previous run's state from <ArchivePath>/forest.
func (s *service) initConversation() error {
	s.forest = conversation.NewForest(s.settings.BufferMaxTurns)
	if !s.settings.SnapshotEnabled {
		return nil
	}

	store, err := conversation.OpenSnapshotStore(filepath.Join(s.settings.ArchivePath, "forest"))
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	s.snapshots = store

	n, err := store.Load(s.forest)
	if err != nil {
		slog.Warn("Forest snapshot load failed, starting empty", "error", err)
		return nil
	}
	if n > 0 {
		slog.Info("Restored conversation forest from snapshot", "nodes", n)
	}
	return nil
}

// initChatService wires the turn pipeline. Retrieval components exist
// only when the archive came up; the summarizer always runs.
func (s *service) initChatService() {
	summarizerCfg := conversation.DefaultSummarizerConfig()
	summarizerCfg.StartThreshold = s.settings.SummarizationStartThreshold
	summarizerCfg.Interval = s.settings.SummarizationInterval
	s.summarizer = conversation.NewSummarizer(s.generateFunc(""), summarizerCfg)

	var (
		assembler *services.Assembler
		indexer   services.TurnIndexer
	)
	if s.archive != nil {
		decomposer := memory.NewDecomposer(
			s.generateFunc(s.settings.LMModelDecomposition),
			memory.DefaultDecomposerConfig(),
		)

		retrieverCfg := memory.DefaultRetrieverConfig()
		retrieverCfg.TopK = s.settings.RetrievalTopK
		retrieverCfg.WindowSeconds = s.settings.RetrievalWindowSeconds
		s.retriever = memory.NewRetriever(s.archive, retrieverCfg)

		assembler = services.NewAssembler(decomposer, s.retriever)
		indexer = s.archive
	}

	chatCfg := services.DefaultChatConfig()
	chatCfg.RetrievalEnabledDefault = s.settings.RetrievalEnabledDefault
	if s.settings.LMModelPrimary != "" {
		chatCfg.ModelLabel = s.settings.LMModelPrimary
	}

	s.chatService = services.NewChatService(s.forest, s.llmPool, assembler, indexer, s.summarizer, chatCfg)
}

// generateFunc adapts the pool to the prompt-in, text-out contract the
// summarizer and decomposer share. A non-empty model overrides the
// primary model for those calls only; the pool still bounds them.
func (s *service) generateFunc(model string) func(context.Context, string, int) (string, error) {
	return func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		params := llm.GenerationParams{Model: model}
		if maxTokens > 0 {
			params.MaxTokens = &maxTokens
		}
		return s.llmPool.Generate(ctx, prompt, params)
	}
}

// initWatcher starts the settings-file watcher that applies runtime
// tunables to the live pipeline.
func (s *service) initWatcher(path string) error {
	w, err := config.NewWatcher(path, s.settings.Tunables(), s.applyTunables)
	if err != nil {
		return err
	}
	s.watcher = w
	go w.Start(context.Background())
	return nil
}

// applyTunables pushes a reloaded tunable snapshot into the running
// components. Fields outside Tunables keep their startup values.
func (s *service) applyTunables(t config.Tunables) {
	if s.retriever != nil {
		cfg := s.retriever.Config()
		cfg.TopK = t.RetrievalTopK
		cfg.WindowSeconds = t.RetrievalWindowSeconds
		s.retriever.Reconfigure(cfg)
	}
	if s.summarizer != nil {
		cfg := s.summarizer.Config()
		cfg.StartThreshold = t.SummarizationStartThreshold
		cfg.Interval = t.SummarizationInterval
		s.summarizer.Reconfigure(cfg)
	}
	s.chatService.SetRetrievalDefault(t.RetrievalEnabledDefault)
}

// initRouter builds the engine and registers every route.
func (s *service) initRouter() {
	if s.settings.GinMode != "" {
		gin.SetMode(s.settings.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("subchat-orchestrator"))

	routes.SetupRoutes(s.router, s.forest, s.chatService, s.archive)
}

// cleanup releases resources in reverse construction order. The final
// forest snapshot is taken here so a restart resumes mid-conversation.
func (s *service) cleanup() {
	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.snapshots != nil {
		if err := s.snapshots.Save(s.forest); err != nil {
			slog.Warn("Forest snapshot save failed", "error", err)
		} else {
			slog.Info("Saved conversation forest snapshot", "path", s.snapshots.Path())
		}
		if err := s.snapshots.Close(); err != nil {
			slog.Warn("Snapshot store close error", "error", err)
		}
	}

	if s.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetryShutdown(ctx); err != nil {
			slog.Warn("Telemetry shutdown error", "error", err)
		}
	}
}
