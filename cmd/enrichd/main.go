// enrichd — the enrichment engine server. Provides the HTTP API, runs
// the task queue workers, and hosts the enrichment pipelines.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/api"
	"github.com/leadfoundry/enrich/pkg/cache"
	"github.com/leadfoundry/enrich/pkg/callback"
	"github.com/leadfoundry/enrich/pkg/cleanup"
	"github.com/leadfoundry/enrich/pkg/columns"
	"github.com/leadfoundry/enrich/pkg/config"
	"github.com/leadfoundry/enrich/pkg/database"
	"github.com/leadfoundry/enrich/pkg/graph"
	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/orchestrator"
	"github.com/leadfoundry/enrich/pkg/queue"
	"github.com/leadfoundry/enrich/pkg/results"
	"github.com/leadfoundry/enrich/pkg/tasks"
	"github.com/leadfoundry/enrich/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting "+version.Full(),
		"pod_id", podID,
		"config_dir", *configDir,
		"port", cfg.Server.Port)

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	// 3. Metrics and caches
	m := metrics.New()
	httpClient := cache.NewHTTPClient()
	apiCache := cache.NewAPICache(db, httpClient, m)
	llmCache := cache.NewLLMCache(db, m)

	// 4. LLM service
	cfg.LLM.Retry = cfg.Retry.ToRetryConfig()
	providers := map[string]llm.Provider{
		"openai": llm.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, httpClient),
		"gemini": llm.NewGeminiProvider(cfg.Providers.GeminiAPIToken, httpClient),
	}
	llmService := llm.NewService(cfg.LLM, providers, llmCache, m)
	slog.Info("LLM service initialized", "default_model", cfg.LLM.DefaultModel)

	// 5. External API adapters
	jina := adapters.NewJinaClient(apiCache, cfg.Providers.JinaAPIToken)
	builtwith := adapters.NewBuiltWithClient(apiCache, cfg.Providers.BuiltWithAPIKey)
	proxycurl := adapters.NewProxycurlClient(apiCache, cfg.Providers.ProxycurlAPIKey)
	apify := adapters.NewApifyClient(apiCache, cfg.Providers.ApifyAPIToken, "")

	// 6. Result store and outbound callback client
	resultStore := results.NewStore(db, results.Config{
		EnableBatching: cfg.Results.BatchingEnabled(),
		BatchThreshold: cfg.Results.BatchThreshold,
		BatchSize:      cfg.Results.BatchSize,
		MaxConcurrent:  cfg.Results.MaxConcurrent,
	})
	emitter := callback.NewClient(cfg.Callback.Endpoint, httpClient,
		callback.WithAuthToken(cfg.Callback.AuthToken),
		callback.WithRetryConfig(cfg.Retry.ToRetryConfig()),
		callback.WithMetrics(m))

	// 7. Columns, dependency graph, orchestrator
	columnStore := columns.NewStore(db)
	graphService := graph.NewService(columnStore)
	taskStore := queue.NewTaskStore(db)
	orch := orchestrator.New(columnStore, graphService, taskStore)

	// 8. Enrichment pipelines
	dispatcher := tasks.NewDispatcher(m)
	dispatcher.Register(models.EnrichmentTypeCompanyInfo,
		tasks.NewAccountEnhancementTask(llmService, jina, jina, builtwith, proxycurl, resultStore, emitter, m))
	dispatcher.Register(models.EnrichmentTypeLeadLinkedInResearch,
		tasks.NewLinkedInActivityTask(llmService, apify, resultStore, emitter, m))
	dispatcher.Register(models.EnrichmentTypeCustomColumn,
		tasks.NewCustomColumnTask(llmService, columnStore, apify, emitter, m))

	// 9. One-time startup orphan recovery, then the worker pool
	if err := queue.RecoverStartupOrphans(ctx, taskStore, podID); err != nil {
		slog.Error("Failed to recover startup orphans", "error", err)
		// Non-fatal — continue
	}
	pool := queue.NewWorkerPool(podID, taskStore, &cfg.Queue, dispatcher)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 10. Inbound callback handler
	callbackHandler := callback.NewHandler(
		callback.NewPostgresStatusStore(db),
		callback.NewPostgresAccountStore(db),
		callback.NewPostgresLeadStore(db),
		orch)

	// 11. Retention sweeps
	cleaner := cleanup.NewService(&cfg.Cleanup, db)
	cleaner.Start(ctx)

	// 12. HTTP server
	server := api.NewServer(cfg.Server, dbClient, callbackHandler, taskStore, pool, pool, orch, m)
	if err := server.Start(); err != nil {
		slog.Error("Failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	slog.Info("enrichd started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 13. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 14. Graceful shutdown: workers first, then sweeps, then HTTP
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete tasks will be orphan-recovered")
	}

	cleaner.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
