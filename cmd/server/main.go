// Numismatch - Roman coin appraisal server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/numismatch/numismatch/internal/agent"
	"github.com/numismatch/numismatch/internal/api"
	"github.com/numismatch/numismatch/internal/config"
	"github.com/numismatch/numismatch/internal/identity"
	"github.com/numismatch/numismatch/internal/inference"
	"github.com/numismatch/numismatch/internal/middleware"
	"github.com/numismatch/numismatch/internal/pipeline"
	"github.com/numismatch/numismatch/internal/store"
	"github.com/numismatch/numismatch/internal/tools"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if cfg.Inference.APIKey == "" {
		slog.Error("GEMINI_API_KEY is required")
		os.Exit(1)
	}
	inferClient := inference.NewGemini(
		cfg.Inference.APIKey,
		cfg.Inference.BaseURL,
		cfg.Inference.FastModel,
		cfg.Inference.Timeout,
	)

	// Price-lookup tools are optional; the pipeline degrades without them.
	var providers []tools.Provider
	if cfg.Tools.PerplexityAPIKey != "" {
		providers = append(providers, tools.NewPerplexity(
			cfg.Tools.PerplexityAPIKey, cfg.Tools.PerplexityBaseURL, cfg.Tools.Timeout))
	}
	if cfg.Tools.WebSearchAPIKey != "" {
		providers = append(providers, tools.NewWebSearch(
			cfg.Tools.WebSearchAPIKey, cfg.Tools.WebSearchBaseURL, cfg.Tools.Timeout))
	}
	if len(providers) == 0 {
		slog.Warn("No price-lookup tools configured, appraisals will lack market data")
	}

	runner := pipeline.NewRunner(inferClient, cfg.Pipeline.StageRetries)
	orch := pipeline.NewOrchestrator(
		pipeline.NewTriageStage(inferClient, cfg.Inference.TriageModel),
		pipeline.NewIdentifierStage(runner, cfg.Inference.HeavyModel),
		pipeline.NewResearcherStage(runner, cfg.Inference.FastModel, providers, cfg.Tools.Timeout, logger),
		pipeline.NewValidatorStage(inferClient, cfg.Inference.FastModel, cfg.Pipeline.MaxValidationRetries, logger),
		pipeline.NewSummarizerStage(),
		cfg.Pipeline.MaxValidationRetries,
		logger,
	)

	reportLogger, err := agent.NewReportLogger(agent.ReportLogConfig{
		Enabled:       cfg.ReportLog.Enabled,
		Dir:           cfg.ReportLog.Dir,
		GlobalEnabled: cfg.ReportLog.GlobalEnabled,
		GlobalPath:    cfg.ReportLog.GlobalPath,
		QueueSize:     cfg.ReportLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize report logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := reportLogger.Close(); closeErr != nil {
			slog.Error("Failed to close report logger", "error", closeErr)
		}
	}()

	// Initialize services and handlers.
	svc := agent.NewService(repo, orch, reportLogger, cfg.Pipeline.HistoryTurns, logger)
	appraiseHandler := agent.NewHandler(svc, cfg)
	wsHandler := agent.NewWebSocketHandler(svc, appraiseHandler.Limiter(), cfg.FrontendURL, cfg.IsDevelopment())
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(corsOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Appraisal routes.
	appraiseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/appraise", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	// Keepalive comments are sent periodically to hold the connection.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartTTLWorker(ctx, repo, cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL != "" {
		return []string{cfg.FrontendURL}
	}
	return []string{"*"}
}
