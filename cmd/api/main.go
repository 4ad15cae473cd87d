package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/api/handlers"
	"github.com/loomi/story-rag/internal/bootstrap"
	"github.com/loomi/story-rag/internal/generation"
	"github.com/loomi/story-rag/internal/llm"
	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/internal/middleware/ratelimit"
	"github.com/loomi/story-rag/internal/middleware/security"
	"github.com/loomi/story-rag/internal/middleware/validation"
	"github.com/loomi/story-rag/internal/research"
	"github.com/loomi/story-rag/internal/retrieval"
	"github.com/loomi/story-rag/internal/tracing"
	"github.com/loomi/story-rag/pkg/config"
	appLogger "github.com/loomi/story-rag/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(appLogger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Story RAG API Server")

	ctx := context.Background()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		appLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			appLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	metrics.Init()

	container, err := bootstrap.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer container.Close()

	retrieverCfg := retrieval.Config{
		Collections: cfg.Retrieval.Collections,
		Timeout:     cfg.Retrieval.Timeout(),
		CacheTTL:    time.Duration(cfg.Retrieval.CacheTTLSec) * time.Second,
	}
	if container.Graph != nil {
		retrieverCfg.Expander = container.Graph
	}
	retriever := retrieval.New(container.Manager, retrieverCfg)

	completer, err := llm.NewCompleter(ctx, cfg.LLM)
	if err != nil {
		appLogger.Fatal("Failed to create LLM client", zap.Error(err))
	}
	generator := generation.New(completer, retriever, generation.Config{SystemPrompt: cfg.LLM.SystemPrompt})

	collectorCfg := research.Config{
		OutputDir: cfg.Research.OutputDir,
		Publisher: container.Publisher,
	}
	if cfg.Research.SessionLogEnabled && container.SQLite != nil {
		collectorCfg.Log = research.NewSQLiteLog(container.SQLite)
	}
	collector := research.NewCollector(collectorCfg)
	if _, err := collector.Restore(ctx); err != nil {
		appLogger.Warn("Failed to restore research sessions", zap.Error(err))
	}
	runner := research.NewRunner(generator, collector)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(otelfiber.Middleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.MaxRequestsPerMinute,
		WindowDuration:       time.Minute,
		Costs:                map[string]int{"/compare": 2},
	})
	defer limiter.Stop()

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1/rag", limiter.Middleware(), validation.Middleware(validation.Config{
		MaxRequestLength:    5000,
		MaxDocumentSize:     cfg.Server.BodyLimit,
		AllowedContentTypes: []string{fiber.MIMEApplicationJSON},
		Logger:              appLogger.Named("validation"),
	}))

	handlers.Register(api, handlers.Handlers{
		RAG:         handlers.NewRAGHandler(generator, runner, retriever, cfg.Retrieval.NResults),
		Research:    handlers.NewResearchHandler(collector),
		Collections: handlers.NewCollectionHandler(container.Manager),
		Health:      handlers.NewHealthHandler(container.Manager, collector, cfg.LLM.Provider),
		Stream:      handlers.NewWebSocketHandler(generator),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Strings("collections", retriever.Collections()),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}
