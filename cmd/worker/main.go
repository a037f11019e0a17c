// Package main provides the guidance worker entry point. The worker consumes
// diagnostics change events, generates AI guidance and writes it back to
// PostgreSQL.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinalyze/diag-guidance/internal/adapter/ai/gemini"
	"github.com/clinalyze/diag-guidance/internal/adapter/observability"
	"github.com/clinalyze/diag-guidance/internal/adapter/queue/kafka"
	"github.com/clinalyze/diag-guidance/internal/adapter/repo/postgres"
	"github.com/clinalyze/diag-guidance/internal/adapter/retrieval"
	qdrantcli "github.com/clinalyze/diag-guidance/internal/adapter/vector/qdrant"
	"github.com/clinalyze/diag-guidance/internal/app"
	"github.com/clinalyze/diag-guidance/internal/config"
	"github.com/clinalyze/diag-guidance/internal/monitoring"
	"github.com/clinalyze/diag-guidance/internal/security"
)

const promptConfigPath = "configs/prompt/guidance.yaml"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting guidance worker", slog.String("env", cfg.AppEnv))

	// Operational surface: liveness, readiness, metrics.
	monitor := monitoring.NewMonitor(cfg.HealthSampleInterval)
	go monitor.Run(ctx)
	go func() {
		if err := app.ServeHealth(ctx, cfg.HealthPort, app.NewHealthRouter(monitor)); err != nil {
			slog.Error("health server error", slog.Any("error", err))
		}
	}()

	probeBrokers(cfg.KafkaBrokers)

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Ping(ctx, pool); err != nil {
		slog.Error("database ping failed", slog.Any("error", err))
		os.Exit(1)
	}
	diagRepo := postgres.NewDiagnosticsRepo(pool, cfg)

	// Retrieval. A missing collection is created empty so searches answer
	// with no hits instead of tripping the breaker; a vector store that is
	// down entirely only degrades context, never startup.
	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	if exists, err := qcli.CollectionExists(ctx, cfg.RetrievalCollection); err != nil {
		slog.Warn("vector store unreachable at startup, retrieval will degrade",
			slog.Any("error", err))
	} else if !exists {
		slog.Warn("retrieval collection missing, creating it empty",
			slog.String("collection", cfg.RetrievalCollection))
		if err := qcli.EnsureCollection(ctx, cfg.RetrievalCollection, cfg.RetrievalVectorSize, "Cosine"); err != nil {
			slog.Warn("creating retrieval collection failed, retrieval will degrade",
				slog.Any("error", err))
		}
	}

	authorize, err := gemini.NewAuthorizer(ctx, cfg)
	if err != nil {
		slog.Error("provider auth setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	embedder := gemini.NewEmbedder(cfg, authorize)
	provider := retrieval.NewProvider(cfg, embedder, qcli)

	prompts, err := config.LoadPromptConfig(promptConfigPath)
	if err != nil {
		slog.Warn("prompt config load failed, using defaults", slog.Any("error", err))
	}
	resolver := gemini.NewModelResolver(cfg, cfg.GeminiBaseURL, authorize)
	guidanceClient := gemini.NewClient(cfg, authorize, resolver, provider, prompts)

	dlq, err := kafka.NewDLQProducer(cfg)
	if err != nil {
		slog.Error("dead-letter producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dlq.Close()

	consumer, err := kafka.NewConsumer(cfg, guidanceClient, diagRepo, dlq, security.NewGate())
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer loop exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("guidance worker stopped")
}

// probeBrokers attempts a TCP dial against each seed broker so connectivity
// problems show up in the log at startup rather than as poll errors.
func probeBrokers(brokers []string) {
	for _, addr := range brokers {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			slog.Warn("kafka broker unreachable at startup",
				slog.String("broker", addr),
				slog.Any("error", err))
			continue
		}
		_ = conn.Close()
		slog.Info("kafka broker reachable", slog.String("broker", addr))
	}
}
