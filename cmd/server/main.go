// Command server starts the outbox ops API: event intake, inspection,
// stats, and dead-letter redrive. It shares the database with the relay but
// never publishes; delivery is the relay's job.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpserver "github.com/fairyhunter13/outbox-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/adapter/publisher/kafka"
	"github.com/fairyhunter13/outbox-relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/outbox-relay/internal/app"
	"github.com/fairyhunter13/outbox-relay/internal/config"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
	"github.com/fairyhunter13/outbox-relay/internal/usecase"
)

const (
	exitConfig    = 1
	exitBootstrap = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(exitConfig)
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

	ctx := context.Background()
	pool, err := postgres.NewPoolWithRetry(ctx, cfg.DBURL, cfg.DBConnectMaxElapsed)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(exitBootstrap)
	}
	defer pool.Close()

	repo := postgres.NewOutboxRepo(pool)
	limiter := usecase.NewBacklogLimiter(repo, cfg)

	var announcer usecase.Announcer
	channel := ""
	if cfg.ListenEnabled {
		announcer = repo
		channel = cfg.ListenChannel
	}
	producer := usecase.NewProducerService(repo, limiter, announcer, channel, cfg.MaxRetries)

	// Optional broker connection, used only for health reporting. The API
	// stays up without it.
	var pub domain.Publisher
	if !cfg.PublisherDisabled {
		routing, err := config.LoadTopicRouting(cfg.TopicRoutingFile, cfg.KafkaTopic)
		if err != nil {
			slog.Error("topic routing load failed", slog.Any("error", err))
			os.Exit(exitConfig)
		}
		kafkaPub, err := kafka.NewPublisher(cfg.KafkaBrokers, routing)
		if err != nil {
			slog.Warn("kafka connection failed; health reports will omit the broker", slog.Any("error", err))
		} else {
			pub = kafkaPub
			defer kafkaPub.Close()
		}
	}

	stats := &usecase.StatsService{Repo: repo}
	health := usecase.NewHealthEvaluator(repo, pub, limiter, cfg)
	srv := httpserver.NewServer(producer, repo, stats, health)

	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go cleanup.RunPeriodic(cleanupCtx, cfg.CleanupInterval)

	poller := &app.MetricsPoller{Stats: stats, Limiter: limiter, Interval: cfg.MetricsScrapeInterval}
	go poller.Run(cleanupCtx)

	ready := &app.ReadinessChecker{DB: pool, Publisher: pub}
	handler := app.BuildRouter(cfg, srv, ready)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
			os.Exit(exitBootstrap)
		}
	}

	cancelCleanup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
		return
	}
	slog.Info("server stopped cleanly")
}
