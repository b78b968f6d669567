// Command relay runs the outbox relay worker: it claims ready events from
// the outbox table, publishes them to Kafka, and finalizes each row. The
// lease reaper, retention cleanup, and a metrics endpoint run alongside.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/adapter/publisher/kafka"
	"github.com/fairyhunter13/outbox-relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/outbox-relay/internal/app"
	"github.com/fairyhunter13/outbox-relay/internal/config"
	"github.com/fairyhunter13/outbox-relay/internal/relay"
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

	slog.Info("starting relay", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPoolWithRetry(ctx, cfg.DBURL, cfg.DBConnectMaxElapsed)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(exitBootstrap)
	}
	defer pool.Close()

	repo := postgres.NewOutboxRepo(pool)

	if cfg.PublisherDisabled {
		slog.Error("relay requires a publisher; unset PUBLISHER_DISABLED")
		os.Exit(exitConfig)
	}
	routing, err := config.LoadTopicRouting(cfg.TopicRoutingFile, cfg.KafkaTopic)
	if err != nil {
		slog.Error("topic routing load failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}
	kafkaPub, err := kafka.NewPublisher(cfg.KafkaBrokers, routing)
	if err != nil {
		slog.Error("kafka publisher init failed", slog.Any("error", err))
		os.Exit(exitBootstrap)
	}
	defer kafkaPub.Close()
	pub := relay.NewBreakerPublisher(kafkaPub, 5, 10*time.Second)

	var wg sync.WaitGroup

	var wake <-chan struct{}
	if cfg.ListenEnabled {
		listener := postgres.NewListener(pool, cfg.ListenChannel)
		wake = listener.Wake
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener.Run(ctx)
		}()
	}

	worker := relay.NewWorker(repo, pub, cfg, wake)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	if cfg.ReaperEnabled {
		reaper := relay.NewReaper(repo, cfg.ReaperInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reaper.Run(ctx)
		}()
	}

	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	}()

	limiter := usecase.NewBacklogLimiter(repo, cfg)
	poller := &app.MetricsPoller{
		Stats:    &usecase.StatsService{Repo: repo},
		Limiter:  limiter,
		Interval: cfg.MetricsScrapeInterval,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	// Ops endpoint: metrics plus liveness and readiness
	ready := &app.ReadinessChecker{DB: pool, Publisher: pub}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", ready.Handler())
	opsSrv := &http.Server{
		Addr:              ":9090",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = opsSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("relay stopped cleanly")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, exiting with work in flight")
	}
}
