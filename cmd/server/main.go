// Command server starts the RenderFlow ingress API: admission, cancellation,
// status, queue counts, and the realtime event stream.
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
	"time"

	"github.com/fairyhunter13/renderflow/internal/adapter/events"
	"github.com/fairyhunter13/renderflow/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/renderflow/internal/adapter/httpserver"
	"github.com/fairyhunter13/renderflow/internal/adapter/ledger/redisledger"
	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/renderflow/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/renderflow/internal/adapter/storage/objstore"
	"github.com/fairyhunter13/renderflow/internal/app"
	"github.com/fairyhunter13/renderflow/internal/config"
	"github.com/fairyhunter13/renderflow/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "server")
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if cfg.IsDev() || cfg.IsTest() {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			slog.Error("schema bootstrap failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	jobRepo := postgres.NewJobRepo(pool)

	// Infra: Redis (tier queues + credit ledger)
	tierQueue, rdb, err := redisq.NewFromURL(cfg.RedisURL, cfg.VisibilityTimeout)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	ledger := redisledger.New(rdb)

	// Realtime fan-out: workers publish to Kafka, the consumer feeds the hub.
	hub := events.NewHub()
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "renderflow-server", hub)
	if err != nil {
		slog.Error("redpanda consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := consumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("events consumer stopped", slog.Any("error", err))
		}
	}()

	// Usecases. Ingress-side events go straight to the local hub.
	submitSvc := usecase.NewSubmitService(jobRepo, tierQueue, ledger, hub, nil)
	cancelSvc := usecase.NewCancelService(jobRepo, tierQueue, ledger, hub)
	statusSvc := usecase.NewStatusService(jobRepo, tierQueue)

	// Reaper: stale processing jobs and orphaned queued jobs.
	retry := usecase.NewRetryCoordinator(jobRepo, tierQueue, ledger, hub)
	reaper := app.NewReaper(jobRepo, tierQueue, retry, cfg.JobTimeout, cfg.ReaperGrace, cfg.ReaperInterval)
	go reaper.Run(runCtx)

	dbCheck, redisCheck, storageCheck := app.BuildReadinessChecks(cfg, pool, rdb)

	srv := httpserver.NewServer(cfg, submitSvc, cancelSvc, statusSvc, hub)
	srv.Store = objstore.New(cfg)
	srv.DBCheck = dbCheck
	srv.RedisCheck = redisCheck
	srv.StorageCheck = storageCheck

	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// No write timeout: the events endpoint streams indefinitely.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
