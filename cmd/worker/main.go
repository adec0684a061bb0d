// Command worker runs the render pipeline: it leases jobs from the tier
// queues, executes the six pipeline stages, and publishes lifecycle events
// to Kafka for the ingress server to fan out.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/renderflow/internal/adapter/events/redpanda"
	"github.com/fairyhunter13/renderflow/internal/adapter/ledger/redisledger"
	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/renderflow/internal/adapter/render"
	"github.com/fairyhunter13/renderflow/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/renderflow/internal/adapter/storage/objstore"
	"github.com/fairyhunter13/renderflow/internal/app"
	"github.com/fairyhunter13/renderflow/internal/config"
	"github.com/fairyhunter13/renderflow/internal/domain"
	"github.com/fairyhunter13/renderflow/internal/pipeline"
	"github.com/fairyhunter13/renderflow/internal/usecase"
)

// stubCommand selects the in-process stub toolchain, used in environments
// without a node toolchain.
const stubCommand = "stub"

func buildBundler(cfg config.Config) domain.Bundler {
	if cfg.IsTest() || cfg.BundlerCommand == stubCommand {
		return &render.StubBundler{}
	}
	return render.NewCLIBundler(cfg.BundlerCommand)
}

func buildRenderer(cfg config.Config) domain.Renderer {
	if cfg.IsTest() || cfg.RendererCommand == stubCommand {
		return &render.StubRenderer{}
	}
	return render.NewCLIRenderer(cfg.RendererCommand)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	tierQueue, rdb, err := redisq.NewFromURL(cfg.RedisURL, cfg.VisibilityTimeout)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	ledger := redisledger.New(rdb)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	storage := objstore.New(cfg)

	executor := &pipeline.Executor{
		Store:      jobRepo,
		Bus:        producer,
		Fetcher:    render.NewHTTPFetcher(),
		Workspaces: render.NewWorkspaceManager(cfg.WorkDir, cfg.InstallTimeout),
		Bundler:    buildBundler(cfg),
		Renderer:   buildRenderer(cfg),
		Storage:    storage,
		JobTimeout: cfg.JobTimeout,
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	runner := &pipeline.Runner{
		Queue:        tierQueue,
		Store:        jobRepo,
		Bus:          producer,
		Exec:         executor,
		Failures:     usecase.NewRetryCoordinator(jobRepo, tierQueue, ledger, producer),
		WorkerID:     hostname,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: time.Second,
	}

	health := app.NewWorkerHealth(runner)
	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	healthSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker health server starting", slog.Int("port", cfg.HealthPort))
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", slog.Any("error", err))
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := runner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("runner stopped", slog.Any("error", err))
		}
	}()
	health.SetReady(true)
	slog.Info("worker started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("worker_id", hostname))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	health.SetReady(false)
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
