package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gautema/runlater/config"
	"github.com/gautema/runlater/internal/cleanup"
	"github.com/gautema/runlater/internal/counter"
	"github.com/gautema/runlater/internal/email"
	"github.com/gautema/runlater/internal/health"
	"github.com/gautema/runlater/internal/hostblock"
	"github.com/gautema/runlater/internal/infrastructure/postgres"
	ctxlog "github.com/gautema/runlater/internal/log"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/monitorcheck"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/scheduler"
	"github.com/gautema/runlater/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, "runlater-worker")
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		stop()
		log.Fatalf("migrate: %v", err)
	}

	logger.Info("db connected")

	metrics.Register()
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer, map[string]health.Pinger{"postgres": pool})

	orgRepo := postgres.NewOrganizationRepository(pool)
	monitorRepo := postgres.NewMonitorRepository(pool)
	execRepo := postgres.NewExecutionRepository(pool)
	emailLogRepo := postgres.NewEmailLogRepository(pool)
	schedStore := postgres.NewSchedulerStore(pool, logger)
	counterStore := postgres.NewCounterStore(pool)
	cleanupStore := postgres.NewCleanupStore(pool)

	bus := postgres.NewBus(pool, logger)

	sender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	events := notifier.New(sender, emailLogRepo, logger)

	blocker := hostblock.New(logger)
	go blocker.Run(ctx)

	usageCounter := counter.New(counterStore, logger)

	// The counter and the pool are drained on shutdown: the counter
	// flushes buffered increments, the pool waits out in-flight
	// deliveries.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		usageCounter.Run(ctx)
	}()

	sched := scheduler.New(schedStore, events, logger)
	sched.Wake = bus.Subscribe(ctx, postgres.ChannelSchedulerWake)
	sched.WakeWorkers = func(ctx context.Context) { bus.Notify(ctx, postgres.ChannelWorkerWake) }
	go sched.Start(ctx)

	workers := worker.NewPool(execRepo, blocker, usageCounter, events, logger)
	workers.Wake = bus.Subscribe(ctx, postgres.ChannelWorkerWake)
	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Start(ctx)
	}()

	mon := monitorcheck.NewChecker(monitorRepo, orgRepo, events, logger)
	go mon.Start(ctx)

	cleaner := cleanup.New(cleanupStore, execRepo, logger)
	go cleaner.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
