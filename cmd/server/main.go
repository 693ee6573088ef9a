package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gautema/runlater/config"
	"github.com/gautema/runlater/internal/email"
	"github.com/gautema/runlater/internal/health"
	"github.com/gautema/runlater/internal/inbound"
	"github.com/gautema/runlater/internal/infrastructure/postgres"
	ctxlog "github.com/gautema/runlater/internal/log"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/monitorcheck"
	"github.com/gautema/runlater/internal/notifier"
	httptransport "github.com/gautema/runlater/internal/transport/http"
	"github.com/gautema/runlater/internal/transport/http/handler"
	"github.com/gautema/runlater/internal/urlguard"
	"github.com/gautema/runlater/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, "runlater-server")
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		stop()
		log.Fatalf("migrate: %v", err)
	}

	metrics.Register()
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer, map[string]health.Pinger{"postgres": pool})

	orgRepo := postgres.NewOrganizationRepository(pool)
	taskRepo := postgres.NewTaskRepository(pool)
	execRepo := postgres.NewExecutionRepository(pool)
	endpointRepo := postgres.NewEndpointRepository(pool)
	monitorRepo := postgres.NewMonitorRepository(pool)
	idemRepo := postgres.NewIdempotencyRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)
	emailLogRepo := postgres.NewEmailLogRepository(pool)

	bus := postgres.NewBus(pool, logger)
	guard := urlguard.New()

	sender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	events := notifier.New(sender, emailLogRepo, logger)

	inboundSvc := inbound.New(endpointRepo, logger)
	inboundSvc.WakeWorkers = func(ctx context.Context) { bus.Notify(ctx, postgres.ChannelWorkerWake) }
	pingSvc := monitorcheck.NewPingService(monitorRepo, orgRepo, events, logger)

	taskUC := usecase.NewTaskUsecase(taskRepo, execRepo, orgRepo, idemRepo, auditRepo, guard, logger)
	taskUC.WakeWorkers = func(ctx context.Context) { bus.Notify(ctx, postgres.ChannelWorkerWake) }
	taskUC.WakeScheduler = func(ctx context.Context) { bus.Notify(ctx, postgres.ChannelSchedulerWake) }
	endpointUC := usecase.NewEndpointUsecase(endpointRepo, inboundSvc, auditRepo, guard, logger)
	monitorUC := usecase.NewMonitorUsecase(monitorRepo, auditRepo, logger)
	orgUC := usecase.NewOrganizationUsecase(orgRepo, auditRepo, guard, logger)

	handlers := httptransport.Handlers{
		Tasks:         handler.NewTaskHandler(taskUC, logger),
		Executions:    handler.NewExecutionHandler(taskUC, logger),
		Endpoints:     handler.NewEndpointHandler(endpointUC, logger),
		Monitors:      handler.NewMonitorHandler(monitorUC, logger),
		Organizations: handler.NewOrganizationHandler(orgUC, logger),
		Inbound:       handler.NewInboundHandler(inboundSvc, logger),
		Pings:         handler.NewPingHandler(pingSvc, logger),
	}

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, handlers, orgRepo, []byte(cfg.JWTSecret)),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
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
