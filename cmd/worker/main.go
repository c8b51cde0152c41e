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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/audit"
	jobmetrics "github.com/odyssey-erp/authz/internal/jobs"
	"github.com/odyssey-erp/authz/internal/observability"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	if cfg.StoreDriver != app.StoreDriverPostgres {
		logger.Error("worker requires STORE_DRIVER=postgres")
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var auditRepo audit.Repository = audit.NewPostgresRepository(pool)
	if cfg.AuditSink == app.AuditSinkElasticsearch {
		esRepo, err := audit.NewElasticsearchRepository(cfg.ElasticsearchAddresses(), cfg.AuditIndex)
		if err != nil {
			logger.Error("init elasticsearch", slog.Any("error", err))
			os.Exit(1)
		}
		if err := esRepo.EnsureIndex(ctx); err != nil {
			logger.Error("ensure audit index", slog.Any("error", err))
			os.Exit(1)
		}
		auditRepo = esRepo
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	rbacService := rbac.NewService(rbac.ServiceConfig{
		Store:  rbac.NewRepository(pool),
		Logger: logger,
	})

	recordJob := jobs.NewAuditRecordJob(audit.NewRepositorySink(auditRepo), logger, jobMetrics)
	grantStatesJob := jobs.NewGrantStatesJob(rbacService, logger, jobMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditRecord, Handler: recordJob.Handle},
			{Type: jobs.TaskGrantStates, Handler: grantStatesJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.GrantStatesCron, Task: jobs.NewGrantStatesTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
		ErrorHandler: jobs.AuditDropHandler(metrics, logger),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
