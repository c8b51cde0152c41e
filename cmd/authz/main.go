package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/authz/cmd/authz/cli"
	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/audit"
	audithttp "github.com/odyssey-erp/authz/internal/audit/http"
	"github.com/odyssey-erp/authz/internal/observability"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/jobs"
)

const usage = `usage: authz [serve | bootstrap <file> | jobs stats | jobs trigger <name>]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "bootstrap":
		if len(args) < 2 {
			err = errors.New(usage)
			break
		}
		err = runBootstrap(ctx, cfg, logger, args[1])
	case "jobs":
		err = runJobs(ctx, cfg, args[1:])
	default:
		err = errors.New(usage)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

type healthChecks []app.Pinger

func (h healthChecks) Ping(ctx context.Context) error {
	for _, p := range h {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *app.Config) (rbac.Store, *pgxpool.Pool, error) {
	if cfg.StoreDriver == app.StoreDriverMemory {
		return rbac.NewMemoryStore(), nil, nil
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		return nil, nil, err
	}
	return rbac.NewRepository(pool), pool, nil
}

func openAuditRepository(ctx context.Context, cfg *app.Config, pool *pgxpool.Pool) (audit.Repository, error) {
	switch {
	case cfg.AuditSink == app.AuditSinkElasticsearch:
		repo, err := audit.NewElasticsearchRepository(cfg.ElasticsearchAddresses(), cfg.AuditIndex)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	case pool != nil:
		return audit.NewPostgresRepository(pool), nil
	default:
		return audit.NewMemoryRepository(), nil
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditRepo, err := openAuditRepository(ctx, cfg, pool)
	if err != nil {
		return err
	}

	// Entries go through the asynq queue whenever a worker can persist them;
	// the in-memory store keeps everything in process.
	var sink audit.Sink
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	if pool != nil || cfg.AuditSink == app.AuditSinkElasticsearch {
		jobClient, err := jobs.NewClient(redisOpts, cfg.AuditMaxRetry)
		if err != nil {
			return err
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		sink = jobClient
	} else {
		sink = audit.NewRepositorySink(auditRepo)
	}

	auditLogger := audit.NewLogger(sink, audit.LoggerConfig{
		QueueSize: cfg.AuditQueueSize,
		Attempts:  cfg.AuditDeliveryAttempts,
		Backoff:   cfg.AuditDeliveryBackoff,
	}, logger, metrics)
	auditLogger.Start()

	rbacCache := rbac.NewCache(redisClient, cfg.CacheTTL,
		rbac.WithCachePrefix(cfg.CachePrefix),
		rbac.WithCacheMetrics(metrics))
	service := rbac.NewService(rbac.ServiceConfig{
		Store:   store,
		Cache:   rbacCache,
		Audit:   auditLogger,
		Metrics: metrics,
		Logger:  logger,
		Retry:   rbac.RetryPolicy{Attempts: cfg.StoreReadAttempts, Backoff: cfg.StoreReadBackoff},
	})

	if cfg.BootstrapFile != "" {
		if err := applySeed(ctx, service, logger, cfg.BootstrapFile); err != nil {
			return err
		}
	}

	rbacMiddleware := rbac.Middleware{Checker: service, Logger: logger, PrincipalHeader: cfg.PrincipalHeader}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	health := healthChecks{service}
	if pool != nil {
		health = append(health, pool)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACMiddleware: rbacMiddleware,
		RBACHandler: rbac.NewHandler(logger, service, rbacMiddleware, cfg.AdminPermission).
			RestrictDecisionsToSubject(cfg.DecisionSelfOnly),
		AuditHandler: audithttp.NewHandler(logger, audit.NewService(auditRepo), rbacMiddleware, audithttp.Permissions{
			View:   cfg.AuditViewPermission,
			Export: cfg.AuditExportPermission,
		}),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Health:     health,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if err := auditLogger.Close(shutdownCtx); err != nil {
		logger.Warn("audit flush", slog.Any("error", err))
	}
	return nil
}

func applySeed(ctx context.Context, service *rbac.Service, logger *slog.Logger, path string) error {
	seed, err := rbac.LoadSeedFile(path)
	if err != nil {
		return err
	}
	res, err := rbac.Bootstrap(ctx, service, seed, "bootstrap")
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", path, err)
	}
	logger.Info("bootstrap applied",
		slog.String("file", path),
		slog.Int("permissions", res.Permissions),
		slog.Int("roles", res.Roles),
		slog.Int("bindings", res.Bindings),
		slog.Int("assignments", res.Assignments))
	return nil
}

// runBootstrap applies a seed against the configured store and exits. It uses
// the same cache so running servers observe the new grants.
func runBootstrap(ctx context.Context, cfg *app.Config, logger *slog.Logger, path string) error {
	if cfg.StoreDriver == app.StoreDriverMemory {
		return errors.New("bootstrap: the memory store does not outlive this process")
	}
	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	auditRepo, err := openAuditRepository(ctx, cfg, pool)
	if err != nil {
		return err
	}
	// Seed entries are written directly so they are durable before exit.
	auditLogger := audit.NewLogger(audit.NewRepositorySink(auditRepo), audit.LoggerConfig{
		QueueSize: cfg.AuditQueueSize,
		Attempts:  cfg.AuditDeliveryAttempts,
		Backoff:   cfg.AuditDeliveryBackoff,
	}, logger, observability.NewMetrics())
	auditLogger.Start()

	service := rbac.NewService(rbac.ServiceConfig{
		Store:  store,
		Cache:  rbac.NewCache(redisClient, cfg.CacheTTL, rbac.WithCachePrefix(cfg.CachePrefix)),
		Audit:  auditLogger,
		Logger: logger,
	})
	seedErr := applySeed(ctx, service, logger, path)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := auditLogger.Close(flushCtx); err != nil {
		logger.Warn("audit flush", slog.Any("error", err))
	}
	return seedErr
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(stats)
	case "trigger":
		if len(args) < 2 {
			return errors.New(usage)
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return nil
	default:
		return errors.New(usage)
	}
}
