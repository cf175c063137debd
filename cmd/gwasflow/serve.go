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

	"github.com/kiranshivaraju/gwasflow/internal/api"
	"github.com/kiranshivaraju/gwasflow/internal/api/handler"
	mw "github.com/kiranshivaraju/gwasflow/internal/api/middleware"
	"github.com/kiranshivaraju/gwasflow/internal/batch"
	"github.com/kiranshivaraju/gwasflow/internal/cache"
	"github.com/kiranshivaraju/gwasflow/internal/config"
	"github.com/kiranshivaraju/gwasflow/internal/objstore"
	"github.com/kiranshivaraju/gwasflow/internal/orchestrator"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/lthibault/jitterbug/v2"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and drive workflows in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.SlogLevel()))
	slog.Info("config loaded", "batch_mode", cfg.Batch.Mode, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Object storage and batch executor
	objects, err := objectStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	exec, err := batch.NewExecutor(cfg.Batch)
	if err != nil {
		return fmt.Errorf("create batch executor: %w", err)
	}
	probe, _ := exec.(readiness)
	if probe != nil {
		if err := probe.Ready(ctx); err != nil {
			return fmt.Errorf("batch service not ready: %w", err)
		}
	}
	slog.Info("batch executor initialized", "mode", cfg.Batch.Mode)

	// 6. Create store, orchestrator and runner
	pgStore := store.NewPostgresStore(pool)
	orch := orchestrator.New(pgStore, exec, objects, redisCache, orchestrator.ConfigFrom(cfg))
	runner := orchestrator.NewRunner(ctx, orch, pgStore)

	resumed, err := runner.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}
	slog.Info("active workflows resumed", "count", resumed)

	go sweepExpired(ctx, pgStore, sweepInterval)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:         healthHandler(pgStore, redisCache, probe),
		CreateWorkflowHandler: handler.NewCreateWorkflowHandler(runner),
		ListWorkflowsHandler:  handler.NewListWorkflowsHandler(pgStore),
		GetWorkflowHandler:    handler.NewGetWorkflowHandler(pgStore),
		WorkflowStatusHandler: handler.NewWorkflowStatusHandler(pgStore, redisCache),
		ListJobsHandler:       handler.NewListJobsHandler(pgStore),
		CancelWorkflowHandler: handler.NewCancelWorkflowHandler(runner),
		CreateKeyHandler:      handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:       handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:      handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// In-flight workflows stay in the store and are resumed on the next start.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("runner shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// objectStore returns a Router over the local filesystem, extended with an
// S3 backend when an endpoint is configured.
func objectStore(ctx context.Context, cfg config.StorageConfig) (*objstore.Router, error) {
	if cfg.Endpoint == "" {
		return objstore.NewRouter(nil), nil
	}
	router, ms, err := objstore.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	if cfg.ResultsBucket != "" {
		if err := ms.EnsureBucket(ctx, cfg.ResultsBucket); err != nil {
			return nil, fmt.Errorf("ensure results bucket: %w", err)
		}
	}
	slog.Info("object store initialized", "endpoint", cfg.Endpoint)
	return router, nil
}

type expirer interface {
	DeleteExpiredWorkflows(ctx context.Context, now time.Time) (int64, error)
}

// sweepExpired removes expired terminal workflows every interval until ctx is done.
func sweepExpired(ctx context.Context, st expirer, interval time.Duration) {
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.DeleteExpiredWorkflows(ctx, time.Now())
			if err != nil {
				slog.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired workflows removed", "count", n)
			}
		}
	}
}
