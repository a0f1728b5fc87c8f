package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/quillmark/quillmark/internal/config"
	"github.com/quillmark/quillmark/internal/content"
	"github.com/quillmark/quillmark/internal/importer"
	"github.com/quillmark/quillmark/internal/logging"
	"github.com/quillmark/quillmark/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent_jobs", cfg.Import.MaxConcurrentJobs,
		"job_store", cfg.Import.JobStore,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	store := content.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// Pick the job state backend
	var jobs importer.JobStore
	switch strings.ToLower(cfg.Import.JobStore) {
	case "postgres":
		jobs = importer.NewPostgresJobStore(pool)
	default:
		jobs = importer.NewMemoryJobStore()
	}

	service := importer.NewService(store, jobs, importer.Options{
		BatchSize:         cfg.Import.BatchSize,
		FileConcurrency:   cfg.Import.FileConcurrency,
		MaxConcurrentJobs: cfg.Import.MaxConcurrentJobs,
		JobWaitTimeout:    cfg.Import.MaxWaitTime,
		JobRetention:      cfg.Import.JobRetention,
	}, slog.Default())

	server := web.NewServer(service, cfg)

	// Create cancellable context for background maintenance
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	// Evict expired jobs periodically
	go runCleanup(jobCtx, service, jobs, cfg.Import.CleanupInterval)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for running import jobs to complete (with timeout)
		if active := service.Limiter().ActiveCount(); active > 0 {
			slog.Info("waiting for import jobs to complete", "active", active)
			if err := service.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("import jobs did not complete in time", "error", err)
			} else {
				slog.Info("all import jobs completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

// runCleanup evicts expired jobs until the context is cancelled. Stores
// with an eager purge (Postgres) also get their expired rows deleted.
func runCleanup(ctx context.Context, service *importer.Service, jobs importer.JobStore, interval time.Duration) {
	purger, _ := jobs.(interface {
		Purge(ctx context.Context) (int64, error)
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := service.Tracker().CleanupExpired(ctx)
			if err != nil {
				slog.Warn("job cleanup failed", "error", err)
				continue
			}
			if evicted > 0 {
				slog.Info("evicted expired jobs", "count", evicted)
			}
			if purger != nil {
				if _, err := purger.Purge(ctx); err != nil {
					slog.Warn("job store purge failed", "error", err)
				}
			}
		}
	}
}
