package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pal-kamlesh/buffeNStreams/internal/config"
	"github.com/pal-kamlesh/buffeNStreams/internal/core"
	"github.com/pal-kamlesh/buffeNStreams/internal/logging"
	"github.com/pal-kamlesh/buffeNStreams/internal/store"
	"github.com/pal-kamlesh/buffeNStreams/internal/web"
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

	// The broadcaster exists before logging so every log line reaches
	// /api/logs subscribers.
	events := core.NewBroadcaster(cfg.Broadcast.SubscriberBuffer)
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, events.Writer())

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upload_dir", cfg.Storage.UploadDir,
		"processed_dir", cfg.Storage.ProcessedDir,
		"transform_max_concurrent", cfg.Transform.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open file store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	service, err := core.NewService(st, events, core.Options{
		UploadDir:         cfg.Storage.UploadDir,
		ProcessedDir:      cfg.Storage.ProcessedDir,
		MaxChunkSize:      cfg.Upload.MaxChunkSize,
		MaxConcurrentJobs: cfg.Transform.MaxConcurrent,
		MaxWaitTime:       cfg.Transform.MaxWaitTime,
		JobTimeout:        cfg.Transform.Timeout,
		QueueSize:         cfg.Transform.QueueSize,
		Logger:            logger,
	})
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(service, cfg)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	go service.StartSweeper(jobCtx, core.SweepConfig{
		IdleTimeout:   cfg.Upload.IdleTimeout,
		CheckInterval: cfg.Upload.SweepInterval,
	})

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Cancel derivation jobs, wait for their slots and close open uploads
		if status := service.Status(); status.Jobs.Active > 0 {
			slog.Info("waiting for jobs to stop", "active", status.Jobs.Active)
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("jobs did not stop in time", "error", err)
		}

		// Closing the broadcaster ends /api/logs streams so the server can drain
		events.Close()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		cancelJobs()
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}

// openStore connects to PostgreSQL when a database URL is configured and
// falls back to an in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, file records are kept in memory")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, store.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pg, nil
}
