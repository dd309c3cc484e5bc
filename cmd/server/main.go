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

	sentrygo "github.com/getsentry/sentry-go"

	"github.com/roomcast/backend/internal/config"
	"github.com/roomcast/backend/internal/database"
	"github.com/roomcast/backend/internal/emitter"
	"github.com/roomcast/backend/internal/logging"
	"github.com/roomcast/backend/internal/router"
	"github.com/roomcast/backend/internal/sentry"
	"github.com/roomcast/backend/internal/session"
	"github.com/roomcast/backend/internal/store"
)

func main() {
	// Initialize structured logging (reads LOGGING_LEVEL env var)
	logging.Initialize()

	// Load configuration
	cfg := config.Load()

	// Optional error reporting
	if cfg.SentryDSN != "" {
		err := sentrygo.Init(sentrygo.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
			BeforeSend:  sentry.ScrubEvent,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer sentrygo.Flush(2 * time.Second)
	}

	// Initialize database
	sqlDB, err := database.New(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(sqlDB); err != nil {
		slog.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Session facade with the prepared-statement cache
	sess, err := session.New(sqlDB)
	if err != nil {
		slog.Error("failed to create session facade", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st := store.New(sess)

	// Room broadcast engine
	registry := emitter.NewRegistry(emitter.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTickThreshold: cfg.IdleTickThreshold,
		Backlog:           cfg.BroadcastBacklog,
	})

	// Create router
	r := router.New(cfg, st, registry)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server
	go func() {
		slog.Info("starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown with a short drain for in-flight sends
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down", slog.Duration("grace", cfg.ShutdownGrace))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("forced shutdown", slog.String("error", err.Error()))
	}

	registry.Shutdown()
}
