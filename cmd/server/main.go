// codequay - Session Dispatch & Git Automation Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/codequay/codequay/internal/api"
	"github.com/codequay/codequay/internal/backend"
	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/credentials"
	"github.com/codequay/codequay/internal/dispatch"
	"github.com/codequay/codequay/internal/gitauto"
	"github.com/codequay/codequay/internal/middleware"
	"github.com/codequay/codequay/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"backend_kind", cfg.Backend.Kind,
		"backend_disabled", cfg.Backend.Disabled,
		"automation_enabled", cfg.Automation.Enabled)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	be, err := backend.New(cfg.Backend)
	if err != nil {
		slog.Error("Failed to initialize compute backend", "error", err)
		os.Exit(1)
	}
	slog.Info("Compute backend initialized", "kind", be.Kind())

	// The docker backend needs its sandbox bridge network up front.
	if docker, ok := be.(*backend.DockerBackend); ok && !cfg.Backend.Disabled {
		networkID, err := docker.EnsureNetwork(context.Background())
		if err != nil {
			slog.Error("Failed to ensure sandbox network", "error", err)
			os.Exit(1)
		}
		slog.Info("Sandbox network ready", "network_id", networkID)
	}

	// Credential resolution and token caching.
	resolver := credentials.NewEnvResolver()
	tokens := credentials.NewTokenCache(resolver)

	// Git automation workflow.
	host := gitauto.NewGitHubClient(cfg.GitHubAPIBase)
	workflow := gitauto.NewWorkflow(&gitauto.ExecRunner{}, host, &gitauto.GoGitRefLister{}, cfg.Automation)

	// Dispatcher and async job queue.
	dispatcher := dispatch.New(cfg, repo, be, resolver, tokens, workflow)
	queue := dispatch.NewJobQueue(dispatcher, repo, cfg.Jobs)
	dispatcher.AttachQueue(queue)

	// Initialize handlers.
	handler := api.NewHandler(dispatcher)
	healthHandler := api.NewHealthHandler(repo, be, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// Note: streaming dispatch requires long-lived responses (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers.
	queue.Start(ctx)
	backend.StartReaper(ctx, repo, be, cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Drain in-flight async jobs before closing the store.
	queue.Close()

	slog.Info("Server stopped successfully")
}
