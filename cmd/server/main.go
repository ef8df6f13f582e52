// Package main is the entrypoint for the Sparlo API server.
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

	"github.com/joho/godotenv"

	"github.com/sparlohq/sparlo/internal/ai"
	"github.com/sparlohq/sparlo/internal/api"
	"github.com/sparlohq/sparlo/internal/api/handler"
	mw "github.com/sparlohq/sparlo/internal/api/middleware"
	"github.com/sparlohq/sparlo/internal/cache"
	"github.com/sparlohq/sparlo/internal/chat"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/internal/ratelimit"
	"github.com/sparlohq/sparlo/internal/store"
	"github.com/sparlohq/sparlo/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a local development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	pgStore := store.NewPostgresStore(pool)

	stages := workflow.DefaultPipeline()
	executor := workflow.NewExecutor(aiProvider, cfg.Workflow, cfg.AI.InferenceTimeout)
	orch := workflow.NewOrchestrator(pgStore, executor, stages, cfg.Workflow)

	// Pick up jobs a previous process left running.
	if err := orch.Resume(ctx); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}

	chatSvc := chat.NewService(pgStore, aiProvider, cfg.Chat)

	windows := ratelimit.DefaultWindows(cfg.RateLimit.HourlyLimit, cfg.RateLimit.DailyLimit)
	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "redis":
		limiter = ratelimit.NewRedisLimiter(redisCache, windows)
	default:
		limiter = ratelimit.NewMemoryLimiter(windows)
	}
	slog.Info("rate limiter initialized", "backend", cfg.RateLimit.Backend,
		"hourly", cfg.RateLimit.HourlyLimit, "daily", cfg.RateLimit.DailyLimit)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(limiter),

		Health: handler.Health(pgStore, redisCache),
		Jobs:   handler.NewJobs(orch, pgStore, redisCache, len(stages)),
		Chat:   handler.NewChat(chatSvc),
	}

	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: chat responses stream as server-sent events and
		// the per-call inference timeout already bounds generation.
		WriteTimeout: 0,
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

	// Let in-flight job runs reach their next checkpoint; anything still
	// running after the deadline is resumed by the next process.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("jobs still in flight at shutdown; they will resume on restart", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
