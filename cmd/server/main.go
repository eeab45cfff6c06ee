// Package main is the entrypoint for the hyadmin API server.
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

	"github.com/ninjaorg/hyadmin/internal/ai"
	"github.com/ninjaorg/hyadmin/internal/ai/workflow"
	"github.com/ninjaorg/hyadmin/internal/api"
	"github.com/ninjaorg/hyadmin/internal/api/handler"
	mw "github.com/ninjaorg/hyadmin/internal/api/middleware"
	"github.com/ninjaorg/hyadmin/internal/api/response"
	"github.com/ninjaorg/hyadmin/internal/auth"
	"github.com/ninjaorg/hyadmin/internal/blob"
	"github.com/ninjaorg/hyadmin/internal/cache"
	"github.com/ninjaorg/hyadmin/internal/config"
	"github.com/ninjaorg/hyadmin/internal/store"
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
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "base_url", cfg.Server.BaseURL)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
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

	// 5. Blob storage
	blobs, local, err := newBlobStore(ctx, cfg.Storage, cfg.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("blob store ready", "backend", blobs.Backend(), "upload_dir", local.Dir())

	// 6. Parse pipeline
	pgStore := store.NewPostgresStore(pool)
	dispatcher := ai.NewAsyncDispatcher()
	svc := ai.NewService(pgStore, blobs, workflow.NewHTTPClient(cfg.Parse.WorkflowTimeout), dispatcher, redisCache, ai.Options{
		BaseURL:               cfg.Server.BaseURL,
		MaxFileBytes:          cfg.Parse.MaxFileBytes,
		CallbackTokenRequired: cfg.Parse.CallbackTokenRequired,
		JobCacheTTL:           cfg.Parse.JobCacheTTL,
	})

	if cfg.Parse.JobDeadline > 0 {
		sweeper := ai.NewSweeper(pgStore, cfg.Parse.JobDeadline, cfg.Parse.SweepInterval)
		go sweeper.Run(ctx)
		slog.Info("timeout sweeper started", "deadline", cfg.Parse.JobDeadline.String())
	}

	// 7. Build router with dependencies
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	deps := api.Dependencies{
		Auth:      mw.NewAuth(tokens),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),
		UploadDir: local.Dir(),

		HealthHandler:   healthHandler(pgStore, redisCache),
		LoginHandler:    handler.NewLoginHandler(pgStore, tokens),
		ProfileHandler:  handler.NewProfileHandler(pgStore),
		CallbackHandler: handler.NewCallbackHandler(svc),
		FileGetHandler:  handler.NewFileRedirectHandler(blobs, cfg.Storage.PresignTTL),
		FileHeadHandler: handler.NewFileHeadHandler(blobs),

		CreateParses: handler.NewCreateParsesHandler(svc, handler.UploadLimits{
			MaxFileBytes:    cfg.Parse.MaxFileBytes,
			MaxRequestBytes: cfg.Parse.MaxRequestBytes,
		}),
		ListParses:  handler.NewListParsesHandler(svc),
		GetParse:    handler.NewGetParseHandler(svc),
		CancelParse: handler.NewCancelParseHandler(svc),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// In-flight dispatches still record their outcome before the pool closes.
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		slog.Warn("dispatches interrupted at shutdown", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newBlobStore returns the store used for uploads and the local directory
// that backs it. With object storage configured, puts go to MinIO and fall
// back to local disk when MinIO fails.
func newBlobStore(ctx context.Context, cfg config.StorageConfig, baseURL string) (blob.Store, *blob.LocalStore, error) {
	local, err := blob.NewLocalStore(cfg.UploadDir, baseURL)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.ObjectStorage() {
		return local, local, nil
	}

	minioStore, err := blob.NewMinioStore(blob.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		// Uploads still land on local disk through the fallback.
		slog.Warn("object storage unavailable at startup", "error", err, "endpoint", cfg.MinioEndpoint)
	}
	return blob.NewFallbackStore(minioStore, local), local, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
