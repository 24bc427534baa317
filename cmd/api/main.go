package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"animforge/internal/api"
	"animforge/internal/artifact"
	"animforge/internal/config"
	"animforge/internal/lifecycle"
	"animforge/internal/queue"
	"animforge/internal/ratelimit"
	"animforge/internal/store"
	"animforge/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "animforge-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})

	jobStore, err := newJobStore(ctx, cfg, redisClient)
	if err != nil {
		logger.Fatalf("setup job store: %v", err)
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Printf("job store close error: %v", err)
		}
	}()

	artifacts, err := newArtifactStore(cfg)
	if err != nil {
		logger.Fatalf("setup artifact store: %v", err)
	}

	// The task timeout has to outlast a full pipeline run: generation plus the
	// render budget, with slack for queue wait.
	taskTimeout := cfg.Generator.Timeout + cfg.Render.Timeout + time.Minute
	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, taskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	controller, err := lifecycle.NewController(logger, jobStore, queueClient, nil, nil, artifacts, lifecycle.Config{
		MaxRetries:    cfg.Lifecycle.MaxRetries,
		QueueMaxDepth: cfg.Queue.MaxDepth,
		RenderTimeout: cfg.Render.Timeout,
		ListLimit:     cfg.Lifecycle.ListLimit,
	})
	if err != nil {
		logger.Fatalf("setup lifecycle controller: %v", err)
	}

	var opts []api.Option
	limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimitBurst, cfg.API.RateLimitWindow, "")
	if err != nil {
		logger.Printf("rate limiting disabled: %v", err)
	} else {
		opts = append(opts, api.WithRateLimiter(limiter, "X-User-ID"))
	}

	app, err := api.NewServer(logger, controller, opts...)
	if err != nil {
		logger.Fatalf("setup api server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s store=%s artifacts=%s", cfg.API.Addr, cfg.Store.Backend, cfg.Artifact.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}

func newJobStore(ctx context.Context, cfg config.Config, redisClient redis.UniversalClient) (store.JobStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresJobStore(ctx, cfg.Store.PostgresDSN, cfg.Store.Retention)
	case "memory":
		return store.NewMemoryJobStore(cfg.Store.Retention), nil
	default:
		return store.NewRedisJobStore(redisClient, cfg.Store.Retention)
	}
}

func newArtifactStore(cfg config.Config) (artifact.Store, error) {
	if cfg.Artifact.Backend == "minio" {
		return artifact.NewObjectStore(artifact.ObjectConfig{
			Endpoint:  cfg.Artifact.MinioEndpoint,
			AccessKey: cfg.Artifact.MinioAccessKey,
			SecretKey: cfg.Artifact.MinioSecretKey,
			Bucket:    cfg.Artifact.MinioBucket,
			UseSSL:    cfg.Artifact.MinioUseSSL,
		})
	}
	return artifact.NewLocalStore(cfg.Artifact.LocalDir)
}
