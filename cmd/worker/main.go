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

	"animforge/internal/artifact"
	"animforge/internal/config"
	"animforge/internal/lifecycle"
	"animforge/internal/queue"
	"animforge/internal/render"
	"animforge/internal/scriptgen"
	"animforge/internal/store"
	"animforge/internal/telemetry"
	"animforge/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "animforge-worker",
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

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("setup artifact store: %v", err)
	}

	generator, err := scriptgen.NewGeminiGenerator(scriptgen.GeminiConfig{
		APIKey:      cfg.Generator.APIKey,
		Model:       cfg.Generator.Model,
		BaseURL:     cfg.Generator.BaseURL,
		Timeout:     cfg.Generator.Timeout,
		MaxDuration: cfg.Render.MaxDuration,
		MaxObjects:  cfg.Render.MaxObjects,
	})
	if err != nil {
		logger.Fatalf("setup script generator: %v", err)
	}

	executor, err := render.NewEngineExecutor(render.EngineConfig{
		Binary:      cfg.Render.EngineBinary,
		QualityFlag: cfg.Render.QualityFlag,
		ScriptsDir:  cfg.Render.ScriptsDir,
		WorkDir:     cfg.Render.WorkDir,
		Timeout:     cfg.Render.Timeout,
	}, artifacts)
	if err != nil {
		logger.Fatalf("setup render executor: %v", err)
	}

	taskTimeout := cfg.Generator.Timeout + cfg.Render.Timeout + time.Minute
	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, taskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	controller, err := lifecycle.NewController(logger, jobStore, queueClient, generator, executor, artifacts, lifecycle.Config{
		MaxRetries:        cfg.Lifecycle.MaxRetries,
		QueueMaxDepth:     cfg.Queue.MaxDepth,
		RenderConcurrency: cfg.Render.Concurrency,
		RenderTimeout:     cfg.Render.Timeout,
		ListLimit:         cfg.Lifecycle.ListLimit,
	})
	if err != nil {
		logger.Fatalf("setup lifecycle controller: %v", err)
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Render, controller)
	if err != nil {
		logger.Fatalf("setup worker server: %v", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", srv.MetricsHandler())
	metricsMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:    cfg.Worker.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	go func() {
		logger.Printf(
			"starting worker slots=%d render_concurrency=%d queue=%s engine=%s",
			cfg.Render.WorkerSlots,
			cfg.Render.Concurrency,
			cfg.Queue.Name,
			cfg.Render.EngineBinary,
		)
		if err := srv.Run(); err != nil {
			logger.Fatalf("worker failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
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

func newArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	if cfg.Artifact.Backend == "minio" {
		objects, err := artifact.NewObjectStore(artifact.ObjectConfig{
			Endpoint:  cfg.Artifact.MinioEndpoint,
			AccessKey: cfg.Artifact.MinioAccessKey,
			SecretKey: cfg.Artifact.MinioSecretKey,
			Bucket:    cfg.Artifact.MinioBucket,
			UseSSL:    cfg.Artifact.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return objects, nil
	}
	return artifact.NewLocalStore(cfg.Artifact.LocalDir)
}
