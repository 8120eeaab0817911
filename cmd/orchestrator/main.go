// Package main is the entry point for the orchestrator service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/api"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/config"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/readiness"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/telemetry"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator", slog.String("port", cfg.Port), slog.String("log_level", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  "mentatlab-orchestrator",
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Persistent store gateway
	var gatewayStore store.Store
	switch cfg.RunStoreType {
	case "redis":
		redisCfg := &store.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "orch",
			TTL:      cfg.RunStoreTTL,
		}
		redisStore, err := store.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			gatewayStore = store.NewMemoryStore(store.DefaultConfig())
		} else {
			gatewayStore = redisStore
			logger.Info("using Redis store", slog.String("url", cfg.RedisURL))
		}
	default:
		gatewayStore = store.NewMemoryStore(store.DefaultConfig())
		logger.Info("using in-memory store")
	}
	defer gatewayStore.Close()

	if cfg.OverflowEnabled {
		flowCfg := &dataflow.Config{
			Type:            "s3",
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      "payloads",
		}
		flow, err := dataflow.New(flowCfg)
		if err != nil {
			logger.Error("failed to initialize overflow store, large payloads will be written inline", "error", err)
		} else {
			gatewayStore = store.NewOverflowStore(gatewayStore, flow, cfg.OverflowThresholdBytes)
			logger.Info("large-payload overflow store enabled",
				slog.String("bucket", cfg.S3Bucket), slog.Int("threshold_bytes", cfg.OverflowThresholdBytes))
		}
	}

	// Graph registry and function resolution
	graphs := graph.New()
	functions := graph.NewFunctionRegistry()

	var catalog registry.Catalog
	switch cfg.CatalogType {
	case "redis":
		redisCatalog, err := registry.NewRedisCatalog(&registry.RedisCatalogConfig{URL: cfg.RedisURL, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logger.Error("failed to connect function catalog to Redis, falling back to memory", "error", err)
			catalog = registry.NewMemoryCatalog()
		} else {
			catalog = redisCatalog
			logger.Info("using Redis function catalog")
		}
	default:
		catalog = registry.NewMemoryCatalog()
		logger.Info("using in-memory function catalog")
	}
	defer catalog.Close()

	emitter := driver.NewCapturingEmitter(nil)
	subprocessDriver := driver.NewLocalSubprocessDriver(emitter, &driver.SubprocessConfig{
		EnvPassthrough: map[string]string{
			"ORCHESTRATOR_URL": "http://localhost:" + cfg.Port,
		},
	})

	var k8sDriver driver.Driver
	var k8sEmitter *driver.CapturingEmitter
	if cfg.K8sInCluster || cfg.K8sKubeconfig != "" {
		k8sEmitter = driver.NewCapturingEmitter(nil)
		kd, err := driver.NewK8sDriver(k8sEmitter, &driver.K8sDriverConfig{})
		if err != nil {
			logger.Warn("k8s driver unavailable, function refs requiring k8s_job will fail", "error", err)
		} else {
			k8sDriver = kd
		}
	}

	functions.SetFallback(driver.NewExternalDriverFallback(catalog, subprocessDriver, emitter, k8sDriver, k8sEmitter, logger))

	ready := readiness.New()

	engineCfg := engine.DefaultConfig()
	engineCfg.WorkerPoolSize = cfg.WorkerPoolSize
	engineCfg.DefaultAttemptTimeout = cfg.DefaultAttemptTimeout
	engineCfg.MaxAttemptsPerNode = cfg.MaxAttemptsPerNode
	engineCfg.BackoffBase = cfg.BackoffBase
	engineCfg.BackoffCap = cfg.BackoffCap
	engineCfg.SweepInterval = cfg.SweepInterval

	dispatcher := engine.New(graphs, functions, gatewayStore, ready, engineCfg, logger)
	sweeper := engine.NewSweeper(gatewayStore, dispatcher, engineCfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	logger.Info("dispatcher initialized", slog.Int("worker_pool_size", engineCfg.WorkerPoolSize))

	handlers := api.NewHandlers(gatewayStore, graphs, dispatcher, ready, cfg, logger)

	var authMW *auth.Middleware
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			logger.Error("failed to initialize OIDC provider, mutating endpoints run unauthenticated", "error", err)
		} else {
			authMW = auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})
			logger.Info("OIDC auth enabled for mutating endpoints", slog.String("issuer", cfg.OIDCIssuer))
		}
	}

	server := api.NewServer(handlers, authMW)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
