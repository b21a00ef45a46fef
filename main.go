package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/strata-labs/researchd/internal/cache"
	"github.com/strata-labs/researchd/internal/config"
	"github.com/strata-labs/researchd/internal/db"
	"github.com/strata-labs/researchd/internal/health"
	"github.com/strata-labs/researchd/internal/httpapi"
	"github.com/strata-labs/researchd/internal/orchestrator"
	"github.com/strata-labs/researchd/internal/providers"
	"github.com/strata-labs/researchd/internal/resilience"
	"github.com/strata-labs/researchd/internal/stages"
	"github.com/strata-labs/researchd/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache backend: Redis when configured, otherwise in-process LRU.
	var store cache.Store
	var redisStore *cache.RedisStore
	if cfg.Redis.Addr != "" {
		redisStore, err = cache.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("Redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info("using redis cache", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = cache.NewLocalStore(4096)
		logger.Info("using in-process cache")
	}

	search := providers.NewHTTPSearchProvider(cfg.Providers.SearchURL, cfg.Providers.SearchAPIKey, logger)
	complete := providers.NewHTTPCompletionProvider(cfg.Providers.CompletionURL, cfg.Providers.CompletionKey, cfg.Providers.Model, logger)

	var limiter *rate.Limiter
	if cfg.Resilience.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Resilience.RateLimitRPS), cfg.Resilience.RateLimitBurst)
	}
	caller := resilience.NewCaller(resilience.Policy{
		MaxAttempts: cfg.Resilience.MaxRetryAttempts,
		BaseDelay:   cfg.Resilience.RetryDelay,
		MaxDelay:    cfg.Resilience.MaxRetryDelay,
		Jitter:      0.2,
		CallTimeout: cfg.Resilience.CallTimeout,
	}, limiter, logger)

	streams := streaming.NewManager(256)

	// Persistence is optional; without a DSN completed runs stay in memory.
	var persister orchestrator.Persister
	var dbClient *db.Client
	if cfg.Database.DSN != "" {
		dbClient, err = db.NewClient(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Database connection failed", zap.Error(err))
		}
		defer dbClient.Close()
		persister = db.NewWriter(dbClient, logger)
	}

	controller := orchestrator.New(stages.Deps{
		Search:   search,
		Complete: complete,
		Cache:    store,
		Caller:   caller,
		Logger:   logger,
		Research: cfg.Research,
	}, streams, persister, logger)

	hm := health.NewManager(15*time.Second, logger)
	if redisStore != nil {
		hm.Register(health.NewPingChecker("redis", true, 5*time.Second, redisStore.Ping))
	}
	if dbClient != nil {
		hm.Register(health.NewPingChecker("database", false, 5*time.Second, dbClient.Ping))
	}
	if cfg.Providers.SearchURL != "" {
		hm.Register(health.NewPingChecker("search_provider", false, 5*time.Second, reachable(cfg.Providers.SearchURL)))
	}
	if cfg.Providers.CompletionURL != "" {
		hm.Register(health.NewPingChecker("completion_provider", false, 5*time.Second, reachable(cfg.Providers.CompletionURL)))
	}
	hm.Start(ctx)
	defer hm.Stop()

	mux := http.NewServeMux()
	httpapi.NewHandler(controller, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streams, logger).RegisterRoutes(mux)
	hm.RegisterHandlers(mux)

	apiServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// reachable probes a provider endpoint. Any HTTP response counts; only
// transport failures mark the provider unreachable.
func reachable(url string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" || os.Getenv("ENVIRONMENT") == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
