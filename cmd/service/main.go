package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/zip-weather-tracker/internal/client"
	"github.com/kjstillabower/zip-weather-tracker/internal/config"
	"github.com/kjstillabower/zip-weather-tracker/internal/eventbus"
	httphandler "github.com/kjstillabower/zip-weather-tracker/internal/http"
	"github.com/kjstillabower/zip-weather-tracker/internal/lifecycle"
	"github.com/kjstillabower/zip-weather-tracker/internal/location"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
	"github.com/kjstillabower/zip-weather-tracker/internal/refresh"
	"github.com/kjstillabower/zip-weather-tracker/internal/service"
	"github.com/kjstillabower/zip-weather-tracker/internal/storage"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	kv, err := storage.Open(storage.Options{
		Backend:               cfg.StorageBackend,
		SQLitePath:            cfg.SQLitePath,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("storage", zap.Error(err), zap.String("backend", cfg.StorageBackend))
	}
	logger.Info("storage backend", zap.String("backend", cfg.StorageBackend))

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		weatherClient.EnableCircuitBreaker(client.BreakerSettings{
			ConsecutiveFailures: uint32(cfg.CircuitBreakerFailureThreshold),
			Timeout:             cfg.CircuitBreakerTimeout,
			OnStateChange: func(from, to string) {
				observability.RecordCircuitBreakerTransition("weather_api", from, to)
				logger.Warn("circuit breaker transition", zap.String("from", from), zap.String("to", to))
			},
		})
		observability.CircuitBreakerState.WithLabelValues("weather_api").Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	bus := eventbus.New()
	locations, err := location.New(startCtx, kv, bus, logger)
	if err != nil {
		logger.Fatal("location list", zap.Error(err))
	}
	weatherStore, err := service.NewWeatherStore(startCtx, service.Options{
		Client: weatherClient,
		Store:  kv,
		Bus:    bus,
		Logger: logger,
		Config: service.Config{
			BaseURL:     cfg.WeatherAPIURL,
			APIKey:      cfg.WeatherAPIKey,
			IconBaseURL: cfg.IconBaseURL,
			Timeout:     cfg.WeatherAPITimeout,
		},
		DefaultTTL:   cfg.CacheTTL,
		DedupEnabled: cfg.DedupEnabled,
	})
	if err != nil {
		logger.Fatal("weather store", zap.Error(err))
	}
	weatherStore.AttachLocations(locations)
	logger.Info("state loaded",
		zap.Int("locations", len(locations.List())),
		zap.Int("conditions", len(weatherStore.Snapshot())),
	)

	warmer := refresh.NewWarmer(weatherStore, logger, cfg.RefreshWarmConcurrency)
	scheduler := refresh.NewScheduler(locations, weatherStore, warmer, cfg.RefreshInterval, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("refresh scheduler", zap.Error(err))
	}

	observability.RegisterUpstreamGauges(cfg.DegradedWindow)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StoragePing:      kv.Ping,
		BreakerState:     weatherClient.BreakerState,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(locations, weatherStore, weatherClient, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)

	// No WriteTimeout: /events streams clear their own deadlines, and API routes are
	// bounded by the request timeout middleware.
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 0); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	scheduler.Stop()
	weatherStore.Close()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := kv.Close(); err != nil {
		logger.Error("storage close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
