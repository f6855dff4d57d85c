package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/weathertools/owm-gateway/internal/cache"
	"github.com/weathertools/owm-gateway/internal/client"
	"github.com/weathertools/owm-gateway/internal/config"
	"github.com/weathertools/owm-gateway/internal/gateway"
	httphandler "github.com/weathertools/owm-gateway/internal/http"
	"github.com/weathertools/owm-gateway/internal/lifecycle"
	"github.com/weathertools/owm-gateway/internal/observability"
	"github.com/weathertools/owm-gateway/internal/quota"
	"github.com/weathertools/owm-gateway/internal/units"
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

	owmClient, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIBaseURL, cfg.GeoBaseURL, cfg.APITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	breakerClient := client.NewBreakerClient(owmClient, client.BreakerSettings{
		MaxRequests:  uint32(cfg.BreakerMaxRequests),
		Interval:     cfg.BreakerInterval,
		Timeout:      cfg.BreakerTimeout,
		MinRequests:  uint32(cfg.BreakerMinRequests),
		FailureRatio: cfg.BreakerFailureRatio,
	}, logger)

	var store cache.Cache
	var memStore *cache.InMemoryCache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		store = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		if cfg.CacheMaxEntries > 0 {
			memStore = cache.NewInMemoryCacheWithCapacity(cfg.CacheMaxEntries)
		} else {
			memStore = cache.NewInMemoryCache()
		}
		store = memStore
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries))
	}

	tracker := quota.New(cfg.DailyCallLimit)
	observability.RegisterQuotaGauges(
		func() float64 { return float64(tracker.Stats().Count) },
		func() float64 { return float64(tracker.Stats().Remaining) },
	)

	defaultUnits, err := units.Parse(cfg.DefaultUnits, units.Metric)
	if err != nil {
		logger.Fatal("default units", zap.Error(err))
	}
	gw := gateway.New(breakerClient, store, tracker, cfg.CacheTTL, defaultUnits, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	// Fail fast on a bad key rather than serving errors all day.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := owmClient.ValidateAPIKey(probeCtx); err != nil {
		logger.Warn("api key probe failed", zap.Error(err))
	}
	probeCancel()

	var warmer *cache.CacheWarmer
	if cfg.WarmingEnabled {
		warmer = cache.NewCacheWarmer(gw, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmingLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if err := warmer.StartPeriodic(cfg.WarmingLocations, cfg.WarmingInterval); err != nil {
			logger.Error("periodic cache warming", zap.Error(err))
		}
	}

	var sweeper *gocron.Scheduler
	if memStore != nil && cfg.CacheSweepInterval > 0 {
		sweeper = gocron.NewScheduler(time.UTC)
		_, err := sweeper.Every(cfg.CacheSweepInterval).Do(func() {
			removed := memStore.Sweep(context.Background())
			if removed > 0 {
				observability.CacheSweepRemovedTotal.Add(float64(removed))
				logger.Debug("cache sweep", zap.Int("removed", removed))
			}
		})
		if err != nil {
			logger.Error("cache sweep schedule", zap.Error(err))
		} else {
			sweeper.StartAsync()
		}
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 80,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     50,
		StartTime:            time.Now(),
		BreakerState:         breakerClient.State,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(gw, healthConfig, logger)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/status/cache", handler.GetCacheStatus).Methods("GET")
	router.HandleFunc("/status/usage", handler.GetUsageStatus).Methods("GET")

	apiRouter := router.PathPrefix("/").Subrouter()
	apiRouter.Use(httphandler.RateLimitMiddleware(limiter))
	apiRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	apiRouter.HandleFunc("/weather/current", handler.GetCurrentWeather).Methods("GET")
	apiRouter.HandleFunc("/weather/forecast", handler.GetForecast).Methods("GET")
	apiRouter.HandleFunc("/weather/zip/{zip}", handler.GetWeatherByZIP).Methods("GET")
	apiRouter.HandleFunc("/locations/search", handler.SearchLocations).Methods("GET")
	apiRouter.HandleFunc("/air/quality", handler.GetAirQuality).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
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
	if warmer != nil {
		warmer.Stop()
	}
	if sweeper != nil {
		sweeper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	if inFlight > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
		}
		waitCancel()
	}

	// Prometheus is pull-based; only the log buffers need flushing. Sync on
	// stderr routinely fails, so the error is not worth reporting.
	_ = logger.Sync()

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
