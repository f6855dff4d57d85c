package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/weathertools/owm-gateway/internal/models"
	"github.com/weathertools/owm-gateway/internal/observability"
)

// WeatherFetcher is implemented by the gateway to fetch current weather for
// a location. Used by CacheWarmer to avoid a circular dependency on the
// gateway package. Warming goes through the normal request path, so it
// populates the cache and charges the usage quota like any other request.
type WeatherFetcher interface {
	CurrentWeather(ctx context.Context, location, unitSystem string) (models.CurrentWeather, error)
}

// CacheWarmer prefetches current weather for a list of locations so the
// first caller of the day gets a cache hit.
type CacheWarmer struct {
	fetcher   WeatherFetcher
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches current weather for each location concurrently.
// Returns an aggregated error if any location failed.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("locations", len(locations)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(locations))
	for _, loc := range locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.CurrentWeather(ctx, loc, ""); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("locations", len(locations)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// StartPeriodic runs an initial Warm, then refreshes on the given interval
// via a background scheduler until Stop is called. Each run uses a timeout
// slightly below the interval so runs never pile up.
func (w *CacheWarmer) StartPeriodic(locations []string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("warm interval must be positive, got %v", interval)
	}
	w.scheduler = gocron.NewScheduler(time.UTC)
	_, err := w.scheduler.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout(interval))
		defer cancel()
		if err := w.Warm(ctx, locations); err != nil && w.logger != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	w.scheduler.StartAsync()
	return nil
}

// Stop halts periodic warming. Safe to call when StartPeriodic was never run.
func (w *CacheWarmer) Stop() {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
}

func runTimeout(interval time.Duration) time.Duration {
	timeout := interval / 2
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	return timeout
}
