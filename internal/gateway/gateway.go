// Package gateway routes weather lookups through a shared cache and a daily
// upstream quota. Payloads are cached once in canonical metric units; unit
// conversion happens on the read path, so every unit system is served from
// the same cache entry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weathertools/owm-gateway/internal/cache"
	"github.com/weathertools/owm-gateway/internal/client"
	"github.com/weathertools/owm-gateway/internal/fingerprint"
	"github.com/weathertools/owm-gateway/internal/location"
	"github.com/weathertools/owm-gateway/internal/models"
	"github.com/weathertools/owm-gateway/internal/observability"
	"github.com/weathertools/owm-gateway/internal/quota"
	"github.com/weathertools/owm-gateway/internal/units"
)

const (
	// The 5-day/3-hour upstream endpoint caps forecasts at five days.
	maxForecastDays     = 5
	DefaultForecastDays = 5

	// The geocoding endpoint returns at most five matches per query.
	DefaultSearchLimit = 5
	maxSearchLimit     = 5
)

// Gateway orchestrates the five lookup operations with a cache-aside pattern:
// fingerprint, cache check, quota check, single upstream attempt, store.
type Gateway struct {
	client       client.WeatherAPI
	cache        cache.Cache
	quota        *quota.Tracker
	ttl          time.Duration
	defaultUnits units.System
	stampede     *stampedeTracker
	coalescer    *fetchCoalescer // nil when coalescing is disabled
}

// New builds a Gateway. coalesceTimeout of zero disables request coalescing.
func New(api client.WeatherAPI, store cache.Cache, tracker *quota.Tracker, ttl time.Duration, defaultUnits units.System, coalesceEnabled bool, coalesceTimeout time.Duration) *Gateway {
	var coalescer *fetchCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newFetchCoalescer(coalesceTimeout)
	}
	return &Gateway{
		client:       api,
		cache:        store,
		quota:        tracker,
		ttl:          ttl,
		defaultUnits: defaultUnits,
		stampede:     newStampedeTracker(),
		coalescer:    coalescer,
	}
}

// CurrentWeather returns current conditions for a place name, "lat,lon" pair,
// or other free-form location input, converted to the requested unit system.
func (g *Gateway) CurrentWeather(ctx context.Context, rawLocation, rawUnits string) (models.CurrentWeather, error) {
	q, err := location.Parse(rawLocation)
	if err != nil {
		return models.CurrentWeather{}, classifyInput(err)
	}
	sys, err := units.Parse(rawUnits, g.defaultUnits)
	if err != nil {
		return models.CurrentWeather{}, classifyInput(err)
	}

	observability.RecordWeatherQuery(q.Key())
	fp := fingerprint.Key("current", map[string]string{"location": q.Key()})

	payload, err := g.payload(ctx, "current", fp, q.Key(), func(ctx context.Context) (interface{}, error) {
		return g.client.CurrentWeather(ctx, q)
	})
	if err != nil {
		return models.CurrentWeather{}, err
	}

	var data models.CurrentWeather
	if err := json.Unmarshal(payload, &data); err != nil {
		return models.CurrentWeather{}, &Error{Kind: KindUpstreamUnavailable, Message: "corrupt cached payload", Err: err}
	}
	return units.ConvertCurrent(data, sys), nil
}

// Forecast returns up to five days of 3-hourly forecast entries grouped by
// UTC date. Day counts above the upstream maximum are clamped, non-positive
// counts are rejected.
func (g *Gateway) Forecast(ctx context.Context, rawLocation, rawUnits string, days int) (models.Forecast, error) {
	q, err := location.Parse(rawLocation)
	if err != nil {
		return models.Forecast{}, classifyInput(err)
	}
	sys, err := units.Parse(rawUnits, g.defaultUnits)
	if err != nil {
		return models.Forecast{}, classifyInput(err)
	}
	if days <= 0 {
		return models.Forecast{}, invalidInput(fmt.Sprintf("days must be positive, got %d", days), nil)
	}
	if days > maxForecastDays {
		days = maxForecastDays
	}

	observability.RecordWeatherQuery(q.Key())
	fp := fingerprint.Key("forecast", map[string]string{
		"location": q.Key(),
		"days":     strconv.Itoa(days),
	})

	fetchDays := days
	payload, err := g.payload(ctx, "forecast", fp, q.Key(), func(ctx context.Context) (interface{}, error) {
		return g.client.Forecast(ctx, q, fetchDays)
	})
	if err != nil {
		return models.Forecast{}, err
	}

	var data models.Forecast
	if err := json.Unmarshal(payload, &data); err != nil {
		return models.Forecast{}, &Error{Kind: KindUpstreamUnavailable, Message: "corrupt cached payload", Err: err}
	}
	return units.ConvertForecast(data, sys), nil
}

// Search geocodes a place name into candidate locations with coordinates.
func (g *Gateway) Search(ctx context.Context, rawQuery string, limit int) (models.SearchResult, error) {
	q, err := location.Parse(rawQuery)
	if err != nil {
		return models.SearchResult{}, classifyInput(err)
	}
	if q.Kind != location.KindName {
		return models.SearchResult{}, invalidInput("search expects a place name", nil)
	}
	if limit <= 0 {
		return models.SearchResult{}, invalidInput(fmt.Sprintf("limit must be positive, got %d", limit), nil)
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	fp := fingerprint.Key("search", map[string]string{
		"query": q.Key(),
		"limit": strconv.Itoa(limit),
	})

	fetchLimit := limit
	payload, err := g.payload(ctx, "search", fp, q.Key(), func(ctx context.Context) (interface{}, error) {
		matches, err := g.client.SearchLocations(ctx, q.Name, fetchLimit)
		if err != nil {
			return nil, err
		}
		// Keep nil and empty equivalent in the canonical payload.
		if matches == nil {
			matches = []models.LocationMatch{}
		}
		return matches, nil
	})
	if err != nil {
		return models.SearchResult{}, err
	}

	var matches []models.LocationMatch
	if err := json.Unmarshal(payload, &matches); err != nil {
		return models.SearchResult{}, &Error{Kind: KindUpstreamUnavailable, Message: "corrupt cached payload", Err: err}
	}
	return models.SearchResult{
		Query:   q.Key(),
		Count:   len(matches),
		Results: matches,
	}, nil
}

// CurrentWeatherByZIP returns current conditions for a postal code, with an
// optional ",CC" country suffix (defaults to US).
func (g *Gateway) CurrentWeatherByZIP(ctx context.Context, rawZIP, rawUnits string) (models.CurrentWeather, error) {
	q, err := location.ParseZIP(rawZIP)
	if err != nil {
		return models.CurrentWeather{}, classifyInput(err)
	}
	sys, err := units.Parse(rawUnits, g.defaultUnits)
	if err != nil {
		return models.CurrentWeather{}, classifyInput(err)
	}

	observability.RecordWeatherQuery(q.Key())
	fp := fingerprint.Key("zip", map[string]string{"zip": q.Key()})

	payload, err := g.payload(ctx, "zip", fp, q.Key(), func(ctx context.Context) (interface{}, error) {
		return g.client.CurrentWeather(ctx, q)
	})
	if err != nil {
		return models.CurrentWeather{}, err
	}

	var data models.CurrentWeather
	if err := json.Unmarshal(payload, &data); err != nil {
		return models.CurrentWeather{}, &Error{Kind: KindUpstreamUnavailable, Message: "corrupt cached payload", Err: err}
	}
	return units.ConvertCurrent(data, sys), nil
}

// AirQuality returns the air quality index and pollutant concentrations for a
// location. Place names are resolved to coordinates through the cached
// geocoding path first.
func (g *Gateway) AirQuality(ctx context.Context, rawLocation string) (models.AirQuality, error) {
	q, err := location.Parse(rawLocation)
	if err != nil {
		return models.AirQuality{}, classifyInput(err)
	}

	lat, lon := q.Lat, q.Lon
	if q.Kind != location.KindCoords {
		result, err := g.Search(ctx, q.Name, 1)
		if err != nil {
			return models.AirQuality{}, err
		}
		if result.Count == 0 {
			return models.AirQuality{}, &Error{
				Kind:    KindLocationNotFound,
				Message: fmt.Sprintf("no match for %q", q.Name),
			}
		}
		lat, lon = result.Results[0].Lat, result.Results[0].Lon
	}

	latStr := strconv.FormatFloat(lat, 'f', 4, 64)
	lonStr := strconv.FormatFloat(lon, 'f', 4, 64)
	fp := fingerprint.Key("air", map[string]string{"lat": latStr, "lon": lonStr})

	payload, err := g.payload(ctx, "air", fp, q.Key(), func(ctx context.Context) (interface{}, error) {
		return g.client.AirQuality(ctx, lat, lon)
	})
	if err != nil {
		return models.AirQuality{}, err
	}

	var data models.AirQuality
	if err := json.Unmarshal(payload, &data); err != nil {
		return models.AirQuality{}, &Error{Kind: KindUpstreamUnavailable, Message: "corrupt cached payload", Err: err}
	}
	return data, nil
}

// CacheStats exposes cache counters for the status endpoint.
func (g *Gateway) CacheStats() cache.Stats { return g.cache.Stats() }

// UsageStats exposes today's quota usage for the status endpoint.
func (g *Gateway) UsageStats() quota.Stats { return g.quota.Stats() }

// payload implements the shared miss path: cache check, stampede accounting,
// quota charge, one upstream attempt, store. Failed fetches are never cached.
func (g *Gateway) payload(ctx context.Context, op, fp, locKey string, fetch func(context.Context) (interface{}, error)) ([]byte, error) {
	logger := loggerFromContext(ctx)

	cached, ok, err := g.cache.Get(ctx, fp)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		if logger != nil {
			logger.Warn("cache get failed", zap.String("op", op), zap.String("fingerprint", fp), zap.Error(err))
		}
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(op).Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("op", op), zap.String("fingerprint", fp))
		}
		return cached, nil
	}

	observability.CacheMissesTotal.WithLabelValues(op).Inc()
	concurrentMisses := g.stampede.RecordMiss(fp)
	defer g.stampede.Resolve(fp)
	if concurrentMisses > 1 {
		locLabel := observability.MetricLocationLabel(locKey)
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("op", op), zap.String("fingerprint", fp))
	}

	// The quota charge sits inside the fetch closure so a coalesced burst
	// charges once, not once per waiter.
	fetchAndStore := func() ([]byte, error) {
		if !g.quota.Allow() {
			observability.QuotaRejectedTotal.Inc()
			return nil, quotaExceeded(g.quota.Stats().Limit)
		}

		result, err := fetch(ctx)
		if err != nil {
			return nil, classifyUpstream(err)
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, &Error{Kind: KindUpstreamUnavailable, Message: "encode payload", Err: err}
		}

		if setErr := g.cache.Set(ctx, fp, payload, g.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
			if logger != nil {
				logger.Warn("cache set failed", zap.String("op", op), zap.String("fingerprint", fp), zap.Error(setErr))
			}
		}
		return payload, nil
	}

	if g.coalescer == nil {
		return fetchAndStore()
	}

	waitStart := time.Now()
	payload, coalesced, err := g.coalescer.GetOrDo(ctx, fp, fetchAndStore)
	if coalesced && err == nil {
		observability.RequestCoalescingHitsTotal.Inc()
		observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			return nil, err
		}
		// Coalesced wait timed out or the context was canceled.
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: "coalesced fetch failed", Err: err}
	}
	return payload, nil
}

// loggerFromContext extracts the request-scoped logger placed by the HTTP
// middleware, if any.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
