package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/weathertools/owm-gateway/internal/gateway"
	"github.com/weathertools/owm-gateway/internal/lifecycle"
	"github.com/weathertools/owm-gateway/internal/traffic"
)

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	StartTime            time.Time
	// CachePing, when set, checks cache reachability (memcached backend).
	CachePing func() error
	// BreakerState, when set, reports the upstream circuit breaker state.
	BreakerState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gateway          *gateway.Gateway
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(gw *gateway.Gateway, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	return &Handler{
		gateway:      gw,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetCurrentWeather handles GET /weather/current?location=&units=.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	units := r.URL.Query().Get("units")

	result, err := h.gateway.CurrentWeather(r.Context(), location, units)
	if err != nil {
		traffic.RecordError()
		writeGatewayError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetForecast handles GET /weather/forecast?location=&units=&days=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	units := r.URL.Query().Get("units")

	days := gateway.DefaultForecastDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "days must be an integer")
			return
		}
		days = parsed
	}

	result, err := h.gateway.Forecast(r.Context(), location, units, days)
	if err != nil {
		traffic.RecordError()
		writeGatewayError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// SearchLocations handles GET /locations/search?q=&limit=.
func (h *Handler) SearchLocations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	limit := gateway.DefaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "limit must be an integer")
			return
		}
		limit = parsed
	}

	result, err := h.gateway.Search(r.Context(), query, limit)
	if err != nil {
		traffic.RecordError()
		writeGatewayError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetWeatherByZIP handles GET /weather/zip/{zip}?units=. The path segment may
// carry a ",CC" country suffix.
func (h *Handler) GetWeatherByZIP(w http.ResponseWriter, r *http.Request) {
	zip := strings.TrimSpace(mux.Vars(r)["zip"])
	units := r.URL.Query().Get("units")

	result, err := h.gateway.CurrentWeatherByZIP(r.Context(), zip, units)
	if err != nil {
		traffic.RecordError()
		writeGatewayError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetAirQuality handles GET /air/quality?location=.
func (h *Handler) GetAirQuality(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")

	result, err := h.gateway.AirQuality(r.Context(), location)
	if err != nil {
		traffic.RecordError()
		writeGatewayError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetCacheStatus handles GET /status/cache.
func (h *Handler) GetCacheStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.gateway.CacheStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hits":    stats.Hits,
		"misses":  stats.Misses,
		"entries": stats.Entries,
		"hitRate": stats.HitRate,
	})
}

// GetUsageStatus handles GET /status/usage.
func (h *Handler) GetUsageStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.gateway.UsageStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":      stats.Date,
		"count":     stats.Count,
		"limit":     stats.Limit,
		"remaining": stats.Remaining,
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.BreakerState != nil {
		checks["upstreamBreaker"] = h.healthConfig.BreakerState()
	}

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "owm-gateway",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.Draining() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}

	if h.healthConfig.OverloadWindow > 0 && h.healthConfig.OverloadThresholdPct > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}

	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errors, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errors) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}

	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with code, message, and
// requestId from the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeGatewayError maps the gateway error taxonomy to HTTP status codes.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code, message string
	switch gateway.KindOf(err) {
	case gateway.KindInvalidInput:
		status, code, message = http.StatusBadRequest, "INVALID_INPUT", err.Error()
	case gateway.KindLocationNotFound:
		status, code, message = http.StatusNotFound, "LOCATION_NOT_FOUND", "location not found"
	case gateway.KindQuotaExceeded:
		status, code, message = http.StatusTooManyRequests, "QUOTA_EXCEEDED", "daily upstream call limit reached"
	default:
		status, code, message = http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "unable to fetch weather data"
	}
	writeError(w, r, status, code, message)

	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("request failed", zap.Int("status", status), zap.Error(err))
	}
}
