package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/weathertools/owm-gateway/internal/location"
	"github.com/weathertools/owm-gateway/internal/models"
)

// ErrBreakerOpen reports that the circuit breaker is refusing upstream calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings tunes the upstream circuit breaker.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerClient wraps a WeatherAPI with a shared circuit breaker. All five
// endpoints hit the same provider, so one breaker guards them all.
type BreakerClient struct {
	inner   WeatherAPI
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerClient(inner WeatherAPI, settings BreakerSettings, logger *zap.Logger) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweathermap",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Client-side rejections do not indicate upstream health.
			if errors.Is(err, ErrLocationNotFound) || errors.Is(err, ErrInvalidAPIKey) {
				return true
			}
			return err == nil
		},
	})
	return &BreakerClient{inner: inner, breaker: cb}
}

// State returns the breaker state for the status endpoint.
func (b *BreakerClient) State() string {
	return b.breaker.State().String()
}

func (b *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return result, err
}

func (b *BreakerClient) CurrentWeather(ctx context.Context, q location.Query) (models.CurrentWeather, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.inner.CurrentWeather(ctx, q)
	})
	if err != nil {
		return models.CurrentWeather{}, err
	}
	return result.(models.CurrentWeather), nil
}

func (b *BreakerClient) Forecast(ctx context.Context, q location.Query, days int) (models.Forecast, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.inner.Forecast(ctx, q, days)
	})
	if err != nil {
		return models.Forecast{}, err
	}
	return result.(models.Forecast), nil
}

func (b *BreakerClient) SearchLocations(ctx context.Context, name string, limit int) ([]models.LocationMatch, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.inner.SearchLocations(ctx, name, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.LocationMatch), nil
}

func (b *BreakerClient) AirQuality(ctx context.Context, lat, lon float64) (models.AirQuality, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.inner.AirQuality(ctx, lat, lon)
	})
	if err != nil {
		return models.AirQuality{}, err
	}
	return result.(models.AirQuality), nil
}

func (b *BreakerClient) ValidateAPIKey(ctx context.Context) error {
	return b.inner.ValidateAPIKey(ctx)
}
