package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/weathertools/owm-gateway/internal/models"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	failFor map[string]error
}

func (f *fakeFetcher) CurrentWeather(ctx context.Context, location, unitSystem string) (models.CurrentWeather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, location)
	if err, ok := f.failFor[location]; ok {
		return models.CurrentWeather{}, err
	}
	return models.CurrentWeather{Location: models.LocationInfo{Name: location}}, nil
}

func TestWarm_FetchesAllLocations(t *testing.T) {
	fetcher := &fakeFetcher{}
	warmer := NewCacheWarmer(fetcher, zap.NewNop())

	err := warmer.Warm(context.Background(), []string{"London", "Tokyo", "Sydney"})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.fetched) != 3 {
		t.Errorf("fetched %d locations, want 3", len(fetcher.fetched))
	}
}

func TestWarm_AggregatesErrors(t *testing.T) {
	fetcher := &fakeFetcher{failFor: map[string]error{
		"Tokyo": errors.New("upstream down"),
	}}
	warmer := NewCacheWarmer(fetcher, zap.NewNop())

	err := warmer.Warm(context.Background(), []string{"London", "Tokyo"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Tokyo") {
		t.Errorf("error = %v, want mention of failed location", err)
	}

	// The healthy location still got warmed.
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.fetched) != 2 {
		t.Errorf("fetched %d locations, want 2", len(fetcher.fetched))
	}
}

func TestStartPeriodic_RejectsNonPositiveInterval(t *testing.T) {
	warmer := NewCacheWarmer(&fakeFetcher{}, zap.NewNop())
	if err := warmer.StartPeriodic([]string{"London"}, 0); err == nil {
		t.Error("expected error for zero interval")
	}
	warmer.Stop() // safe without StartPeriodic
}
