package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/weathertools/owm-gateway/internal/cache"
	"github.com/weathertools/owm-gateway/internal/client"
	"github.com/weathertools/owm-gateway/internal/location"
	"github.com/weathertools/owm-gateway/internal/models"
	"github.com/weathertools/owm-gateway/internal/quota"
	"github.com/weathertools/owm-gateway/internal/units"
)

type fakeAPI struct {
	mu              sync.Mutex
	currentCalls    int
	forecastCalls   int
	searchCalls     int
	airCalls        int
	lastSearchLimit int
	err             error
	current         models.CurrentWeather
	forecast        models.Forecast
	matches         []models.LocationMatch
	air             models.AirQuality
}

func (f *fakeAPI) CurrentWeather(ctx context.Context, q location.Query) (models.CurrentWeather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentCalls++
	if f.err != nil {
		return models.CurrentWeather{}, f.err
	}
	return f.current, nil
}

func (f *fakeAPI) Forecast(ctx context.Context, q location.Query, days int) (models.Forecast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forecastCalls++
	if f.err != nil {
		return models.Forecast{}, f.err
	}
	return f.forecast, nil
}

func (f *fakeAPI) SearchLocations(ctx context.Context, name string, limit int) ([]models.LocationMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.lastSearchLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func (f *fakeAPI) AirQuality(ctx context.Context, lat, lon float64) (models.AirQuality, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.airCalls++
	if f.err != nil {
		return models.AirQuality{}, f.err
	}
	return f.air, nil
}

func (f *fakeAPI) ValidateAPIKey(ctx context.Context) error { return nil }

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentCalls + f.forecastCalls + f.searchCalls + f.airCalls
}

func londonWeather() models.CurrentWeather {
	return models.CurrentWeather{
		Location:    models.LocationInfo{Name: "London", Country: "GB", Lat: 51.5074, Lon: -0.1278},
		Temperature: 20.0,
		FeelsLike:   19.0,
		Condition:   "Clear",
		WindSpeed:   5.0,
		Units:       "metric",
	}
}

func newTestGateway(api client.WeatherAPI, limit int, ttl time.Duration) *Gateway {
	return New(api, cache.NewInMemoryCache(), quota.New(limit), ttl, units.Metric, false, 0)
}

func TestCurrentWeather_MissThenHit(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	first, err := g.CurrentWeather(ctx, "London", "")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := g.CurrentWeather(ctx, "London", "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if fake.currentCalls != 1 {
		t.Errorf("upstream calls = %d, want 1 (second served from cache)", fake.currentCalls)
	}
	if first.Temperature != second.Temperature {
		t.Errorf("cached result differs: %v vs %v", first.Temperature, second.Temperature)
	}

	stats := g.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("cache stats = %d hits, %d misses; want 1, 1", stats.Hits, stats.Misses)
	}
}

func TestCurrentWeather_NormalizedInputsShareEntry(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	for _, input := range []string{"London", "london", "  LONDON  "} {
		if _, err := g.CurrentWeather(ctx, input, ""); err != nil {
			t.Fatalf("CurrentWeather(%q): %v", input, err)
		}
	}
	if fake.currentCalls != 1 {
		t.Errorf("upstream calls = %d, want 1 for normalized variants", fake.currentCalls)
	}
}

func TestCurrentWeather_UnitConversionOnReadPath(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	// Populate the cache with a metric request.
	metric, err := g.CurrentWeather(ctx, "London", "metric")
	if err != nil {
		t.Fatal(err)
	}
	if metric.Temperature != 20.0 || metric.Units != "metric" {
		t.Fatalf("metric read = %v %s", metric.Temperature, metric.Units)
	}

	// Imperial read must come from the same cache entry, converted.
	imperial, err := g.CurrentWeather(ctx, "London", "imperial")
	if err != nil {
		t.Fatal(err)
	}
	if fake.currentCalls != 1 {
		t.Errorf("upstream calls = %d, want 1 (imperial served from metric cache)", fake.currentCalls)
	}
	if imperial.Temperature != 68.0 {
		t.Errorf("imperial temperature = %v, want 68.0", imperial.Temperature)
	}
	if imperial.Units != "imperial" {
		t.Errorf("units = %q, want imperial", imperial.Units)
	}

	standard, err := g.CurrentWeather(ctx, "London", "standard")
	if err != nil {
		t.Fatal(err)
	}
	if standard.Temperature != 293.2 {
		t.Errorf("standard temperature = %v, want 293.2", standard.Temperature)
	}
}

func TestCurrentWeather_InvalidInputs(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	tests := []struct {
		name     string
		location string
		units    string
	}{
		{"empty location", "", ""},
		{"bad characters", "London<script>", ""},
		{"bad units", "London", "celsius"},
		{"out of range coords", "95,0", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.CurrentWeather(ctx, tt.location, tt.units)
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != KindInvalidInput {
				t.Errorf("kind = %v, want KindInvalidInput", KindOf(err))
			}
		})
	}
	if fake.currentCalls != 0 {
		t.Errorf("invalid input reached upstream %d times", fake.currentCalls)
	}
}

func TestQuota_ExhaustionRefusesWithoutUpstreamCall(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := newTestGateway(fake, 2, 10*time.Minute)
	ctx := context.Background()

	if _, err := g.CurrentWeather(ctx, "London", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CurrentWeather(ctx, "Paris", ""); err != nil {
		t.Fatal(err)
	}

	// Third distinct location: quota exhausted, no upstream attempt.
	_, err := g.CurrentWeather(ctx, "Tokyo", "")
	if err == nil {
		t.Fatal("expected quota error")
	}
	if KindOf(err) != KindQuotaExceeded {
		t.Errorf("kind = %v, want KindQuotaExceeded", KindOf(err))
	}
	if fake.currentCalls != 2 {
		t.Errorf("upstream calls = %d, want 2", fake.currentCalls)
	}

	// Cached entries still serve while the quota is exhausted.
	if _, err := g.CurrentWeather(ctx, "London", ""); err != nil {
		t.Errorf("cached read failed under exhausted quota: %v", err)
	}

	stats := g.UsageStats()
	if stats.Count != 2 || stats.Remaining != 0 {
		t.Errorf("usage = %+v", stats)
	}
}

func TestQuota_FailedAttemptStillCharged(t *testing.T) {
	fake := &fakeAPI{err: client.ErrUpstreamFailure}
	g := newTestGateway(fake, 10, 10*time.Minute)
	ctx := context.Background()

	_, err := g.CurrentWeather(ctx, "London", "")
	if KindOf(err) != KindUpstreamUnavailable {
		t.Fatalf("kind = %v, want KindUpstreamUnavailable", KindOf(err))
	}
	if got := g.UsageStats().Count; got != 1 {
		t.Errorf("quota count = %d, want 1 (failed attempt charged)", got)
	}
}

func TestNoNegativeCaching(t *testing.T) {
	fake := &fakeAPI{err: client.ErrUpstreamFailure}
	g := newTestGateway(fake, 10, 10*time.Minute)
	ctx := context.Background()

	if _, err := g.CurrentWeather(ctx, "London", ""); err == nil {
		t.Fatal("expected error")
	}

	// Upstream recovers: the next request must retry, not serve a cached failure.
	fake.mu.Lock()
	fake.err = nil
	fake.current = londonWeather()
	fake.mu.Unlock()

	got, err := g.CurrentWeather(ctx, "London", "")
	if err != nil {
		t.Fatalf("recovered call failed: %v", err)
	}
	if got.Temperature != 20.0 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if fake.currentCalls != 2 {
		t.Errorf("upstream calls = %d, want 2", fake.currentCalls)
	}
}

func TestCurrentWeather_NotFound(t *testing.T) {
	fake := &fakeAPI{err: client.ErrLocationNotFound}
	g := newTestGateway(fake, 10, 10*time.Minute)

	_, err := g.CurrentWeather(context.Background(), "Atlantis", "")
	if KindOf(err) != KindLocationNotFound {
		t.Errorf("kind = %v, want KindLocationNotFound", KindOf(err))
	}
	// Not-found responses are not cached either.
	if _, err := g.CurrentWeather(context.Background(), "Atlantis", ""); err == nil {
		t.Error("expected error on second call")
	}
	if fake.currentCalls != 2 {
		t.Errorf("upstream calls = %d, want 2", fake.currentCalls)
	}
}

func TestTTLExpiry_RefetchesAfterExpiry(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := newTestGateway(fake, 100, 5*time.Millisecond)
	ctx := context.Background()

	if _, err := g.CurrentWeather(ctx, "London", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := g.CurrentWeather(ctx, "London", ""); err != nil {
		t.Fatal(err)
	}
	if fake.currentCalls != 2 {
		t.Errorf("upstream calls = %d, want 2 after TTL expiry", fake.currentCalls)
	}
}

func TestForecast_DaysValidationAndClamp(t *testing.T) {
	fake := &fakeAPI{forecast: models.Forecast{
		Location: models.LocationInfo{Name: "London", Country: "GB"},
		Days:     []models.ForecastDay{{Date: "2026-08-30"}},
		Units:    "metric",
	}}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	if _, err := g.Forecast(ctx, "London", "", 0); KindOf(err) != KindInvalidInput {
		t.Errorf("days=0: kind = %v, want KindInvalidInput", KindOf(err))
	}
	if _, err := g.Forecast(ctx, "London", "", -1); KindOf(err) != KindInvalidInput {
		t.Errorf("days=-1: kind = %v, want KindInvalidInput", KindOf(err))
	}

	// 7 clamps to 5, sharing a fingerprint with an explicit 5.
	if _, err := g.Forecast(ctx, "London", "", 7); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Forecast(ctx, "London", "", 5); err != nil {
		t.Fatal(err)
	}
	if fake.forecastCalls != 1 {
		t.Errorf("upstream calls = %d, want 1 (clamped days share cache entry)", fake.forecastCalls)
	}

	// A different day count is a different fingerprint.
	if _, err := g.Forecast(ctx, "London", "", 3); err != nil {
		t.Fatal(err)
	}
	if fake.forecastCalls != 2 {
		t.Errorf("upstream calls = %d, want 2", fake.forecastCalls)
	}
}

func TestSearch(t *testing.T) {
	fake := &fakeAPI{matches: []models.LocationMatch{
		{Name: "Portland", Country: "US", State: "Oregon", Lat: 45.5152, Lon: -122.6784},
		{Name: "Portland", Country: "US", State: "Maine", Lat: 43.6591, Lon: -70.2568},
	}}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	got, err := g.Search(ctx, "Portland", 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 2 || len(got.Results) != 2 {
		t.Errorf("count = %d, results = %d", got.Count, len(got.Results))
	}
	if got.Query != "portland" {
		t.Errorf("query = %q, want portland", got.Query)
	}

	// Second identical search comes from cache.
	if _, err := g.Search(ctx, "portland", 5); err != nil {
		t.Fatal(err)
	}
	if fake.searchCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", fake.searchCalls)
	}
}

func TestSearch_LimitClamped(t *testing.T) {
	fake := &fakeAPI{matches: []models.LocationMatch{
		{Name: "Portland", Country: "US", State: "Oregon", Lat: 45.5152, Lon: -122.6784},
	}}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	if _, err := g.Search(ctx, "Portland", 8); err != nil {
		t.Fatal(err)
	}
	if fake.lastSearchLimit != 5 {
		t.Errorf("upstream limit = %d, want 5", fake.lastSearchLimit)
	}

	// The clamped value feeds the fingerprint: 8 and 5 share one cache entry.
	if _, err := g.Search(ctx, "Portland", 5); err != nil {
		t.Fatal(err)
	}
	if fake.searchCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", fake.searchCalls)
	}
}

func TestSearch_EmptyResultIsCached(t *testing.T) {
	fake := &fakeAPI{matches: nil}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	got, err := g.Search(ctx, "Xyzzyville", 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 0 {
		t.Errorf("count = %d, want 0", got.Count)
	}

	// An empty match list is a successful payload, not a failure: cache it.
	if _, err := g.Search(ctx, "Xyzzyville", 5); err != nil {
		t.Fatal(err)
	}
	if fake.searchCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", fake.searchCalls)
	}
}

func TestCurrentWeatherByZIP(t *testing.T) {
	w := londonWeather()
	w.Location = models.LocationInfo{Name: "New York", Country: "US", ZIP: "10001"}
	fake := &fakeAPI{current: w}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	got, err := g.CurrentWeatherByZIP(ctx, "10001", "imperial")
	if err != nil {
		t.Fatal(err)
	}
	if got.Location.ZIP != "10001" {
		t.Errorf("zip = %q", got.Location.ZIP)
	}
	if got.Temperature != 68.0 {
		t.Errorf("imperial temperature = %v, want 68.0", got.Temperature)
	}

	// Country-case variants normalize to the same fingerprint.
	if _, err := g.CurrentWeatherByZIP(ctx, "10001,us", ""); err != nil {
		t.Fatal(err)
	}
	if fake.currentCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", fake.currentCalls)
	}

	if _, err := g.CurrentWeatherByZIP(ctx, "bad<zip>", ""); KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %v, want KindInvalidInput", KindOf(err))
	}
}

func TestAirQuality_ByCoords(t *testing.T) {
	fake := &fakeAPI{air: models.AirQuality{AQI: 2, Level: "Fair", Lat: 51.5074, Lon: -0.1278}}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	got, err := g.AirQuality(ctx, "51.5074,-0.1278")
	if err != nil {
		t.Fatal(err)
	}
	if got.AQI != 2 {
		t.Errorf("aqi = %d, want 2", got.AQI)
	}
	if fake.searchCalls != 0 {
		t.Errorf("coordinate input should not geocode, searchCalls = %d", fake.searchCalls)
	}

	if _, err := g.AirQuality(ctx, "51.5074,-0.1278"); err != nil {
		t.Fatal(err)
	}
	if fake.airCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", fake.airCalls)
	}
}

func TestAirQuality_ResolvesNameThroughGeocoding(t *testing.T) {
	fake := &fakeAPI{
		matches: []models.LocationMatch{{Name: "London", Country: "GB", Lat: 51.5074, Lon: -0.1278}},
		air:     models.AirQuality{AQI: 3, Level: "Moderate"},
	}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	got, err := g.AirQuality(ctx, "London")
	if err != nil {
		t.Fatal(err)
	}
	if got.AQI != 3 {
		t.Errorf("aqi = %d", got.AQI)
	}
	if fake.searchCalls != 1 || fake.airCalls != 1 {
		t.Errorf("calls = %d search, %d air; want 1, 1", fake.searchCalls, fake.airCalls)
	}

	// Second lookup: both the geocoding result and the air payload are cached.
	if _, err := g.AirQuality(ctx, "London"); err != nil {
		t.Fatal(err)
	}
	if fake.searchCalls != 1 || fake.airCalls != 1 {
		t.Errorf("second lookup hit upstream: %d search, %d air", fake.searchCalls, fake.airCalls)
	}
}

func TestAirQuality_NameWithNoMatches(t *testing.T) {
	fake := &fakeAPI{matches: nil}
	g := newTestGateway(fake, 100, 10*time.Minute)

	_, err := g.AirQuality(context.Background(), "Atlantis")
	if KindOf(err) != KindLocationNotFound {
		t.Errorf("kind = %v, want KindLocationNotFound", KindOf(err))
	}
}

func TestCoalescing_BurstChargesQuotaOnce(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := New(fake, cache.NewInMemoryCache(), quota.New(100), 10*time.Minute, units.Metric, true, 5*time.Second)
	ctx := context.Background()

	const burst = 10
	var wg sync.WaitGroup
	errs := make(chan error, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.CurrentWeather(ctx, "London", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("burst call failed: %v", err)
		}
	}

	if fake.currentCalls != 1 {
		t.Errorf("upstream calls = %d, want 1 for coalesced burst", fake.currentCalls)
	}
	if got := g.UsageStats().Count; got != 1 {
		t.Errorf("quota count = %d, want 1", got)
	}
}

func TestQuotaError_PropagatesToCoalescedWaiters(t *testing.T) {
	fake := &fakeAPI{current: londonWeather()}
	g := New(fake, cache.NewInMemoryCache(), quota.New(0), 10*time.Minute, units.Metric, true, 5*time.Second)

	var wg sync.WaitGroup
	kinds := make(chan Kind, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.CurrentWeather(context.Background(), "London", "")
			kinds <- KindOf(err)
		}()
	}
	wg.Wait()
	close(kinds)
	for kind := range kinds {
		if kind != KindQuotaExceeded {
			t.Errorf("kind = %v, want KindQuotaExceeded", kind)
		}
	}
	if fake.currentCalls != 0 {
		t.Errorf("upstream calls = %d, want 0", fake.currentCalls)
	}
}

func TestOperationsUseDistinctFingerprints(t *testing.T) {
	fake := &fakeAPI{
		current:  londonWeather(),
		forecast: models.Forecast{Location: models.LocationInfo{Name: "London"}, Units: "metric"},
	}
	g := newTestGateway(fake, 100, 10*time.Minute)
	ctx := context.Background()

	if _, err := g.CurrentWeather(ctx, "London", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Forecast(ctx, "London", "", 5); err != nil {
		t.Fatal(err)
	}
	if fake.currentCalls != 1 || fake.forecastCalls != 1 {
		t.Errorf("calls = %d current, %d forecast; operations must not share cache entries",
			fake.currentCalls, fake.forecastCalls)
	}
}

func TestClassifyUpstream_BreakerOpen(t *testing.T) {
	err := classifyUpstream(client.ErrBreakerOpen)
	if err.Kind != KindUpstreamUnavailable {
		t.Errorf("kind = %v, want KindUpstreamUnavailable", err.Kind)
	}
	if !errors.Is(err, client.ErrBreakerOpen) {
		t.Error("cause not reachable through errors.Is")
	}
}
