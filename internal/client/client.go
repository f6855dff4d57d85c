package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/weathertools/owm-gateway/internal/location"
	"github.com/weathertools/owm-gateway/internal/models"
	"github.com/weathertools/owm-gateway/internal/observability"
)

// WeatherAPI is the upstream surface the gateway depends on. All payloads come
// back in canonical metric units; unit conversion happens on the read path.
type WeatherAPI interface {
	CurrentWeather(ctx context.Context, q location.Query) (models.CurrentWeather, error)
	Forecast(ctx context.Context, q location.Query, days int) (models.Forecast, error)
	SearchLocations(ctx context.Context, name string, limit int) ([]models.LocationMatch, error)
	AirQuality(ctx context.Context, lat, lon float64) (models.AirQuality, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

type OpenWeatherClient struct {
	apiKey  string
	baseURL string
	geoURL  string
	timeout time.Duration
	client  *http.Client
}

func NewOpenWeatherClient(apiKey, baseURL, geoURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}

	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		geoURL:  strings.TrimRight(geoURL, "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type owmWeatherResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Pressure  int     `json:"pressure"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	Visibility int   `json:"visibility"`
	Dt         int64 `json:"dt"`
	Sys        struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Name string `json:"name"`
}

type owmForecastResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Pressure  int     `json:"pressure"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
			Icon        string `json:"icon"`
		} `json:"weather"`
		Wind struct {
			Speed float64 `json:"speed"`
			Deg   int     `json:"deg"`
		} `json:"wind"`
		Clouds struct {
			All int `json:"all"`
		} `json:"clouds"`
		Rain struct {
			ThreeHour float64 `json:"3h"`
		} `json:"rain"`
		Snow struct {
			ThreeHour float64 `json:"3h"`
		} `json:"snow"`
	} `json:"list"`
	City struct {
		Name  string `json:"name"`
		Coord struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"coord"`
		Country  string `json:"country"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
}

type owmGeoEntry struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state"`
}

type owmAirResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	List []struct {
		Main struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components struct {
			CO   float64 `json:"co"`
			NO2  float64 `json:"no2"`
			O3   float64 `json:"o3"`
			SO2  float64 `json:"so2"`
			PM25 float64 `json:"pm2_5"`
			PM10 float64 `json:"pm10"`
		} `json:"components"`
		Dt int64 `json:"dt"`
	} `json:"list"`
}

func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, q location.Query) (models.CurrentWeather, error) {
	params := url.Values{}
	addLocationParams(params, q)

	body, err := c.get(ctx, "weather", c.baseURL+"/weather", params)
	if err != nil {
		return models.CurrentWeather{}, err
	}

	var resp owmWeatherResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.CurrentWeather{}, fmt.Errorf("parse response: %w", err)
	}

	return mapCurrent(resp, q), nil
}

func (c *OpenWeatherClient) Forecast(ctx context.Context, q location.Query, days int) (models.Forecast, error) {
	params := url.Values{}
	addLocationParams(params, q)
	// The 5-day endpoint returns 3-hourly entries, 8 per day.
	params.Set("cnt", strconv.Itoa(days*8))

	body, err := c.get(ctx, "forecast", c.baseURL+"/forecast", params)
	if err != nil {
		return models.Forecast{}, err
	}

	var resp owmForecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Forecast{}, fmt.Errorf("parse response: %w", err)
	}

	return mapForecast(resp), nil
}

func (c *OpenWeatherClient) SearchLocations(ctx context.Context, name string, limit int) ([]models.LocationMatch, error) {
	params := url.Values{}
	params.Set("q", name)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "geocoding", c.geoURL+"/direct", params)
	if err != nil {
		return nil, err
	}

	var entries []owmGeoEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	matches := make([]models.LocationMatch, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, models.LocationMatch{
			Name:        e.Name,
			Country:     e.Country,
			State:       e.State,
			Lat:         e.Lat,
			Lon:         e.Lon,
			Coordinates: fmt.Sprintf("%.4f,%.4f", e.Lat, e.Lon),
		})
	}
	return matches, nil
}

func (c *OpenWeatherClient) AirQuality(ctx context.Context, lat, lon float64) (models.AirQuality, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))

	body, err := c.get(ctx, "air_pollution", c.baseURL+"/air_pollution", params)
	if err != nil {
		return models.AirQuality{}, err
	}

	var resp owmAirResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.AirQuality{}, fmt.Errorf("parse response: %w", err)
	}
	if len(resp.List) == 0 {
		return models.AirQuality{}, fmt.Errorf("%w: empty air quality response", ErrUpstreamFailure)
	}

	return mapAirQuality(resp), nil
}

// ValidateAPIKey probes the weather endpoint with a known-good location to
// verify the configured key before the server starts taking traffic.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	q, err := location.Parse("London")
	if err != nil {
		return err
	}
	_, err = c.CurrentWeather(ctx, q)
	if errors.Is(err, ErrInvalidAPIKey) {
		return err
	}
	// Other failures (network, 5xx) are not the key's fault; surface them but
	// let the caller decide whether to treat them as fatal.
	return err
}

// get performs a single upstream attempt. A failed call is never retried;
// every attempt counts against the daily quota regardless of outcome.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(reqCtx, "GET", u.String(), nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func addLocationParams(params url.Values, q location.Query) {
	switch q.Kind {
	case location.KindCoords:
		params.Set("lat", strconv.FormatFloat(q.Lat, 'f', 4, 64))
		params.Set("lon", strconv.FormatFloat(q.Lon, 'f', 4, 64))
	case location.KindZIP:
		params.Set("zip", q.ZIP+","+q.Country)
	default:
		params.Set("q", q.Name)
	}
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func mapCurrent(resp owmWeatherResponse, q location.Query) models.CurrentWeather {
	condition, description, icon := "", "", ""
	if len(resp.Weather) > 0 {
		condition = resp.Weather[0].Main
		description = resp.Weather[0].Description
		icon = resp.Weather[0].Icon
	}

	loc := models.LocationInfo{
		Name:    resp.Name,
		Country: resp.Sys.Country,
		Lat:     resp.Coord.Lat,
		Lon:     resp.Coord.Lon,
	}
	if loc.Name == "" {
		loc.Name = q.Upstream()
	}
	if q.Kind == location.KindZIP {
		loc.ZIP = q.ZIP
	}

	return models.CurrentWeather{
		Location:    loc,
		Temperature: resp.Main.Temp,
		FeelsLike:   resp.Main.FeelsLike,
		Condition:   condition,
		Description: description,
		Icon:        icon,
		Humidity:    resp.Main.Humidity,
		Pressure:    float64(resp.Main.Pressure),
		WindSpeed:   resp.Wind.Speed,
		WindDeg:     resp.Wind.Deg,
		Clouds:      resp.Clouds.All,
		Visibility:  resp.Visibility,
		Sunrise:     time.Unix(resp.Sys.Sunrise, 0).UTC(),
		Sunset:      time.Unix(resp.Sys.Sunset, 0).UTC(),
		Timestamp:   time.Unix(resp.Dt, 0).UTC(),
		Units:       "metric",
	}
}

func mapForecast(resp owmForecastResponse) models.Forecast {
	byDate := make(map[string][]models.ForecastEntry)
	for _, item := range resp.List {
		condition, description := "", ""
		if len(item.Weather) > 0 {
			condition = item.Weather[0].Main
			description = item.Weather[0].Description
		}
		ts := time.Unix(item.Dt, 0).UTC()
		date := ts.Format("2006-01-02")
		byDate[date] = append(byDate[date], models.ForecastEntry{
			Time:        ts,
			Temperature: item.Main.Temp,
			FeelsLike:   item.Main.FeelsLike,
			Condition:   condition,
			Description: description,
			Humidity:    item.Main.Humidity,
			WindSpeed:   item.Wind.Speed,
			// Rain and snow accumulation over the 3-hour interval, combined.
			Precipitation: item.Rain.ThreeHour + item.Snow.ThreeHour,
			Clouds:        item.Clouds.All,
		})
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	days := make([]models.ForecastDay, 0, len(dates))
	for _, date := range dates {
		days = append(days, models.ForecastDay{Date: date, Entries: byDate[date]})
	}

	return models.Forecast{
		Location: models.LocationInfo{
			Name:    resp.City.Name,
			Country: resp.City.Country,
			Lat:     resp.City.Coord.Lat,
			Lon:     resp.City.Coord.Lon,
		},
		Days:     days,
		Timezone: resp.City.Timezone,
		Units:    "metric",
	}
}

func mapAirQuality(resp owmAirResponse) models.AirQuality {
	entry := resp.List[0]
	return models.AirQuality{
		Lat:         resp.Coord.Lat,
		Lon:         resp.Coord.Lon,
		AQI:         entry.Main.AQI,
		Level:       aqiLevel(entry.Main.AQI),
		Description: aqiDescription(entry.Main.AQI),
		Pollutants: models.Pollutants{
			CO:   entry.Components.CO,
			NO2:  entry.Components.NO2,
			O3:   entry.Components.O3,
			SO2:  entry.Components.SO2,
			PM25: entry.Components.PM25,
			PM10: entry.Components.PM10,
		},
		Timestamp: time.Unix(entry.Dt, 0).UTC(),
	}
}

// aqiLevel maps the upstream 1-5 air quality index to its standard label.
func aqiLevel(aqi int) string {
	switch aqi {
	case 1:
		return "Good"
	case 2:
		return "Fair"
	case 3:
		return "Moderate"
	case 4:
		return "Poor"
	case 5:
		return "Very Poor"
	default:
		return "Unknown"
	}
}

func aqiDescription(aqi int) string {
	switch aqi {
	case 1:
		return "Air quality is satisfactory"
	case 2:
		return "Air quality is acceptable"
	case 3:
		return "Sensitive groups may experience effects"
	case 4:
		return "Health effects possible for everyone"
	case 5:
		return "Health warnings of emergency conditions"
	default:
		return ""
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 400 && code < 500:
		return "client_error"
	case code >= 500:
		return "server_error"
	default:
		return "error"
	}
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}
