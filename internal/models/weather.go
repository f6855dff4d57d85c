package models

import "time"

// Canonical payload types. All measurements are stored in metric units
// (Celsius, meters/second, hPa); conversion to the requested unit system
// happens on the read path, after cache retrieval.

// LocationInfo identifies the resolved place a payload describes.
type LocationInfo struct {
	Name    string  `json:"name,omitempty"`
	Country string  `json:"country,omitempty"`
	State   string  `json:"state,omitempty"`
	ZIP     string  `json:"zip,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// CurrentWeather is the canonical current-conditions payload.
type CurrentWeather struct {
	Location    LocationInfo `json:"location"`
	Temperature float64      `json:"temperature"`
	FeelsLike   float64      `json:"feelsLike"`
	Condition   string       `json:"condition"`
	Description string       `json:"description"`
	Icon        string       `json:"icon,omitempty"`
	Humidity    int          `json:"humidity"`
	Pressure    float64      `json:"pressure"`
	WindSpeed   float64      `json:"windSpeed"`
	WindDeg     int          `json:"windDeg"`
	Clouds      int          `json:"clouds"`
	Visibility  int          `json:"visibility"`
	Sunrise     time.Time    `json:"sunrise,omitempty"`
	Sunset      time.Time    `json:"sunset,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Units       string       `json:"units,omitempty"`
}

// ForecastEntry is a single 3-hour forecast interval.
type ForecastEntry struct {
	Time          time.Time `json:"time"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Condition     string    `json:"condition"`
	Description   string    `json:"description"`
	Humidity      int       `json:"humidity"`
	WindSpeed     float64   `json:"windSpeed"`
	Precipitation float64   `json:"precipitation"`
	Clouds        int       `json:"clouds"`
}

// ForecastDay groups forecast entries by calendar day.
type ForecastDay struct {
	Date    string          `json:"date"` // YYYY-MM-DD
	Entries []ForecastEntry `json:"entries"`
}

// Forecast is the canonical multi-day forecast payload.
type Forecast struct {
	Location LocationInfo  `json:"location"`
	Days     []ForecastDay `json:"days"`
	Timezone int           `json:"timezone"` // shift from UTC in seconds
	Units    string        `json:"units,omitempty"`
}

// LocationMatch is a single geocoding search result.
type LocationMatch struct {
	Name        string  `json:"name"`
	Country     string  `json:"country"`
	State       string  `json:"state,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Coordinates string  `json:"coordinates"` // "lat,lon", usable as a location argument
}

// SearchResult is the geocoding search payload.
type SearchResult struct {
	Query   string          `json:"query"`
	Count   int             `json:"count"`
	Results []LocationMatch `json:"results"`
}

// Pollutants holds pollutant concentrations in μg/m³.
type Pollutants struct {
	CO   float64 `json:"co"`
	NO2  float64 `json:"no2"`
	O3   float64 `json:"o3"`
	SO2  float64 `json:"so2"`
	PM25 float64 `json:"pm2_5"`
	PM10 float64 `json:"pm10"`
}

// AirQuality is the canonical air-pollution payload.
type AirQuality struct {
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	AQI         int        `json:"aqi"` // 1..5
	Level       string     `json:"level"`
	Description string     `json:"description"`
	Pollutants  Pollutants `json:"pollutants"`
	Timestamp   time.Time  `json:"timestamp"`
}
