package units

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/weathertools/owm-gateway/internal/models"
)

// System is a measurement unit system for display values.
type System string

const (
	// Metric: Celsius, meters/second. The canonical system for cached payloads.
	Metric System = "metric"
	// Imperial: Fahrenheit, miles/hour.
	Imperial System = "imperial"
	// Standard: Kelvin, meters/second.
	Standard System = "standard"
)

// ErrUnknownSystem is returned by Parse for an unrecognized unit system name.
var ErrUnknownSystem = errors.New("unknown unit system")

// Parse returns the System for s, or def when s is empty.
func Parse(s string, def System) (System, error) {
	switch System(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case Metric:
		return Metric, nil
	case Imperial:
		return Imperial, nil
	case Standard:
		return Standard, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSystem, s)
}

// WindUnit returns the display unit for wind speed in the given system.
func WindUnit(sys System) string {
	if sys == Imperial {
		return "mph"
	}
	return "m/s"
}

// Temperature converts a Celsius value to the given system, rounded to one decimal.
func Temperature(celsius float64, sys System) float64 {
	switch sys {
	case Imperial:
		return round1(celsius*9/5 + 32)
	case Standard:
		return round1(celsius + 273.15)
	default:
		return round1(celsius)
	}
}

// Speed converts a meters/second value to the given system, rounded to one decimal.
// Imperial uses miles/hour; metric and standard both use m/s.
func Speed(metersPerSecond float64, sys System) float64 {
	if sys == Imperial {
		return round1(metersPerSecond * 2.236936)
	}
	return round1(metersPerSecond)
}

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// ConvertCurrent returns a copy of the canonical metric payload with
// temperature-like and speed values expressed in the requested system.
// The input is not mutated.
func ConvertCurrent(in models.CurrentWeather, sys System) models.CurrentWeather {
	out := in
	out.Temperature = Temperature(in.Temperature, sys)
	out.FeelsLike = Temperature(in.FeelsLike, sys)
	out.WindSpeed = Speed(in.WindSpeed, sys)
	out.Units = string(sys)
	return out
}

// ConvertForecast returns a copy of the canonical forecast with values in
// the requested system. Day and entry slices are reallocated so the cached
// canonical payload is never written through.
func ConvertForecast(in models.Forecast, sys System) models.Forecast {
	out := in
	out.Units = string(sys)
	out.Days = make([]models.ForecastDay, len(in.Days))
	for i, day := range in.Days {
		entries := make([]models.ForecastEntry, len(day.Entries))
		for j, e := range day.Entries {
			e.Temperature = Temperature(e.Temperature, sys)
			e.FeelsLike = Temperature(e.FeelsLike, sys)
			e.WindSpeed = Speed(e.WindSpeed, sys)
			entries[j] = e
		}
		out.Days[i] = models.ForecastDay{Date: day.Date, Entries: entries}
	}
	return out
}
