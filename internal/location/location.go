// Package location parses and normalizes the location inputs accepted by the
// gateway: place names ("London", "Portland,US"), coordinate pairs
// ("51.5074,-0.1278"), and postal codes ("10001,US").
package location

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	maxNameLen = 100
	maxZIPLen  = 16
)

var (
	ErrEmpty          = errors.New("location is empty")
	ErrTooLong        = errors.New("location is too long")
	ErrBadCharacters  = errors.New("location contains invalid characters")
	ErrBadCoordinates = errors.New("coordinates out of range")
	ErrBadZIP         = errors.New("invalid zip code")
)

// Kind discriminates how a query string resolves to a place.
type Kind int

const (
	KindName Kind = iota
	KindCoords
	KindZIP
)

// Query is a parsed, normalized location input.
type Query struct {
	Kind Kind

	// KindName
	Name string

	// KindCoords
	Lat float64
	Lon float64

	// KindZIP
	ZIP     string
	Country string
}

// Parse interprets raw input as coordinates when it looks like "lat,lon",
// otherwise as a place name. ZIP inputs use ParseZIP and are routed separately.
func Parse(raw string) (Query, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Query{}, ErrEmpty
	}
	if len(s) > maxNameLen {
		return Query{}, fmt.Errorf("%w: %d characters (max %d)", ErrTooLong, len(s), maxNameLen)
	}

	if lat, lon, ok := parseCoords(s); ok {
		if lat < -90 || lat > 90 {
			return Query{}, fmt.Errorf("%w: latitude %.4f not in [-90, 90]", ErrBadCoordinates, lat)
		}
		if lon < -180 || lon > 180 {
			return Query{}, fmt.Errorf("%w: longitude %.4f not in [-180, 180]", ErrBadCoordinates, lon)
		}
		return Query{Kind: KindCoords, Lat: lat, Lon: lon}, nil
	}

	if err := validateName(s); err != nil {
		return Query{}, err
	}
	return Query{Kind: KindName, Name: s}, nil
}

// ParseZIP parses a postal code with an optional ",CC" country suffix.
// Country defaults to US when absent, matching the upstream API.
func ParseZIP(raw string) (Query, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Query{}, ErrEmpty
	}

	zip, country := s, "US"
	if i := strings.LastIndex(s, ","); i >= 0 {
		zip = strings.TrimSpace(s[:i])
		country = strings.TrimSpace(s[i+1:])
	}
	if zip == "" || len(zip) > maxZIPLen {
		return Query{}, fmt.Errorf("%w: %q", ErrBadZIP, raw)
	}
	for _, r := range zip {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != ' ' {
			return Query{}, fmt.Errorf("%w: %q", ErrBadZIP, raw)
		}
	}
	if len(country) != 2 || !isAlpha(country) {
		return Query{}, fmt.Errorf("%w: country %q must be a two-letter code", ErrBadZIP, country)
	}
	return Query{Kind: KindZIP, ZIP: zip, Country: strings.ToUpper(country)}, nil
}

// Key returns the normalized form used in cache fingerprints, so that
// "London", "london" and " LONDON " share one cache entry.
func (q Query) Key() string {
	switch q.Kind {
	case KindCoords:
		return fmt.Sprintf("%.4f,%.4f", q.Lat, q.Lon)
	case KindZIP:
		return q.ZIP + "," + q.Country
	default:
		return strings.ToLower(strings.Join(strings.Fields(q.Name), " "))
	}
}

// Upstream returns the value to send as the upstream API's q= or zip= parameter.
func (q Query) Upstream() string {
	switch q.Kind {
	case KindCoords:
		return fmt.Sprintf("%.4f,%.4f", q.Lat, q.Lon)
	case KindZIP:
		return q.ZIP + "," + q.Country
	default:
		return q.Name
	}
}

func parseCoords(s string) (lat, lon float64, ok bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

func validateName(s string) error {
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
		case r == ',' || r == '.' || r == '-' || r == '\'':
		default:
			return fmt.Errorf("%w: %q", ErrBadCharacters, r)
		}
	}
	return nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
