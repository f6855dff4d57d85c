package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds gateway configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	APIKey     string
	APIBaseURL string
	GeoBaseURL string
	APITimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend       string // "in_memory" or "memcached"
	CacheTTL           time.Duration
	CacheMaxEntries    int
	CacheSweepInterval time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	DailyCallLimit int
	DefaultUnits   string

	RateLimitRPS   int
	RateLimitBurst int

	BreakerMaxRequests  int
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout time.Duration

	WarmingEnabled   bool
	WarmingInterval  time.Duration
	WarmingLocations []string

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		BaseURL string `yaml:"base_url"`
		GeoURL  string `yaml:"geo_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		MaxEntries    int    `yaml:"max_entries"`
		SweepInterval string `yaml:"sweep_interval"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Quota struct {
		DailyCallLimit int `yaml:"daily_call_limit"`
	} `yaml:"quota"`

	Units struct {
		Default string `yaml:"default"`
	} `yaml:"units"`

	Reliability struct {
		RateLimitRPS        int     `yaml:"rate_limit_rps"`
		RateLimitBurst      int     `yaml:"rate_limit_burst"`
		BreakerMaxRequests  int     `yaml:"breaker_max_requests"`
		BreakerInterval     string  `yaml:"breaker_interval"`
		BreakerTimeout      string  `yaml:"breaker_timeout"`
		BreakerMinRequests  int     `yaml:"breaker_min_requests"`
		BreakerFailureRatio float64 `yaml:"breaker_failure_ratio"`
		CoalesceEnabled     *bool   `yaml:"coalesce_enabled"`
		CoalesceTimeout     string  `yaml:"coalesce_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Warming struct {
		Enabled   bool     `yaml:"enabled"`
		Interval  string   `yaml:"interval"`
		Locations []string `yaml:"locations"`
	} `yaml:"warming"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	OWMAPIKey string `yaml:"owm_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) plus env.
// The API key comes from OWM_API_KEY env, .env, or config/secrets.yaml, in
// that order. Call from the project root.
func Load() (*Config, error) {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.APIKey = os.Getenv("OWM_API_KEY")
	if cfg.APIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.APIKey = sec.OWMAPIKey
		}
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OWM_API_KEY required (set env, .env, or config/secrets.yaml owm_api_key)")
	}

	cfg.APIBaseURL = fc.WeatherAPI.BaseURL
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.openweathermap.org/data/2.5"
	}
	cfg.GeoBaseURL = fc.WeatherAPI.GeoURL
	if cfg.GeoBaseURL == "" {
		cfg.GeoBaseURL = "https://api.openweathermap.org/geo/1.0"
	}
	cfg.APITimeout = parseDuration(fc.WeatherAPI.Timeout, 2*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	cfg.CacheSweepInterval = parseDuration(fc.Cache.SweepInterval, 5*time.Minute)

	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.DailyCallLimit = fc.Quota.DailyCallLimit
	if cfg.DailyCallLimit <= 0 {
		cfg.DailyCallLimit = 1000
	}

	cfg.DefaultUnits = strings.TrimSpace(strings.ToLower(fc.Units.Default))
	if cfg.DefaultUnits == "" {
		cfg.DefaultUnits = "metric"
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.BreakerMaxRequests = fc.Reliability.BreakerMaxRequests
	if cfg.BreakerMaxRequests <= 0 {
		cfg.BreakerMaxRequests = 3
	}
	cfg.BreakerInterval = parseDuration(fc.Reliability.BreakerInterval, time.Minute)
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)
	cfg.BreakerMinRequests = fc.Reliability.BreakerMinRequests
	if cfg.BreakerMinRequests <= 0 {
		cfg.BreakerMinRequests = 5
	}
	cfg.BreakerFailureRatio = fc.Reliability.BreakerFailureRatio
	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		cfg.BreakerFailureRatio = 0.6
	}

	cfg.CoalesceEnabled = true
	if fc.Reliability.CoalesceEnabled != nil {
		cfg.CoalesceEnabled = *fc.Reliability.CoalesceEnabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.CoalesceTimeout, 10*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, 10*time.Minute)
	cfg.WarmingLocations = fc.Warming.Locations

	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string, falling back to defaultVal on empty
// input, parse error, or a non-positive result.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func validate(cfg *Config) error {
	if cfg.RequestTimeout <= cfg.APITimeout {
		cfg.RequestTimeout = cfg.APITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.DefaultUnits {
	case "metric", "imperial", "standard":
	default:
		return fmt.Errorf("units.default must be metric, imperial, or standard, got %q", cfg.DefaultUnits)
	}
	if cfg.WarmingEnabled && len(cfg.WarmingLocations) == 0 {
		return fmt.Errorf("warming.enabled requires at least one warming.locations entry")
	}
	return nil
}
