// Package config reads process configuration from PASSPORT_* environment
// variables so main stays lean.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration of passportd.
type Config struct {
	HTTPAddr      string
	GRPCAddr      string
	PGDSN         string
	RedisURL      string
	CacheTTL      time.Duration
	PublicBaseURL string
	AuthSecret    string
	BootstrapKey  string
	TokenTTL      time.Duration
	RateBurst     int
	RatePerSec    float64
	CORSOrigins   []string
	MaxBodyBytes  int64
	Migrate       bool
	LogLevel      string
}

// Defaults used when a variable is unset.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultGRPCAddr      = ":9090"
	DefaultCacheTTL      = 30 * time.Second
	DefaultPublicBaseURL = "http://localhost:8080"
	DefaultTokenTTL      = 15 * time.Minute
	DefaultRateBurst     = 50
	DefaultRatePerSec    = 20
	DefaultMaxBodyBytes  = 1 << 20
	DefaultLogLevel      = "info"
)

// FromEnv loads configuration from the process environment.
func FromEnv() (Config, error) { return Load(os.Getenv) }

// Load builds a Config from getenv. Malformed values are errors; unset values
// take their defaults.
func Load(getenv func(string) string) (Config, error) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }
	cfg := Config{
		HTTPAddr:      orDefault(get("PASSPORT_HTTP_ADDR"), DefaultHTTPAddr),
		GRPCAddr:      orDefault(get("PASSPORT_GRPC_ADDR"), DefaultGRPCAddr),
		PGDSN:         get("PASSPORT_PG_DSN"),
		RedisURL:      get("PASSPORT_REDIS_URL"),
		PublicBaseURL: strings.TrimRight(orDefault(get("PASSPORT_PUBLIC_BASE_URL"), DefaultPublicBaseURL), "/"),
		AuthSecret:    get("PASSPORT_AUTH_SECRET"),
		BootstrapKey:  get("PASSPORT_BOOTSTRAP_KEY"),
		LogLevel:      strings.ToLower(orDefault(get("PASSPORT_LOG_LEVEL"), DefaultLogLevel)),
	}

	var errs []error
	var err error
	if cfg.CacheTTL, err = duration(get, "PASSPORT_CACHE_TTL", DefaultCacheTTL); err != nil {
		errs = append(errs, err)
	}
	if cfg.TokenTTL, err = duration(get, "PASSPORT_TOKEN_TTL", DefaultTokenTTL); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateBurst, err = integer(get, "PASSPORT_RATE_BURST", DefaultRateBurst); err != nil {
		errs = append(errs, err)
	}
	if cfg.RatePerSec, err = float(get, "PASSPORT_RATE_PER_SEC", DefaultRatePerSec); err != nil {
		errs = append(errs, err)
	}
	body, err := integer(get, "PASSPORT_MAX_BODY_BYTES", DefaultMaxBodyBytes)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxBodyBytes = int64(body)
	if raw := get("PASSPORT_MIGRATE"); raw != "" {
		if cfg.Migrate, err = strconv.ParseBool(raw); err != nil {
			errs = append(errs, fmt.Errorf("PASSPORT_MIGRATE: %w", err))
		}
	}
	if raw := get("PASSPORT_CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	if u, perr := url.Parse(cfg.PublicBaseURL); perr != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PASSPORT_PUBLIC_BASE_URL: must be an absolute URL, got %q", cfg.PublicBaseURL))
	}
	if cfg.RateBurst <= 0 || cfg.RatePerSec <= 0 {
		errs = append(errs, errors.New("PASSPORT_RATE_BURST and PASSPORT_RATE_PER_SEC must be positive"))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("PASSPORT_LOG_LEVEL: unknown level %q", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(get func(string) string, key string, def time.Duration) (time.Duration, error) {
	raw := get(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func integer(get func(string) string, key string, def int) (int, error) {
	raw := get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func float(get func(string) string, key string, def float64) (float64, error) {
	raw := get(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
