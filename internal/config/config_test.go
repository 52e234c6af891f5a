package config

import (
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envMap(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != DefaultHTTPAddr || cfg.GRPCAddr != DefaultGRPCAddr {
		t.Fatalf("addresses: %+v", cfg)
	}
	if cfg.CacheTTL != DefaultCacheTTL || cfg.TokenTTL != DefaultTokenTTL {
		t.Fatalf("durations: %+v", cfg)
	}
	if cfg.PGDSN != "" || cfg.RedisURL != "" || cfg.Migrate {
		t.Fatalf("optional backends should default off: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"PASSPORT_HTTP_ADDR":       ":9000",
		"PASSPORT_PG_DSN":          "postgres://localhost/passport",
		"PASSPORT_REDIS_URL":       "redis://localhost:6379/0",
		"PASSPORT_CACHE_TTL":       "5s",
		"PASSPORT_PUBLIC_BASE_URL": "https://passport.example/",
		"PASSPORT_RATE_BURST":      "7",
		"PASSPORT_RATE_PER_SEC":    "2.5",
		"PASSPORT_CORS_ORIGINS":    "https://a.example, ,https://b.example",
		"PASSPORT_MIGRATE":         "true",
		"PASSPORT_LOG_LEVEL":       "WARN",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.CacheTTL != 5*time.Second || cfg.RateBurst != 7 || cfg.RatePerSec != 2.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PublicBaseURL != "https://passport.example" {
		t.Fatalf("base url = %q", cfg.PublicBaseURL)
	}
	if len(cfg.CORSOrigins) != 2 || !cfg.Migrate || cfg.LogLevel != "warn" {
		t.Fatalf("lists/bools: %+v", cfg)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	_, err := Load(envMap(map[string]string{
		"PASSPORT_CACHE_TTL":       "soon",
		"PASSPORT_RATE_BURST":      "-1",
		"PASSPORT_PUBLIC_BASE_URL": "passport.example",
		"PASSPORT_LOG_LEVEL":       "verbose",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"PASSPORT_CACHE_TTL", "PASSPORT_RATE_BURST", "PASSPORT_PUBLIC_BASE_URL", "PASSPORT_LOG_LEVEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
