// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the runtime configuration of the decoder service
type Config struct {
	HTTPAddr           string
	DatabaseURL        string
	DatabaseReplicaURL string
	RedisURL           string
	SigProviderURL     string
	SigProviderEnabled bool
	SigProviderTimeout time.Duration
	StoreTimeout       time.Duration
	SigCacheTTL        time.Duration
	LogLevel           string
	LogPretty          bool
	DecodeWorkers      int
}

// Load reads the configuration from environment variables. Missing values
// take their defaults; malformed values are errors.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		HTTPAddr:           get("HTTP_ADDR", ":8080"),
		DatabaseURL:        get("DATABASE_URL", ""),
		DatabaseReplicaURL: get("DATABASE_REPLICA_URL", ""),
		RedisURL:           get("REDIS_URL", ""),
		SigProviderURL:     get("SIG_PROVIDER_URL", ""),
		LogLevel:           get("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.SigProviderEnabled, err = parseBool("SIG_PROVIDER_ENABLED", get("SIG_PROVIDER_ENABLED", strconv.FormatBool(cfg.SigProviderURL != ""))); err != nil {
		return nil, err
	}
	if cfg.LogPretty, err = parseBool("LOG_PRETTY", get("LOG_PRETTY", "false")); err != nil {
		return nil, err
	}
	if cfg.SigProviderTimeout, err = parseDuration("SIG_PROVIDER_TIMEOUT", get("SIG_PROVIDER_TIMEOUT", "5s")); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = parseDuration("STORE_TIMEOUT", get("STORE_TIMEOUT", "3s")); err != nil {
		return nil, err
	}
	if cfg.SigCacheTTL, err = parseDuration("SIG_CACHE_TTL", get("SIG_CACHE_TTL", "24h")); err != nil {
		return nil, err
	}
	if cfg.DecodeWorkers, err = strconv.Atoi(get("DECODE_WORKERS", "1")); err != nil || cfg.DecodeWorkers < 1 {
		return nil, fmt.Errorf("invalid DECODE_WORKERS %q: must be a positive integer", get("DECODE_WORKERS", "1"))
	}
	return cfg, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return d, nil
}
