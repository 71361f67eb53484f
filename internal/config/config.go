// Package config handles file- and environment-based configuration of the
// storage engine. Values resolve in three layers: defaults, then an
// optional YAML file, then HARP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Blob backends.
const (
	BlobStorageSQL   = "sql"
	BlobStorageRedis = "redis"
)

// Config holds every setting of the storage engine. None of it is
// hot-updatable; the facade reads it once at construction.
type Config struct {
	// Relational engine: "sqlite", "postgres" or "mysql", and its DSN
	// (a file path for sqlite).
	Dialect string `yaml:"dialect" json:"dialect"`
	DSN     string `yaml:"dsn" json:"dsn"`

	// CreateAll bootstraps a fresh schema on the server engines too.
	// Normally their schema is owned by the external migration tool;
	// sqlite always migrates itself.
	CreateAll bool `yaml:"create_all" json:"create_all"`

	// Blob storage: "sql" keeps blobs in the relational engine,
	// "redis" moves them to an external key-value store.
	BlobStorage      string `yaml:"blob_storage" json:"blob_storage"`
	RedisURL         string `yaml:"redis_url" json:"redis_url"`
	BlobCacheEntries int    `yaml:"blob_cache_entries" json:"blob_cache_entries"`

	// Full-text search strategy: "auto", "native" or "portable".
	SearchMode string `yaml:"search_mode" json:"search_mode"`

	// Janitor.
	RetentionWindow Duration `yaml:"retention_window" json:"retention_window"`
	JanitorSchedule string   `yaml:"janitor_schedule" json:"janitor_schedule"`
}

// Default returns the built-in configuration: embedded sqlite, blobs in
// the relational engine, two months of retention.
func Default() *Config {
	return &Config{
		Dialect:          "sqlite",
		DSN:              "harp.db",
		BlobStorage:      BlobStorageSQL,
		BlobCacheEntries: 2048,
		SearchMode:       "auto",
		RetentionWindow:  Duration(60 * 24 * time.Hour),
		JanitorSchedule:  "@every 10m",
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment variables. All
// validation problems are reported together.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var errs []string
	cfg.Dialect = envStr("HARP_STORAGE_DIALECT", cfg.Dialect)
	cfg.DSN = envStr("HARP_STORAGE_DSN", cfg.DSN)
	cfg.CreateAll = envBool("HARP_STORAGE_CREATE_ALL", cfg.CreateAll, &errs)
	cfg.BlobStorage = envStr("HARP_BLOB_STORAGE", cfg.BlobStorage)
	cfg.RedisURL = envStr("HARP_BLOB_REDIS_URL", cfg.RedisURL)
	cfg.BlobCacheEntries = envInt("HARP_BLOB_CACHE_ENTRIES", cfg.BlobCacheEntries, &errs)
	cfg.SearchMode = envStr("HARP_SEARCH_MODE", cfg.SearchMode)
	cfg.RetentionWindow = Duration(envDuration("HARP_RETENTION_WINDOW", cfg.RetentionWindow.Std(), &errs))
	cfg.JanitorSchedule = envStr("HARP_JANITOR_SCHEDULE", cfg.JanitorSchedule)

	cfg.validate(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func (c *Config) validate(errs *[]string) {
	switch c.Dialect {
	case "sqlite", "postgres", "mysql":
	default:
		*errs = append(*errs, fmt.Sprintf("HARP_STORAGE_DIALECT: unknown dialect %q (allowed: sqlite, postgres, mysql)", c.Dialect))
	}
	if c.DSN == "" {
		*errs = append(*errs, "HARP_STORAGE_DSN must not be empty")
	}

	switch c.BlobStorage {
	case BlobStorageSQL:
	case BlobStorageRedis:
		if c.RedisURL == "" {
			*errs = append(*errs, "HARP_BLOB_REDIS_URL: required when HARP_BLOB_STORAGE is redis")
		}
	default:
		*errs = append(*errs, fmt.Sprintf("HARP_BLOB_STORAGE: unknown backend %q (allowed: %s, %s)", c.BlobStorage, BlobStorageSQL, BlobStorageRedis))
	}
	validatePositive("HARP_BLOB_CACHE_ENTRIES", c.BlobCacheEntries, errs)

	switch c.SearchMode {
	case "auto", "native", "portable":
	default:
		*errs = append(*errs, fmt.Sprintf("HARP_SEARCH_MODE: unknown mode %q (allowed: auto, native, portable)", c.SearchMode))
	}

	if c.RetentionWindow.Std() <= 0 {
		*errs = append(*errs, "HARP_RETENTION_WINDOW must be positive")
	}
	if _, err := cron.ParseStandard(c.JanitorSchedule); err != nil {
		*errs = append(*errs, fmt.Sprintf("HARP_JANITOR_SCHEDULE: invalid cron expression %q: %v", c.JanitorSchedule, err))
	}
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
