package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func yamlUnmarshal(s string, out any) error {
	return yaml.Unmarshal([]byte(s), out)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dialect != "sqlite" || cfg.BlobStorage != BlobStorageSQL {
		t.Fatalf("defaults: dialect=%q blob=%q", cfg.Dialect, cfg.BlobStorage)
	}
	if cfg.RetentionWindow.Std() != 60*24*time.Hour {
		t.Fatalf("default retention: %v", cfg.RetentionWindow.Std())
	}
}

func TestLoadFileAndEnvLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harp.yaml")
	file := `
dialect: postgres
dsn: postgres://localhost/harp
retention_window: 24h
janitor_schedule: "@every 1m"
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	// Env overrides file.
	t.Setenv("HARP_STORAGE_DIALECT", "mysql")
	t.Setenv("HARP_BLOB_CACHE_ENTRIES", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dialect != "mysql" {
		t.Fatalf("env should override file: dialect=%q", cfg.Dialect)
	}
	if cfg.DSN != "postgres://localhost/harp" {
		t.Fatalf("file value lost: dsn=%q", cfg.DSN)
	}
	if cfg.RetentionWindow.Std() != 24*time.Hour {
		t.Fatalf("file retention: %v", cfg.RetentionWindow.Std())
	}
	if cfg.BlobCacheEntries != 16 {
		t.Fatalf("env cache entries: %d", cfg.BlobCacheEntries)
	}
}

func TestLoadCollectsValidationErrors(t *testing.T) {
	t.Setenv("HARP_STORAGE_DIALECT", "oracle")
	t.Setenv("HARP_BLOB_STORAGE", "redis") // no redis_url
	t.Setenv("HARP_RETENTION_WINDOW", "-1h")
	t.Setenv("HARP_JANITOR_SCHEDULE", "not a schedule")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load should fail")
	}
	for _, fragment := range []string{
		"HARP_STORAGE_DIALECT",
		"HARP_BLOB_REDIS_URL",
		"HARP_RETENTION_WINDOW",
		"HARP_JANITOR_SCHEDULE",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error should mention %s, got: %v", fragment, err)
		}
	}
}

func TestLoadBadEnvValues(t *testing.T) {
	t.Setenv("HARP_BLOB_CACHE_ENTRIES", "many")
	t.Setenv("HARP_STORAGE_CREATE_ALL", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatal("unparseable env values should fail validation")
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	var cfg Config
	if err := yamlUnmarshal(`retention_window: 90m`, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.RetentionWindow.Std() != 90*time.Minute {
		t.Fatalf("parsed duration: %v", cfg.RetentionWindow.Std())
	}
	if err := yamlUnmarshal(`retention_window: soon`, &cfg); err == nil {
		t.Fatal("invalid duration should fail")
	}
}
