package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 3562 {
		t.Errorf("expected Port=3562, got %d", cfg.Server.Port)
	}
	if cfg.Storage.MaxGlobal != 50000 {
		t.Errorf("expected MaxGlobal=50000, got %d", cfg.Storage.MaxGlobal)
	}
	if cfg.Storage.MaxSession != 5000 {
		t.Errorf("expected MaxSession=5000, got %d", cfg.Storage.MaxSession)
	}
	if cfg.Images.MaxEntries != 5000 {
		t.Errorf("expected MaxEntries=5000, got %d", cfg.Images.MaxEntries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("MARKETWATCH_PORT", "")
	t.Setenv("MARKETWATCH_STORAGE_DRIVER", "")

	path := filepath.Join(t.TempDir(), "marketwatch.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 4100
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = "postgres://localhost/marketwatch"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Port != 4100 {
		t.Errorf("expected Port=4100, got %d", loaded.Server.Port)
	}
	if loaded.Storage.Driver != "postgres" {
		t.Errorf("expected Driver=postgres, got %s", loaded.Storage.Driver)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Browser.ViewportWidth != 1366 || cfg.Browser.ViewportHeight != 768 {
		t.Errorf("unexpected viewport %dx%d", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MARKETWATCH_PORT", "4999")
	t.Setenv("MARKETWATCH_HEADLESS", "true")
	t.Setenv("MARKETWATCH_DATA_DIR", "/srv/mw")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 4999 {
		t.Errorf("expected Port=4999, got %d", cfg.Server.Port)
	}
	if !cfg.Browser.Headless {
		t.Error("expected Headless=true")
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/srv/mw", "seen_listings.db") {
		t.Errorf("DatabasePath = %s", got)
	}
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.RestartInterval = "soon"
	cfg.Storage.Retention = ""
	cfg.Pipeline.BackoffMin = "6s"
	cfg.Pipeline.BackoffMax = "2s"

	if got := cfg.GetRestartInterval(); got != 45*time.Minute {
		t.Errorf("GetRestartInterval = %v", got)
	}
	if got := cfg.GetRetention(); got != 24*time.Hour {
		t.Errorf("GetRetention = %v", got)
	}
	lo, hi := cfg.GetBackoffRange()
	if lo != 6*time.Second || hi != 6*time.Second {
		t.Errorf("GetBackoffRange = %v, %v", lo, hi)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.Browser.BaseURL = "" }},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"bad backup port", func(c *Config) { c.Server.BackupPorts = []int{70000} }},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
