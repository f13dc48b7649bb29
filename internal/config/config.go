package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all marketwatch configuration.
type Config struct {
	// Data directory for the browser profile, seen-listing database, images and port file.
	DataDir string `yaml:"data_dir"`

	Browser   BrowserConfig   `yaml:"browser"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Images    ImagesConfig    `yaml:"images"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the local HTTP surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BackupPorts []int  `yaml:"backup_ports"`
	PortFile    string `yaml:"port_file"`
}

// StorageConfig configures the durable seen-listing store.
type StorageConfig struct {
	Driver       string `yaml:"driver"` // sqlite or postgres
	Path         string `yaml:"path"`   // sqlite database file
	DSN          string `yaml:"dsn"`    // postgres connection string
	Retention    string `yaml:"retention"`
	MaxGlobal    int    `yaml:"max_global"`
	MaxSession   int    `yaml:"max_session"`
	RetainedTail int    `yaml:"retained_tail"`
	MaxConns     int    `yaml:"max_conns"`
}

// ImagesConfig configures the image cache.
type ImagesConfig struct {
	Dir             string  `yaml:"dir"`
	MaxEntries      int     `yaml:"max_entries"`
	MaxAge          string  `yaml:"max_age"`
	DownloadTimeout string  `yaml:"download_timeout"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Burst           int     `yaml:"burst"`
}

// SchedulerConfig configures periodic jobs.
type SchedulerConfig struct {
	RestartInterval     string `yaml:"restart_interval"`
	RestartGrace        string `yaml:"restart_grace"`
	FlushInterval       string `yaml:"flush_interval"`
	SweepInterval       string `yaml:"sweep_interval"`
	ImageSweepInterval  string `yaml:"image_sweep_interval"`
	MemoryCheckInterval string `yaml:"memory_check_interval"`
	MemoryLimitMB       int    `yaml:"memory_limit_mb"`
}

// PipelineConfig configures listing polls.
type PipelineConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	BackoffMin       string  `yaml:"backoff_min"`
	BackoffMax       string  `yaml:"backoff_max"`
	AgeLookupRate    float64 `yaml:"age_lookup_rate"`
	AgeLookupTimeout string  `yaml:"age_lookup_timeout"`
	DefaultCount     int     `yaml:"default_count"`
	MaxCount         int     `yaml:"max_count"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".marketwatch",

		Browser: DefaultBrowserConfig(),

		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        3562,
			BackupPorts: []int{3563, 3564, 3565, 3566, 3567},
			PortFile:    "port.txt",
		},

		Storage: StorageConfig{
			Driver:       "sqlite",
			Path:         "seen_listings.db",
			Retention:    "24h",
			MaxGlobal:    50000,
			MaxSession:   5000,
			RetainedTail: 10000,
			MaxConns:     4,
		},

		Images: ImagesConfig{
			Dir:             "images",
			MaxEntries:      5000,
			MaxAge:          "30m",
			DownloadTimeout: "15s",
			RatePerSecond:   4,
			Burst:           4,
		},

		Scheduler: SchedulerConfig{
			RestartInterval:     "45m",
			RestartGrace:        "15s",
			FlushInterval:       "5m",
			SweepInterval:       "1h",
			ImageSweepInterval:  "10m",
			MemoryCheckInterval: "1m",
			MemoryLimitMB:       1024,
		},

		Pipeline: PipelineConfig{
			MaxAttempts:      3,
			BackoffMin:       "3s",
			BackoffMax:       "5s",
			AgeLookupRate:    1,
			AgeLookupTimeout: "30s",
			DefaultCount:     20,
			MaxCount:         100,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies MARKETWATCH_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MARKETWATCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MARKETWATCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MARKETWATCH_BASE_URL"); v != "" {
		c.Browser.BaseURL = v
	}
	if v := os.Getenv("MARKETWATCH_HEADLESS"); v != "" {
		c.Browser.Headless = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MARKETWATCH_CHROME_BIN"); v != "" {
		c.Browser.Bin = v
	}
	if v := os.Getenv("MARKETWATCH_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("MARKETWATCH_DATABASE_URL"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("MARKETWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ResolvePath makes a relative path absolute under DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// ProfileDir returns the persistent browser profile directory.
func (c *Config) ProfileDir() string { return c.ResolvePath(c.Browser.ProfileDir) }

// DatabasePath returns the sqlite database file path.
func (c *Config) DatabasePath() string { return c.ResolvePath(c.Storage.Path) }

// ImagesDir returns the image cache directory.
func (c *Config) ImagesDir() string { return c.ResolvePath(c.Images.Dir) }

// PortFilePath returns the path the bound port is written to.
func (c *Config) PortFilePath() string { return c.ResolvePath(c.Server.PortFile) }

// ScreenshotDir returns where checkpoint failure screenshots are written.
func (c *Config) ScreenshotDir() string { return c.ResolvePath(c.Browser.ScreenshotDir) }

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetRetention returns the durable store retention window.
func (c *Config) GetRetention() time.Duration {
	return parseDuration(c.Storage.Retention, 24*time.Hour)
}

// GetImageMaxAge returns the age after which image files are swept.
func (c *Config) GetImageMaxAge() time.Duration {
	return parseDuration(c.Images.MaxAge, 30*time.Minute)
}

// GetDownloadTimeout returns the per-image download timeout.
func (c *Config) GetDownloadTimeout() time.Duration {
	return parseDuration(c.Images.DownloadTimeout, 15*time.Second)
}

// GetRestartInterval returns the scheduled browser restart interval.
func (c *Config) GetRestartInterval() time.Duration {
	return parseDuration(c.Scheduler.RestartInterval, 45*time.Minute)
}

// GetRestartGrace returns the delay between announcing and performing a scheduled restart.
func (c *Config) GetRestartGrace() time.Duration {
	return parseDuration(c.Scheduler.RestartGrace, 15*time.Second)
}

// GetFlushInterval returns the dedup flush interval.
func (c *Config) GetFlushInterval() time.Duration {
	return parseDuration(c.Scheduler.FlushInterval, 5*time.Minute)
}

// GetSweepInterval returns the retention sweep interval.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Scheduler.SweepInterval, time.Hour)
}

// GetImageSweepInterval returns the image directory sweep interval.
func (c *Config) GetImageSweepInterval() time.Duration {
	return parseDuration(c.Scheduler.ImageSweepInterval, 10*time.Minute)
}

// GetMemoryCheckInterval returns the memory pressure check interval.
func (c *Config) GetMemoryCheckInterval() time.Duration {
	return parseDuration(c.Scheduler.MemoryCheckInterval, time.Minute)
}

// GetBackoffRange returns the per-attempt linear backoff bounds.
func (c *Config) GetBackoffRange() (time.Duration, time.Duration) {
	lo := parseDuration(c.Pipeline.BackoffMin, 3*time.Second)
	hi := parseDuration(c.Pipeline.BackoffMax, 5*time.Second)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// GetAgeLookupTimeout returns the timeout for opening a listing to read its age.
func (c *Config) GetAgeLookupTimeout() time.Duration {
	return parseDuration(c.Pipeline.AgeLookupTimeout, 30*time.Second)
}

// ValidDrivers lists the supported durable store drivers.
var ValidDrivers = []string{"sqlite", "postgres", "memory"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Browser.BaseURL == "" {
		return fmt.Errorf("browser.base_url is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for _, p := range c.Server.BackupPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid backup port: %d", p)
		}
	}

	validDriver := false
	for _, d := range ValidDrivers {
		if c.Storage.Driver == d {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid storage driver: %s (valid: %v)", c.Storage.Driver, ValidDrivers)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres driver")
	}
	if c.Storage.MaxGlobal <= 0 || c.Storage.MaxSession <= 0 {
		return fmt.Errorf("storage tier bounds must be positive")
	}
	if c.Images.MaxEntries <= 0 {
		return fmt.Errorf("images.max_entries must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive")
	}
	return nil
}
