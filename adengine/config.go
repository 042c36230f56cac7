package adengine

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/adserve/adengine/internal/bandit"
	"github.com/hazyhaar/adserve/horosafe"
	"github.com/hazyhaar/adserve/shield"
)

// Storage backends.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config is the service configuration. Selection tunables (epsilon, cap,
// cpc, overlap) are not here: they live in the hot-reloaded "config"
// document next to the catalog.
type Config struct {
	Listen  string `yaml:"listen"`
	Storage string `yaml:"storage"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`

	Optimizer OptimizerConfig `yaml:"optimizer"`
	Sampler   string          `yaml:"sampler"`
	// Seed fixes the selector's random source; 0 seeds from the runtime.
	Seed uint64 `yaml:"seed"`

	HotReload     bool          `yaml:"hot_reload"`
	WatchInterval time.Duration `yaml:"watch_interval"`

	RecentCacheSize      int    `yaml:"recent_cache_size"`
	MaintenanceCron      string `yaml:"maintenance_cron"`
	FreqCapRetentionDays int    `yaml:"freqcap_retention_days"`

	MetricsDB            string `yaml:"metrics_db"`
	MetricsRetentionDays int    `yaml:"metrics_retention_days"`

	AdminPasswordHash string                            `yaml:"admin_password_hash"`
	RateLimits        map[string]shield.RateLimitConfig `yaml:"rate_limits"`
}

// OptimizerConfig configures the remote optimizer. An empty URL disables it.
type OptimizerConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	Jitter           time.Duration `yaml:"jitter"`
	RatePerSec       float64       `yaml:"rate_per_sec"`
	Burst            int           `yaml:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	AllowPrivate     bool          `yaml:"allow_private"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:  ":8090",
		Storage: StorageFile,
		DataDir: "data",
		DBPath:  "data/adserve.db",
		Optimizer: OptimizerConfig{
			Timeout:          10 * time.Second,
			MaxAttempts:      3,
			Backoff:          500 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Sampler:              "jitter",
		WatchInterval:        2 * time.Second,
		RecentCacheSize:      1000,
		MaintenanceCron:      "15 3 * * *",
		FreqCapRetentionDays: 7,
		MetricsRetentionDays: 30,
		RateLimits: map[string]shield.RateLimitConfig{
			"POST /api/ads/click": {MaxRequests: 60, WindowSeconds: 60},
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageFile:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for file storage")
		}
	case StorageSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unsupported storage %q (use file or sqlite)", c.Storage)
	}
	if _, ok := bandit.SamplerByName(c.Sampler); !ok {
		return fmt.Errorf("unsupported sampler %q (use jitter or beta)", c.Sampler)
	}
	if c.HotReload && c.WatchInterval <= 0 {
		return fmt.Errorf("watch_interval must be > 0 when hot_reload is on")
	}
	if c.RecentCacheSize < 0 {
		return fmt.Errorf("recent_cache_size must be >= 0")
	}
	if c.MaintenanceCron != "" {
		if _, err := cron.ParseStandard(c.MaintenanceCron); err != nil {
			return fmt.Errorf("maintenance_cron: %w", err)
		}
	}
	if c.Optimizer.URL != "" {
		if _, err := horosafe.ValidateScheme(c.Optimizer.URL); err != nil {
			return fmt.Errorf("optimizer.url: %w", err)
		}
		if c.Optimizer.MaxAttempts < 1 {
			return fmt.Errorf("optimizer.max_attempts must be >= 1")
		}
		if c.Optimizer.Timeout <= 0 {
			return fmt.Errorf("optimizer.timeout must be > 0")
		}
	}
	return nil
}
