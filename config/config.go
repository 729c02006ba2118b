// Package config loads and validates the service configuration from a
// YAML file, environment variables, and built-in defaults via viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// DataPaths holds data directory and file path configuration.
type DataPaths struct {
	// DataDir is the base data directory (ARGUS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the alert store database path (default: ${DataDir}/argus.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// WatcherConfig configures the extraction directory watcher.
type WatcherConfig struct {
	Dir string `mapstructure:"dir"`
	// Backend selects the filesystem notification backend:
	// "auto" (fsnotify with polling fallback), "fsnotify", or "poll".
	Backend string `mapstructure:"backend"`
	// QuietPeriod is how long a file's size and mtime must hold still
	// before it is considered fully written.
	QuietPeriod    time.Duration `mapstructure:"quiet_period"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	DedupCacheSize int           `mapstructure:"dedup_cache_size"`
}

// ScannerConfig configures the scan worker pool.
type ScannerConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxFileSize  int64         `mapstructure:"max_file_size"`
	ScanTimeout  time.Duration `mapstructure:"scan_timeout"`
	StoreRetries int           `mapstructure:"store_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RulesConfig configures the rule compiler.
type RulesConfig struct {
	Dir string `mapstructure:"dir"`
}

// IngestConfig configures the network-IDS event stream reader.
type IngestConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	EveFile      string        `mapstructure:"eve_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CorrelationConfig configures the correlation engine.
type CorrelationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Window is the sliding time range loaded per run.
	Window time.Duration `mapstructure:"window"`
	// TimeProximity is the maximum spacing for proximity edges.
	TimeProximity time.Duration `mapstructure:"time_proximity"`
	MinConfidence int           `mapstructure:"min_confidence"`
	Interval      time.Duration `mapstructure:"interval"`
}

// StorageConfig configures the embedded store's connection pools.
type StorageConfig struct {
	ReadPoolSize int `mapstructure:"read_pool_size"`
	// AcquireTimeout bounds the wait for a pooled connection before the
	// caller gets a PoolExhausted error.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	BusyTimeoutMS  int           `mapstructure:"busy_timeout_ms"`
}

// APIConfig configures the REST query surface.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	Auth struct {
		Enabled        bool   `mapstructure:"enabled"`
		Username       string `mapstructure:"username"`
		Password       string `mapstructure:"password"`
		HashedPassword string
		BcryptCost     int `mapstructure:"bcrypt_cost"`
	} `mapstructure:"auth"`

	RateLimit struct {
		RequestsPerSecond int `mapstructure:"requests_per_second"`
		Burst             int `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

// Config holds all configuration for the service.
type Config struct {
	DataPaths   DataPaths         `mapstructure:"data_paths"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Storage     StorageConfig     `mapstructure:"storage"`
	API         APIConfig         `mapstructure:"api"`
}

// LoadConfig reads configuration from config.yaml (working directory or
// ./config), environment variables prefixed with ARGUS_, and defaults.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("argus")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateAndHash(&config); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	viper.SetDefault("watcher.dir", "./extracted")
	viper.SetDefault("watcher.backend", "auto")
	viper.SetDefault("watcher.quiet_period", 2*time.Second)
	viper.SetDefault("watcher.poll_interval", 5*time.Second)
	viper.SetDefault("watcher.queue_size", 1024)
	viper.SetDefault("watcher.enqueue_timeout", 5*time.Second)
	viper.SetDefault("watcher.dedup_cache_size", 8192)

	viper.SetDefault("scanner.workers", 4)
	viper.SetDefault("scanner.max_file_size", int64(64*1024*1024))
	viper.SetDefault("scanner.scan_timeout", 30*time.Second)
	viper.SetDefault("scanner.store_retries", 3)
	viper.SetDefault("scanner.retry_backoff", 250*time.Millisecond)

	viper.SetDefault("rules.dir", "./rules.d")

	viper.SetDefault("ingest.enabled", true)
	viper.SetDefault("ingest.eve_file", "./eve.json")
	viper.SetDefault("ingest.poll_interval", 2*time.Second)

	viper.SetDefault("correlation.enabled", true)
	viper.SetDefault("correlation.window", 300*time.Second)
	viper.SetDefault("correlation.time_proximity", 60*time.Second)
	viper.SetDefault("correlation.min_confidence", 70)
	viper.SetDefault("correlation.interval", 60*time.Second)

	viper.SetDefault("storage.read_pool_size", 0) // 0 = workers + 2
	viper.SetDefault("storage.acquire_timeout", 5*time.Second)
	viper.SetDefault("storage.busy_timeout_ms", 5000)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.auth.enabled", false)
	viper.SetDefault("api.auth.bcrypt_cost", bcrypt.DefaultCost)
	viper.SetDefault("api.rate_limit.requests_per_second", 50)
	viper.SetDefault("api.rate_limit.burst", 100)
}

// validateAndHash checks config invariants and hashes the API password.
// Violations here are fatal at startup.
func validateAndHash(c *Config) error {
	if c.Watcher.Dir == "" {
		return fmt.Errorf("watcher.dir must not be empty")
	}
	if c.Rules.Dir == "" {
		return fmt.Errorf("rules.dir must not be empty")
	}
	if c.Scanner.Workers < 1 {
		return fmt.Errorf("scanner.workers must be at least 1, got %d", c.Scanner.Workers)
	}
	if c.Scanner.MaxFileSize < 1 {
		return fmt.Errorf("scanner.max_file_size must be positive, got %d", c.Scanner.MaxFileSize)
	}
	if c.Watcher.QueueSize < 1 {
		return fmt.Errorf("watcher.queue_size must be at least 1, got %d", c.Watcher.QueueSize)
	}
	if c.Watcher.QuietPeriod <= 0 {
		return fmt.Errorf("watcher.quiet_period must be positive, got %s", c.Watcher.QuietPeriod)
	}
	if c.Correlation.MinConfidence < 0 || c.Correlation.MinConfidence > 100 {
		return fmt.Errorf("correlation.min_confidence must be within [0,100], got %d", c.Correlation.MinConfidence)
	}
	if c.Correlation.Window <= 0 {
		return fmt.Errorf("correlation.window must be positive, got %s", c.Correlation.Window)
	}
	if c.Correlation.TimeProximity > c.Correlation.Window {
		return fmt.Errorf("correlation.time_proximity (%s) must not exceed correlation.window (%s)",
			c.Correlation.TimeProximity, c.Correlation.Window)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port, got %d", c.API.Port)
	}

	if c.API.Auth.Enabled {
		if c.API.Auth.Username == "" || c.API.Auth.Password == "" {
			return fmt.Errorf("api.auth.username and api.auth.password are required when auth is enabled")
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(c.API.Auth.Password), c.API.Auth.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash API password: %w", err)
		}
		c.API.Auth.HashedPassword = string(hashed)
		c.API.Auth.Password = ""
	}

	return nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "argus.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	c.DataPaths.DataDir = dataDir
}

// ReadPoolSize returns the configured read pool size, defaulting to
// workers + ingester + correlation engine when unset.
func (c *Config) ReadPoolSize() int {
	if c.Storage.ReadPoolSize > 0 {
		return c.Storage.ReadPoolSize
	}
	return c.Scanner.Workers + 2
}
