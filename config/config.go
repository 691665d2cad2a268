package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Predflow Predflow       `yaml:"predflow"`
	Venue    VenueConfig    `yaml:"venue"`
	Sync     SyncConfig     `yaml:"sync"`
	Health   HealthConfig   `yaml:"health"`
	Recorder RecorderConfig `yaml:"recorder"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type Predflow struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VenueConfig selects the exchange environment and the markets to track.
// An empty Markets list means auto-discover the first DiscoverLimit open
// markets at startup.
type VenueConfig struct {
	ID                string        `yaml:"id"`
	Environment       string        `yaml:"environment"`
	APIKeyID          string        `yaml:"api_key_id"`
	PrivateKeyPath    string        `yaml:"private_key_path"`
	Markets           []string      `yaml:"markets"`
	DiscoverLimit     int           `yaml:"discover_limit"`
	Channels          []string      `yaml:"channels"`
	SubscribeSpacing  time.Duration `yaml:"subscribe_spacing"`
	RestRatePerSecond float64       `yaml:"rest_rate_per_second"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	OrderbookDepth    int           `yaml:"orderbook_depth"`
}

type SyncConfig struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	PendingDeltaLimit  int           `yaml:"pending_delta_limit"`
}

type HealthConfig struct {
	Interval      time.Duration `yaml:"interval"`
	LatencyWindow int           `yaml:"latency_window"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DataDir       string        `yaml:"data_dir"`
	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config enables archival of sealed hourly buckets. Credentials may be
// supplied via environment variables, which take precedence.
type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Environment endpoints. The demo environment is a full sandbox with the
// same wire protocol as production.
const (
	demoBaseURL = "https://demo-api.kalshi.co"
	demoWSURL   = "wss://demo-api.kalshi.co/trade-api/ws/v2"
	prodBaseURL = "https://api.elections.kalshi.com"
	prodWSURL   = "wss://api.elections.kalshi.com/trade-api/ws/v2"
)

// BaseURL returns the REST endpoint for the configured environment.
func (v VenueConfig) BaseURL() string {
	if strings.ToLower(v.Environment) == "prod" || strings.ToLower(v.Environment) == "production" {
		return prodBaseURL
	}
	return demoBaseURL
}

// WSURL returns the streaming endpoint for the configured environment.
func (v VenueConfig) WSURL() string {
	if strings.ToLower(v.Environment) == "prod" || strings.ToLower(v.Environment) == "production" {
		return prodWSURL
	}
	return demoWSURL
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Venue: VenueConfig{
			ID:                "kalshi",
			Environment:       EnvironmentDemo,
			DiscoverLimit:     5,
			Channels:          []string{"orderbook_delta"},
			SubscribeSpacing:  100 * time.Millisecond,
			RestRatePerSecond: 10,
			RequestTimeout:    10 * time.Second,
		},
		Sync: SyncConfig{
			StalenessThreshold: 3 * time.Second,
			PendingDeltaLimit:  1000,
		},
		Health: HealthConfig{
			Interval:      5 * time.Second,
			LatencyWindow: 100,
		},
		Recorder: RecorderConfig{
			Enabled:       true,
			DataDir:       "./data/records",
			FlushSize:     100,
			FlushInterval: 60 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when set there.
	if v := os.Getenv("KALSHI_API_KEY"); v != "" {
		config.Venue.APIKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_PRIVATE_KEY_PATH"); v != "" {
		config.Venue.PrivateKeyPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_ENVIRONMENT"); v != "" {
		config.Venue.Environment = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Venue.ID == "" {
		return fmt.Errorf("venue id must be set")
	}
	if cfg.Venue.APIKeyID == "" {
		return fmt.Errorf("venue api_key_id must be set (config or KALSHI_API_KEY)")
	}
	if cfg.Venue.PrivateKeyPath == "" {
		return fmt.Errorf("venue private_key_path must be set (config or KALSHI_PRIVATE_KEY_PATH)")
	}
	if len(cfg.Venue.Channels) == 0 {
		return fmt.Errorf("venue channels must not be empty")
	}
	if cfg.Sync.StalenessThreshold <= 0 {
		return fmt.Errorf("sync staleness_threshold must be positive")
	}
	if cfg.Sync.PendingDeltaLimit <= 0 {
		return fmt.Errorf("sync pending_delta_limit must be positive")
	}
	if cfg.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if cfg.Health.LatencyWindow <= 0 {
		return fmt.Errorf("health latency_window must be positive")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.DataDir == "" {
			return fmt.Errorf("recorder data_dir must be set")
		}
		if cfg.Recorder.FlushSize <= 0 {
			return fmt.Errorf("recorder flush_size must be positive")
		}
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder flush_interval must be positive")
		}
	}
	if cfg.Storage.S3.Enabled {
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("invalid s3 bucket name '%s'", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr must be set when redis is enabled")
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
