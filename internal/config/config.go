package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all agent configuration.
type Config struct {
	Server     ServerConfig
	Collector  CollectorConfig
	Survey     SurveyConfig
	Classifier ClassifierConfig
	Enrich     EnrichConfig
	Session    SessionConfig
	Storage    StorageConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// CollectorConfig holds remote collector configuration.
type CollectorConfig struct {
	URL           string        `envconfig:"COLLECTOR_URL" default:""`
	Token         string        `envconfig:"COLLECTOR_TOKEN" default:""`
	BatchSize     int           `envconfig:"COLLECTOR_BATCH_SIZE" default:"1"`
	FlushInterval time.Duration `envconfig:"COLLECTOR_FLUSH_INTERVAL" default:"3s"`
	Timeout       time.Duration `envconfig:"COLLECTOR_TIMEOUT" default:"15s"`
	Gzip          bool          `envconfig:"COLLECTOR_GZIP" default:"false"`
}

// SurveyConfig identifies the survey host whose pages are never logged.
type SurveyConfig struct {
	HostPattern string `envconfig:"SURVEY_HOST_PATTERN" default:"(^|\\.)qualtrics\\.(com|eu)$"`
}

// ClassifierConfig holds navigation classification tuning.
type ClassifierConfig struct {
	DedupTTL      time.Duration `envconfig:"NAV_DEDUP_TTL" default:"2500ms"`
	FocusThrottle time.Duration `envconfig:"NAV_FOCUS_THROTTLE" default:"2s"`
}

// EnrichConfig holds page enrichment tuning.
type EnrichConfig struct {
	Attempts int           `envconfig:"ENRICH_ATTEMPTS" default:"3"`
	Delay    time.Duration `envconfig:"ENRICH_DELAY" default:"500ms"`
	Timeout  time.Duration `envconfig:"ENRICH_TIMEOUT" default:"10s"`
	Enabled  bool          `envconfig:"ENRICH_ENABLED" default:"true"`
}

// SessionConfig holds session keep-alive configuration.
type SessionConfig struct {
	HeartbeatInterval time.Duration `envconfig:"SESSION_HEARTBEAT_INTERVAL" default:"25s"`
}

// StorageConfig holds durable store configuration.
type StorageConfig struct {
	Dir string `envconfig:"STORAGE_DIR" default:"./data"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8600",
			Host: "0.0.0.0",
		},
		Collector: CollectorConfig{
			BatchSize:     1,
			FlushInterval: 3 * time.Second,
			Timeout:       15 * time.Second,
		},
		Survey: SurveyConfig{
			HostPattern: `(^|\.)qualtrics\.(com|eu)$`,
		},
		Classifier: ClassifierConfig{
			DedupTTL:      2500 * time.Millisecond,
			FocusThrottle: 2 * time.Second,
		},
		Enrich: EnrichConfig{
			Attempts: 3,
			Delay:    500 * time.Millisecond,
			Timeout:  10 * time.Second,
			Enabled:  true,
		},
		Session: SessionConfig{
			HeartbeatInterval: 25 * time.Second,
		},
		Storage: StorageConfig{
			Dir: "./data",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
