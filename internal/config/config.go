// Package config loads and validates the sensorcache daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/sensorcache/config"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Server configures the HTTP/websocket listener.
	Server ServerConfig `yaml:"server"`

	// Ingest configures the additional ingestion transports.
	Ingest IngestConfig `yaml:"ingest"`

	// Store configures the field cache.
	Store StoreConfig `yaml:"store"`

	// Session configures subscription sessions.
	Session SessionConfig `yaml:"session"`

	// Snapshot configures the on-disk cache snapshot.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Query configures one-shot lookups.
	Query QueryConfig `yaml:"query"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	// Listen is the host:port to listen on.
	Listen string `yaml:"listen"`

	// WSPath is the path websocket clients connect to.
	WSPath string `yaml:"ws_path"`

	// MaxMessageSize limits a single inbound message in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// IngestConfig configures the additional ingestion transports.
type IngestConfig struct {
	// Listen is the TCP address for framed batch ingestion. Empty disables it.
	Listen string `yaml:"listen"`

	// NATS configures the NATS subscriber.
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures NATS ingestion.
type NATSConfig struct {
	// URL of the NATS server. Empty disables NATS ingestion.
	URL string `yaml:"url"`

	// Subject carries JSON batches.
	Subject string `yaml:"subject"`

	// Queue is an optional queue group so several caches can share a subject.
	Queue string `yaml:"queue"`
}

// StoreConfig configures the field cache.
type StoreConfig struct {
	// Capacity is the maximum number of samples per field.
	Capacity int `yaml:"capacity"`

	// MaxAge evicts samples older than now-MaxAge. Zero disables it.
	MaxAge time.Duration `yaml:"max_age"`

	// EvictInterval is how often age-based eviction runs.
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// SessionConfig configures subscription sessions.
type SessionConfig struct {
	// DefaultInterval applies when a subscribe request carries no interval.
	DefaultInterval time.Duration `yaml:"default_interval"`

	// MinInterval is the floor for client intervals.
	MinInterval time.Duration `yaml:"min_interval"`

	// CreditTimeout closes a session that sends no ready for this long.
	// Zero waits forever.
	CreditTimeout time.Duration `yaml:"credit_timeout"`

	// CleanupInterval is how often closed sessions are reaped.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SnapshotConfig configures the on-disk cache snapshot.
type SnapshotConfig struct {
	// Path of the Parquet snapshot file. Empty disables snapshots.
	Path string `yaml:"path"`

	// Interval between periodic snapshots.
	Interval time.Duration `yaml:"interval"`

	// Compression is the Parquet codec: zstd, snappy, gzip, none.
	Compression string `yaml:"compression"`
}

// QueryConfig configures one-shot lookups.
type QueryConfig struct {
	// MaxRows is the maximum number of rows a range query returns.
	MaxRows int `yaml:"max_rows"`

	// PercentileAccuracy is the DDSketch relative accuracy (0.01 = 1% error).
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled exposes /metrics.
	Enabled bool `yaml:"enabled"`

	// Path of the metrics endpoint.
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         defaults.DefaultListenAddress,
			WSPath:         defaults.DefaultWebsocketPath,
			MaxMessageSize: defaults.DefaultMaxMessageSize,
			DrainTimeout:   defaults.DefaultDrainTimeout,
		},
		Ingest: IngestConfig{
			NATS: NATSConfig{
				Subject: defaults.DefaultNATSSubject,
			},
		},
		Store: StoreConfig{
			Capacity:      defaults.DefaultFieldCapacity,
			EvictInterval: defaults.DefaultEvictInterval,
		},
		Session: SessionConfig{
			DefaultInterval: defaults.DefaultSessionInterval,
			MinInterval:     defaults.DefaultMinSessionInterval,
			CleanupInterval: defaults.DefaultSessionCleanupInterval,
			WriteTimeout:    defaults.DefaultSessionWriteTimeout,
		},
		Snapshot: SnapshotConfig{
			Interval:    defaults.DefaultSnapshotInterval,
			Compression: "zstd",
		},
		Query: QueryConfig{
			MaxRows:            defaults.DefaultQueryMaxRows,
			PercentileAccuracy: defaults.DefaultPercentileAccuracy,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
