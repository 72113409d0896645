package config

import (
	"fmt"
	"strings"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/logging"
)

// Validate checks the configuration for errors. Every problem is reported;
// each wraps errors.ErrInvalidConfig (or errors.ErrInvalidCapacity).
func (c *Config) Validate() error {
	var errs []error

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := c.Snapshot.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("snapshot: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.NewValidation("listen", "required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, errors.NewValidation("ws_path", "must start with '/'"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.NewValidation("max_message_size", "must be positive"))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, errors.NewValidation("drain_timeout", "must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the ingest configuration.
func (c *IngestConfig) Validate() error {
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.NewValidation("nats.subject", "required when nats.url is set")
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity %d must be positive: %w", c.Capacity, errors.ErrInvalidCapacity))
	}
	if c.MaxAge < 0 {
		errs = append(errs, errors.NewValidation("max_age", "must not be negative"))
	}
	if c.MaxAge > 0 && c.EvictInterval <= 0 {
		errs = append(errs, errors.NewValidation("evict_interval", "must be positive when max_age is set"))
	}

	return errors.Join(errs...)
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	var errs []error

	if c.DefaultInterval <= 0 {
		errs = append(errs, errors.NewValidation("default_interval", "must be positive"))
	}
	if c.MinInterval <= 0 {
		errs = append(errs, errors.NewValidation("min_interval", "must be positive"))
	}
	if c.MinInterval > c.DefaultInterval {
		errs = append(errs, errors.NewValidation("min_interval", "must not exceed default_interval"))
	}
	if c.CreditTimeout < 0 {
		errs = append(errs, errors.NewValidation("credit_timeout", "must not be negative"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.NewValidation("cleanup_interval", "must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.NewValidation("write_timeout", "must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the snapshot configuration.
func (c *SnapshotConfig) Validate() error {
	var errs []error

	if c.Path != "" && c.Interval <= 0 {
		errs = append(errs, errors.NewValidation("interval", "must be positive when path is set"))
	}

	validCodecs := map[string]bool{
		"zstd":   true,
		"snappy": true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validCodecs[c.Compression] {
		errs = append(errs, errors.NewValidation("compression", "must be one of: zstd, snappy, gzip, none"))
	}

	return errors.Join(errs...)
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.MaxRows <= 0 {
		errs = append(errs, errors.NewValidation("max_rows", "must be positive"))
	}
	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy >= 1 {
		errs = append(errs, errors.NewValidation("percentile_accuracy", "must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// Validate checks the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && !strings.HasPrefix(c.Path, "/") {
		return errors.NewValidation("path", "must start with '/'")
	}
	return nil
}

// Validate checks the log configuration.
func (c *LogConfig) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Level); err != nil {
		errs = append(errs, errors.NewValidation("level", err.Error()))
	}
	switch c.Format {
	case "text", "json", "":
	default:
		errs = append(errs, errors.NewValidation("format", "must be text or json"))
	}

	return errors.Join(errs...)
}
