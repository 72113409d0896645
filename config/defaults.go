// Package config provides configuration defaults for sensorcache.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the HTTP/websocket listen address.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:8766"

	// DefaultWebsocketPath is the path subscription and publish clients connect to.
	// Override via config: server.ws_path
	DefaultWebsocketPath = "/"

	// DefaultMaxMessageSize limits a single websocket message or ingest frame.
	// Override via config: server.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultNATSSubject is the subject field batches are read from when
	// NATS ingestion is enabled.
	// Override via config: ingest.nats.subject
	DefaultNATSSubject = "sensorcache.publish"

	// DefaultIngestFailureLimit is how many malformed TCP ingest frames one
	// remote address may send within DefaultIngestFailureWindow before its
	// connections are refused.
	DefaultIngestFailureLimit = 20

	// DefaultIngestFailureWindow is the window malformed frames are counted in.
	DefaultIngestFailureWindow = time.Minute
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultFieldCapacity is the maximum number of samples retained per field.
	// At one sample per second this is 48 minutes of history.
	// Override via config: store.capacity
	DefaultFieldCapacity = 2880

	// DefaultEvictInterval is how often age-based eviction runs when
	// store.max_age is set.
	// Override via config: store.evict_interval
	DefaultEvictInterval = time.Minute
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultSessionInterval is used when a subscribe request carries no interval.
	// Override via config: session.default_interval
	DefaultSessionInterval = time.Second

	// DefaultMinSessionInterval is the floor applied to client intervals so a
	// client cannot turn its session into a busy poll.
	// Override via config: session.min_interval
	DefaultMinSessionInterval = 10 * time.Millisecond

	// DefaultSessionCleanupInterval is how often closed sessions are reaped
	// from the hub.
	// Override via config: session.cleanup_interval
	DefaultSessionCleanupInterval = time.Minute

	// DefaultSessionWriteTimeout bounds a single websocket write.
	// Override via config: session.write_timeout
	DefaultSessionWriteTimeout = 10 * time.Second

	// DefaultFieldSecondsBack is the catch-up window used when a field spec
	// carries neither seconds nor back_records.
	DefaultFieldSecondsBack = 1.0
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMaxRows caps the rows returned by a range query.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 100000

	// DefaultPercentileAccuracy is the DDSketch relative accuracy for field stats.
	// Override via config: query.percentile_accuracy
	DefaultPercentileAccuracy = 0.01
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long the HTTP server waits for in-flight
	// requests during shutdown.
	DefaultDrainTimeout = 10 * time.Second

	// DefaultSnapshotInterval is how often the disk cache is written when
	// snapshot.path is set.
	// Override via config: snapshot.interval
	DefaultSnapshotInterval = 5 * time.Minute
)
