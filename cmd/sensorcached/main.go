// sensorcached is the sensor field cache daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/sensorcache/internal/config"
	"github.com/xtxerr/sensorcache/internal/handler"
	"github.com/xtxerr/sensorcache/internal/ingestion"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/query"
	"github.com/xtxerr/sensorcache/internal/server"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/snapshot"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sensorcached",
		Short:         "Shipboard sensor field cache",
		Long:          "sensorcached keeps recent sensor samples per field and streams them to subscribers.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}

			level, _ := logging.ParseLevel(cfg.Log.Level)
			logging.Init(level, cfg.Log.Format == "json")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, cfg); err != nil {
				log.Error("sensorcached failed", "error", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("config", envOr("SENSORCACHE_CONFIG", "config.yaml"), "config file path (env SENSORCACHE_CONFIG)")
	f.String("listen", "", "HTTP/websocket listen address (overrides config)")
	f.String("ws-path", "", "websocket path (overrides config)")
	f.String("ingest-listen", "", "TCP framed ingest address (overrides config)")
	f.String("nats-url", "", "NATS server URL for ingestion (overrides config)")
	f.String("nats-subject", "", "NATS ingestion subject (overrides config)")
	f.Int("capacity", 0, "samples retained per field (overrides config)")
	f.Duration("max-age", 0, "evict samples older than this (overrides config)")
	f.String("snapshot", "", "Parquet snapshot path (overrides config)")
	f.Bool("metrics", false, "expose Prometheus metrics")
	f.String("log-level", "", "log level: debug|info|warn|error")
	f.String("log-format", "", "log format: text|json")

	return cmd
}

// loadConfig reads the config file (falling back to defaults when it does
// not exist) and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = config.DefaultConfig()
	}

	if v, _ := f.GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v, _ := f.GetString("ws-path"); v != "" {
		cfg.Server.WSPath = v
	}
	if v, _ := f.GetString("ingest-listen"); v != "" {
		cfg.Ingest.Listen = v
	}
	if v, _ := f.GetString("nats-url"); v != "" {
		cfg.Ingest.NATS.URL = v
	}
	if v, _ := f.GetString("nats-subject"); v != "" {
		cfg.Ingest.NATS.Subject = v
	}
	if v, _ := f.GetInt("capacity"); v != 0 {
		cfg.Store.Capacity = v
	}
	if v, _ := f.GetDuration("max-age"); v != 0 {
		cfg.Store.MaxAge = v
	}
	if v, _ := f.GetString("snapshot"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v, _ := f.GetBool("metrics"); v {
		cfg.Metrics.Enabled = true
	}
	if v, _ := f.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := f.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// run wires the components and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	log.Info("sensorcached starting", "version", Version)

	// =========================================================================
	// Metrics
	// =========================================================================

	var reg *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg = metrics.NewRegistry()
		var err error
		if m, err = metrics.New(reg); err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
	}

	// =========================================================================
	// Field Store
	// =========================================================================

	store, err := fieldstore.New(fieldstore.Config{Capacity: cfg.Store.Capacity})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	if cfg.Snapshot.Path != "" {
		start := time.Now()
		n, err := snapshot.Load(cfg.Snapshot.Path, store)
		if err != nil {
			// A damaged snapshot only costs history; start empty.
			log.Warn("snapshot load failed", "path", cfg.Snapshot.Path, "error", err)
		} else {
			log.Info("snapshot loaded", "path", cfg.Snapshot.Path, "samples", n,
				"fields", len(store.Fields()), "duration", time.Since(start))
		}
	}

	// =========================================================================
	// Sessions, Ingestion, Queries
	// =========================================================================

	hub := handler.NewHub(handler.HubConfig{CleanupInterval: cfg.Session.CleanupInterval}, m)
	hub.Start()
	defer hub.Stop()

	ingest := ingestion.New(store, hub, m, ingestion.Config{
		MaxAge:        cfg.Store.MaxAge,
		EvictInterval: cfg.Store.EvictInterval,
	})
	if err := ingest.Start(); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}
	defer ingest.Stop()

	engine := query.New(store, m, query.Config{
		MaxRows:            cfg.Query.MaxRows,
		PercentileAccuracy: cfg.Query.PercentileAccuracy,
	})

	h := handler.NewHandler(hub, engine, ingest, m, handler.Config{
		DefaultInterval: cfg.Session.DefaultInterval,
		MinInterval:     cfg.Session.MinInterval,
		CreditTimeout:   cfg.Session.CreditTimeout,
	})

	srv := server.New(server.Config{
		Listen:         cfg.Server.Listen,
		WSPath:         cfg.Server.WSPath,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		WriteTimeout:   cfg.Session.WriteTimeout,
		DrainTimeout:   cfg.Server.DrainTimeout,
		IngestListen:   cfg.Ingest.Listen,
		NATS: ingestion.NATSConfig{
			URL:     cfg.Ingest.NATS.URL,
			Subject: cfg.Ingest.NATS.Subject,
			Queue:   cfg.Ingest.NATS.Queue,
			Name:    "sensorcached",
		},
		MetricsPath: cfg.Metrics.Path,
		Registry:    reg,
	}, h, ingest, engine, m)

	// =========================================================================
	// Run
	// =========================================================================

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Snapshot.Path != "" {
		saver := snapshot.NewSaver(cfg.Snapshot.Path, store, cfg.Snapshot.Interval,
			snapshot.Options{Compression: snapshot.ParseCompressionType(cfg.Snapshot.Compression)}, m)
		g.Go(func() error { return saver.Run(ctx) })
	}

	err = g.Wait()
	log.Info("sensorcached stopped", "fields", len(store.Fields()), "sessions", hub.Count())
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
