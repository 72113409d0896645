// Package server exposes the sensor cache over the network.
//
// One HTTP listener serves websocket subscription sessions and the one-shot
// JSON endpoints. Bulk writers may additionally stream framed batches over a
// plain TCP listener or publish on a NATS subject.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/handler"
	"github.com/xtxerr/sensorcache/internal/ingestion"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/query"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the HTTP/websocket address (e.g., "0.0.0.0:8766").
	Listen string

	// WSPath is the path websocket clients connect to.
	WSPath string

	// MaxMessageSize limits websocket messages, HTTP bodies and TCP frames.
	MaxMessageSize int64

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// DrainTimeout bounds graceful HTTP shutdown.
	DrainTimeout time.Duration

	// IngestListen is the TCP framed-batch address. Empty disables it.
	IngestListen string

	// NATS configures NATS ingestion. An empty URL disables it.
	NATS ingestion.NATSConfig

	// MetricsPath serves Registry when both are set.
	MetricsPath string
	Registry    *prometheus.Registry
}

// =============================================================================
// Server
// =============================================================================

// Server runs the network listeners.
type Server struct {
	cfg      Config
	handler  *handler.Handler
	ingest   *ingestion.Service
	engine   *query.Engine
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	ingestLimiter *RateLimiter

	addrMu     sync.RWMutex
	httpAddr   net.Addr
	ingestAddr net.Addr
}

// New creates a server. m may be nil.
func New(cfg Config, h *handler.Handler, svc *ingestion.Service, engine *query.Engine, m *metrics.Metrics) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = config.DefaultWebsocketPath
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultSessionWriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = config.DefaultNATSSubject
	}

	s := &Server{
		cfg:     cfg,
		handler: h,
		ingest:  svc,
		engine:  engine,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Displays are served from other origins on the ship network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ingestLimiter: NewRateLimiter(config.DefaultIngestFailureLimit, config.DefaultIngestFailureWindow),
	}
	s.mux = s.routes()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the bound HTTP address, or nil before Run listens.
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.httpAddr
}

// IngestAddr returns the bound TCP ingest address, or nil if disabled.
func (s *Server) IngestAddr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.ingestAddr
}

// Run starts every configured listener and blocks until ctx is cancelled or
// one of them fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addrMu.Lock()
	s.httpAddr = ln.Addr()
	s.addrMu.Unlock()

	var ingestLn net.Listener
	if s.cfg.IngestListen != "" {
		ingestLn, err = net.Listen("tcp", s.cfg.IngestListen)
		if err != nil {
			ln.Close()
			return fmt.Errorf("ingest listen: %w", err)
		}
		s.addrMu.Lock()
		s.ingestAddr = ingestLn.Addr()
		s.addrMu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.ServeHTTP(ctx, ln) })

	if ingestLn != nil {
		g.Go(func() error { return s.ServeIngest(ctx, ingestLn) })
	}

	if s.cfg.NATS.URL != "" {
		src := ingestion.NewNATSSource(s.ingest, s.cfg.NATS)
		g.Go(func() error { return src.Run(ctx) })
	}

	return g.Wait()
}

// ServeHTTP serves HTTP and websocket clients on ln until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "address", ln.Addr().String(), "ws_path", s.cfg.WSPath)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down http", "drain_timeout", s.cfg.DrainTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
		srv.Close()
	}
	return nil
}
