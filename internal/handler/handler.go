package handler

import (
	"context"
	"time"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/ingestion"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/query"
)

// Ingester accepts JSON batches published over a session.
type Ingester interface {
	IngestJSON(ctx context.Context, transport string, raw []byte) (ingestion.Result, error)
}

// Config configures session behavior.
type Config struct {
	// DefaultInterval applies when a subscribe carries no usable interval.
	DefaultInterval time.Duration

	// MinInterval is the lower bound of client-declared intervals.
	MinInterval time.Duration

	// CreditTimeout closes a session that withholds ready for this long.
	// Zero waits forever.
	CreditTimeout time.Duration
}

// Handler creates and runs sessions.
type Handler struct {
	hub     *Hub
	engine  *query.Engine
	ingest  Ingester
	metrics *metrics.Metrics
	config  Config
}

// NewHandler creates a handler. hub is required: sessions only re-poll the
// store after the hub reports new data. ingest may be nil to refuse
// publishes.
func NewHandler(hub *Hub, engine *query.Engine, ingest Ingester, m *metrics.Metrics, cfg Config) *Handler {
	if hub == nil {
		panic("handler: nil hub")
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = config.DefaultSessionInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = config.DefaultMinSessionInterval
	}
	return &Handler{
		hub:     hub,
		engine:  engine,
		ingest:  ingest,
		metrics: m,
		config:  cfg,
	}
}

// Hub returns the session hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Serve runs a session on t until the client goes away, the session fails or
// ctx is cancelled. t is closed on return.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	s := newSession(ctx, h, t)
	h.hub.Register(s)
	return s.run()
}
