package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xtxerr/sensorcache/internal/metrics"
)

// NATSConfig configures a NATSSource.
type NATSConfig struct {
	URL     string
	Subject string

	// Queue is an optional queue group.
	Queue string

	// Name identifies the connection on the server.
	Name string
}

// NATSSource ingests JSON batches published on a NATS subject.
type NATSSource struct {
	svc    *Service
	config NATSConfig

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSource creates a NATS source feeding svc.
func NewNATSSource(svc *Service, cfg NATSConfig) *NATSSource {
	if cfg.Name == "" {
		cfg.Name = "sensorcache"
	}
	return &NATSSource{svc: svc, config: cfg}
}

// Start connects and subscribes.
func (n *NATSSource) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(n.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn("nats error", "error", err)
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", n.config.URL, err)
	}

	handler := func(msg *nats.Msg) {
		if _, err := n.svc.IngestJSON(ctx, metrics.TransportNATS, msg.Data); err != nil {
			log.Warn("nats batch rejected", "subject", msg.Subject, "error", err)
		}
	}

	var sub *nats.Subscription
	if n.config.Queue != "" {
		sub, err = conn.QueueSubscribe(n.config.Subject, n.config.Queue, handler)
	} else {
		sub, err = conn.Subscribe(n.config.Subject, handler)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", n.config.Subject, err)
	}

	n.mu.Lock()
	n.conn = conn
	n.sub = sub
	n.mu.Unlock()

	log.Info("nats ingestion started", "url", n.config.URL, "subject", n.config.Subject, "queue", n.config.Queue)
	return nil
}

// Run starts the source and blocks until ctx is cancelled.
func (n *NATSSource) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	n.Close()
	return nil
}

// Close drains the subscription and closes the connection.
func (n *NATSSource) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}
