package server

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/wire"
)

// ServeIngest accepts framed batch writers on ln until ctx is cancelled.
func (s *Server) ServeIngest(ctx context.Context, ln net.Listener) error {
	log.Info("ingest listening", "address", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conns := make(map[net.Conn]struct{})
	var connsMu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ingestLimiter.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()

		connsMu.Lock()
		for c := range conns {
			c.Close()
		}
		connsMu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn("ingest accept error", "error", err)
				continue
			}
			return err
		}

		connsMu.Lock()
		conns[conn] = struct{}{}
		connsMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
			s.handleIngestConn(ctx, conn)
		}()
	}
}

// handleIngestConn reads frames until the writer disconnects. Each frame is
// one batch. A frame that cannot be decoded ends the connection because the
// stream can no longer be resynchronized.
func (s *Server) handleIngestConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	ip := extractIP(remote)

	if s.ingestLimiter.IsBlocked(ip) {
		log.Warn("ingest refused: too many malformed frames", "remote", remote)
		return
	}

	log.Info("ingest connection", "remote", remote)

	r := wire.NewReader(conn)
	r.SetMaxSize(s.cfg.MaxMessageSize)

	frames := 0
	for {
		msg, err := r.Read()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.ingestLimiter.RecordFailure(ip)
				log.Warn("ingest read failed", "remote", remote, "error", err)
			}
			break
		}
		frames++

		res, err := s.ingest.IngestMap(ctx, metrics.TransportTCP, msg.AsMap())
		if errors.Is(err, errors.ErrServiceStopped) {
			break
		}
		if err != nil || (res.Accepted == 0 && (res.Skipped > 0 || len(res.InvalidFields) > 0)) {
			log.Debug("ingest frame rejected",
				"remote", remote,
				"skipped", res.Skipped,
				"invalid_fields", len(res.InvalidFields),
				"error", err)
			if s.ingestLimiter.RecordFailure(ip) {
				log.Warn("ingest blocked: too many malformed frames",
					"remote", remote,
					"failures", s.ingestLimiter.GetFailureCount(ip))
				break
			}
		}
	}

	log.Info("ingest connection closed", "remote", remote, "frames", frames)
}
