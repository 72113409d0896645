package handler

import (
	"context"
	"sync"
	"time"

	"github.com/xtxerr/sensorcache/internal/metrics"
)

// HubConfig configures a Hub.
type HubConfig struct {
	// CleanupInterval is how often closed sessions still registered are
	// swept. Zero disables the sweep.
	CleanupInterval time.Duration
}

// Hub tracks live sessions and fans field updates out to them. It
// implements ingestion.Notifier.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	fieldIndex map[string]map[string]*Session // field -> session ID -> session

	metrics *metrics.Metrics

	cleanupInterval time.Duration
	cleanupCtx      context.Context
	cleanupCancel   context.CancelFunc
	cleanupWg       sync.WaitGroup
}

// NewHub creates a hub. Call Start to run the cleanup sweep.
func NewHub(cfg HubConfig, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:        make(map[string]*Session),
		fieldIndex:      make(map[string]map[string]*Session),
		metrics:         m,
		cleanupInterval: cfg.CleanupInterval,
		cleanupCtx:      ctx,
		cleanupCancel:   cancel,
	}
}

// Start starts the background cleanup sweep.
func (h *Hub) Start() {
	if h.cleanupInterval <= 0 {
		return
	}
	h.cleanupWg.Add(1)
	go h.cleanupLoop()
}

// Stop stops the cleanup sweep and closes all sessions.
func (h *Hub) Stop() {
	h.cleanupCancel()
	h.cleanupWg.Wait()

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// =============================================================================
// Session Lifecycle
// =============================================================================

// Register adds a session. The session removes itself when it closes.
func (h *Hub) Register(s *Session) {
	s.onClose = h.Remove

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.metrics.SessionOpened()
	log.Info("session created", "session_id", s.ID, "remote", s.Remote)
}

// Get returns a session by ID.
func (h *Hub) Get(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// Remove unregisters a session and drops it from the field index.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, id)
	for field, subs := range h.fieldIndex {
		if _, ok := subs[id]; !ok {
			continue
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.fieldIndex, field)
		}
	}
	h.mu.Unlock()

	if !s.IsClosed() {
		s.Close()
	}

	h.metrics.SessionClosed()
	log.Info("session removed", "session_id", id)
}

// =============================================================================
// Field Index
// =============================================================================

// Index registers a session as a subscriber of fields.
func (h *Hub) Index(s *Session, fields []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	for _, field := range fields {
		subs := h.fieldIndex[field]
		if subs == nil {
			subs = make(map[string]*Session)
			h.fieldIndex[field] = subs
		}
		subs[s.ID] = s
	}
}

// Subscribers returns the IDs of the sessions subscribed to a field.
func (h *Hub) Subscribers(field string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.fieldIndex[field]
	if subs == nil {
		return nil
	}
	result := make([]string, 0, len(subs))
	for id := range subs {
		result = append(result, id)
	}
	return result
}

// Notify marks every session subscribed to one of fields as having new data.
// It never blocks on a session.
func (h *Hub) Notify(fields []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, field := range fields {
		for _, s := range h.fieldIndex[field] {
			s.markDirty()
		}
	}
}

// =============================================================================
// Cleanup
// =============================================================================

func (h *Hub) cleanupLoop() {
	defer h.cleanupWg.Done()

	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupClosedSessions()
		case <-h.cleanupCtx.Done():
			return
		}
	}
}

// cleanupClosedSessions removes sessions that closed without unregistering.
func (h *Hub) cleanupClosedSessions() {
	h.mu.RLock()
	var closed []string
	for id, s := range h.sessions {
		if s.IsClosed() {
			closed = append(closed, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range closed {
		h.Remove(id)
	}

	if len(closed) > 0 {
		log.Debug("cleaned up closed sessions", "count", len(closed))
	}
}

// =============================================================================
// Statistics
// =============================================================================

// Count returns the total number of registered sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CountActive returns the number of registered sessions that are not closed.
func (h *Hub) CountActive() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, s := range h.sessions {
		if !s.IsClosed() {
			count++
		}
	}
	return count
}

// IndexedFields returns the number of fields with at least one subscriber.
func (h *Hub) IndexedFields() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fieldIndex)
}
