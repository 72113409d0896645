// Package handler implements subscription sessions and the hub that fans
// ingested field updates out to them.
//
// Each connection gets one Session. A session waits for a subscribe request,
// sends a catch-up message with the requested history and then delivers new
// samples under pull/credit flow control: after every data message it sends
// nothing more until the client answers with a ready message. At most one
// undelivered message is outstanding per session.
//
// Sessions are not resumable. A client that reconnects gets a new session and
// must subscribe again.
package handler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/query"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/validation"
	"github.com/xtxerr/sensorcache/internal/wire"
)

var log = logging.Component("session")

// =============================================================================
// Transport
// =============================================================================

// Transport is a message-oriented, bidirectional connection.
//
// ReadMessage blocks until a message arrives and must return an error once
// Close has been called. WriteMessage is never called concurrently.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// =============================================================================
// State
// =============================================================================

// State is the protocol state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingSubscribe
	StateCatchingUp
	StateStreaming
	StateAwaitingCredit
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingSubscribe:
		return "awaiting_subscribe"
	case StateCatchingUp:
		return "catching_up"
	case StateStreaming:
		return "streaming"
	case StateAwaitingCredit:
		return "awaiting_credit"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// =============================================================================
// Session
// =============================================================================

// Session is one subscriber connection.
//
// Session is safe for concurrent use.
type Session struct {
	// Immutable fields (no lock needed)
	ID        string
	Remote    string
	CreatedAt time.Time

	transport Transport
	writeMu   sync.Mutex

	state atomic.Int32

	// Subscription - written once by the delivery loop before the session
	// is indexed, read-only afterwards
	mu       sync.RWMutex
	fields   []string
	cursors  map[string]float64
	interval time.Duration

	// Flow control
	subscribeCh chan wire.Subscription // receives the first valid subscribe
	subscribed  atomic.Bool
	credit      chan struct{} // single-slot credit gate
	wake        chan struct{} // single-slot fan-out wakeup
	dirty       atomic.Bool

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	readerWg  sync.WaitGroup

	// Collaborators
	handler *Handler
	onClose func(sessionID string)
}

func newSession(ctx context.Context, h *Handler, t Transport) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		Remote:      t.RemoteAddr(),
		CreatedAt:   time.Now(),
		transport:   t,
		cursors:     make(map[string]float64),
		subscribeCh: make(chan wire.Subscription, 1),
		credit:      make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
		handler:     h,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = logging.ContextWithSessionID(s.ctx, s.ID)
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if s.closed.Load() && st != StateClosed {
		return
	}
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		log.Debug("session state", "session_id", s.ID, "from", prev.String(), "to", st.String())
	}
}

// Fields returns the subscribed field names (empty before subscribe).
func (s *Session) Fields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Cursor returns the delivery watermark of a field.
func (s *Session) Cursor(field string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[field]
	return c, ok
}

// Interval returns the effective poll interval.
func (s *Session) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// markDirty records that subscribed fields received data and wakes the
// delivery loop if it is idle. It never blocks.
func (s *Session) markDirty() {
	if s.closed.Load() {
		return
	}
	s.dirty.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// =============================================================================
// Run
// =============================================================================

// run drives the session until the transport fails, the client disconnects
// or its context is cancelled. It always closes the session before returning.
func (s *Session) run() error {
	defer func() {
		s.Close()
		s.readerWg.Wait()
	}()

	s.setState(StateAwaitingSubscribe)

	s.readerWg.Add(1)
	go s.readLoop()

	var sub wire.Subscription
	select {
	case sub = <-s.subscribeCh:
	case <-s.ctx.Done():
		return s.closeReason()
	}

	if err := s.catchUp(sub); err != nil {
		return err
	}
	return s.stream()
}

// closeReason maps the end of the session context to an error.
func (s *Session) closeReason() error {
	if cause := context.Cause(s.ctx); cause != nil && cause != context.Canceled {
		return cause
	}
	return errors.ErrSessionClosed
}

// catchUp resolves the initial history and sends it as one message.
func (s *Session) catchUp(sub wire.Subscription) error {
	s.setState(StateCatchingUp)
	cfg := s.handler.config

	names := sub.Names()
	interval := validation.ClampInterval(sub.Interval,
		cfg.DefaultInterval.Seconds(), cfg.MinInterval.Seconds())

	s.mu.Lock()
	s.fields = names
	s.interval = time.Duration(interval * float64(time.Second))
	s.mu.Unlock()

	// Index before reading history so no append between the read and the
	// registration goes unnoticed.
	s.handler.hub.Index(s, names)

	data := make(map[string][]types.Sample, len(names))
	cursors := make(map[string]float64, len(names))
	for _, name := range names {
		seconds, backRecords := sub.Fields[name].Resolve()
		samples, cursor := s.handler.engine.Catchup(name, query.FieldRequest{
			Seconds:     seconds,
			BackRecords: backRecords,
		})
		data[name] = samples
		cursors[name] = cursor
	}

	s.mu.Lock()
	s.cursors = cursors
	s.mu.Unlock()

	// The first poll after the catch-up always scans the store.
	s.dirty.Store(true)

	log.Info("session subscribed",
		"session_id", s.ID,
		"fields", len(names),
		"interval", s.Interval())

	if err := s.writeJSON(wire.DataMessage{Data: data}); err != nil {
		return err
	}
	s.handler.metrics.RecordCatchup()
	return nil
}

// stream runs the credit/poll loop.
func (s *Session) stream() error {
	for {
		s.setState(StateAwaitingCredit)
		if err := s.awaitCredit(); err != nil {
			return err
		}

		s.setState(StateStreaming)
		if err := s.deliverNext(); err != nil {
			return err
		}
	}
}

// awaitCredit blocks until the client sends ready.
func (s *Session) awaitCredit() error {
	var timeout <-chan time.Time
	if d := s.handler.config.CreditTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.credit:
		return nil
	case <-s.ctx.Done():
		return s.closeReason()
	case <-timeout:
		log.Info("session credit timeout", "session_id", s.ID, "timeout", s.handler.config.CreditTimeout)
		s.cancel()
		return errors.ErrCreditTimeout
	}
}

// deliverNext polls until it has something to send, then sends it. An empty
// poll is followed by a full interval of waiting; when nothing was appended
// to the subscribed fields since the last poll the loop sleeps until the hub
// wakes it.
func (s *Session) deliverNext() error {
	for {
		if s.dirty.Swap(false) {
			data := s.poll()
			if len(data) > 0 {
				s.handler.metrics.RecordPoll(metrics.PollHit)
				return s.push(data)
			}
			s.handler.metrics.RecordPoll(metrics.PollEmpty)

			if err := s.sleep(s.Interval()); err != nil {
				return err
			}
			continue
		}

		s.handler.metrics.RecordPoll(metrics.PollSkipped)
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return s.closeReason()
		}
	}
}

// poll collects samples strictly newer than each field's cursor.
func (s *Session) poll() map[string][]types.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	store := s.handler.engine.Store()
	var data map[string][]types.Sample
	for _, field := range s.fields {
		samples := store.SnapshotSince(field, s.cursors[field])
		if len(samples) == 0 {
			continue
		}
		if data == nil {
			data = make(map[string][]types.Sample)
		}
		data[field] = samples
	}
	return data
}

// push sends one data message and advances the cursors past it.
func (s *Session) push(data map[string][]types.Sample) error {
	if err := s.writeJSON(wire.DataMessage{Data: data}); err != nil {
		return err
	}

	n := 0
	s.mu.Lock()
	if s.cursors == nil {
		s.mu.Unlock()
		return errors.ErrSessionClosed
	}
	for field, samples := range data {
		newest := samples[len(samples)-1].Timestamp
		if newest > s.cursors[field] {
			s.cursors[field] = newest
		}
		n += len(samples)
	}
	s.mu.Unlock()

	s.handler.metrics.RecordPush(n)
	return nil
}

func (s *Session) sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return s.closeReason()
	}
}

// =============================================================================
// Reading
// =============================================================================

// readLoop dispatches client messages until the transport fails.
func (s *Session) readLoop() {
	defer s.readerWg.Done()
	defer s.cancel()

	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				log.Debug("session read ended", "session_id", s.ID, "error", err)
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	msg, err := wire.ParseClientMessage(raw)
	if err != nil {
		log.Debug("ignoring undecodable message", "session_id", s.ID, "error", err)
		return
	}

	switch msg.Type {
	case wire.TypeSubscribe:
		s.handleSubscribe(msg)
	case wire.TypeReady:
		s.handleReady()
	case wire.TypeFields:
		s.handleFields()
	case wire.TypePublish:
		s.handlePublish(msg)
	default:
		log.Debug("ignoring unknown message type", "session_id", s.ID, "type", msg.Type)
	}
}

// handleSubscribe accepts the first valid subscribe request. Invalid
// requests and any later subscribe are ignored.
func (s *Session) handleSubscribe(msg wire.ClientMessage) {
	if s.subscribed.Load() {
		log.Debug("ignoring repeated subscribe", "session_id", s.ID)
		return
	}
	sub, err := wire.ParseSubscribe(msg)
	if err != nil {
		log.Debug("ignoring invalid subscribe", "session_id", s.ID, "error", err)
		return
	}
	if !s.subscribed.CompareAndSwap(false, true) {
		return
	}
	s.subscribeCh <- sub
}

// handleReady grants credit. Extra ready messages coalesce.
func (s *Session) handleReady() {
	if !s.subscribed.Load() {
		return
	}
	select {
	case s.credit <- struct{}{}:
	default:
	}
}

func (s *Session) handleFields() {
	msg := wire.FieldsMessage{Type: wire.TypeFields, Data: s.handler.engine.Fields()}
	if err := s.writeJSON(msg); err != nil {
		log.Debug("fields reply failed", "session_id", s.ID, "error", err)
	}
}

func (s *Session) handlePublish(msg wire.ClientMessage) {
	if s.handler.ingest == nil {
		return
	}
	if _, err := s.handler.ingest.IngestJSON(s.ctx, metrics.TransportWebsocket, msg.Data); err != nil {
		log.Warn("publish rejected", "session_id", s.ID, "error", err)
	}
}

// =============================================================================
// Writing
// =============================================================================

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return errors.ErrSessionClosed
	}
	if err := s.transport.WriteMessage(data); err != nil {
		log.Debug("session write failed", "session_id", s.ID, "error", err)
		s.cancel()
		return errors.Wrap(errors.ErrSessionClosed, err.Error())
	}
	return nil
}

// =============================================================================
// Close
// =============================================================================

// Close closes the session permanently, releasing its cursors and removing
// it from the hub. This is idempotent.
func (s *Session) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.state.Store(int32(StateClosed))

		s.cancel()

		closeErr = s.transport.Close()

		s.mu.Lock()
		s.cursors = nil
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(s.ID)
		}

		log.Debug("session closed", "session_id", s.ID, "remote", s.Remote)
	})

	return closeErr
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}
