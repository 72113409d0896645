// Package client provides a client for the sensorcache websocket protocol and
// its HTTP query endpoints.
//
// A Client follows the server's pull/credit flow: Subscribe returns the
// catch-up data, after which the caller alternates Ready and Next.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/wire"
)

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateTransition represents a state transition.
type stateTransition struct {
	from ClientState
	to   ClientState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	// From Connecting
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	// From Closing
	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed      = errors.New("client is closed")
	ErrClientClosing     = errors.New("client is closing")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrTimeout           = errors.New("request timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8766/.
	URL string

	// HTTPURL is the base URL of the HTTP endpoints. Derived from URL when
	// empty.
	HTTPURL string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8766/",
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client connects to a sensorcache server.
type Client struct {
	cfg  Config
	http *http.Client

	// State management with explicit transitions
	state atomic.Int32

	// Connection - protected by mu
	mu   sync.Mutex
	conn *connection

	subscribed atomic.Bool

	// Callbacks
	cbMu         sync.RWMutex
	onDisconnect func(error)
}

// connection is one websocket connection and its read loop.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	data   chan wire.DataMessage
	fields chan []string

	done      chan struct{}
	err       error // set before done is closed
	closeOnce sync.Once
}

// New creates a new client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// =============================================================================
// State Transition Methods
// =============================================================================

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// transitionFrom attempts to transition from a specific state to a new state.
func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// IsClosed returns true if permanently closed.
func (c *Client) IsClosed() bool {
	return c.getState() == StateClosed
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler called when the server drops the connection.
func (c *Client) OnDisconnect(fn func(error)) {
	c.cbMu.Lock()
	c.onDisconnect = fn
	c.cbMu.Unlock()
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect opens the websocket. A disconnected client may connect again; the
// new connection starts a new server session and must subscribe again.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateClosing:
		return ErrClientClosing
	case StateConnected:
		return ErrAlreadyConnected
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("%w: cannot connect from %s", ErrInvalidTransition, c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn := &connection{
		ws:     ws,
		data:   make(chan wire.DataMessage, 16),
		fields: make(chan []string, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.subscribed.Store(false)

	if !c.transitionFrom(StateConnecting, StateConnected) {
		ws.Close()
		return fmt.Errorf("%w: connect interrupted", ErrInvalidTransition)
	}

	go c.readLoop(conn)

	success = true
	return nil
}

// Close closes the client permanently.
func (c *Client) Close() error {
	for {
		switch st := c.getState(); st {
		case StateClosed, StateClosing:
			return nil
		case StateDisconnected:
			if c.transitionFrom(StateDisconnected, StateClosed) {
				return nil
			}
		case StateConnected:
			if !c.transitionFrom(StateConnected, StateClosing) {
				continue
			}
			err := c.closeConn()
			c.transitionFrom(StateClosing, StateClosed)
			return err
		default:
			// Connecting: wait for Connect to settle.
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *Client) closeConn() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	conn.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.writeMu.Unlock()

	err := conn.ws.Close()
	conn.finish(ErrClientClosed)
	return err
}

func (conn *connection) finish(err error) {
	conn.closeOnce.Do(func() {
		conn.err = err
		close(conn.done)
	})
}

// current returns the live connection.
func (c *Client) current() (*connection, error) {
	switch c.getState() {
	case StateClosed:
		return nil, ErrClientClosed
	case StateClosing:
		return nil, ErrClientClosing
	case StateConnected:
	default:
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// =============================================================================
// Read Loop
// =============================================================================

// envelope decodes any server message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) readLoop(conn *connection) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			conn.finish(err)
			if c.transitionFrom(StateConnected, StateDisconnected) {
				c.cbMu.RLock()
				fn := c.onDisconnect
				c.cbMu.RUnlock()
				if fn != nil {
					fn(err)
				}
			}
			return
		}
		c.handleMessage(conn, raw)
	}
}

func (c *Client) handleMessage(conn *connection, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case wire.TypeFields:
		var names []string
		if err := json.Unmarshal(env.Data, &names); err != nil {
			return
		}
		select {
		case conn.fields <- names:
		default:
		}
	case "":
		var msg wire.DataMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		select {
		case conn.data <- msg:
		case <-conn.done:
		}
	}
}

// =============================================================================
// Protocol
// =============================================================================

func (c *Client) send(conn *connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if err := conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout)); err != nil {
		return err
	}
	if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// subscribeRequest is the subscribe message.
type subscribeRequest struct {
	Type     string                    `json:"type"`
	Interval float64                   `json:"interval,omitempty"`
	Fields   map[string]wire.FieldSpec `json:"fields"`
}

// Subscribe subscribes to fields and returns the catch-up data. interval is
// the server poll interval in seconds (0 for the server default).
func (c *Client) Subscribe(ctx context.Context, interval float64, fields map[string]wire.FieldSpec) (map[string][]types.Sample, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if !c.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}

	req := subscribeRequest{Type: wire.TypeSubscribe, Interval: interval, Fields: fields}
	if err := c.send(conn, req); err != nil {
		return nil, err
	}
	return c.next(ctx, conn)
}

// Ready grants the server credit for one more data message.
func (c *Client) Ready() error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return c.send(conn, map[string]string{"type": wire.TypeReady})
}

// Next blocks until the next data message arrives.
func (c *Client) Next(ctx context.Context) (map[string][]types.Sample, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.next(ctx, conn)
}

func (c *Client) next(ctx context.Context, conn *connection) (map[string][]types.Sample, error) {
	select {
	case msg := <-conn.data:
		return msg.Data, nil
	case <-conn.done:
		return nil, conn.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Publish sends a batch over the websocket.
func (c *Client) Publish(batch types.Batch) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return c.send(conn, wire.NewPublish(batch))
}

// Fields requests the list of known field names.
func (c *Client) Fields(ctx context.Context) ([]string, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if err := c.send(conn, map[string]string{"type": wire.TypeFields}); err != nil {
		return nil, err
	}

	select {
	case names := <-conn.fields:
		return names, nil
	case <-conn.done:
		return nil, conn.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// =============================================================================
// HTTP
// =============================================================================

// httpBase returns the base URL of the HTTP endpoints.
func (c *Client) httpBase() (string, error) {
	if c.cfg.HTTPURL != "" {
		return c.cfg.HTTPURL, nil
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
