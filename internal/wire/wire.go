// Package wire defines the sensorcache wire formats.
//
// Subscribers and websocket writers speak JSON text messages (messages.go).
// Bulk writers may instead stream batches over plain TCP as protobuf
// google.protobuf.Struct messages, length-delimited using protobuf's
// standard varint encoding (this file).
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

// Reader reads length-delimited batch frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int64
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// SetMaxSize overrides the maximum accepted frame size.
func (r *Reader) SetMaxSize(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.maxSize = n
	}
}

// Read reads and unmarshals the next frame.
// Returns io.EOF when the stream ends cleanly between frames.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: r.maxSize,
	}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return msg, nil
}

// ReadBatch reads the next frame and decodes it as a batch.
// Returns the batch and the number of skipped malformed samples.
func (r *Reader) ReadBatch() (types.Batch, int, error) {
	msg, err := r.Read()
	if err != nil {
		return nil, 0, err
	}
	return DecodeBatch(msg.AsMap())
}

// Writer writes length-delimited batch frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a frame with length prefix.
func (w *Writer) Write(msg *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteBatch encodes and writes a batch.
func (w *Writer) WriteBatch(b types.Batch) error {
	msg, err := EncodeBatch(b)
	if err != nil {
		return err
	}
	return w.Write(msg)
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// EncodeBatch converts a batch into its protobuf Struct form:
// {field: [[ts, value], ...]}.
func EncodeBatch(b types.Batch) (*structpb.Struct, error) {
	m := make(map[string]any, len(b))
	for field, samples := range b {
		pairs := make([]any, len(samples))
		for i, s := range samples {
			pairs[i] = []any{s.Timestamp, valueToAny(s.Value)}
		}
		m[field] = pairs
	}
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return msg, nil
}

func valueToAny(v types.Value) any {
	switch v.Kind {
	case types.KindNumber:
		return v.Num
	case types.KindText:
		return v.Str
	default:
		return nil
	}
}
