package server

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a websocket connection to handler.Transport.
type wsTransport struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, maxMessageSize int64, writeTimeout time.Duration) *wsTransport {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	return &wsTransport{
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

// ReadMessage returns the next data message. Control frames are handled by
// gorilla.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the connection.
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.remote
}
