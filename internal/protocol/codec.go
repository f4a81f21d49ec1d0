package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// MaxMessageSize bounds a single control message. gorilla/websocket enforces
// this at read time via SetReadLimit.
const MaxMessageSize = 1 << 20 // 1MiB

// Codec reads and writes control messages as JSON text frames over a
// websocket connection. ReadMessage is not safe for concurrent use (the
// caller owns a single dispatch loop per session); Send is, since both the
// dispatch loop and concurrent ingress handlers write on the same session.
type Codec struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewCodec wraps conn for control message exchange.
func NewCodec(conn *websocket.Conn) *Codec {
	conn.SetReadLimit(MaxMessageSize)
	return &Codec{conn: conn}
}

// ReadMessage blocks for the next control message and returns its type
// alongside the raw frame, so the caller can decode into the concrete
// struct for that type.
func (c *Codec) ReadMessage() (MessageType, []byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	t, err := ParseType(data)
	if err != nil {
		return "", data, err
	}
	return t, data, nil
}

// Send marshals v and writes it as a single text frame. Safe for
// concurrent use.
func (c *Codec) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
