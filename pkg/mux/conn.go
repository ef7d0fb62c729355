package mux

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn serialises concurrent writers onto one underlying websocket
// connection; websocket.Conn permits only one writer at a time but many
// concurrent readers of Call results, so every outbound Frame funnels
// through WriteFrame's lock.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn wraps an already-upgraded (server) or already-dialed (client)
// websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteFrame sends one binary mux frame. Safe for concurrent use.
func (c *Conn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, Encode(f)); err != nil {
		return fmt.Errorf("mux: write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next binary mux frame. Not safe for concurrent
// use; Mux.Run is the only reader.
func (c *Conn) ReadFrame() (Frame, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("mux: read frame: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return Frame{}, fmt.Errorf("mux: read frame: unexpected message type %d", kind)
	}
	return Decode(data)
}

// Close closes the underlying websocket.
func (c *Conn) Close() error { return c.ws.Close() }
