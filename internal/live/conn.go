package live

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the duplex transport under a Conn. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one connected client. It remembers every issue key it has been
// sent, the last query it ran and the last issue it asked for by key.
type Conn struct {
	sock     Socket
	registry *Registry

	mu            sync.Mutex
	sent          map[string]struct{}
	lastQuery     string
	lastRequested string

	wmu sync.Mutex
}

func newConn(sock Socket, registry *Registry) *Conn {
	return &Conn{
		sock:     sock,
		registry: registry,
		sent:     make(map[string]struct{}),
	}
}

func (c *Conn) HasSent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sent[key]
	return ok
}

func (c *Conn) IsLastRequested(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequested != "" && c.lastRequested == key
}

// LastQuery returns the text of the last query this connection ran, or "".
func (c *Conn) LastQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuery
}

func (c *Conn) setLastRequested(key string) {
	c.mu.Lock()
	c.lastRequested = key
	c.mu.Unlock()
}

// Send encodes v as JSON and writes it as one text frame.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding live message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded frame. A failed write drops the connection
// from its registry and closes the socket.
func (c *Conn) SendRaw(data []byte) error {
	c.wmu.Lock()
	err := c.write(data)
	c.wmu.Unlock()
	if err != nil {
		c.registry.drop(c, err)
		return fmt.Errorf("writing live message: %w", err)
	}
	return nil
}

func (c *Conn) write(data []byte) error {
	if timeout := c.registry.writeTimeout; timeout > 0 {
		if err := c.sock.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}
