package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time interface assertions.
var (
	_ Dialer  = (*WebSocketDialer)(nil)
	_ Channel = (*wsChannel)(nil)
)

// defaultReadLimit allows large audio deltas; the library default is 32 KiB.
const defaultReadLimit = 4 << 20

// WebSocketDialer opens channels with github.com/coder/websocket.
type WebSocketDialer struct {
	// Header is sent with the upgrade request.
	Header http.Header

	// HTTPClient is used for the handshake. Nil uses the library default.
	HTTPClient *http.Client

	// ReadLimit caps a single inbound message. Zero means 4 MiB.
	ReadLimit int64
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsChannel) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) Close(reason string) error {
	if !c.markClosed() {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *wsChannel) Abort() error {
	c.markClosed()
	return c.conn.CloseNow()
}

// markClosed returns true for the first caller only.
func (c *wsChannel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
