package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocket is the preferred transport: one persistent websocket carrying
// binary frames.
type WebSocket struct {
	mu      sync.Mutex
	url     string
	timeout time.Duration
	conn    net.Conn
}

// NewWebSocket creates a websocket transport for url. dialTimeout bounds the
// connection attempt so failures surface quickly.
func NewWebSocket(url string, dialTimeout time.Duration) *WebSocket {
	return &WebSocket{url: url, timeout: dialTimeout}
}

// Connect dials the gateway. No-op if already connected.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := ws.Dialer{Timeout: t.timeout}
	conn, _, _, err := dialer.Dial(ctx, t.url)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Send writes one binary frame. Safe for concurrent use.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	return wsutil.WriteClientBinary(t.conn, data)
}

// Receive reads one binary frame. Single-reader only.
func (t *WebSocket) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	return wsutil.ReadServerBinary(conn)
}

// SetReadDeadline bounds the next Receive. Zero time clears the deadline.
func (t *WebSocket) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.SetReadDeadline(deadline)
}

// Close tears down the connection. Safe to call when not connected.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
