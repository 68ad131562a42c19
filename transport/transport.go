// Package transport provides the duplex transports the Parlo client can run
// over. WebSocket is the preferred low-latency transport; long polling is the
// compatibility fallback for networks that break websockets.
package transport

import (
	"context"
	"errors"
	"time"
)

var ErrNotConnected = errors.New("transport: not connected")

// Transport is one bidirectional byte-frame connection to the gateway.
// Receive is called from a single goroutine; Send may be called from many.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// DeadlineTransport is implemented by transports that can bound a single
// Receive, used to time-box the auth handshake.
type DeadlineTransport interface {
	Transport
	SetReadDeadline(t time.Time) error
}
