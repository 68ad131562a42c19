package parlo

import "sync/atomic"

// UnreadCounter counts delivered messages since the last clear. Process
// lifetime only; the value is lost on restart.
type UnreadCounter struct {
	n atomic.Int64
}

// Increment adds one. Called once per delivered message event, independent of
// subscriber count.
func (c *UnreadCounter) Increment() {
	c.n.Add(1)
}

// Reset sets the counter to zero. Safe regardless of connection state.
func (c *UnreadCounter) Reset() {
	c.n.Store(0)
}

// Value returns the current count.
func (c *UnreadCounter) Value() int {
	return int(c.n.Load())
}
