package parlo

import (
	"log/slog"
	"sync"
)

// Bus is a single-category fan-out of events to registered subscribers.
// Each event category on the client owns its own Bus; subscribers of one
// category never interfere with another.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes exactly this
// registration. Both are safe to call concurrently with an active dispatch;
// a dispatch already in progress uses the subscriber set as of its start, so
// changes take effect on the next published event.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// publish invokes every currently-registered callback with ev, sequentially
// in registration order. A panicking callback is isolated: it is logged and
// the remaining callbacks in the dispatch still run.
func (b *Bus[T]) publish(ev T) {
	b.mu.Lock()
	snapshot := make([]subscriber[T], len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		invoke(s.fn, ev)
	}
}

func invoke[T any](fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber callback panicked", "panic", r)
		}
	}()
	fn(ev)
}

func (b *Bus[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
