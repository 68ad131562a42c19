package wire

import (
	"sync"
	"time"
)

const (
	dedupWindowSize = 256
	dedupWindowTTL  = 30 * time.Second
)

// dedupEntry tracks a seen event key.
type dedupEntry struct {
	key  string
	seen time.Time
}

// DedupWindow is a sliding-window deduplicator for logical event identities.
// It remembers up to dedupWindowSize keys or dedupWindowTTL, whichever is
// reached first. Call signals can reach the client through more than one
// delivery path; the window makes a second delivery of the same key a no-op.
type DedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
}

// NewDedupWindow creates a new dedup window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		entries: make([]dedupEntry, 0, dedupWindowSize),
	}
}

// IsDuplicate returns true if the key has already been seen within the
// window. If not a duplicate, it records the key.
func (d *DedupWindow) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	// Evict expired entries
	cutoff := now.Add(-dedupWindowTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	// Check for duplicate
	for _, e := range d.entries {
		if e.key == key {
			return true
		}
	}

	// Evict oldest if at capacity
	if len(d.entries) >= dedupWindowSize {
		d.entries = d.entries[1:]
	}

	d.entries = append(d.entries, dedupEntry{key: key, seen: now})
	return false
}

// Len returns the current number of tracked keys.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
