package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Deduplicator drops events whose key was already seen within the window.
// Use AsMiddleware to install it on a bus.
type Deduplicator struct {
	keyFn  KeyFunc
	window time.Duration

	mu      sync.Mutex
	seen    map[string]time.Time
	dropped atomic.Int64
}

// NewDeduplicator builds a deduplicator with the given window.
func NewDeduplicator(window time.Duration, keyFn KeyFunc) *Deduplicator {
	if window <= 0 {
		window = time.Second
	}
	if keyFn == nil {
		keyFn = KeyByKind
	}
	return &Deduplicator{
		keyFn:  keyFn,
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Admit reports whether the event is the first with its key inside the
// window, recording it if so.
func (d *Deduplicator) Admit(ev *Event) bool {
	key := d.keyFn(ev)
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		d.dropped.Add(1)
		return false
	}
	d.seen[key] = now
	// Opportunistic cleanup keeps the map bounded without a sweeper.
	if len(d.seen) > 4096 {
		for k, t := range d.seen {
			if now.Sub(t) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return true
}

// Dropped reports how many duplicates were suppressed.
func (d *Deduplicator) Dropped() int64 { return d.dropped.Load() }

// AsMiddleware adapts the deduplicator to bus middleware.
func (d *Deduplicator) AsMiddleware() Middleware {
	return func(ev *Event) *Event {
		if d.Admit(ev) {
			return ev
		}
		return nil
	}
}
