package events

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// DropPolicy selects which event loses when a throttle bucket overflows.
type DropPolicy string

const (
	// DropOldest evicts the oldest queued event to admit the new one.
	DropOldest DropPolicy = "oldest"
	// DropNewest rejects the incoming event.
	DropNewest DropPolicy = "newest"
	// DropPriority evicts the lowest-priority queued event if the incoming
	// one outranks it, otherwise rejects the incoming event.
	DropPriority DropPolicy = "priority"
)

// KeyFunc derives the throttle/batch/dedup key of an event.
type KeyFunc func(*Event) string

// KeyByKind keys events by their kind.
func KeyByKind(ev *Event) string { return string(ev.Kind) }

// Throttler caps events-per-second per key. Each key holds a queue of at
// most eventsPerSec entries drained by a rate limiter; overflow applies
// the drop policy. Emission order within a key is FIFO among survivors.
type Throttler struct {
	keyFn  KeyFunc
	limit  int
	policy DropPolicy
	sink   func(*Event)

	mu      sync.Mutex
	buckets map[string]*throttleBucket

	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type throttleBucket struct {
	mu      sync.Mutex
	queue   []*Event
	limiter *rate.Limiter
	wake    chan struct{}
}

// NewThrottler builds a throttler emitting surviving events to sink.
func NewThrottler(eventsPerSec int, policy DropPolicy, keyFn KeyFunc, sink func(*Event)) *Throttler {
	if eventsPerSec < 1 {
		eventsPerSec = 1
	}
	if keyFn == nil {
		keyFn = KeyByKind
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Throttler{
		keyFn:   keyFn,
		limit:   eventsPerSec,
		policy:  policy,
		sink:    sink,
		buckets: make(map[string]*throttleBucket),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Offer submits an event. Returns false when the event was dropped by the
// policy.
func (t *Throttler) Offer(ev *Event) bool {
	t.mu.Lock()
	b, ok := t.buckets[t.keyFn(ev)]
	if !ok {
		b = &throttleBucket{
			limiter: rate.NewLimiter(rate.Limit(t.limit), 1),
			wake:    make(chan struct{}, 1),
		}
		t.buckets[t.keyFn(ev)] = b
		t.wg.Add(1)
		go t.drainBucket(b)
	}
	t.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	admitted := true
	if len(b.queue) >= t.limit {
		switch t.policy {
		case DropOldest:
			b.queue = b.queue[1:]
			b.queue = append(b.queue, ev)
		case DropPriority:
			idx := lowestPriorityIndex(b.queue)
			if b.queue[idx].Priority < ev.Priority {
				b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
				b.queue = append(b.queue, ev)
			} else {
				admitted = false
			}
		default: // DropNewest
			admitted = false
		}
		t.dropped.Add(1)
	} else {
		b.queue = append(b.queue, ev)
	}
	if admitted {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return admitted
}

func lowestPriorityIndex(q []*Event) int {
	idx := 0
	for i, ev := range q {
		if ev.Priority < q[idx].Priority {
			idx = i
		}
	}
	return idx
}

func (t *Throttler) drainBucket(b *throttleBucket) {
	defer t.wg.Done()
	for {
		b.mu.Lock()
		var ev *Event
		if len(b.queue) > 0 {
			ev = b.queue[0]
			b.queue = b.queue[1:]
		}
		b.mu.Unlock()

		if ev == nil {
			select {
			case <-t.ctx.Done():
				return
			case <-b.wake:
				continue
			}
		}
		if err := b.limiter.Wait(t.ctx); err != nil {
			return
		}
		t.sink(ev)
	}
}

// Dropped reports the total events lost to the policy.
func (t *Throttler) Dropped() int64 { return t.dropped.Load() }

// Close stops all bucket drainers. Queued events are discarded.
func (t *Throttler) Close() {
	t.cancel()
	t.wg.Wait()
}
