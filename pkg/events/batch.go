package events

import (
	"context"
	"sync"
	"time"
)

// Batcher groups events sharing a batch key and flushes each group as a
// slice when it reaches maxSize or its oldest event reaches maxAge.
type Batcher struct {
	keyFn   KeyFunc
	maxSize int
	maxAge  time.Duration
	sink    func(key string, batch []*Event)

	mu     sync.Mutex
	groups map[string]*batchGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type batchGroup struct {
	events  []*Event
	started time.Time
}

// NewBatcher builds a batcher. A background sweeper enforces maxAge.
func NewBatcher(maxSize int, maxAge time.Duration, keyFn KeyFunc, sink func(string, []*Event)) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	if maxAge <= 0 {
		maxAge = time.Second
	}
	if keyFn == nil {
		keyFn = KeyByKind
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		keyFn:   keyFn,
		maxSize: maxSize,
		maxAge:  maxAge,
		sink:    sink,
		groups:  make(map[string]*batchGroup),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.wg.Add(1)
	go b.sweep()
	return b
}

// Add appends an event to its group, flushing on size.
func (b *Batcher) Add(ev *Event) {
	key := b.keyFn(ev)
	var flush []*Event
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		g = &batchGroup{started: time.Now()}
		b.groups[key] = g
	}
	g.events = append(g.events, ev)
	if len(g.events) >= b.maxSize {
		flush = g.events
		delete(b.groups, key)
	}
	b.mu.Unlock()
	if flush != nil {
		b.sink(key, flush)
	}
}

func (b *Batcher) sweep() {
	defer b.wg.Done()
	interval := b.maxAge / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-tick.C:
			b.flushAged()
		}
	}
}

func (b *Batcher) flushAged() {
	now := time.Now()
	type pending struct {
		key    string
		events []*Event
	}
	var out []pending
	b.mu.Lock()
	for key, g := range b.groups {
		if now.Sub(g.started) >= b.maxAge {
			out = append(out, pending{key, g.events})
			delete(b.groups, key)
		}
	}
	b.mu.Unlock()
	for _, p := range out {
		b.sink(p.key, p.events)
	}
}

// FlushAll force-flushes every group, used on shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	groups := b.groups
	b.groups = make(map[string]*batchGroup)
	b.mu.Unlock()
	for key, g := range groups {
		b.sink(key, g.events)
	}
}

// Close stops the sweeper and flushes what remains.
func (b *Batcher) Close() {
	b.cancel()
	b.wg.Wait()
	b.FlushAll()
}
