package events

import (
	"context"
	"sync"
	"time"
)

// CombineFunc folds a window of events into one summary event.
type CombineFunc func(key string, window []*Event) *Event

// Aggregator collects events per key and emits one combined event per
// window. Unlike Batcher it emits a single summary, not the raw slice.
type Aggregator struct {
	keyFn   KeyFunc
	window  time.Duration
	combine CombineFunc
	sink    func(*Event)

	mu     sync.Mutex
	groups map[string][]*Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator builds an aggregator flushing every window.
func NewAggregator(window time.Duration, keyFn KeyFunc, combine CombineFunc, sink func(*Event)) *Aggregator {
	if window <= 0 {
		window = time.Second
	}
	if keyFn == nil {
		keyFn = KeyByKind
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		keyFn:   keyFn,
		window:  window,
		combine: combine,
		sink:    sink,
		groups:  make(map[string][]*Event),
		ctx:     ctx,
		cancel:  cancel,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Add feeds one event into its window.
func (a *Aggregator) Add(ev *Event) {
	key := a.keyFn(ev)
	a.mu.Lock()
	a.groups[key] = append(a.groups[key], ev)
	a.mu.Unlock()
}

func (a *Aggregator) loop() {
	defer a.wg.Done()
	tick := time.NewTicker(a.window)
	defer tick.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-tick.C:
			a.Flush()
		}
	}
}

// Flush combines and emits every non-empty group.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	groups := a.groups
	a.groups = make(map[string][]*Event)
	a.mu.Unlock()
	for key, window := range groups {
		if ev := a.combine(key, window); ev != nil {
			a.sink(ev)
		}
	}
}

// Close stops the window ticker and flushes what remains.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
	a.Flush()
}
