package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(cfg, zerolog.Nop(), nil)
	t.Cleanup(b.Close)
	return b
}

func drainBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitForQueueEmpty(ctx))
}

// recorder collects delivered events in order.
type recorder struct {
	mu  sync.Mutex
	evs []*Event
}

func (r *recorder) handle(ev *Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.evs))
	copy(out, r.evs)
	return out
}

func TestSubscribeByKind(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe([]Kind{KindPlayer}, rec.handle, Async())

	b.Publish(New(KindPlayer, PriorityNormal, "test", map[string]any{"n": 1}))
	b.Publish(New(KindEntity, PriorityNormal, "test", map[string]any{"n": 2}))
	b.Publish(New(KindPlayer, PriorityNormal, "test", map[string]any{"n": 3}))
	drainBus(t, b)

	evs := rec.events()
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, KindPlayer, ev.Kind)
	}
}

func TestSubscribeAllKinds(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async())

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	b.Publish(New(KindSystem, PriorityNormal, "test", nil))
	drainBus(t, b)
	assert.Len(t, rec.events(), 2)
}

func TestSubscribeWithPredicate(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async(), WithPredicate(func(ev *Event) bool {
		return ev.Source == "wanted"
	}))

	b.Publish(New(KindPlayer, PriorityNormal, "wanted", nil))
	b.Publish(New(KindPlayer, PriorityNormal, "unwanted", nil))
	drainBus(t, b)

	evs := rec.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "wanted", evs[0].Source)
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async())

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(New(KindGameState, PriorityNormal, "test", map[string]any{"seq": i}))
	}
	drainBus(t, b)

	evs := rec.events()
	require.Len(t, evs, n)
	for i, ev := range evs {
		assert.Equal(t, i, ev.Data["seq"])
	}
}

func TestMiddlewareTransformsAndDrops(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async())

	b.Use(func(ev *Event) *Event {
		if ev.Kind == KindDebug {
			return nil
		}
		ev.Data["stamped"] = true
		return ev
	})

	b.Publish(New(KindDebug, PriorityNormal, "test", map[string]any{}))
	b.Publish(New(KindPlayer, PriorityNormal, "test", map[string]any{}))
	drainBus(t, b)

	evs := rec.events()
	require.Len(t, evs, 1)
	assert.Equal(t, true, evs[0].Data["stamped"])
	// Dropped-by-middleware events never count as published.
	assert.Equal(t, int64(1), b.Stats().Published)
}

func TestGlobalFilterRejects(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async())
	b.AddFilter(func(ev *Event) bool { return ev.Priority >= PriorityNormal })

	b.Publish(New(KindPlayer, PriorityLow, "test", nil))
	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	drainBus(t, b)
	assert.Len(t, rec.events(), 1)
}

func TestHighPriorityNeverDropped(t *testing.T) {
	// A one-slot normal queue would shed this burst; the priority deque
	// is unbounded and must not.
	b := newTestBus(t, Config{NormalQueueSize: 1})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async(), WithQueueSize(512))

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(New(KindConnection, PriorityHigh, "test", map[string]any{"seq": i}))
	}
	drainBus(t, b)

	st := b.Stats()
	assert.Equal(t, int64(n), st.Published)
	assert.Equal(t, int64(n), st.Processed)
	assert.Zero(t, st.Dropped)
}

func TestFullSubscriberQueueDropsForThatSubscriberOnly(t *testing.T) {
	b := newTestBus(t, Config{})
	release := make(chan struct{})

	// One subscriber wedges on the first event with a single-slot queue.
	b.Subscribe(nil, func(*Event) error {
		<-release
		return nil
	}, Async(), WithQueueSize(1))
	// A healthy subscriber keeps consuming.
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async(), WithQueueSize(512))

	const n = 10
	for i := 0; i < n; i++ {
		b.Publish(New(KindGameState, PriorityNormal, "test", map[string]any{"seq": i}))
	}

	require.Eventually(t, func() bool {
		return b.Stats().Dropped > 0 && len(rec.events()) == n
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	drainBus(t, b)

	st := b.Stats()
	assert.Equal(t, int64(n), st.Published)
	// The wedged subscriber lost events; the healthy one lost none.
	assert.GreaterOrEqual(t, st.Dropped, int64(n-2))
	assert.Len(t, rec.events(), n)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	id := b.Subscribe(nil, rec.handle, Async())

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	drainBus(t, b)
	require.Len(t, rec.events(), 1)

	b.Unsubscribe(id)
	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	drainBus(t, b)
	assert.Len(t, rec.events(), 1)
}

func TestSubscriberErrorCounted(t *testing.T) {
	b := newTestBus(t, Config{})
	b.Subscribe(nil, func(*Event) error { return errors.New("handler refused") }, Async())

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	drainBus(t, b)

	st := b.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Zero(t, st.Processed)
	assert.InDelta(t, 0.0, st.SuccessRate(), 1e-9)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, func(*Event) error { panic("subscriber bug") }, Async())
	b.Subscribe(nil, rec.handle, Async())

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	drainBus(t, b)

	assert.Len(t, rec.events(), 1, "a panicking peer must not block delivery")
	assert.Equal(t, int64(1), b.Stats().Failed)
}

func TestSyncHandlerRunsOnWorkerPool(t *testing.T) {
	b := newTestBus(t, Config{Workers: 2})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle) // no Async: goes through the pool

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	drainBus(t, b)
	assert.Len(t, rec.events(), 1)
	assert.Equal(t, int64(1), b.Stats().Processed)
}

func TestCloseWithQueuedSyncHandlerDiscardsLateResult(t *testing.T) {
	// A sync delivery abandoned at shutdown may still run during the pool
	// drain; its late result must be discarded, not written into state the
	// abandoning goroutine already read.
	b := NewBus(Config{Workers: 1}, zerolog.Nop(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	b.Subscribe([]Kind{KindConnection}, func(*Event) error {
		close(started)
		<-release
		return nil
	})
	var ran atomic.Int32
	b.Subscribe([]Kind{KindPlayer}, func(*Event) error {
		ran.Add(1)
		return errors.New("late failure")
	})

	// The first event wedges the only worker; the second queues behind it
	// with its delivery goroutine waiting on the pool.
	b.Publish(New(KindConnection, PriorityNormal, "test", nil))
	<-started
	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	require.Eventually(t, func() bool {
		return len(b.pool.taskQueue) == 1
	}, 2*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond) // let Close cancel the waiting delivery
	close(release)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int32(1), ran.Load(), "the queued handler still runs once during pool drain")
}

func TestPublishAfterCloseIgnored(t *testing.T) {
	b := NewBus(Config{}, zerolog.Nop(), nil)
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async())
	b.Close()
	b.Close() // idempotent

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	assert.Zero(t, b.Stats().Published)
}

func TestSuccessRateIdle(t *testing.T) {
	assert.Equal(t, 1.0, Stats{}.SuccessRate())
	assert.Equal(t, 0.75, Stats{Processed: 3, Failed: 1}.SuccessRate())
}
