package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches map[string][][]*Event
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{batches: make(map[string][][]*Event)}
}

func (r *batchRecorder) sink(key string, batch []*Event) {
	r.mu.Lock()
	r.batches[key] = append(r.batches[key], batch)
	r.mu.Unlock()
}

func (r *batchRecorder) flushes(key string) [][]*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]*Event(nil), r.batches[key]...)
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rec := newBatchRecorder()
	b := NewBatcher(3, time.Hour, nil, rec.sink)
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Add(New(KindGameState, PriorityNormal, "test", map[string]any{"seq": i}))
	}

	flushes := rec.flushes(string(KindGameState))
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0], 3)
	for i, ev := range flushes[0] {
		assert.Equal(t, i, ev.Data["seq"])
	}
}

func TestBatcherFlushesOnAge(t *testing.T) {
	rec := newBatchRecorder()
	b := NewBatcher(100, 30*time.Millisecond, nil, rec.sink)
	defer b.Close()

	b.Add(New(KindGameState, PriorityNormal, "test", nil))
	b.Add(New(KindGameState, PriorityNormal, "test", nil))

	require.Eventually(t, func() bool {
		return len(rec.flushes(string(KindGameState))) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.flushes(string(KindGameState))[0], 2)
}

func TestBatcherGroupsByKey(t *testing.T) {
	rec := newBatchRecorder()
	b := NewBatcher(2, time.Hour, nil, rec.sink)
	defer b.Close()

	b.Add(New(KindPlayer, PriorityNormal, "test", nil))
	b.Add(New(KindEntity, PriorityNormal, "test", nil))
	b.Add(New(KindPlayer, PriorityNormal, "test", nil))

	require.Len(t, rec.flushes(string(KindPlayer)), 1)
	assert.Empty(t, rec.flushes(string(KindEntity)), "undersized group must not flush")
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	rec := newBatchRecorder()
	b := NewBatcher(100, time.Hour, nil, rec.sink)

	b.Add(New(KindPlayer, PriorityNormal, "test", nil))
	b.Close()

	flushes := rec.flushes(string(KindPlayer))
	require.Len(t, flushes, 1)
	assert.Len(t, flushes[0], 1)
}
