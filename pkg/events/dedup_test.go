package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupSuppressesWithinWindow(t *testing.T) {
	d := NewDeduplicator(time.Hour, nil)

	first := New(KindPlayer, PriorityNormal, "test", nil)
	assert.True(t, d.Admit(first))
	assert.False(t, d.Admit(New(KindPlayer, PriorityNormal, "test", nil)))
	assert.Equal(t, int64(1), d.Dropped())

	// A different key is unaffected.
	assert.True(t, d.Admit(New(KindEntity, PriorityNormal, "test", nil)))
}

func TestDedupWindowExpires(t *testing.T) {
	d := NewDeduplicator(30*time.Millisecond, nil)
	require.True(t, d.Admit(New(KindPlayer, PriorityNormal, "test", nil)))
	require.False(t, d.Admit(New(KindPlayer, PriorityNormal, "test", nil)))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, d.Admit(New(KindPlayer, PriorityNormal, "test", nil)))
}

func TestDedupCustomKey(t *testing.T) {
	byEntity := func(ev *Event) string {
		id, _ := ev.Data["entity_id"].(string)
		return id
	}
	d := NewDeduplicator(time.Hour, byEntity)

	assert.True(t, d.Admit(New(KindEntity, PriorityNormal, "test", map[string]any{"entity_id": "e1"})))
	assert.True(t, d.Admit(New(KindEntity, PriorityNormal, "test", map[string]any{"entity_id": "e2"})))
	assert.False(t, d.Admit(New(KindEntity, PriorityNormal, "test", map[string]any{"entity_id": "e1"})))
}

func TestDedupAsBusMiddleware(t *testing.T) {
	b := newTestBus(t, Config{})
	rec := &recorder{}
	b.Subscribe(nil, rec.handle, Async())
	b.Use(NewDeduplicator(time.Hour, nil).AsMiddleware())

	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	b.Publish(New(KindPlayer, PriorityNormal, "test", nil))
	b.Publish(New(KindEntity, PriorityNormal, "test", nil))
	drainBus(t, b)

	assert.Len(t, rec.events(), 2)
}
