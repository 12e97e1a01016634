package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterDispatchesToEveryMatch(t *testing.T) {
	r := NewRouter()
	var players, all, fallback []*Event

	r.AddRoute(Route{
		Name:  "players",
		Match: func(ev *Event) bool { return ev.Kind == KindPlayer },
		Sink:  func(ev *Event) { players = append(players, ev) },
	})
	r.AddRoute(Route{
		Name: "everything", // nil Match means match-all
		Sink: func(ev *Event) { all = append(all, ev) },
	})
	r.SetDefault(func(ev *Event) { fallback = append(fallback, ev) })

	r.Dispatch(New(KindPlayer, PriorityNormal, "test", nil))
	r.Dispatch(New(KindSystem, PriorityNormal, "test", nil))

	assert.Len(t, players, 1)
	assert.Len(t, all, 2)
	assert.Empty(t, fallback, "match-all route starves the default sink")
}

func TestRouterDefaultSink(t *testing.T) {
	r := NewRouter()
	var matched, fallback []*Event
	r.AddRoute(Route{
		Name:  "errors",
		Match: func(ev *Event) bool { return ev.Kind == KindError },
		Sink:  func(ev *Event) { matched = append(matched, ev) },
	})
	r.SetDefault(func(ev *Event) { fallback = append(fallback, ev) })

	r.Dispatch(New(KindDebug, PriorityLow, "test", nil))
	assert.Empty(t, matched)
	assert.Len(t, fallback, 1)
}

func TestRouterWithoutDefaultDropsUnmatched(t *testing.T) {
	r := NewRouter()
	var matched []*Event
	r.AddRoute(Route{
		Match: func(ev *Event) bool { return ev.Kind == KindError },
		Sink:  func(ev *Event) { matched = append(matched, ev) },
	})

	r.Dispatch(New(KindDebug, PriorityLow, "test", nil))
	assert.Empty(t, matched)
}
