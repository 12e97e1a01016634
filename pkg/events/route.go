package events

import "sync"

// Route pairs a predicate with a sink.
type Route struct {
	Name  string
	Match func(*Event) bool
	Sink  func(*Event)
}

// Router fans events out to every matching route; events matching none go
// to the default sink, when one is set.
type Router struct {
	mu     sync.RWMutex
	routes []Route
	deflt  func(*Event)
}

// NewRouter builds an empty router.
func NewRouter() *Router { return &Router{} }

// AddRoute appends a route. Routes are evaluated in registration order
// and every match receives the event.
func (r *Router) AddRoute(rt Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
}

// SetDefault installs the sink for unmatched events.
func (r *Router) SetDefault(sink func(*Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deflt = sink
}

// Dispatch routes one event.
func (r *Router) Dispatch(ev *Event) {
	r.mu.RLock()
	routes := r.routes
	deflt := r.deflt
	r.mu.RUnlock()

	matched := false
	for _, rt := range routes {
		if rt.Match == nil || rt.Match(ev) {
			matched = true
			rt.Sink(ev)
		}
	}
	if !matched && deflt != nil {
		deflt(ev)
	}
}
