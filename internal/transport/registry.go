package transport

import "sync"

// Handler receives the payload of one event. Handlers run on a transport
// goroutine; they must return quickly and must not call Disconnect.
type Handler func(payload any)

// Subscription identifies one registered handler.
type Subscription struct {
	event string
	id    uint64
}

// Event returns the event name the subscription was registered for.
func (s Subscription) Event() string { return s.event }

type entry struct {
	id uint64
	h  Handler
}

// Registry maps event names to handlers and dispatches payloads to them in
// registration order. Dispatches are serialized, and Clear waits for an
// in-flight dispatch to finish, so once Clear returns no previously
// registered handler can run again.
type Registry struct {
	mu       sync.Mutex
	next     uint64
	handlers map[string][]entry

	dispatchMu sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]entry)}
}

// On registers h for event.
func (r *Registry) On(event string, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.handlers[event] = append(r.handlers[event], entry{id: r.next, h: h})
	return Subscription{event: event, id: r.next}
}

// Off removes subs from event, or all handlers of event when subs is empty.
func (r *Registry) Off(event string, subs ...Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(subs) == 0 {
		delete(r.handlers, event)
		return
	}
	drop := make(map[uint64]bool, len(subs))
	for _, s := range subs {
		if s.event == event {
			drop[s.id] = true
		}
	}
	kept := make([]entry, 0, len(r.handlers[event]))
	for _, e := range r.handlers[event] {
		if !drop[e.id] {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, event)
		return
	}
	r.handlers[event] = kept
}

// Count returns the number of handlers registered for event.
func (r *Registry) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[event])
}

// Clear removes every handler and waits for a running dispatch to return.
func (r *Registry) Clear() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	r.handlers = make(map[string][]entry)
	r.mu.Unlock()
}

// Dispatch calls every handler registered for event with payload. It
// reports whether at least one handler ran.
func (r *Registry) Dispatch(event string, payload any) bool {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	list := r.handlers[event]
	r.mu.Unlock()

	for _, e := range list {
		e.h(payload)
	}
	return len(list) > 0
}
