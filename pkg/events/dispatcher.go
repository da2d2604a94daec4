package events

import "sync"

// Dispatcher fans decoded events out to typed subscribers. Subscribe returns
// an unsubscribe func; teardown that skips it leaks the handler across
// remounts, which the engine treats as a bug, not cleanliness.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[Kind]map[uint64]func(Event)
	next     uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]map[uint64]func(Event))}
}

// Subscribe registers a handler for one event kind.
func (d *Dispatcher) Subscribe(kind Kind, fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[uint64]func(Event))
	}
	id := d.next
	d.next++
	d.handlers[kind][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[kind], id)
	}
}

// Dispatch invokes the handlers registered for the event's kind.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	fns := make([]func(Event), 0, len(d.handlers[ev.EventKind()]))
	for _, fn := range d.handlers[ev.EventKind()] {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// HandlerCount reports how many handlers are registered for a kind.
func (d *Dispatcher) HandlerCount(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[kind])
}
