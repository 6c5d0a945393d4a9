package realtime

import (
	"encoding/json"
	"errors"
	"sync"
)

// Event is one server push delivered under a composite name.
type Event struct {
	Name    string
	Payload []byte
	decode  func([]byte, any) error
}

// NewEvent builds an event whose Decode uses decode, or JSON when nil.
func NewEvent(name string, payload []byte, decode func([]byte, any) error) Event {
	return Event{Name: name, Payload: payload, decode: decode}
}

func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("realtime: event has no payload")
	}
	if e.decode != nil {
		return e.decode(e.Payload, v)
	}
	return json.Unmarshal(e.Payload, v)
}

// Listener receives events. Implementations must be comparable: the
// registry identifies a subscription by (name, listener) equality.
type Listener interface {
	HandleEvent(Event)
}

type funcListener struct {
	fn func(Event)
}

func (l *funcListener) HandleEvent(e Event) { l.fn(e) }

// NewListener wraps fn in a listener with pointer identity. Keep the
// returned value to unsubscribe later.
func NewListener(fn func(Event)) Listener {
	if fn == nil {
		panic("realtime.NewListener: callback must not be nil")
	}
	return &funcListener{fn: fn}
}

// Dispatcher is the listener table transports share. Each On adds one
// registration; Off removes one.
type Dispatcher struct {
	mu     sync.RWMutex
	byName map[string][]Listener
}

func (d *Dispatcher) On(name string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byName == nil {
		d.byName = map[string][]Listener{}
	}
	d.byName[name] = append(d.byName[name], l)
}

func (d *Dispatcher) Off(name string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.byName[name]
	for i, existing := range current {
		if existing != l {
			continue
		}
		next := append(current[:i:i], current[i+1:]...)
		if len(next) == 0 {
			delete(d.byName, name)
		} else {
			d.byName[name] = next
		}
		return
	}
}

// Dispatch calls the listeners registered for e.Name synchronously and
// returns how many there were.
func (d *Dispatcher) Dispatch(e Event) int {
	d.mu.RLock()
	listeners := append([]Listener(nil), d.byName[e.Name]...)
	d.mu.RUnlock()
	for _, l := range listeners {
		l.HandleEvent(e)
	}
	return len(listeners)
}

func (d *Dispatcher) Count(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName[name])
}
