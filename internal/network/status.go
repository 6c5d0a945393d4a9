// Package network derives the user-facing connectivity status from host
// reachability and the realtime connection state.
package network

import (
	"sync"

	"collabkit/internal/realtime"
)

type State int

const (
	StateOnline State = iota
	StateUnreachable
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateUnreachable:
		return "unreachable"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type Status struct {
	State     State
	IsPending bool
}

// Label is short banner text for the status.
func (s Status) Label() string {
	switch {
	case s.State == StateOffline:
		return "Offline"
	case s.State == StateUnreachable && s.IsPending:
		return "Reconnecting..."
	case s.State == StateUnreachable:
		return "Server unreachable"
	case s.IsPending:
		return "Connecting..."
	default:
		return "Online"
	}
}

// Derive maps the two inputs onto a Status. Being offline wins over any
// connection state.
func Derive(online bool, conn realtime.State, pending bool) Status {
	status := Status{IsPending: pending}
	switch {
	case !online:
		status.State = StateOffline
	case conn == realtime.StateConnected || conn == realtime.StateConnecting:
		status.State = StateOnline
	default:
		status.State = StateUnreachable
	}
	return status
}

type ListenerID int

type listener struct {
	id ListenerID
	fn func(Status)
}

// Aggregator recomputes the Status on every input and pushes it to
// listeners synchronously, in registration order, even when it is unchanged.
type Aggregator struct {
	mu        sync.Mutex
	online    bool
	conn      realtime.State
	pending   bool
	nextID    ListenerID
	listeners []listener
}

func NewAggregator(online bool, conn realtime.State) *Aggregator {
	return &Aggregator{online: online, conn: conn}
}

func (a *Aggregator) SetOnline(online bool) {
	a.mu.Lock()
	a.online = online
	a.mu.Unlock()
	a.notify()
}

func (a *Aggregator) SetConnection(conn realtime.State, pending bool) {
	a.mu.Lock()
	a.conn = conn
	a.pending = pending
	a.mu.Unlock()
	a.notify()
}

func (a *Aggregator) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Derive(a.online, a.conn, a.pending)
}

func (a *Aggregator) AddListener(fn func(Status)) ListenerID {
	if fn == nil {
		panic("network.AddListener: callback must not be nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.listeners = append(a.listeners, listener{id: a.nextID, fn: fn})
	return a.nextID
}

func (a *Aggregator) RemoveListener(id ListenerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, l := range a.listeners {
		if l.id == id {
			a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	status := Derive(a.online, a.conn, a.pending)
	listeners := append([]listener(nil), a.listeners...)
	a.mu.Unlock()
	for _, l := range listeners {
		l.fn(status)
	}
}
