// Package environment tracks the host signals the realtime client reacts to:
// network reachability and whether the user is looking at the client.
package environment

import (
	"context"
	"sort"
	"sync"

	"collabkit/internal/logging"
)

type Change int

const (
	Online Change = iota
	Offline
	Visible
	Hidden
)

func (c Change) String() string {
	switch c {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// Connectivity reports whether c is an online/offline transition.
func (c Change) Connectivity() bool {
	return c == Online || c == Offline
}

type Environment struct {
	logger *logging.Logger

	mu          sync.Mutex
	online      bool
	visible     bool
	nextID      int
	subscribers map[int]func(Change)
}

// New returns an environment that starts online and visible.
func New(logger *logging.Logger) *Environment {
	if logger == nil {
		panic("environment.New: logger must not be nil")
	}
	return &Environment{
		logger:      logger,
		online:      true,
		visible:     true,
		subscribers: map[int]func(Change){},
	}
}

func (e *Environment) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Environment) Visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible
}

func (e *Environment) SetOnline(online bool) {
	e.mu.Lock()
	if e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online
	e.mu.Unlock()
	if online {
		e.publish(Online)
	} else {
		e.publish(Offline)
	}
}

func (e *Environment) SetVisible(visible bool) {
	e.mu.Lock()
	if e.visible == visible {
		e.mu.Unlock()
		return
	}
	e.visible = visible
	e.mu.Unlock()
	if visible {
		e.publish(Visible)
	} else {
		e.publish(Hidden)
	}
}

// Subscribe calls fn synchronously for every transition, in subscription
// order. The returned func removes it.
func (e *Environment) Subscribe(fn func(Change)) func() {
	if fn == nil {
		panic("environment.Subscribe: callback must not be nil")
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subscribers, id)
			e.mu.Unlock()
		})
	}
}

// Notify delivers transitions on a buffered channel. Changes that do not fit
// in the buffer are dropped, so waiters should re-check Online/Visible after
// waking.
func (e *Environment) Notify(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	stop := e.Subscribe(func(c Change) {
		select {
		case ch <- c:
		default:
			e.logger.Debug("environment change dropped", logging.Field("change", c.String()))
		}
	})
	return ch, stop
}

// WaitOnline blocks until the environment is online or ctx ends.
func (e *Environment) WaitOnline(ctx context.Context) error {
	changes, stop := e.Notify(4)
	defer stop()
	for !e.Online() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		}
	}
	return nil
}

func (e *Environment) publish(c Change) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, e.subscribers[id])
	}
	e.mu.Unlock()

	e.logger.Debug("environment changed", logging.Field("change", c.String()))
	for _, cb := range callbacks {
		cb(c)
	}
}
