package realtime

import (
	"context"
	"sync"

	"collabkit/internal/logging"
)

// Connection is what the registry needs from the manager.
type Connection interface {
	// Transport returns nil until a connection has been created.
	Transport() Transport
	WaitStarted(ctx context.Context) error
}

type entry struct {
	name     string
	listener Listener
}

// Registry tracks which listeners are subscribed to which composite names.
// Errors are logged and swallowed so callers never need to handle them.
type Registry struct {
	conn   Connection
	logger *logging.Logger

	mu      sync.Mutex
	entries []entry
}

func NewRegistry(conn Connection, logger *logging.Logger) *Registry {
	if conn == nil {
		panic("realtime.NewRegistry: connection must not be nil")
	}
	if logger == nil {
		panic("realtime.NewRegistry: logger must not be nil")
	}
	return &Registry{conn: conn, logger: logger}
}

// CompositeName joins group and event as "group:event", or returns event
// when group is empty.
func CompositeName(group, event string) string {
	if group == "" {
		return event
	}
	return group + ":" + event
}

// Subscribe registers l for group:event and asks the server for the events
// once the connection is up. It returns nil when nothing was registered.
// The remote Subscribe is sent on every call, even when another listener
// already holds the same name.
func (r *Registry) Subscribe(ctx context.Context, group, event string, l Listener) *Subscription {
	name := CompositeName(group, event)
	if l == nil {
		r.logger.Error("subscribe failed: listener must not be nil", logging.Field("name", name))
		return nil
	}

	r.mu.Lock()
	if r.indexLocked(name, l) >= 0 {
		r.mu.Unlock()
		r.logger.Error("subscribe failed", logging.Field("name", name), logging.Field("error", ErrDuplicateSubscription))
		return nil
	}
	t := r.conn.Transport()
	if t == nil {
		r.mu.Unlock()
		r.logger.Error("subscribe failed", logging.Field("name", name), logging.Field("error", ErrNotConnected))
		return nil
	}
	r.entries = append(r.entries, entry{name: name, listener: l})
	t.On(name, l)
	r.mu.Unlock()

	sub := &Subscription{registry: r, group: group, event: event, listener: l}
	if err := r.conn.WaitStarted(ctx); err != nil {
		r.logger.Warn("subscribe not sent: connection not started", logging.Field("name", name), logging.Field("error", err))
		return sub
	}
	if err := t.Invoke(ctx, MethodSubscribe, name); err != nil {
		r.logger.Warn("remote subscribe failed", logging.Field("name", name), logging.Field("error", err))
	} else {
		r.logger.Debug("subscribed", logging.Field("name", name))
	}
	return sub
}

// Unsubscribe removes the first matching registration. The server is told
// only when no other listener remains for the name.
func (r *Registry) Unsubscribe(ctx context.Context, group, event string, l Listener) {
	name := CompositeName(group, event)

	r.mu.Lock()
	t := r.conn.Transport()
	if t == nil {
		r.mu.Unlock()
		r.logger.Error("unsubscribe failed", logging.Field("name", name), logging.Field("error", ErrNotConnected))
		return
	}
	idx := r.indexLocked(name, l)
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("unsubscribe ignored: not subscribed", logging.Field("name", name))
		return
	}
	r.entries = append(r.entries[:idx:idx], r.entries[idx+1:]...)
	t.Off(name, l)
	remaining := r.countLocked(name)
	r.mu.Unlock()

	if remaining > 0 {
		return
	}
	if err := r.conn.WaitStarted(ctx); err != nil {
		r.logger.Warn("unsubscribe not sent: connection not started", logging.Field("name", name), logging.Field("error", err))
		return
	}
	if err := t.Invoke(ctx, MethodUnsubscribe, name); err != nil {
		r.logger.Warn("remote unsubscribe failed", logging.Field("name", name), logging.Field("error", err))
		return
	}
	r.logger.Debug("unsubscribed", logging.Field("name", name))
}

// Names returns each registered name once, in first-registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.entries))
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if _, ok := seen[e.name]; ok {
			continue
		}
		seen[e.name] = struct{}{}
		names = append(names, e.name)
	}
	return names
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) indexLocked(name string, l Listener) int {
	for i, e := range r.entries {
		if e.name == name && e.listener == l {
			return i
		}
	}
	return -1
}

func (r *Registry) countLocked(name string) int {
	n := 0
	for _, e := range r.entries {
		if e.name == name {
			n++
		}
	}
	return n
}

// Subscription is the handle returned by Subscribe. Close releases it.
type Subscription struct {
	registry *Registry
	group    string
	event    string
	listener Listener
	once     sync.Once
}

func (s *Subscription) Name() string {
	return CompositeName(s.group, s.event)
}

// Close unsubscribes once; later calls do nothing.
func (s *Subscription) Close(ctx context.Context) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.registry.Unsubscribe(ctx, s.group, s.event, s.listener)
	})
}
