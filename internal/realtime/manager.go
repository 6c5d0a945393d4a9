package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabkit/internal/environment"
	"collabkit/internal/logging"
	"collabkit/internal/runctx"
)

const (
	DefaultReconnectDelay  = 5 * time.Second
	DefaultRetryGuardDelay = time.Second
)

// Environment is what the connection loop needs from the host.
// *environment.Environment satisfies it.
type Environment interface {
	Presence
	Notify(buffer int) (<-chan environment.Change, func())
	WaitOnline(ctx context.Context) error
}

type TokenSource interface {
	Token(ctx context.Context, refresh bool) (string, error)
}

type ManagerOptions struct {
	Factory TransportFactory
	Tokens  TokenSource
	Env     Environment
	// Policy drives the transport's own reconnects. Defaults to
	// DefaultRetryPolicy(Env).
	Policy RetryPolicy
	// ReconnectDelay is the wait after a generic connect failure.
	ReconnectDelay time.Duration
	// RetryGuardDelay is added before every retry while online and visible.
	RetryGuardDelay time.Duration
	// OnStatus is called synchronously on every state or pending change.
	OnStatus func(state State, pending bool)
	Logger   *logging.Logger
}

// gate is a one-shot signal. Opening it twice is a no-op.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Manager owns the single transport of a client and keeps it connected.
// Failures never reach callers; they show up through State, Pending and
// the OnStatus callback.
type Manager struct {
	opts     ManagerOptions
	logger   *logging.Logger
	registry *Registry
	closed   chan error

	// emitMu orders status callbacks so a stale snapshot never follows a
	// newer one.
	emitMu sync.Mutex

	mu            sync.Mutex
	state         State
	pending       bool
	transport     Transport
	started       *gate
	forceRefresh  bool
	authRetried   bool
	connectedOnce bool
	// epoch counts established connections; replayed is the last epoch whose
	// subscriptions were re-issued.
	epoch         uint64
	replayed      uint64
	running       bool
	runCtx        context.Context
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		panic("realtime.NewManager: logger must not be nil")
	}
	if opts.Factory == nil {
		panic("realtime.NewManager: transport factory must not be nil")
	}
	if opts.Tokens == nil {
		panic("realtime.NewManager: token source must not be nil")
	}
	if opts.Env == nil {
		panic("realtime.NewManager: environment must not be nil")
	}
	if opts.Policy == nil {
		opts.Policy = DefaultRetryPolicy(opts.Env)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RetryGuardDelay <= 0 {
		opts.RetryGuardDelay = DefaultRetryGuardDelay
	}
	m := &Manager{
		opts:    opts,
		logger:  opts.Logger,
		closed:  make(chan error, 1),
		state:   StateConnecting,
		started: newGate(),
	}
	m.registry = NewRegistry(m, opts.Logger.Named("registry"))
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Transport returns the connection, or nil before Start.
func (m *Manager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// WaitStarted blocks until the current connection has completed its
// handshake. A dropped connection replaces the signal, so callers arriving
// after a drop wait for the next handshake.
func (m *Manager) WaitStarted(ctx context.Context) error {
	m.mu.Lock()
	g := m.started
	m.mu.Unlock()
	return runctx.WaitClosed(ctx, g.ch)
}

// Start creates the transport for url and begins connecting. Calling it
// again rebinds the existing transport via SetURL.
func (m *Manager) Start(url string) error {
	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return m.SetURL(context.Background(), url)
	}
	t, err := m.opts.Factory(TransportConfig{
		URL:         url,
		AccessToken: m.accessToken,
		Policy:      m.opts.Policy,
		Hooks: TransportHooks{
			OnClose:        m.handleClose,
			OnReconnecting: m.handleReconnecting,
			OnReconnected:  m.handleReconnected,
		},
		Logger: m.logger.Named("transport"),
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = t
	m.mu.Unlock()

	m.logger.Info("realtime connection created", logging.Field("url", url))
	return m.Connect()
}

// Connect starts the connection loop if it is not running.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.running = true
	m.runCtx = ctx
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, done)
	return nil
}

// Disconnect stops the loop and the transport without reconnecting.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	t := m.transport
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	var err error
	if t != nil {
		err = t.Stop(ctx)
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.renewGateLocked()
	m.mu.Unlock()
	m.logger.Info("realtime disconnected")
	m.emitStatus()
	return err
}

// SetURL rebinds the transport when url differs from its current base URL.
func (m *Manager) SetURL(ctx context.Context, url string) error {
	t := m.Transport()
	if t == nil || t.BaseURL() == url {
		return nil
	}
	m.logger.Info("base URL changed; rebinding realtime connection",
		logging.Field("from", t.BaseURL()),
		logging.Field("to", url),
	)
	if err := m.Disconnect(ctx); err != nil {
		m.logger.Warn("stopping transport before rebind failed", logging.Field("error", err))
	}
	t.SetBaseURL(url)
	return m.Connect()
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	changes, stop := m.opts.Env.Notify(8)
	defer stop()

	for {
		m.drainClosed()
		err := m.Transport().Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.handleStarted(ctx)
			select {
			case <-ctx.Done():
				return
			case closeErr := <-m.closed:
				m.logger.Warn("realtime connection closed; reconnecting", logging.Field("error", closeErr))
			}
			continue
		}

		m.logger.Warn("realtime connection attempt failed", logging.Field("error", err))
		if !m.awaitRetry(ctx, err, changes) {
			return
		}
		if m.opts.Env.Online() && m.opts.Env.Visible() {
			if !runctx.SleepOrDone(ctx, m.opts.RetryGuardDelay) {
				return
			}
		}
		m.setPending(true)
	}
}

// awaitRetry decides how long to hold off after a failed attempt. It
// returns false once ctx is done.
func (m *Manager) awaitRetry(ctx context.Context, err error, changes <-chan environment.Change) bool {
	env := m.opts.Env
	switch {
	case !env.Online():
		m.setPending(false)
		m.logger.Info("offline; waiting for network before reconnecting")
		return env.WaitOnline(ctx) == nil
	case IsUnauthorized(err) && env.Visible() && m.claimAuthRetry():
		m.logger.Info("realtime connection unauthorized; retrying with a fresh token")
		return true
	default:
		drainChanges(changes)
		m.setState(StateReconnecting)
		timer := time.NewTimer(m.opts.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		case change := <-changes:
			m.logger.Debug("reconnect wait interrupted", logging.Field("change", change.String()))
		}
		return true
	}
}

func (m *Manager) claimAuthRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authRetried {
		return false
	}
	m.authRetried = true
	m.forceRefresh = true
	return true
}

// accessToken is handed to the transport. A pending forced refresh is
// consumed by exactly one call.
func (m *Manager) accessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	refresh := m.forceRefresh
	m.forceRefresh = false
	m.mu.Unlock()
	if refresh {
		m.logger.Debug("requesting refreshed token for realtime connection")
	}
	return m.opts.Tokens.Token(ctx, refresh)
}

func (m *Manager) handleStarted(ctx context.Context) {
	m.mu.Lock()
	m.state = StateConnected
	m.pending = false
	m.forceRefresh = false
	m.authRetried = false
	m.started.open()
	m.epoch++
	// The first connection has nothing to replay; Subscribe calls made
	// before it go out once the start gate opens.
	replay := m.connectedOnce
	m.connectedOnce = true
	m.replayed = m.epoch
	m.mu.Unlock()

	m.logger.Info("realtime connected")
	m.emitStatus()
	if replay {
		go m.replay(ctx)
	}
}

func (m *Manager) handleClose(err error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.pending = true
	m.epoch++
	m.renewGateLocked()
	m.mu.Unlock()

	m.emitStatus()
	select {
	case m.closed <- err:
	default:
	}
}

func (m *Manager) handleReconnecting(err error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.epoch++
	m.renewGateLocked()
	m.mu.Unlock()

	m.logger.Warn("realtime connection lost; transport reconnecting", logging.Field("error", err))
	m.emitStatus()
}

func (m *Manager) handleReconnected() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.pending = false
	m.started.open()
	ctx := m.runCtx
	replay := m.replayed != m.epoch
	m.replayed = m.epoch
	m.mu.Unlock()

	m.logger.Info("realtime reconnected")
	m.emitStatus()
	if replay {
		go m.replay(ctx)
	} else {
		m.logger.Debug("subscriptions already replayed for this connection")
	}
}

// replay re-issues Subscribe for every registered name so the server side of
// a new connection matches the registry.
func (m *Manager) replay(ctx context.Context) {
	t := m.Transport()
	names := m.registry.Names()
	if t == nil || len(names) == 0 {
		return
	}
	m.logger.Info("replaying subscriptions", logging.Field("count", len(names)))
	for _, name := range names {
		if err := t.Invoke(ctx, MethodSubscribe, name); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.logger.Warn("subscription replay failed", logging.Field("name", name), logging.Field("error", err))
		}
	}
}

// renewGateLocked swaps in a new start signal unless the current one has
// not fired yet, in which case its waiters already wait for the next
// handshake.
func (m *Manager) renewGateLocked() {
	if m.started.isOpen() {
		m.started = newGate()
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.emitStatus()
}

func (m *Manager) setPending(pending bool) {
	m.mu.Lock()
	m.pending = pending
	m.mu.Unlock()
	m.emitStatus()
}

// emitStatus reports the current state. The snapshot is taken under emitMu,
// so callbacks see states in the order they were applied. OnStatus must not
// call back into Disconnect.
func (m *Manager) emitStatus() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	state, pending := m.state, m.pending
	m.mu.Unlock()
	m.logger.Debug("connection status", logging.Field("state", state.String()), logging.Field("pending", pending))
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(state, pending)
	}
}

func (m *Manager) drainClosed() {
	for {
		select {
		case <-m.closed:
		default:
			return
		}
	}
}

func drainChanges(changes <-chan environment.Change) {
	for {
		select {
		case <-changes:
		default:
			return
		}
	}
}
