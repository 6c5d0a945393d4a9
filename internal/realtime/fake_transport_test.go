package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabkit/internal/environment"
	"collabkit/internal/logging"
)

type invocation struct {
	method string
	args   []any
}

type fakeTransport struct {
	Dispatcher

	mu        sync.Mutex
	cfg       TransportConfig
	baseURL   string
	startErrs []error
	starts    int
	stops     int
	tokens    []string
	invokes   []invocation
}

func (f *fakeTransport) Start(ctx context.Context) error {
	tok, tokErr := f.cfg.AccessToken(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.tokens = append(f.tokens, tok)
	if tokErr != nil {
		return tokErr
	}
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) Invoke(_ context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes = append(f.invokes, invocation{method: method, args: args})
	return nil
}

func (f *fakeTransport) BaseURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseURL
}

func (f *fakeTransport) SetBaseURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseURL = url
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeTransport) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeTransport) invokeCount(method string, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.invokes {
		if inv.method == method && len(inv.args) == 1 && inv.args[0] == name {
			n++
		}
	}
	return n
}

type recordingTokens struct {
	mu        sync.Mutex
	refreshes []bool
}

func (r *recordingTokens) Token(_ context.Context, refresh bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, refresh)
	if refresh {
		return "tok2", nil
	}
	return "tok1", nil
}

func (r *recordingTokens) calls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.refreshes...)
}

type statusRecorder struct {
	mu      sync.Mutex
	updates []State
}

func (s *statusRecorder) record(state State, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, state)
}

func (s *statusRecorder) seen(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.updates {
		if u == state {
			return true
		}
	}
	return false
}

func (s *statusRecorder) last() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return 0, false
	}
	return s.updates[len(s.updates)-1], true
}

type managerHarness struct {
	manager   *Manager
	transport *fakeTransport
	env       *environment.Environment
	tokens    *recordingTokens
	status    *statusRecorder
	logger    *logging.Logger
}

func newManagerHarness(t *testing.T, startErrs ...error) *managerHarness {
	t.Helper()
	h := &managerHarness{
		transport: &fakeTransport{startErrs: startErrs},
		logger:    logging.Discard(),
		tokens:    &recordingTokens{},
		status:    &statusRecorder{},
	}
	h.env = environment.New(h.logger)
	h.manager = NewManager(ManagerOptions{
		Factory: func(cfg TransportConfig) (Transport, error) {
			h.transport.cfg = cfg
			h.transport.baseURL = cfg.URL
			return h.transport, nil
		},
		Tokens:          h.tokens,
		Env:             h.env,
		ReconnectDelay:  20 * time.Millisecond,
		RetryGuardDelay: time.Millisecond,
		OnStatus:        h.status.record,
		Logger:          h.logger,
	})
	t.Cleanup(func() { _ = h.manager.Disconnect(context.Background()) })
	return h
}

func (h *managerHarness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.manager.State() == want }, 2*time.Second, time.Millisecond,
		"state = %s, want %s", h.manager.State(), want)
}
