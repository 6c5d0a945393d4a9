package collab

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabkit/internal/environment"
	"collabkit/internal/httpclient"
	"collabkit/internal/logging"
	"collabkit/internal/network"
	"collabkit/internal/realtime"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type stubTransport struct {
	realtime.Dispatcher
	cfg realtime.TransportConfig

	mu      sync.Mutex
	base    string
	tokens  []string
	invokes []string
	stops   int
}

func (s *stubTransport) Start(ctx context.Context) error {
	tok, err := s.cfg.AccessToken(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tokens = append(s.tokens, tok)
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Stop(context.Context) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Invoke(_ context.Context, method string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, _ := args[0].(string)
	s.invokes = append(s.invokes, method+" "+name)
	return nil
}

func (s *stubTransport) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *stubTransport) SetBaseURL(url string) {
	s.mu.Lock()
	s.base = url
	s.mu.Unlock()
}

func (s *stubTransport) snapshot() (tokens []string, invokes []string, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...), append([]string(nil), s.invokes...), s.stops
}

type harness struct {
	client  *Client
	env     *environment.Environment
	created chan *stubTransport
}

func newHarness(t *testing.T, httpClient *http.Client) *harness {
	t.Helper()
	logger := logging.Discard()
	h := &harness{
		env:     environment.New(logger),
		created: make(chan *stubTransport, 4),
	}
	h.client = New(Options{
		Transport: func(cfg realtime.TransportConfig) (realtime.Transport, error) {
			st := &stubTransport{cfg: cfg, base: cfg.URL}
			h.created <- st
			return st, nil
		},
		Env:             h.env,
		HTTP:            httpClient,
		Source:          "collabkit-test",
		ReconnectDelay:  20 * time.Millisecond,
		RetryGuardDelay: time.Millisecond,
		Logger:          logger,
	})
	t.Cleanup(func() { _ = h.client.Destroy(context.Background()) })
	return h
}

func (h *harness) transport(t *testing.T) *stubTransport {
	t.Helper()
	select {
	case st := <-h.created:
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("transport was not created")
		return nil
	}
}

func staticFactory(tok string) func(context.Context, bool) (string, error) {
	return func(context.Context, bool) (string, error) { return tok, nil }
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	require.Eventually(t, func() bool {
		return c.ConnectionState() == realtime.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConfigurationErrors(t *testing.T) {
	h := newHarness(t, nil)

	err := h.client.SetURL(context.Background(), "collab.example.test")
	require.ErrorIs(t, err, ErrInvalidURL)
	require.ErrorIs(t, h.client.SetTokenFactory(nil), ErrNoFactory)

	_, err = h.client.Token(context.Background(), false)
	require.ErrorIs(t, err, ErrNoFactory)
}

func TestConnectionCreatedOnceBothInputsAreSet(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.client.SetURL(context.Background(), "https://collab.example.test/app"))
	select {
	case <-h.created:
		t.Fatalf("transport created without a token factory")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, h.client.SetTokenFactory(staticFactory("tok1")))
	st := h.transport(t)
	waitConnected(t, h.client)

	require.Equal(t, "https://collab.example.test", st.BaseURL())
	tokens, _, _ := st.snapshot()
	require.Equal(t, []string{"tok1"}, tokens)
	require.Equal(t, network.Status{State: network.StateOnline}, h.client.Network())

	// A second factory swaps the token source without a second connection.
	require.NoError(t, h.client.SetTokenFactory(staticFactory("tok9")))
	select {
	case <-h.created:
		t.Fatalf("second transport created")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSubscribeBeforeConnectionIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	var logs []string
	var mu sync.Mutex
	h.client.logger.Subscribe(func(e logging.Event) {
		mu.Lock()
		logs = append(logs, e.Message)
		mu.Unlock()
	})

	sub := h.client.Subscribe(context.Background(), "board", "cardChanged", realtime.NewListener(func(realtime.Event) {}))
	require.Nil(t, sub)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, logs)
}

func TestSubscribeInvokesRemoteAndCloseUnsubscribes(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.SetURL(context.Background(), "https://collab.example.test"))
	require.NoError(t, h.client.SetTokenFactory(staticFactory("tok1")))
	st := h.transport(t)
	waitConnected(t, h.client)

	got := make(chan realtime.Event, 1)
	listener := realtime.NewListener(func(e realtime.Event) { got <- e })
	sub := h.client.Subscribe(context.Background(), "board", "cardChanged", listener)
	require.NotNil(t, sub)
	require.Equal(t, "board:cardChanged", sub.Name())

	st.Dispatch(realtime.NewEvent("board:cardChanged", []byte(`{"id":"c1"}`), nil))
	select {
	case e := <-got:
		require.Equal(t, "board:cardChanged", e.Name)
	case <-time.After(time.Second):
		t.Fatalf("listener not called")
	}

	sub.Close(context.Background())
	sub.Close(context.Background())
	_, invokes, _ := st.snapshot()
	require.Equal(t, []string{"Subscribe board:cardChanged", "Unsubscribe board:cardChanged"}, invokes)
	require.Equal(t, 0, st.Count("board:cardChanged"))
}

func TestGetRefreshesTokenAfterUnauthorized(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
		auth     []string
		sources  []string
		refresh  []bool
	)
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			mu.Lock()
			requests = append(requests, r.Method+" "+r.URL.String())
			auth = append(auth, r.Header.Get("Authorization"))
			sources = append(sources, r.Header.Get(httpclient.SourceHeader))
			first := len(requests) == 1
			mu.Unlock()
			status, code := "200 OK", http.StatusOK
			if first {
				status, code = "401 Unauthorized", http.StatusUnauthorized
			}
			return &http.Response{
				StatusCode: code,
				Status:     status,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(`{"id":"u1"}`)),
				Request:    r,
			}, nil
		}),
	}
	h := newHarness(t, httpClient)
	require.NoError(t, h.client.SetURL(context.Background(), "https://x.test"))
	require.NoError(t, h.client.SetTokenFactory(func(_ context.Context, r bool) (string, error) {
		mu.Lock()
		refresh = append(refresh, r)
		mu.Unlock()
		if r {
			return "tok2", nil
		}
		return "tok1", nil
	}))
	waitConnected(t, h.client)

	resp, err := h.client.Get(context.Background(), "/api/user")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"GET https://x.test/api/user", "GET https://x.test/api/user"}, requests)
	require.Equal(t, []string{"Bearer tok1", "Bearer tok2"}, auth)
	require.Equal(t, []string{"collabkit-test", "collabkit-test"}, sources)
	require.Equal(t, []bool{false, true}, refresh)
}

func TestNetworkFollowsEnvironment(t *testing.T) {
	h := newHarness(t, nil)
	var seen []network.Status
	var mu sync.Mutex
	id := h.client.AddNetworkListener(func(s network.Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	h.env.SetOnline(false)
	require.False(t, h.client.Online())
	require.Equal(t, network.StateOffline, h.client.Network().State)

	h.client.RemoveNetworkListener(id)
	h.env.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, network.StateOffline, seen[0].State)
}

func TestSetURLAfterConnectRebinds(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.SetURL(context.Background(), "https://a.example.test"))
	require.NoError(t, h.client.SetTokenFactory(staticFactory("tok1")))
	st := h.transport(t)
	waitConnected(t, h.client)

	require.NoError(t, h.client.SetURL(context.Background(), "https://b.example.test/board/1"))
	require.Equal(t, "https://b.example.test", st.BaseURL())
	waitConnected(t, h.client)

	_, _, stops := st.snapshot()
	require.Equal(t, 1, stops)
}

type fakeCache struct {
	mu       sync.Mutex
	attached *network.Aggregator
	closes   int
}

func (f *fakeCache) Attach(agg *network.Aggregator) {
	f.mu.Lock()
	f.attached = agg
	f.mu.Unlock()
}

func (f *fakeCache) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func TestDestroyDisconnectsAndDetachesCache(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.SetURL(context.Background(), "https://collab.example.test"))
	require.NoError(t, h.client.SetTokenFactory(staticFactory("tok1")))
	st := h.transport(t)
	waitConnected(t, h.client)

	cache := &fakeCache{}
	require.NoError(t, h.client.AttachCache(cache))
	require.Same(t, h.client.Aggregator(), cache.attached)

	require.NoError(t, h.client.Destroy(context.Background()))
	require.NoError(t, h.client.Destroy(context.Background()))

	require.Equal(t, realtime.StateDisconnected, h.client.ConnectionState())
	require.Equal(t, 1, cache.closes)
	_, _, stops := st.snapshot()
	require.Equal(t, 1, stops)

	require.ErrorIs(t, h.client.Connect(), ErrDestroyed)
	require.ErrorIs(t, h.client.AttachCache(&fakeCache{}), ErrDestroyed)
	require.True(t, errors.Is(h.client.SetURL(context.Background(), "https://x.test"), ErrDestroyed))
}

func TestContextCarriesClient(t *testing.T) {
	h := newHarness(t, nil)
	ctx := WithClient(context.Background(), h.client)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, h.client, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}
