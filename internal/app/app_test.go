package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabkit/internal/auth"
	"collabkit/internal/collab"
	"collabkit/internal/config"
	"collabkit/internal/httpclient"
	"collabkit/internal/logging"
	"collabkit/internal/network"
	"collabkit/internal/realtime"
	"collabkit/internal/respcache"
)

type fakeServer struct {
	t          *testing.T
	subscribed chan struct{}
	once       sync.Once
	tokens     atomic.Int32
	streams    atomic.Int32
	hosts      sync.Map
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{t: t, subscribed: make(chan struct{})}
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/token":
		if r.Header.Get(auth.APIKeyHeader) != "key-1" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		s.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok1", "expires_at": 1_800_000_000})
	case r.Method == http.MethodGet && r.URL.Path == "/api/realtime":
		if r.Header.Get("Authorization") != "Bearer tok1" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		s.hosts.Store(r.Host, true)
		n := s.streams.Add(1)
		flusher, ok := w.(http.Flusher)
		if !ok {
			s.t.Errorf("response writer cannot flush")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: hub.connect\ndata: {\"clientId\":\"cid-%d\"}\n\n", n)
		flusher.Flush()
		select {
		case <-s.subscribed:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, ": keep-alive\n\nevent: board:cardChanged\ndata: {\"id\":\"card-1\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	case r.Method == http.MethodPost && r.URL.Path == "/api/realtime":
		var body struct {
			ClientID      string   `json:"clientId"`
			Subscriptions []string `json:"subscriptions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, name := range body.Subscriptions {
			if name == "board:cardChanged" {
				s.once.Do(func() { close(s.subscribed) })
			}
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/api/user":
		if r.Header.Get("Authorization") != "Bearer tok1" || r.Header.Get(httpclient.SourceHeader) != "collabkit-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1"}`))
	default:
		http.NotFound(w, r)
	}
}

func testOptions(baseURL string, t *testing.T) config.Options {
	return config.Options{
		BaseURL:      baseURL,
		APIKey:       "key-1",
		Transport:    "sse",
		TokenTimeout: 2 * time.Second,
		Source:       "collabkit-test",
		Subscribe:    []string{"board:cardChanged"},
		Fetch:        []string{"/api/user"},
		CacheDir:     t.TempDir(),
		Settings:     filepath.Join(t.TempDir(), "settings.json"),
	}
}

func TestRunContext_SubscribesFetchesAndFollowsSettings(t *testing.T) {
	fake := newFakeServer(t)
	server := httptest.NewServer(fake)
	defer server.Close()

	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)

	opts := testOptions(server.URL, t)
	events := make(chan realtime.Event, 4)
	fetched := make(chan respcache.Entry, 1)
	clients := make(chan *collab.Client, 1)
	var statuses []network.Status
	var statusMu sync.Mutex

	app := New(opts, nil, server.Client(), logger, Callbacks{
		OnEvent: func(e realtime.Event) {
			select {
			case events <- e:
			default:
			}
		},
		OnFetch: func(path string, entry respcache.Entry) {
			if path != "/api/user" {
				t.Errorf("fetched path = %q", path)
			}
			select {
			case fetched <- entry:
			default:
			}
		},
		OnStatusChange: func(s network.Status) {
			statusMu.Lock()
			statuses = append(statuses, s)
			statusMu.Unlock()
		},
		OnClient: func(c *collab.Client) { clients <- c },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("RunContext() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("RunContext() did not return after cancel")
		}
	}()

	var client *collab.Client
	select {
	case client = <-clients:
	case <-time.After(2 * time.Second):
		t.Fatalf("client hook not called")
	}

	select {
	case e := <-events:
		if e.Name != "board:cardChanged" {
			t.Fatalf("event name = %q", e.Name)
		}
		var payload struct {
			ID string `json:"id"`
		}
		if err := e.Decode(&payload); err != nil || payload.ID != "card-1" {
			t.Fatalf("event payload = %+v (err=%v)", payload, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("event not forwarded")
	}

	select {
	case entry := <-fetched:
		if entry.Status != http.StatusOK || string(entry.Body) != `{"id":"u1"}` || entry.Cached {
			t.Fatalf("fetched entry = %+v", entry)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch hook not called")
	}

	// Same server under another host name: the watcher must rebind to it.
	rebound := strings.Replace(server.URL, "127.0.0.1", "localhost", 1)
	if err := config.SaveSettings(opts.Settings, config.ClientSettings{BaseURL: rebound}); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for client.BaseURL() != rebound {
		if time.Now().After(deadline) {
			t.Fatalf("base url = %q, want %q", client.BaseURL(), rebound)
		}
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(5 * time.Second)
	for {
		if _, ok := fake.hosts.Load(strings.TrimPrefix(rebound, "http://")); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no event stream opened against %s", rebound)
		}
		time.Sleep(10 * time.Millisecond)
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	if len(statuses) == 0 || statuses[0].State != network.StateOnline {
		t.Fatalf("statuses = %+v, want online first", statuses)
	}
}

func TestRunContext_RejectsMissingConfiguration(t *testing.T) {
	logger := logging.Discard()
	err := New(config.Options{BaseURL: "https://collab.example.test"}, nil, nil, logger, Callbacks{}).RunContext(context.Background())
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("RunContext() error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestRunContext_UnknownTransport(t *testing.T) {
	opts := config.Options{BaseURL: "https://collab.example.test", APIKey: "k", Transport: "carrier-pigeon"}
	err := New(opts, nil, nil, logging.Discard(), Callbacks{}).RunContext(context.Background())
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("RunContext() error = %v, want ErrUnsupportedTransport", err)
	}
}

func TestRunContext_CacheDirectoryLocked(t *testing.T) {
	dir := t.TempDir()
	held, err := respcache.Open(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer held.Close()

	opts := config.Options{BaseURL: "https://collab.example.test", APIKey: "k", Transport: "ws", CacheDir: dir}
	err = New(opts, nil, nil, logging.Discard(), Callbacks{}).RunContext(context.Background())
	if !errors.Is(err, ErrCacheUnavailable) || !errors.Is(err, respcache.ErrLocked) {
		t.Fatalf("RunContext() error = %v, want ErrCacheUnavailable wrapping ErrLocked", err)
	}
}

func TestRuntimeStatusState_UpdateReportsTransitionsOnly(t *testing.T) {
	var s runtimeStatusState
	if prev, next, changed := s.update(" Online "); !changed || prev != "" || next != "Online" {
		t.Fatalf("update() = %q, %q, %v", prev, next, changed)
	}
	if _, _, changed := s.update("Online"); changed {
		t.Fatalf("repeated status reported as a transition")
	}
	if prev, next, changed := s.update("Offline"); !changed || prev != "Online" || next != "Offline" {
		t.Fatalf("update() = %q, %q, %v", prev, next, changed)
	}
}
