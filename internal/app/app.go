package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"collabkit/internal/auth"
	"collabkit/internal/collab"
	"collabkit/internal/config"
	"collabkit/internal/environment"
	"collabkit/internal/hub"
	"collabkit/internal/logging"
	"collabkit/internal/network"
	"collabkit/internal/realtime"
	"collabkit/internal/respcache"
	"collabkit/internal/runctx"
	"collabkit/internal/sse"
)

const (
	startupWait     = 15 * time.Second
	shutdownTimeout = 5 * time.Second
	eventBuffer     = 64
)

// App runs one collaboration client from command line options until its
// context ends.
type App struct {
	opts   config.Options
	env    *environment.Environment
	http   *http.Client
	logger *logging.Logger
	hooks  Callbacks
	status runtimeStatusState
}

type Callbacks struct {
	OnEvent        func(realtime.Event)
	OnStatusChange func(network.Status)
	OnFetch        func(path string, entry respcache.Entry)
	OnClient       func(*collab.Client)
}

func New(opts config.Options, env *environment.Environment, httpClient *http.Client, logger *logging.Logger, hooks Callbacks) *App {
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	if env == nil {
		env = environment.New(logger.Named("environment"))
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &App{opts: opts, env: env, http: httpClient, logger: logger, hooks: hooks}
}

func (a *App) Run() error {
	return a.RunContext(context.Background())
}

func (a *App) RunContext(ctx context.Context) error {
	if err := config.ValidateRequired(a.opts); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	a.logger.Info("collab app starting",
		logging.Field("base_url", a.opts.BaseURL),
		logging.Field("transport", a.opts.Transport),
	)

	keys, err := auth.NewKeyExchange(a.http, a.opts.APIKey, a.opts.BaseURL, a.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	factory, err := a.transportFactory()
	if err != nil {
		return err
	}

	client := collab.New(collab.Options{
		Transport: factory,
		Env:       a.env,
		HTTP:      a.http,
		Source:    a.opts.Source,
		Logger:    a.logger,
	})
	defer a.destroy(client)

	listenerID := client.AddNetworkListener(a.setRuntimeStatus)
	defer client.RemoveNetworkListener(listenerID)
	a.setRuntimeStatus(client.Network())

	var cache *respcache.Cache
	if dir := strings.TrimSpace(a.opts.CacheDir); dir != "" {
		cache, err = respcache.Open(dir, a.logger)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
		if err := client.AttachCache(cache); err != nil {
			_ = cache.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if probeURL := strings.TrimSpace(a.opts.ProbeURL); probeURL != "" {
		prober := environment.NewProber(a.env, a.http, probeURL, a.opts.ProbeInterval, a.logger.Named("prober"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			prober.Run(runCtx)
		}()
	}

	client.SetTokenFactoryTimeout(a.opts.TokenTimeout)
	if err := client.SetURL(ctx, a.opts.BaseURL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := client.SetTokenFactory(keys.Token); err != nil {
		return err
	}
	if a.hooks.OnClient != nil {
		a.hooks.OnClient(client)
	}

	events := make(chan realtime.Event, eventBuffer)
	subs := &subscriptions{}
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.forwardEvents(runCtx, events)
	}()
	go func() {
		defer wg.Done()
		a.subscribeAll(runCtx, client, events, subs)
	}()
	go func() {
		defer wg.Done()
		a.fetchAll(runCtx, client, cache)
	}()

	if path := a.settingsPath(); path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchSettings(runCtx, path, client, keys)
		}()
	}

	<-ctx.Done()
	cancel()
	wg.Wait()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	subs.closeAll(closeCtx)
	a.logger.Info("collab app stopped")
	return nil
}

func (a *App) transportFactory() (realtime.TransportFactory, error) {
	switch strings.ToLower(strings.TrimSpace(a.opts.Transport)) {
	case "", "ws":
		protocol, err := hub.ProtocolByName(a.opts.Protocol)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedTransport, err)
		}
		return hub.NewFactory(hub.Options{Protocol: protocol, HTTPClient: a.http}), nil
	case "sse":
		return sse.NewFactory(sse.Options{HTTP: a.http}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, a.opts.Transport)
	}
}

type subscriptions struct {
	mu    sync.Mutex
	items []*realtime.Subscription
}

func (s *subscriptions) add(sub *realtime.Subscription) {
	s.mu.Lock()
	s.items = append(s.items, sub)
	s.mu.Unlock()
}

func (s *subscriptions) closeAll(ctx context.Context) {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()
	for _, sub := range items {
		sub.Close(ctx)
	}
}

func (a *App) subscribeAll(ctx context.Context, client *collab.Client, events chan<- realtime.Event, subs *subscriptions) {
	for _, name := range a.opts.Subscribe {
		group, event, err := config.SplitEventName(name)
		if err != nil {
			a.logger.Warn("skipping subscription", logging.Field("name", name), logging.Field("error", err))
			continue
		}
		listener := realtime.NewListener(func(e realtime.Event) {
			runctx.SendOrDone(ctx, "event listener", a.logger, events, e)
		})
		if sub := client.Subscribe(ctx, group, event, listener); sub != nil {
			subs.add(sub)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *App) forwardEvents(ctx context.Context, events <-chan realtime.Event) {
	for {
		event, ok := runctx.RecvOrDone(ctx, "event forwarder", a.logger, events)
		if !ok {
			return
		}
		a.logger.Debug("realtime event", logging.Field("name", event.Name), logging.Field("payload", logging.FormatPayload(event.Payload)))
		if a.hooks.OnEvent != nil {
			a.hooks.OnEvent(event)
		}
	}
}

// fetchAll requests each configured path once, after the first connection
// or startupWait. An offline cache answers without waiting.
func (a *App) fetchAll(ctx context.Context, client *collab.Client, cache *respcache.Cache) {
	if len(a.opts.Fetch) == 0 {
		return
	}
	if cache == nil || !cache.Offline() {
		waitCtx, cancel := context.WithTimeout(ctx, startupWait)
		err := client.WaitConnected(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("realtime connection not ready, fetching anyway", logging.Field("error", err))
		}
	}

	for _, path := range a.opts.Fetch {
		entry, err := a.fetch(ctx, client, cache, path)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("fetch failed", logging.Field("path", path), logging.Field("error", err))
			continue
		}
		a.logger.Info("fetched",
			logging.Field("path", path),
			logging.Field("status", entry.Status),
			logging.Field("cached", entry.Cached),
		)
		if a.hooks.OnFetch != nil {
			a.hooks.OnFetch(path, entry)
		}
	}
}

func (a *App) fetch(ctx context.Context, client *collab.Client, cache *respcache.Cache, path string) (respcache.Entry, error) {
	if cache != nil {
		return cache.Fetch(ctx, client, path)
	}
	resp, err := client.Get(ctx, path)
	if err != nil {
		return respcache.Entry{}, err
	}
	defer resp.Body.Close()
	return respcache.ReadEntry(path, resp)
}

func (a *App) settingsPath() string {
	path, err := config.ResolveSettingsPath(a.opts.Settings)
	if err != nil {
		a.logger.Debug("settings watch disabled", logging.Field("error", err))
		return ""
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		a.logger.Debug("settings watch disabled", logging.Field("path", path), logging.Field("error", err))
		return ""
	}
	return path
}

func (a *App) watchSettings(ctx context.Context, path string, client *collab.Client, keys *auth.KeyExchange) {
	err := config.WatchSettings(ctx, path, func(settings config.ClientSettings) {
		a.logger.SetDebugEnabled(a.opts.Debug || settings.Debug)
		baseURL := strings.TrimSpace(settings.BaseURL)
		if baseURL == "" {
			return
		}
		origin, err := config.NormalizeBaseURL(baseURL)
		if err != nil {
			a.logger.Warn("ignoring settings base url", logging.Field("base_url", baseURL), logging.Field("error", err))
			return
		}
		if origin == client.BaseURL() {
			return
		}
		a.logger.Info("base url changed", logging.Field("from", client.BaseURL()), logging.Field("to", origin))
		if err := keys.SetBaseURL(origin); err != nil {
			a.logger.Warn("updating token endpoint failed", logging.Field("error", err))
			return
		}
		if err := client.SetURL(ctx, origin); err != nil && ctx.Err() == nil {
			a.logger.Warn("rebinding client failed", logging.Field("error", err))
		}
	}, func(err error) {
		a.logger.Warn("settings watch error", logging.Field("path", path), logging.Field("error", err))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("settings watch stopped", logging.Field("path", path), logging.Field("error", err))
	}
}

func (a *App) destroy(client *collab.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Destroy(ctx); err != nil {
		a.logger.Warn("client shutdown failed", logging.Field("error", err))
	}
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (a *App) setRuntimeStatus(status network.Status) {
	previous, next, changed := a.status.update(status.Label())
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	if a.hooks.OnStatusChange != nil {
		a.hooks.OnStatusChange(status)
	}
}
