package sse

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"collabkit/internal/config"
	"collabkit/internal/logging"
	"collabkit/internal/realtime"
)

const defaultHandshakeTimeout = 15 * time.Second

var ErrNotStarted = errors.New("sse: stream not started")

type Options struct {
	HTTP             *http.Client
	HandshakeTimeout time.Duration
	ForceHTTP1       bool
}

func NewFactory(opts Options) realtime.TransportFactory {
	return func(cfg realtime.TransportConfig) (realtime.Transport, error) {
		return New(cfg, opts)
	}
}

type stream struct {
	cancel   context.CancelFunc
	body     io.Closer
	clientID string
	token    string
}

func (s *stream) close() {
	s.cancel()
	_ = s.body.Close()
}

// Conn is a server-sent events transport. Subscriptions are kept as a topic
// set and posted to the server whenever the set or the client id changes.
type Conn struct {
	realtime.Dispatcher

	http             *http.Client
	handshakeTimeout time.Duration
	token            realtime.AccessTokenFunc
	policy           realtime.RetryPolicy
	hooks            realtime.TransportHooks
	logger           *logging.Logger

	mu         sync.Mutex
	baseURL    string
	current    *stream
	life       context.Context
	lifeCancel context.CancelFunc
	topics     []string
}

func New(cfg realtime.TransportConfig, opts Options) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("sse: base url is required")
	}
	if cfg.AccessToken == nil {
		return nil, errors.New("sse: access token func is required")
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// The stream stays open until the server drops it.
	streamHTTP := *httpClient
	streamHTTP.Timeout = 0
	if opts.ForceHTTP1 {
		streamHTTP.Transport = http1OnlyRoundTripper(streamHTTP.Transport)
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Conn{
		http:             &streamHTTP,
		handshakeTimeout: timeout,
		token:            cfg.AccessToken,
		policy:           cfg.Policy,
		hooks:            cfg.Hooks,
		logger:           cfg.Logger.Named("sse"),
		baseURL:          cfg.URL,
	}, nil
}

func (c *Conn) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

func (c *Conn) SetBaseURL(url string) {
	c.mu.Lock()
	c.baseURL = url
	c.mu.Unlock()
}

// Topics returns the current subscription set.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil
	}
	if c.life == nil || c.life.Err() != nil {
		c.life, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Conn) Stop(context.Context) error {
	c.mu.Lock()
	current := c.current
	c.current = nil
	if c.lifeCancel != nil {
		c.lifeCancel()
	}
	c.mu.Unlock()
	if current != nil {
		current.close()
	}
	return nil
}

func (c *Conn) connect(ctx context.Context) error {
	c.mu.Lock()
	life := c.life
	c.mu.Unlock()
	if life == nil || life.Err() != nil {
		return realtime.ErrTransportStopped
	}

	endpoints, err := config.BuildEndpoints(c.BaseURL())
	if err != nil {
		return fmt.Errorf("sse endpoint: %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("sse access token: %w", err)
	}

	// The request outlives ctx; ctx only bounds the handshake.
	streamCtx, cancel := context.WithCancel(life)
	stopHandshake := context.AfterFunc(ctx, cancel)
	timer := time.AfterFunc(c.handshakeTimeout, cancel)
	defer timer.Stop()
	defer stopHandshake()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoints.EventsURL, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug("opening event stream", logging.Field("url", endpoints.EventsURL))
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		cancel()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Warn("event stream rejected",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatPayload(data)),
		)
		return fmt.Errorf("open event stream: %w", &realtime.StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	messages := make(chan message, 16)
	streamErrs := make(chan error, 1)
	go readMessages(streamCtx, resp.Body, messages, streamErrs)

	s := &stream{cancel: cancel, body: resp.Body, token: token}
	clientID, err := awaitConnect(streamCtx, messages, streamErrs)
	if err != nil {
		s.close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("event stream handshake: %w", err)
	}
	s.clientID = clientID

	if topics := c.Topics(); len(topics) > 0 {
		if err := c.postTopics(ctx, endpoints.SubscribeURL, s, topics); err != nil {
			s.close()
			return err
		}
	}

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		s.close()
		return realtime.ErrTransportStopped
	}
	c.current = s
	c.mu.Unlock()

	c.logger.Info("event stream connected", logging.Field("client_id", clientID))
	go c.pump(s, messages, streamErrs)
	return nil
}

func awaitConnect(ctx context.Context, messages <-chan message, errs <-chan error) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-errs:
			return "", err
		case msg, ok := <-messages:
			if !ok {
				return "", io.ErrUnexpectedEOF
			}
			if msg.Name != ConnectEvent {
				continue
			}
			return decodeClientID(msg.Data)
		}
	}
}

func decodeClientID(data []byte) (string, error) {
	payload := connectPayload{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("invalid %s payload: %w", ConnectEvent, err)
	}
	if strings.TrimSpace(payload.ClientID) == "" {
		return "", errors.New("missing realtime client id")
	}
	return payload.ClientID, nil
}

func (c *Conn) pump(s *stream, messages <-chan message, errs <-chan error) {
	for {
		select {
		case err := <-errs:
			c.streamLost(s, err)
			return
		case msg, ok := <-messages:
			if !ok {
				c.streamLost(s, <-errs)
				return
			}
			if msg.Name != ConnectEvent {
				if c.Dispatch(realtime.NewEvent(msg.Name, msg.Data, nil)) == 0 {
					c.logger.Debug("event without listeners", logging.Field("event", msg.Name))
				}
				continue
			}
			clientID, err := decodeClientID(msg.Data)
			if err != nil {
				c.streamLost(s, err)
				return
			}
			if clientID == s.clientID {
				c.logger.Debug("ignoring duplicate connect event", logging.Field("client_id", clientID))
				continue
			}
			c.mu.Lock()
			s.clientID = clientID
			c.mu.Unlock()
			if err := c.resubscribe(s); err != nil {
				c.logger.Warn("resubscribe after client id change failed", logging.Field("error", err.Error()))
			}
		}
	}
}

func (c *Conn) resubscribe(s *stream) error {
	endpoints, err := config.BuildEndpoints(c.BaseURL())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	defer cancel()
	return c.postTopics(ctx, endpoints.SubscribeURL, s, c.Topics())
}

func (c *Conn) streamLost(s *stream, cause error) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	c.current = nil
	life := c.life
	c.mu.Unlock()
	s.close()
	if cause == nil {
		cause = io.EOF
	}

	c.logger.Warn("event stream lost", logging.Field("error", cause.Error()))
	if c.hooks.OnReconnecting != nil {
		c.hooks.OnReconnecting(cause)
	}
	go func() {
		err := realtime.AutoReconnect(life, c.policy, cause, c.connect, func(err error, next time.Duration) {
			c.logger.Info("event stream reconnect scheduled", logging.Field("delay", next.String()))
		})
		if life.Err() != nil {
			return
		}
		if err != nil {
			if c.hooks.OnClose != nil {
				c.hooks.OnClose(err)
			}
			return
		}
		if c.hooks.OnReconnected != nil {
			c.hooks.OnReconnected()
		}
	}()
}

// Invoke handles Subscribe and Unsubscribe by editing the topic set and
// posting it for the current client id.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	if len(args) != 1 {
		return fmt.Errorf("sse: %s takes one topic argument", method)
	}
	topic, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("sse: %s topic must be a string, got %T", method, args[0])
	}

	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	had := slices.Contains(c.topics, strings.TrimSpace(topic))
	switch method {
	case realtime.MethodSubscribe:
		c.topics = normalizeTopics(append(append([]string(nil), c.topics...), topic))
	case realtime.MethodUnsubscribe:
		c.topics = removeTopic(c.topics, topic)
	default:
		c.mu.Unlock()
		return fmt.Errorf("sse: unsupported method %q", method)
	}
	topics := append([]string(nil), c.topics...)
	baseURL := c.baseURL
	c.mu.Unlock()

	endpoints, err := config.BuildEndpoints(baseURL)
	if err == nil {
		err = c.postTopics(ctx, endpoints.SubscribeURL, s, topics)
	}
	if err != nil {
		c.rollbackTopic(method, topic, had)
		return err
	}
	return nil
}

// rollbackTopic undoes one failed Invoke without touching topics that other
// calls changed in the meantime.
func (c *Conn) rollbackTopic(method, topic string, had bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case method == realtime.MethodSubscribe && !had:
		c.topics = removeTopic(c.topics, topic)
	case method == realtime.MethodUnsubscribe && had:
		c.topics = normalizeTopics(append(append([]string(nil), c.topics...), topic))
	}
}

func (c *Conn) postTopics(ctx context.Context, url string, s *stream, topics []string) error {
	c.mu.Lock()
	clientID := s.clientID
	c.mu.Unlock()

	c.logger.Debug("posting realtime topics",
		logging.Field("client_id", clientID),
		logging.Field("topics", topics),
	)
	body, err := json.Marshal(subscribePayload{ClientID: clientID, Subscriptions: topics})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post realtime topics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Warn("realtime subscribe failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatPayload(data)),
		)
		return fmt.Errorf("post realtime topics: %w", &realtime.StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
	return nil
}

func normalizeTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		name := strings.TrimSpace(topic)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func removeTopic(topics []string, topic string) []string {
	name := strings.TrimSpace(topic)
	out := make([]string, 0, len(topics))
	for _, existing := range topics {
		if existing != name {
			out = append(out, existing)
		}
	}
	return out
}

func http1OnlyRoundTripper(rt http.RoundTripper) http.RoundTripper {
	switch transport := rt.(type) {
	case nil:
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return rt
		}
		clone := base.Clone()
		disableHTTP2(clone)
		return clone
	case *http.Transport:
		clone := transport.Clone()
		disableHTTP2(clone)
		return clone
	default:
		return rt
	}
}

func disableHTTP2(transport *http.Transport) {
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
}
