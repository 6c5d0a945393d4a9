package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"collabkit/internal/config"
	"collabkit/internal/logging"
	"collabkit/internal/realtime"
)

const (
	defaultHandshakeTimeout  = 15 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultReadLimit         = 1 << 20
)

var ErrNotStarted = errors.New("hub: connection not started")

// InvocationError is a failed completion reported by the server.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub: %s failed: %s", e.Method, e.Message)
}

// ClosedError is a close frame sent by the server.
type ClosedError struct {
	Message        string
	AllowReconnect bool
}

func (e *ClosedError) Error() string {
	if e.Message == "" {
		return "hub: server closed the connection"
	}
	return "hub: server closed the connection: " + e.Message
}

type Options struct {
	Protocol          Protocol
	Path              string
	HTTPClient        *http.Client
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Protocol == nil {
		o.Protocol = JSONProtocol{}
	}
	if o.Path == "" {
		o.Path = config.HubPath
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = defaultKeepAliveInterval
	}
	return o
}

// NewFactory returns a realtime.TransportFactory that builds hub connections.
func NewFactory(opts Options) realtime.TransportFactory {
	return func(cfg realtime.TransportConfig) (realtime.Transport, error) {
		return New(cfg, opts)
	}
}

// Conn is a websocket hub connection implementing realtime.Transport.
type Conn struct {
	realtime.Dispatcher

	opts   Options
	token  realtime.AccessTokenFunc
	policy realtime.RetryPolicy
	hooks  realtime.TransportHooks
	logger *logging.Logger

	mu         sync.Mutex
	baseURL    string
	ws         *websocket.Conn
	wsCancel   context.CancelFunc
	life       context.Context
	lifeCancel context.CancelFunc
	pending    map[string]chan error
}

func New(cfg realtime.TransportConfig, opts Options) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("hub: base url is required")
	}
	if cfg.AccessToken == nil {
		return nil, errors.New("hub: access token func is required")
	}
	return &Conn{
		opts:    opts.withDefaults(),
		token:   cfg.AccessToken,
		policy:  cfg.Policy,
		hooks:   cfg.Hooks,
		logger:  cfg.Logger.Named("hub"),
		baseURL: cfg.URL,
		pending: map[string]chan error{},
	}, nil
}

func (c *Conn) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// SetBaseURL takes effect on the next connection attempt.
func (c *Conn) SetBaseURL(url string) {
	c.mu.Lock()
	c.baseURL = url
	c.mu.Unlock()
}

// Start dials the hub and completes the protocol handshake.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	if c.life == nil || c.life.Err() != nil {
		c.life, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

// Stop closes the connection and cancels any reconnect in progress.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	if c.wsCancel != nil {
		c.wsCancel()
		c.wsCancel = nil
	}
	if c.lifeCancel != nil {
		c.lifeCancel()
	}
	c.failPendingLocked(realtime.ErrTransportStopped)
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- ws.Close(websocket.StatusNormalClosure, "client stop")
	}()
	select {
	case err := <-done:
		if err != nil && websocket.CloseStatus(err) == -1 {
			c.logger.Debug("close handshake failed", logging.Field("error", err.Error()))
		}
		return nil
	case <-ctx.Done():
		_ = ws.CloseNow()
		return ctx.Err()
	}
}

func (c *Conn) endpoint() (string, error) {
	return config.WebSocketURL(c.BaseURL(), c.opts.Path)
}

func (c *Conn) connect(ctx context.Context) error {
	c.mu.Lock()
	life := c.life
	c.mu.Unlock()
	if life == nil || life.Err() != nil {
		return realtime.ErrTransportStopped
	}

	url, err := c.endpoint()
	if err != nil {
		return fmt.Errorf("hub endpoint: %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("hub access token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	c.logger.Debug("dialing hub", logging.Field("url", url), logging.Field("protocol", c.opts.Protocol.Name()))
	ws, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient:   c.opts.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{c.opts.Protocol.Name()},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("dial hub: %w", &realtime.StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
		}
		return fmt.Errorf("dial hub: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)

	if err := c.handshake(dialCtx, ws); err != nil {
		_ = ws.CloseNow()
		return err
	}

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "client stop")
		return realtime.ErrTransportStopped
	}
	sessCtx, sessCancel := context.WithCancel(life)
	c.ws = ws
	c.wsCancel = sessCancel
	c.mu.Unlock()

	c.logger.Info("hub connected", logging.Field("url", url))
	go c.readLoop(sessCtx, ws)
	go c.keepAlive(sessCtx, ws)
	return nil
}

func (c *Conn) handshake(ctx context.Context, ws *websocket.Conn) error {
	proto := c.opts.Protocol
	data, err := proto.Encode(Frame{Type: FrameHandshake, Protocol: proto.Name(), Version: protocolVersion})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := ws.Write(ctx, proto.MessageType(), data); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	_, reply, err := ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	f, err := proto.Decode(reply)
	if err != nil {
		return err
	}
	if f.Type != FrameHandshake {
		return fmt.Errorf("hub handshake: unexpected frame type %d", f.Type)
	}
	if f.Error != "" {
		return fmt.Errorf("hub handshake: %s", f.Error)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	proto := c.opts.Protocol
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.connectionLost(ws, err, true)
			return
		}
		f, err := proto.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", logging.Field("error", err.Error()))
			continue
		}
		switch f.Type {
		case FrameInvocation:
			if f.InvocationID != "" {
				continue
			}
			n := c.Dispatch(realtime.NewEvent(f.Target, f.Payload, proto.DecodePayload))
			if n == 0 {
				c.logger.Debug("event without listeners", logging.Field("event", f.Target))
			}
		case FrameCompletion:
			c.complete(f)
		case FramePing:
		case FrameClose:
			closeErr := &ClosedError{Message: f.Error, AllowReconnect: f.AllowReconnect}
			c.connectionLost(ws, closeErr, f.AllowReconnect)
			return
		default:
			c.logger.Debug("ignoring frame", logging.Field("type", int(f.Type)))
		}
	}
}

func (c *Conn) keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.KeepAliveInterval)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("hub keepalive failed", logging.Field("error", err.Error()))
				c.connectionLost(ws, err, true)
				return
			}
		}
	}
}

// connectionLost tears down ws once. Losses on a stale or stopped
// connection are ignored.
func (c *Conn) connectionLost(ws *websocket.Conn, cause error, reconnect bool) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.wsCancel != nil {
		c.wsCancel()
		c.wsCancel = nil
	}
	c.failPendingLocked(cause)
	life := c.life
	c.mu.Unlock()
	_ = ws.CloseNow()

	c.logger.Warn("hub connection lost", logging.Field("error", cause.Error()), logging.Field("reconnect", reconnect))
	if !reconnect {
		c.fireClose(cause)
		return
	}
	if c.hooks.OnReconnecting != nil {
		c.hooks.OnReconnecting(cause)
	}
	go c.reconnect(life, cause)
}

func (c *Conn) reconnect(life context.Context, cause error) {
	err := realtime.AutoReconnect(life, c.policy, cause, c.connect, func(err error, next time.Duration) {
		c.logger.Info("hub reconnect scheduled", logging.Field("delay", next.String()), logging.Field("reason", errString(err)))
	})
	if life.Err() != nil {
		return
	}
	if err != nil {
		c.fireClose(err)
		return
	}
	c.logger.Info("hub reconnected")
	if c.hooks.OnReconnected != nil {
		c.hooks.OnReconnected()
	}
}

func (c *Conn) fireClose(err error) {
	if c.hooks.OnClose != nil {
		c.hooks.OnClose(err)
	}
}

// Invoke sends a method call and waits for its completion frame.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	id := uuid.NewString()
	done := make(chan error, 1)
	c.pending[id] = done
	c.mu.Unlock()

	proto := c.opts.Protocol
	data, err := proto.Encode(Frame{Type: FrameInvocation, InvocationID: id, Target: method, Arguments: args})
	if err != nil {
		c.dropPending(id)
		return err
	}
	if err := ws.Write(ctx, proto.MessageType(), data); err != nil {
		c.dropPending(id)
		return fmt.Errorf("hub invoke %s: %w", method, err)
	}
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var invErr *InvocationError
		if errors.As(err, &invErr) {
			invErr.Method = method
			return invErr
		}
		return fmt.Errorf("hub invoke %s: %w", method, err)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Conn) complete(f Frame) {
	c.mu.Lock()
	done, ok := c.pending[f.InvocationID]
	delete(c.pending, f.InvocationID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("completion for unknown invocation", logging.Field("id", f.InvocationID))
		return
	}
	if f.Error != "" {
		done <- &InvocationError{Message: f.Error}
		return
	}
	done <- nil
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) failPendingLocked(err error) {
	for id, done := range c.pending {
		done <- err
		delete(c.pending, id)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
