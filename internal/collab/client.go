// Package collab is the shared client object host components talk to. It
// wires the token cache, the realtime connection manager, the network status
// aggregator and the HTTP facade together and owns their lifetime.
package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"collabkit/internal/config"
	"collabkit/internal/environment"
	"collabkit/internal/httpclient"
	"collabkit/internal/logging"
	"collabkit/internal/network"
	"collabkit/internal/realtime"
	"collabkit/internal/token"
)

var (
	ErrInvalidURL = errors.New("collab: invalid base URL")
	ErrNoFactory  = token.ErrNoFactory
	ErrDestroyed  = errors.New("collab: client destroyed")
)

type Options struct {
	// Transport builds the realtime connection once the client is ready.
	Transport realtime.TransportFactory
	// Env defaults to a fresh environment that starts online and visible.
	Env    *environment.Environment
	HTTP   *http.Client
	Source string
	Policy realtime.RetryPolicy
	// ReconnectDelay and RetryGuardDelay override the manager defaults.
	ReconnectDelay  time.Duration
	RetryGuardDelay time.Duration
	Logger          *logging.Logger
}

// Client is safe for concurrent use. The realtime connection is created the
// first time both a base URL and a token factory are configured.
type Client struct {
	logger  *logging.Logger
	env     *environment.Environment
	tokens  *token.Cache
	manager *realtime.Manager
	network *network.Aggregator
	http    *httpclient.Client

	stopEnv   func()
	readyOnce sync.Once
	destroy   sync.Once

	mu        sync.Mutex
	baseURL   string
	ready     bool
	destroyed bool
	cache     io.Closer
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		panic("collab.New: logger must not be nil")
	}
	if opts.Transport == nil {
		panic("collab.New: transport factory must not be nil")
	}
	logger := opts.Logger
	env := opts.Env
	if env == nil {
		env = environment.New(logger.Named("environment"))
	}

	c := &Client{
		logger: logger,
		env:    env,
		tokens: token.New(env, logger.Named("token")),
	}
	c.network = network.NewAggregator(env.Online(), realtime.StateConnecting)
	c.manager = realtime.NewManager(realtime.ManagerOptions{
		Factory:         opts.Transport,
		Tokens:          c.tokens,
		Env:             env,
		Policy:          opts.Policy,
		ReconnectDelay:  opts.ReconnectDelay,
		RetryGuardDelay: opts.RetryGuardDelay,
		OnStatus:        c.network.SetConnection,
		Logger:          logger.Named("realtime"),
	})
	c.http = httpclient.New(httpclient.Options{
		HTTP:    opts.HTTP,
		Tokens:  c.tokens,
		BaseURL: c.BaseURL,
		Source:  opts.Source,
		Logger:  logger.Named("http"),
	})
	c.stopEnv = env.Subscribe(func(change environment.Change) {
		if change.Connectivity() {
			c.network.SetOnline(env.Online())
		}
	})
	return c
}

func (c *Client) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// SetURL sets the server origin. Once connected, a different origin rebinds
// the realtime connection.
func (c *Client) SetURL(ctx context.Context, rawURL string) error {
	origin, err := config.NormalizeBaseURL(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.baseURL = origin
	ready := c.ready
	c.mu.Unlock()

	if ready {
		return c.manager.SetURL(ctx, origin)
	}
	c.checkReady()
	return nil
}

func (c *Client) SetTokenFactory(factory token.Factory) error {
	if factory == nil {
		return ErrNoFactory
	}
	if c.isDestroyed() {
		return ErrDestroyed
	}
	c.tokens.SetFactory(factory)
	c.checkReady()
	return nil
}

// SetTokenFactoryTimeout bounds every factory call. Zero disables the bound.
func (c *Client) SetTokenFactoryTimeout(timeout time.Duration) {
	c.tokens.SetTimeout(timeout)
}

func (c *Client) checkReady() {
	url := c.BaseURL()
	if url == "" || !c.tokens.HasFactory() {
		return
	}
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
		c.logger.Debug("client ready", logging.Field("url", url))
		if err := c.manager.Start(url); err != nil {
			c.logger.Error("starting realtime connection failed", logging.Field("error", err.Error()))
			return
		}
		// SetURL calls racing with Start only updated baseURL.
		if latest := c.BaseURL(); latest != url {
			if err := c.manager.SetURL(context.Background(), latest); err != nil {
				c.logger.Warn("rebinding realtime connection failed", logging.Field("error", err.Error()))
			}
		}
	})
}

// Subscribe attaches l to group:event. It returns nil when the subscription
// was rejected; the reason is logged.
func (c *Client) Subscribe(ctx context.Context, group, event string, l realtime.Listener) *realtime.Subscription {
	return c.manager.Registry().Subscribe(ctx, group, event, l)
}

func (c *Client) Unsubscribe(ctx context.Context, group, event string, l realtime.Listener) {
	c.manager.Registry().Unsubscribe(ctx, group, event, l)
}

func (c *Client) Get(ctx context.Context, url string, opts ...httpclient.RequestOption) (*http.Response, error) {
	return c.http.Get(ctx, url, opts...)
}

func (c *Client) Post(ctx context.Context, url string, method string, body []byte, opts ...httpclient.RequestOption) (*http.Response, error) {
	return c.http.Post(ctx, url, method, body, opts...)
}

func (c *Client) Upload(ctx context.Context, url string, method string, body httpclient.UploadBody, opts ...httpclient.RequestOption) (*http.Response, error) {
	return c.http.Upload(ctx, url, method, body, opts...)
}

func (c *Client) Token(ctx context.Context, refresh bool) (string, error) {
	return c.tokens.Token(ctx, refresh)
}

func (c *Client) ConnectionState() realtime.State {
	return c.manager.State()
}

// Online is the device connectivity input of the network status.
func (c *Client) Online() bool {
	return c.env.Online()
}

func (c *Client) Network() network.Status {
	return c.network.Status()
}

func (c *Client) Aggregator() *network.Aggregator {
	return c.network
}

func (c *Client) Environment() *environment.Environment {
	return c.env
}

func (c *Client) AddNetworkListener(fn func(network.Status)) network.ListenerID {
	return c.network.AddListener(fn)
}

func (c *Client) RemoveNetworkListener(id network.ListenerID) {
	c.network.RemoveListener(id)
}

// Attacher is a persisted cache that follows the network status.
type Attacher interface {
	Attach(*network.Aggregator)
	io.Closer
}

// AttachCache hands cache the network status and closes it on Destroy. A
// previously attached cache is closed.
func (c *Client) AttachCache(cache Attacher) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	previous := c.cache
	c.cache = cache
	c.mu.Unlock()

	cache.Attach(c.network)
	if previous != nil {
		return previous.Close()
	}
	return nil
}

func (c *Client) Connect() error {
	if c.isDestroyed() {
		return ErrDestroyed
	}
	return c.manager.Connect()
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.manager.Disconnect(ctx)
}

// WaitConnected blocks until the current connection has completed its
// handshake.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.manager.WaitStarted(ctx)
}

// Destroy disconnects and releases the attached cache. Later calls return
// nil without doing anything.
func (c *Client) Destroy(ctx context.Context) error {
	var err error
	c.destroy.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		cache := c.cache
		c.cache = nil
		ready := c.ready
		c.mu.Unlock()

		c.stopEnv()
		var errs []error
		if ready {
			if stopErr := c.manager.Disconnect(ctx); stopErr != nil {
				errs = append(errs, stopErr)
			}
		}
		if cache != nil {
			if closeErr := cache.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
		c.logger.Debug("client destroyed")
		err = errors.Join(errs...)
	})
	return err
}

func (c *Client) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

type contextKey struct{}

// WithClient returns a context carrying c for components further down.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(contextKey{}).(*Client)
	return c, ok && c != nil
}
