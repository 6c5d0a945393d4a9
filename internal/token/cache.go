// Package token caches the bearer token shared by the realtime transport and
// the HTTP client, refreshing it through a single in-flight factory call.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabkit/internal/environment"
	"collabkit/internal/logging"
)

var (
	ErrNoFactory      = errors.New("token factory is not configured")
	ErrTimeout        = errors.New("token factory timed out")
	ErrNetworkChanged = errors.New("network changed while fetching token")
	ErrEmptyToken     = errors.New("token factory returned an empty token")
)

// Factory produces a token. refresh is true when the caller knows the
// previous token was rejected.
type Factory func(ctx context.Context, refresh bool) (string, error)

// Notifier reports environment transitions. *environment.Environment
// satisfies it.
type Notifier interface {
	Notify(buffer int) (<-chan environment.Change, func())
}

const singleflightKey = "token"

type Cache struct {
	env    Notifier
	logger *logging.Logger
	group  singleflight.Group

	mu      sync.Mutex
	token   string
	factory Factory
	timeout time.Duration
}

// New returns an empty cache. env may be nil, in which case connectivity
// changes never abort a fetch.
func New(env Notifier, logger *logging.Logger) *Cache {
	if logger == nil {
		panic("token.New: logger must not be nil")
	}
	return &Cache{env: env, logger: logger}
}

func (c *Cache) SetFactory(factory Factory) {
	c.mu.Lock()
	c.factory = factory
	c.mu.Unlock()
}

func (c *Cache) HasFactory() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factory != nil
}

// SetTimeout bounds every factory call. Zero or negative disables the bound.
func (c *Cache) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	c.timeout = timeout
	c.mu.Unlock()
}

func (c *Cache) Cached() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Token returns the cached token, or fetches one when the cache is empty or
// refresh is set. Concurrent callers share a single factory call and its
// outcome. A caller whose ctx ends stops waiting; the shared fetch keeps
// running for the others.
func (c *Cache) Token(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	if refresh {
		c.token = ""
	}
	if c.token != "" {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	factory, timeout := c.factory, c.timeout
	c.mu.Unlock()

	if factory == nil {
		return "", ErrNoFactory
	}

	results := c.group.DoChan(singleflightKey, func() (any, error) {
		return c.fetch(factory, timeout, refresh)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) fetch(factory Factory, timeout time.Duration, refresh bool) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	var changes <-chan environment.Change
	if c.env != nil {
		var stop func()
		changes, stop = c.env.Notify(1)
		defer stop()
	}

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := factory(ctx, refresh)
		done <- result{token: tok, err: err}
	}()

	for {
		select {
		case r := <-done:
			return c.store(r.token, r.err)
		case <-ctx.Done():
			c.logger.Warn("token factory timed out", logging.Field("timeout", timeout.String()))
			return "", ErrTimeout
		case change := <-changes:
			if !change.Connectivity() {
				continue
			}
			c.logger.Warn("token fetch abandoned", logging.Field("change", change.String()))
			return "", ErrNetworkChanged
		}
	}
}

func (c *Cache) store(tok string, err error) (string, error) {
	if err != nil {
		c.logger.Warn("token factory failed", logging.Field("error", err))
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if strings.TrimSpace(tok) == "" {
		c.logger.Warn("token factory returned an empty token")
		return "", ErrEmptyToken
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	c.logger.Debug("token refreshed")
	return tok, nil
}
