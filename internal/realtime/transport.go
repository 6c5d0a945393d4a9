package realtime

import (
	"context"

	"collabkit/internal/logging"
)

// Transport is a push connection to the collaboration server. Start blocks
// until the handshake completes. After a successful Start the transport
// reconnects by itself using the configured RetryPolicy and reports through
// TransportHooks. Stop never fires OnClose.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	On(name string, l Listener)
	Off(name string, l Listener)
	Invoke(ctx context.Context, method string, args ...any) error
	BaseURL() string
	SetBaseURL(url string)
}

// AccessTokenFunc is consulted before every connection attempt.
type AccessTokenFunc func(ctx context.Context) (string, error)

type TransportHooks struct {
	// OnClose fires when the connection is lost for good, after automatic
	// reconnection gave up.
	OnClose        func(err error)
	OnReconnecting func(err error)
	OnReconnected  func()
}

type TransportConfig struct {
	URL         string
	AccessToken AccessTokenFunc
	Policy      RetryPolicy
	Hooks       TransportHooks
	Logger      *logging.Logger
}

type TransportFactory func(cfg TransportConfig) (Transport, error)

const (
	MethodSubscribe   = "Subscribe"
	MethodUnsubscribe = "Unsubscribe"
)
