package realtime

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected          = errors.New("realtime: no connection has been created")
	ErrDuplicateSubscription = errors.New("realtime: duplicate subscription")
	ErrReconnectStopped      = errors.New("realtime: reconnect policy stopped retrying")
	ErrTransportStopped      = errors.New("realtime: transport stopped")
)

// StatusError carries the HTTP status of a failed handshake or request.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "realtime request failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("realtime request failed with status %d", e.StatusCode)
}

// IsUnauthorized reports whether err is an authorization failure, either as
// a typed 401/403 status or by its message.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 401 || statusErr.StatusCode == 403
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
