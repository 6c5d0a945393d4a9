package app

import "errors"

var (
	ErrInvalidConfiguration = errors.New("collab app configuration invalid")
	ErrUnsupportedTransport = errors.New("collab app transport unsupported")
	ErrCacheUnavailable     = errors.New("collab app response cache unavailable")
)
