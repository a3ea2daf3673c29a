package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrUpstreamTerminal  = errors.New("terminal upstream error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrBodyTooLarge      = errors.New("response body too large")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrCacheEmpty        = errors.New("cache empty")
)
