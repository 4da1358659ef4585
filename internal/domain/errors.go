package domain

import "errors"

var (
	// ErrUpstreamUnavailable: the market data provider call failed
	// (non-2xx, malformed body, timeout, transport error, open breaker).
	ErrUpstreamUnavailable = errors.New("upstream market data unavailable")

	// ErrSendFailed: delivery to one connection failed; the connection is evicted.
	ErrSendFailed = errors.New("send to connection failed")

	// ErrMalformedClientMessage: a client frame could not be decoded.
	ErrMalformedClientMessage = errors.New("malformed client message")

	// ErrConnectionNotFound: the connection id is no longer registered.
	ErrConnectionNotFound = errors.New("connection not found")

	ErrConnectionExists   = errors.New("connection id already registered")
	ErrTooManyConnections = errors.New("maximum websocket connections reached")
	ErrHubStopped         = errors.New("broadcast hub is not running")
)
