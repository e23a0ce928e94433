package simbridge

import (
	"errors"

	"simbridge/internal/core/network"
	"simbridge/internal/msgs"
)

var (
	ErrNotConnected = errors.New("simbridge: not connected")
	ErrClosed       = errors.New("simbridge: bridge shut down")
	ErrCancelled    = errors.New("simbridge: request cancelled")
	ErrNoListener   = errors.New("simbridge: listener required")
	ErrNoTopic      = errors.New("simbridge: topic required")
)

// ConnectionError is returned by Connect when the bus is unreachable.
type ConnectionError = network.ConnectionError

// DecodeError is handed to a listener whose payload could not be decoded.
type DecodeError = msgs.DecodeError
