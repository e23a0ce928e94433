package network

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotListening = errors.New("bus not listening")
	ErrClosed       = errors.New("transport closed")
)

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}

// Dialer opens a client session on a bus. Implementations return a
// *ConnectionError when nothing is listening at the other end.
type Dialer func(ctx context.Context) (PubSub, error)

// ConnectionError reports that the simulator bus could not be reached.
type ConnectionError struct {
	Transport string
	Addr      string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connect %s: %v", e.Transport, e.Err)
	}
	return fmt.Sprintf("connect %s %s: %v", e.Transport, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err carries a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
