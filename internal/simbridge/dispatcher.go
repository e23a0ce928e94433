package simbridge

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"simbridge/internal/core/network"
	"simbridge/internal/metrics"
	"simbridge/internal/msgs"
)

// Event is the decoded view of an inbound message.
type Event struct {
	Topic      string
	Type       string
	Record     msgs.Record
	ReceivedAt time.Time
}

// Dispatcher delivers inbound messages to the listeners registered for
// their topic. It is driven by a single goroutine and never panics.
type Dispatcher struct {
	registry *Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewDispatcher(registry *Registry, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, log: logger, metrics: m, now: time.Now}
}

// Dispatch hands msg to every active listener on its topic, in registration
// order, and returns how many were invoked. Messages on topics nobody
// listens to are dropped.
func (d *Dispatcher) Dispatch(msg network.Message) int {
	subs := d.registry.Snapshot(msg.Topic)
	if len(subs) == 0 {
		d.metrics.IncUnmatched()
		return 0
	}

	received := d.now()
	env, envErr := network.DecodeEnvelope(msg.Payload)
	if envErr != nil {
		d.metrics.IncDecodeError(msg.Topic)
	}

	// Every listener gets a Record of its own. A payload that fails to decode
	// is counted once.
	decodeFailed := false
	invoked := 0
	for _, sub := range subs {
		if !sub.Active() {
			continue
		}
		ev := Event{Topic: msg.Topic, Type: env.Type, ReceivedAt: received}
		var err error
		switch {
		case envErr != nil:
			ev.Type = sub.Type
			err = &DecodeError{Topic: msg.Topic, Type: sub.Type, Err: envErr}
		case sub.Type != "" && sub.Type != env.Type:
			err = &DecodeError{Topic: msg.Topic, Type: sub.Type, Err: fmt.Errorf("unexpected type %q", env.Type)}
		default:
			ev.Record, err = msgs.Decode(env.Type, env.Data)
			if de, ok := err.(*DecodeError); ok {
				de.Topic = msg.Topic
			}
			if err != nil && !decodeFailed {
				decodeFailed = true
				d.metrics.IncDecodeError(msg.Topic)
			}
		}
		d.safeCall(sub, ev, err)
		invoked++
	}
	if invoked > 0 {
		d.metrics.IncDelivered(msg.Topic)
	}
	return invoked
}

// safeCall invokes a listener and recovers from panics so one listener
// cannot stop delivery to the others.
func (d *Dispatcher) safeCall(sub *Subscription, ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncListenerPanic()
			d.log.Error("listener panicked",
				zap.String("topic", ev.Topic),
				zap.String("subscription", sub.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	sub.listener(ev, err)
}
