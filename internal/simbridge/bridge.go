// Package simbridge connects a control program to a simulator's message bus:
// topic subscriptions, entity commands and correlation of their responses.
package simbridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"simbridge/internal/core/network"
	"simbridge/internal/metrics"
	"simbridge/internal/msgs"
)

// Topics names the well-known topics a bridge talks on.
type Topics struct {
	Request      string
	Response     string
	Factory      string
	WorldControl string
}

func DefaultTopics() Topics {
	return Topics{
		Request:      msgs.TopicRequest,
		Response:     msgs.TopicResponse,
		Factory:      msgs.TopicFactory,
		WorldControl: msgs.TopicWorldControl,
	}
}

type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithTopics overrides the well-known topics. Empty fields keep the default.
func WithTopics(t Topics) Option {
	return func(b *Bridge) {
		if t.Request != "" {
			b.topics.Request = t.Request
		}
		if t.Response != "" {
			b.topics.Response = t.Response
		}
		if t.Factory != "" {
			b.topics.Factory = t.Factory
		}
		if t.WorldControl != "" {
			b.topics.WorldControl = t.WorldControl
		}
	}
}

// Bridge owns one bus connection with its subscriptions and pending
// requests. Bridges share nothing, so several can run side by side.
type Bridge struct {
	dial    network.Dialer
	log     *zap.Logger
	metrics *metrics.Metrics
	topics  Topics

	registry   *Registry
	dispatcher *Dispatcher
	correlator *Correlator
	requestSeq atomic.Int64

	mu     sync.Mutex
	ch     *network.Channel
	done   <-chan struct{}
	hook   *Subscription
	closed bool
}

func New(dial network.Dialer, opts ...Option) *Bridge {
	b := &Bridge{
		dial:   dial,
		log:    zap.NewNop(),
		topics: DefaultTopics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.TrackTopics(b.topics.Request, b.topics.Response, b.topics.Factory, b.topics.WorldControl)
	b.registry = NewRegistry()
	b.dispatcher = NewDispatcher(b.registry, b.log, b.metrics)
	b.correlator = NewCorrelator(b.metrics)
	// Random base so request ids of bridges sharing a bus rarely collide.
	b.requestSeq.Store(int64(uuid.New().ID()) << 24)
	return b
}

// Connect dials the bus and starts forwarding every topic subscribed so
// far. A bus that is not listening yields a *ConnectionError; Connect does
// not retry. Connecting an already connected bridge is a no-op.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.ch != nil {
		return nil
	}

	ps, err := b.dial(ctx)
	if err != nil {
		if !network.IsConnectionError(err) {
			err = &network.ConnectionError{Transport: "bus", Err: err}
		}
		b.log.Warn("bus connect failed", zap.Error(err))
		return err
	}
	ch := network.NewChannel(ps)
	ch.OnMessage(func(msg network.Message) { b.dispatcher.Dispatch(msg) })
	for _, topic := range b.registry.Topics() {
		if err := ch.Subscribe(topic); err != nil {
			_ = ch.Close()
			return &network.ConnectionError{Transport: "bus", Err: err}
		}
	}
	b.ch = ch
	b.done = ch.Done()
	b.log.Info("bus connected", zap.Strings("topics", b.registry.Topics()))
	return nil
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch != nil
}

// Subscribe registers l on topic. typ is the payload type l expects; empty
// accepts any. Subscribing before Connect is allowed, forwarding starts once
// connected.
func (b *Bridge) Subscribe(topic, typ string, l Listener) (*Subscription, error) {
	if topic == "" {
		return nil, ErrNoTopic
	}
	if l == nil {
		return nil, ErrNoListener
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.subscribeLocked(topic, typ, l)
}

func (b *Bridge) subscribeLocked(topic, typ string, l Listener) (*Subscription, error) {
	sub, first := b.registry.Add(topic, typ, l)
	if first && b.ch != nil {
		if err := b.ch.Subscribe(topic); err != nil {
			b.registry.Remove(sub)
			return nil, err
		}
	}
	b.log.Debug("subscribed", zap.String("topic", topic), zap.String("type", typ), zap.String("id", sub.ID.String()))
	return sub, nil
}

// Unsubscribe removes every listener on topic. Unsubscribing the response
// topic also cancels all pending requests. Unknown topics are a no-op.
func (b *Bridge) Unsubscribe(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.registry.RemoveTopic(topic)
	if topic == b.topics.Response {
		b.hook = nil
		if cancelled := b.correlator.CancelAll(); cancelled > 0 {
			b.log.Debug("cancelled pending requests", zap.Int("count", cancelled))
		}
	}
	if n > 0 && b.ch != nil {
		b.ch.Unsubscribe(topic)
	}
	if n > 0 {
		b.log.Debug("unsubscribed", zap.String("topic", topic), zap.Int("listeners", n))
	}
}

// Remove drops a single subscription, leaving other listeners on its topic
// in place.
func (b *Bridge) Remove(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registry.Remove(sub) && b.ch != nil {
		b.ch.Unsubscribe(sub.Topic)
	}
}

// Publish sends payload on topic under type tag typ. There is no
// acknowledgement.
func (b *Bridge) Publish(topic, typ string, payload any) error {
	if topic == "" {
		return ErrNoTopic
	}
	b.mu.Lock()
	ch, closed := b.ch, b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ch == nil {
		return ErrNotConnected
	}
	if err := ch.Publish(topic, typ, payload); err != nil {
		return err
	}
	b.metrics.IncPublished(topic)
	return nil
}

// Shutdown cancels pending requests, drops all subscriptions and closes the
// bus connection. The bridge cannot be reused.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ch := b.ch
	b.ch = nil
	if ch == nil {
		done := make(chan struct{})
		close(done)
		b.done = done
	}
	b.hook = nil
	b.registry.Clear()
	b.mu.Unlock()

	cancelled := b.correlator.CancelAll()
	b.log.Info("bridge shut down", zap.Int("cancelled_requests", cancelled))
	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil {
		return fmt.Errorf("close bus: %w", err)
	}
	return nil
}

// Done is closed when the bus listener exits after Shutdown. It returns nil
// until the bridge is connected or shut down.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Bridge) Topics() Topics {
	return b.topics
}

// SubscribedTopics lists topics with at least one listener.
func (b *Bridge) SubscribedTopics() []string {
	return b.registry.Topics()
}

// Listeners returns the number of listeners on topic, internal ones included.
func (b *Bridge) Listeners(topic string) int {
	return b.registry.Count(topic)
}

// PendingCount returns the number of armed requests.
func (b *Bridge) PendingCount() int {
	return b.correlator.Len()
}
