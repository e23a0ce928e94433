package network

import (
	"context"
	"fmt"
	"sync"
)

// Channel is a duplex connection to a bus. Inbound traffic from every
// forwarded topic is funneled into one listener goroutine that hands messages
// to a single sink, in the order the bus delivered them.
type Channel struct {
	ps PubSub

	ctx    context.Context
	cancel context.CancelFunc

	pubMu sync.Mutex

	mu      sync.Mutex
	sink    func(Message)
	topics  map[string]forward
	gen     uint64
	closed  bool
	inbound chan queued
	done    chan struct{}
}

// forward is one live subscription of a topic. gen tells it apart from
// earlier subscriptions of the same topic.
type forward struct {
	cancel func()
	gen    uint64
}

type queued struct {
	topic string
	gen   uint64
	msg   Message
}

// NewChannel wraps ps and starts the listener goroutine.
func NewChannel(ps PubSub) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		ps:      ps,
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]forward),
		inbound: make(chan queued, 256),
		done:    make(chan struct{}),
	}
	go c.listen()
	return c
}

// OnMessage registers the sink inbound messages are delivered to. A later
// call replaces the previous sink.
func (c *Channel) OnMessage(sink func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Publish sends payload on topic under the given type tag. It returns once
// the transport accepted the frame; there is no acknowledgement.
func (c *Channel) Publish(topic, typ string, payload any) error {
	b, err := EncodeEnvelope(typ, payload)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if err := c.ps.Publish(topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts forwarding topic to the sink. Subscribing to an already
// forwarded topic is a no-op.
func (c *Channel) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.topics[topic]; ok {
		return nil
	}
	ch, cancel, err := c.ps.Subscribe(topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.gen++
	c.topics[topic] = forward{cancel: cancel, gen: c.gen}
	go c.pump(topic, c.gen, ch)
	return nil
}

// Unsubscribe stops forwarding topic. Messages still queued from it are
// dropped, even if topic is subscribed again. Unknown topics are ignored.
func (c *Channel) Unsubscribe(topic string) {
	c.mu.Lock()
	f, ok := c.topics[topic]
	delete(c.topics, topic)
	c.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// Forwarding reports whether topic is currently forwarded.
func (c *Channel) Forwarding(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Close stops all forwarding and closes the underlying transport. It does not
// wait for the listener goroutine; use Done for that.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.topics))
	for topic, f := range c.topics {
		cancels = append(cancels, f.cancel)
		delete(c.topics, topic)
	}
	c.mu.Unlock()

	c.cancel()
	for _, cancel := range cancels {
		cancel()
	}
	return c.ps.Close()
}

// Done is closed when the listener goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) pump(topic string, gen uint64, ch <-chan Message) {
	for msg := range ch {
		select {
		case c.inbound <- queued{topic: topic, gen: gen, msg: msg}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) listen() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case q := <-c.inbound:
			c.mu.Lock()
			sink := c.sink
			f, ok := c.topics[q.topic]
			c.mu.Unlock()
			if sink != nil && ok && f.gen == q.gen {
				sink(q.msg)
			}
		}
	}
}
