package network

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryPubSub is a process-local bus used by tests and the stub simulator.
type MemoryPubSub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]chan Message
	closed  bool
	dropped atomic.Uint64
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]chan Message)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
			m.dropped.Add(1)
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 256)
	m.subs[topic][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subsByTopic, ok := m.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return ch, cancel, nil
}

// Close stops the bus. Every open subscription channel is closed and later
// dials fail with ErrNotListening.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subsByTopic := range m.subs {
		for id, ch := range subsByTopic {
			delete(subsByTopic, id)
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}

// Dropped returns how many deliveries were discarded because a subscriber
// buffer was full.
func (m *MemoryPubSub) Dropped() uint64 {
	return m.dropped.Load()
}

// Subscribers returns the number of open subscriptions on topic.
func (m *MemoryPubSub) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Dialer returns a Dialer handing out independent client sessions on this
// bus. Closing a session only drops that session's subscriptions.
func (m *MemoryPubSub) Dialer() Dialer {
	return func(ctx context.Context) (PubSub, error) {
		if err := ctx.Err(); err != nil {
			return nil, &ConnectionError{Transport: "memory", Err: err}
		}
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return nil, &ConnectionError{Transport: "memory", Err: ErrNotListening}
		}
		return &memorySession{bus: m, cancels: make(map[int]func())}, nil
	}
}

type memorySession struct {
	bus *MemoryPubSub

	mu      sync.Mutex
	nextID  int
	cancels map[int]func()
	closed  bool
}

func (s *memorySession) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.bus.Publish(topic, payload)
}

func (s *memorySession) Subscribe(topic string) (<-chan Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	ch, cancel, err := s.bus.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}
	id := s.nextID
	s.nextID++
	var once sync.Once
	wrapped := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		})
	}
	s.cancels[id] = wrapped
	return ch, wrapped, nil
}

func (s *memorySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := make([]func(), 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}
