package simbridge

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Listener receives decoded messages. err is non-nil, typically a
// *DecodeError, when the payload could not be decoded; ev then carries the
// topic and type but an empty Record.
type Listener func(ev Event, err error)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID    uuid.UUID
	Topic string
	// Type is the payload type the listener expects. Empty accepts whatever
	// type tag the message carries.
	Type string

	listener Listener
	active   atomic.Bool
}

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Registry maps topics to their listeners in registration order.
type Registry struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string][]*Subscription)}
}

// Add registers l on topic. Registration is additive; first reports
// whether topic had no listeners before.
func (r *Registry) Add(topic, typ string, l Listener) (sub *Subscription, first bool) {
	sub = &Subscription{ID: uuid.New(), Topic: topic, Type: typ, listener: l}
	sub.active.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	first = len(r.topics[topic]) == 0
	r.topics[topic] = append(r.topics[topic], sub)
	return sub, first
}

// RemoveTopic removes every listener on topic and returns how many there
// were. Unknown topics are a no-op.
func (r *Registry) RemoveTopic(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[topic]
	for _, sub := range subs {
		sub.active.Store(false)
	}
	delete(r.topics, topic)
	return len(subs)
}

// Remove drops a single subscription and reports whether it was the last
// listener on its topic.
func (r *Registry) Remove(sub *Subscription) (last bool) {
	if sub == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[sub.Topic]
	for i, s := range subs {
		if s != sub {
			continue
		}
		s.active.Store(false)
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.topics, sub.Topic)
			return true
		}
		r.topics[sub.Topic] = subs
		return false
	}
	return false
}

// Snapshot returns the listeners on topic in registration order.
func (r *Registry) Snapshot(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	return append([]*Subscription(nil), subs...)
}

// Topics returns the topics with at least one listener, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Clear removes all subscriptions and returns the topics that had any.
func (r *Registry) Clear() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for topic, subs := range r.topics {
		for _, sub := range subs {
			sub.active.Store(false)
		}
		out = append(out, topic)
	}
	r.topics = make(map[string][]*Subscription)
	sort.Strings(out)
	return out
}
