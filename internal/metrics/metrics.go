// Package metrics exposes Prometheus collectors for the bridge and the
// simulator supervisor. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"simbridge/internal/msgs"
)

const namespace = "simbridge"

// OtherTopic is the label value for topics that were not tracked.
const OtherTopic = "other"

type Metrics struct {
	Published       *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
	Unmatched       prometheus.Counter
	DecodeErrors    *prometheus.CounterVec
	ListenerPanics  prometheus.Counter
	PendingRequests prometheus.Gauge
	Correlations    *prometheus.CounterVec
	SimulatorState  *prometheus.GaugeVec
	SimulatorFaults prometheus.Counter

	mu     sync.RWMutex
	topics map[string]struct{}
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration. The well-known simulator topics are tracked by name; see
// TrackTopics for more.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		topics: make(map[string]struct{}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_total",
			Help: "Messages published on the bus, by topic.",
		}, []string{"topic"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivered_total",
			Help: "Inbound messages handed to at least one listener, by topic.",
		}, []string{"topic"}),
		Unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unmatched_total",
			Help: "Inbound messages on topics without listeners.",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Payloads that failed to decode, by topic.",
		}, []string{"topic"}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "listener_panics_total",
			Help: "Listener invocations that panicked.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_requests",
			Help: "Armed requests awaiting a response.",
		}),
		Correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "correlations_total",
			Help: "Pending requests leaving the armed state, by outcome.",
		}, []string{"outcome"}),
		SimulatorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "simulator_state",
			Help: "1 for the supervisor's current state, 0 otherwise.",
		}, []string{"state"}),
		SimulatorFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "simulator_faults_total",
			Help: "Simulator exits while the bridge was ready.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Published, m.Delivered, m.Unmatched, m.DecodeErrors, m.ListenerPanics,
			m.PendingRequests, m.Correlations, m.SimulatorState, m.SimulatorFaults,
		)
	}
	m.TrackTopics(msgs.TopicRequest, msgs.TopicResponse, msgs.TopicFactory, msgs.TopicWorldControl, msgs.TopicModelInfo)
	return m
}

// TrackTopics lets the topic-labelled counters record topics under their own
// name. Everything else is counted as OtherTopic.
func (m *Metrics) TrackTopics(topics ...string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		if t != "" {
			m.topics[t] = struct{}{}
		}
	}
}

func (m *Metrics) topicLabel(topic string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.topics[topic]; ok {
		return topic
	}
	return OtherTopic
}

func (m *Metrics) IncPublished(topic string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(m.topicLabel(topic)).Inc()
}

func (m *Metrics) IncDelivered(topic string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(m.topicLabel(topic)).Inc()
}

func (m *Metrics) IncUnmatched() {
	if m == nil {
		return
	}
	m.Unmatched.Inc()
}

func (m *Metrics) IncDecodeError(topic string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(m.topicLabel(topic)).Inc()
}

func (m *Metrics) IncListenerPanic() {
	if m == nil {
		return
	}
	m.ListenerPanics.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// IncCorrelation records an outcome: "resolved" or "cancelled".
func (m *Metrics) IncCorrelation(outcome string) {
	if m == nil {
		return
	}
	m.Correlations.WithLabelValues(outcome).Inc()
}

// SetSimulatorState marks state as current among all.
func (m *Metrics) SetSimulatorState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SimulatorState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncSimulatorFault() {
	if m == nil {
		return
	}
	m.SimulatorFaults.Inc()
}
