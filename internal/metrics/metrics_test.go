package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncPublished("~/request")
	m.IncUnmatched()
	m.SetPending(3)
	m.SetSimulatorState("ready", []string{"ready"})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncPublished("~/request")
	m.IncPublished("~/request")
	m.IncCorrelation("resolved")
	m.SetPending(2)
	m.SetSimulatorState("ready", []string{"starting", "ready"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published.WithLabelValues("~/request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Correlations.WithLabelValues("resolved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PendingRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimulatorState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SimulatorState.WithLabelValues("starting")))
}

func TestUntrackedTopicsShareOneLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncPublished("~/one")
	m.IncPublished("~/two")
	m.IncDelivered("~/three")
	m.IncDecodeError("~/four")
	m.IncDelivered("~/model/info")

	assert.Equal(t, 1, testutil.CollectAndCount(m.Published))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published.WithLabelValues(OtherTopic)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues(OtherTopic)))

	m.TrackTopics("~/one")
	m.IncPublished("~/one")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues("~/one")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Published))
}
