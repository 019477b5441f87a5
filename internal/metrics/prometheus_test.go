package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordPacketReceived()
		m.RecordPacketProcessed()
		m.RecordParseError()
		m.SetQueueSize(3)
		m.SetActiveSubstreams(1)
		m.RecordSubstreamOpened("playback")
		m.RecordSubstreamClosed("playback", 1)
		m.RecordTransition("prepared", "running")
		m.RecordError("state")
		m.RecordTick("playback", 0.001, true)
		m.RecordSinkDuration(0.0001)
		m.RecordLoopbackDrop()
		m.RecordLoopbackUnderrun()
		m.AddEventSubscribers(1)
		m.RecordEventDropped()
		m.RecordHTTPRequest("GET", "/health", "200", 0.01)
		m.RecordHTTPError("GET", "/health", "encode")
	})
}

func TestRecordTick(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTick("playback", 0.002, false)
	m.RecordTick("playback", -0.001, true)
	m.RecordTick("capture", 0, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Ticks.WithLabelValues("playback")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PeriodsElapsed.WithLabelValues("playback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferWraps.WithLabelValues("playback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues("capture")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickLateness))
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide when each has its own registry.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordParseError()
	a.SetActiveSubstreams(4)
	b.RecordTransition("opened", "configured")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ParseErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ParseErrors))
	assert.Equal(t, 4.0, testutil.ToFloat64(a.ActiveSubstreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Transitions.WithLabelValues("opened", "configured")))
}
