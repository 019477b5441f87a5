package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the Mikey virtual card.
//
// Every recording method accepts a nil receiver so that packages can be used
// without metrics.
type Metrics struct {
	// UDP control metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Substream lifecycle metrics
	ActiveSubstreams  prometheus.Gauge
	SubstreamsOpened  *prometheus.CounterVec
	SubstreamsClosed  *prometheus.CounterVec
	SubstreamDuration prometheus.Histogram
	Transitions       *prometheus.CounterVec
	Errors            *prometheus.CounterVec

	// Timing engine metrics
	Ticks          *prometheus.CounterVec
	PeriodsElapsed *prometheus.CounterVec
	BufferWraps    *prometheus.CounterVec
	TickLateness   prometheus.Histogram
	SinkDuration   prometheus.Histogram

	// Loopback metrics
	LoopbackDrops     prometheus.Counter
	LoopbackUnderruns prometheus.Counter

	// Event stream metrics
	EventSubscribers prometheus.Gauge
	EventsDropped    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// UDP control metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mikey_packets_received_total",
			Help: "Total number of UDP control packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mikey_packets_processed_total",
			Help: "Total number of UDP control packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mikey_parse_errors_total",
			Help: "Total number of control packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mikey_packet_queue_size",
			Help: "Current number of packets in processing queues",
		}),

		// Substream lifecycle metrics
		ActiveSubstreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mikey_active_substreams",
			Help: "Current number of open substreams",
		}),
		SubstreamsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_substreams_opened_total",
			Help: "Total number of substreams opened",
		}, []string{"direction"}),
		SubstreamsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_substreams_closed_total",
			Help: "Total number of substreams closed",
		}, []string{"direction"}),
		SubstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mikey_substream_duration_seconds",
			Help:    "Lifetime of substreams from open to close",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_state_transitions_total",
			Help: "Total number of substream state transitions",
		}, []string{"from", "to"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_errors_total",
			Help: "Total number of rejected substream operations",
		}, []string{"kind"}),

		// Timing engine metrics
		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_ticks_total",
			Help: "Total number of clock ticks handled",
		}, []string{"direction"}),
		PeriodsElapsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_periods_elapsed_total",
			Help: "Total number of period-elapsed notifications delivered",
		}, []string{"direction"}),
		BufferWraps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_buffer_wraps_total",
			Help: "Total number of times a position wrapped to the buffer start",
		}, []string{"direction"}),
		TickLateness: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mikey_tick_lateness_seconds",
			Help:    "Delay between the scheduled and the actual tick time",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),
		SinkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mikey_sink_duration_seconds",
			Help:    "Time spent in the period-elapsed sink",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // 10us to ~20ms
		}),

		// Loopback metrics
		LoopbackDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "mikey_loopback_drops_total",
			Help: "Total number of playback periods dropped from a full loopback",
		}),
		LoopbackUnderruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "mikey_loopback_underruns_total",
			Help: "Total number of capture periods filled with silence",
		}),

		// Event stream metrics
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mikey_event_subscribers",
			Help: "Current number of websocket period event subscribers",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mikey_events_dropped_total",
			Help: "Total number of period events dropped for slow subscribers",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mikey_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mikey_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveSubstreams sets the current number of open substreams
func (m *Metrics) SetActiveSubstreams(count int) {
	if m == nil {
		return
	}
	m.ActiveSubstreams.Set(float64(count))
}

// RecordSubstreamOpened increments the opened counter for direction
func (m *Metrics) RecordSubstreamOpened(direction string) {
	if m == nil {
		return
	}
	m.SubstreamsOpened.WithLabelValues(direction).Inc()
}

// RecordSubstreamClosed increments the closed counter and records the lifetime
func (m *Metrics) RecordSubstreamClosed(direction string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SubstreamsClosed.WithLabelValues(direction).Inc()
	m.SubstreamDuration.Observe(durationSeconds)
}

// RecordTransition counts a state change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordError counts a rejected operation by error kind
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// RecordTick records one handled tick and the resulting period notification
func (m *Metrics) RecordTick(direction string, latenessSeconds float64, wrapped bool) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(direction).Inc()
	m.PeriodsElapsed.WithLabelValues(direction).Inc()
	if wrapped {
		m.BufferWraps.WithLabelValues(direction).Inc()
	}
	m.TickLateness.Observe(max(latenessSeconds, 0))
}

// RecordSinkDuration records time spent delivering one notification
func (m *Metrics) RecordSinkDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SinkDuration.Observe(seconds)
}

// RecordLoopbackDrop increments the loopback drop counter
func (m *Metrics) RecordLoopbackDrop() {
	if m == nil {
		return
	}
	m.LoopbackDrops.Inc()
}

// RecordLoopbackUnderrun increments the loopback underrun counter
func (m *Metrics) RecordLoopbackUnderrun() {
	if m == nil {
		return
	}
	m.LoopbackUnderruns.Inc()
}

// AddEventSubscribers adjusts the websocket subscriber gauge by delta
func (m *Metrics) AddEventSubscribers(delta int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Add(float64(delta))
}

// RecordEventDropped increments the dropped events counter
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
