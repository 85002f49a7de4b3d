package bacnet

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// latencyBuckets are the request latency histogram bounds in seconds
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics holds the counters of a client, device or router. Each instance
// owns its registry, so several stacks can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectAttempts  prometheus.Counter
	ConnectSuccesses prometheus.Counter
	ConnectFailures  prometheus.Counter
	Disconnects      prometheus.Counter

	// Request metrics
	RequestsSent      prometheus.Counter
	RequestsSucceeded prometheus.Counter
	RequestsFailed    prometheus.Counter
	RequestsTimedOut  prometheus.Counter
	Retries           prometheus.Counter

	// Response metrics
	ResponsesReceived prometheus.Counter
	ErrorsReceived    prometheus.Counter
	RejectsReceived   prometheus.Counter
	AbortsReceived    prometheus.Counter

	// Server side
	RequestsReceived prometheus.Counter
	ErrorsSent       prometheus.Counter
	RejectsSent      prometheus.Counter
	AbortsSent       prometheus.Counter
	IAmSent          prometheus.Counter

	// Discovery metrics
	WhoIsSent         prometheus.Counter
	IAmReceived       prometheus.Counter
	DevicesDiscovered prometheus.Counter

	// COV metrics
	COVSubscriptions prometheus.Counter
	COVNotifications prometheus.Counter

	// Routing
	FramesForwarded prometheus.Counter
	FramesDropped   prometheus.Counter

	// Latency
	RequestLatency prometheus.Histogram

	// Bytes
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	// Current state
	ActiveRequests      prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge

	minLatency atomic.Int64
	maxLatency atomic.Int64

	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates the metrics of one component. subsystem names it in
// the exposed metric names, e.g. bacnet_client_requests_sent_total.
func NewMetrics(subsystem string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "bacnet",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bacnet",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		registry: reg,

		ConnectAttempts:  counter("connect_attempts_total", "Datalink open attempts"),
		ConnectSuccesses: counter("connect_successes_total", "Successful datalink opens"),
		ConnectFailures:  counter("connect_failures_total", "Failed datalink opens"),
		Disconnects:      counter("disconnects_total", "Datalink closes"),

		RequestsSent:      counter("requests_sent_total", "Requests sent"),
		RequestsSucceeded: counter("requests_succeeded_total", "Requests acknowledged"),
		RequestsFailed:    counter("requests_failed_total", "Requests answered with an error, reject or abort"),
		RequestsTimedOut:  counter("requests_timed_out_total", "Requests without answer"),
		Retries:           counter("retries_total", "Request retransmissions"),

		ResponsesReceived: counter("responses_received_total", "APDUs received"),
		ErrorsReceived:    counter("errors_received_total", "Error PDUs received"),
		RejectsReceived:   counter("rejects_received_total", "Reject PDUs received"),
		AbortsReceived:    counter("aborts_received_total", "Abort PDUs received"),

		RequestsReceived: counter("requests_received_total", "Service requests received"),
		ErrorsSent:       counter("errors_sent_total", "Error PDUs sent"),
		RejectsSent:      counter("rejects_sent_total", "Reject PDUs and network rejects sent"),
		AbortsSent:       counter("aborts_sent_total", "Abort PDUs sent"),
		IAmSent:          counter("iam_sent_total", "I-Am announcements sent"),

		WhoIsSent:         counter("whois_sent_total", "Who-Is requests sent"),
		IAmReceived:       counter("iam_received_total", "I-Am announcements received"),
		DevicesDiscovered: counter("devices_discovered_total", "Distinct devices discovered"),

		COVSubscriptions: counter("cov_subscriptions_total", "COV subscriptions made"),
		COVNotifications: counter("cov_notifications_total", "COV notifications sent or received"),

		FramesForwarded: counter("frames_forwarded_total", "NPDUs forwarded between networks"),
		FramesDropped:   counter("frames_dropped_total", "NPDUs dropped"),

		RequestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bacnet",
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Confirmed request latency",
			Buckets:   latencyBuckets,
		}),

		BytesSent:     counter("bytes_sent_total", "APDU octets sent"),
		BytesReceived: counter("bytes_received_total", "APDU octets received"),

		ActiveRequests:      gauge("active_requests", "Requests waiting for an answer"),
		ActiveSubscriptions: gauge("active_subscriptions", "Live COV subscriptions"),

		startTime: time.Now(),
	}
	m.minLatency.Store(-1)
	return m
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLatency records the latency of one request
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.RequestLatency.Observe(d.Seconds())

	ns := d.Nanoseconds()
	for {
		cur := m.minLatency.Load()
		if cur >= 0 && cur <= ns {
			break
		}
		if m.minLatency.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := m.maxLatency.Load()
		if cur >= ns {
			break
		}
		if m.maxLatency.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// RecordActivity records the last activity time
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity time
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Uptime returns the time since metrics started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func counterValue(c prometheus.Counter) int64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return int64(pb.GetCounter().GetValue())
}

func gaugeValue(g prometheus.Gauge) int64 {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return int64(pb.GetGauge().GetValue())
}

func (m *Metrics) latencyStats() LatencyStats {
	var pb dto.Metric
	if err := m.RequestLatency.Write(&pb); err != nil {
		return LatencyStats{}
	}
	h := pb.GetHistogram()

	stats := LatencyStats{Count: int64(h.GetSampleCount())}
	var prev uint64
	for _, b := range h.GetBucket() {
		stats.Buckets = append(stats.Buckets, int64(b.GetCumulativeCount()-prev))
		prev = b.GetCumulativeCount()
	}
	stats.Buckets = append(stats.Buckets, int64(h.GetSampleCount()-prev))

	if stats.Count > 0 {
		stats.Avg = time.Duration(h.GetSampleSum() / float64(stats.Count) * float64(time.Second))
		stats.Min = time.Duration(m.minLatency.Load())
		stats.Max = time.Duration(m.maxLatency.Load())
	}
	return stats
}

// LatencyStats contains latency statistics. Buckets hold the count per
// latency bucket, the last one counting requests above one second.
type LatencyStats struct {
	Count   int64
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Buckets []int64
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: m.Uptime(),

		ConnectAttempts:  counterValue(m.ConnectAttempts),
		ConnectSuccesses: counterValue(m.ConnectSuccesses),
		ConnectFailures:  counterValue(m.ConnectFailures),
		Disconnects:      counterValue(m.Disconnects),

		RequestsSent:      counterValue(m.RequestsSent),
		RequestsSucceeded: counterValue(m.RequestsSucceeded),
		RequestsFailed:    counterValue(m.RequestsFailed),
		RequestsTimedOut:  counterValue(m.RequestsTimedOut),
		Retries:           counterValue(m.Retries),

		ResponsesReceived: counterValue(m.ResponsesReceived),
		ErrorsReceived:    counterValue(m.ErrorsReceived),
		RejectsReceived:   counterValue(m.RejectsReceived),
		AbortsReceived:    counterValue(m.AbortsReceived),

		RequestsReceived: counterValue(m.RequestsReceived),
		ErrorsSent:       counterValue(m.ErrorsSent),
		RejectsSent:      counterValue(m.RejectsSent),
		AbortsSent:       counterValue(m.AbortsSent),
		IAmSent:          counterValue(m.IAmSent),

		WhoIsSent:         counterValue(m.WhoIsSent),
		IAmReceived:       counterValue(m.IAmReceived),
		DevicesDiscovered: counterValue(m.DevicesDiscovered),

		COVSubscriptions: counterValue(m.COVSubscriptions),
		COVNotifications: counterValue(m.COVNotifications),

		FramesForwarded: counterValue(m.FramesForwarded),
		FramesDropped:   counterValue(m.FramesDropped),

		LatencyStats: m.latencyStats(),

		BytesSent:     counterValue(m.BytesSent),
		BytesReceived: counterValue(m.BytesReceived),

		ActiveRequests:      gaugeValue(m.ActiveRequests),
		ActiveSubscriptions: gaugeValue(m.ActiveSubscriptions),

		LastActivity: m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration

	ConnectAttempts  int64
	ConnectSuccesses int64
	ConnectFailures  int64
	Disconnects      int64

	RequestsSent      int64
	RequestsSucceeded int64
	RequestsFailed    int64
	RequestsTimedOut  int64
	Retries           int64

	ResponsesReceived int64
	ErrorsReceived    int64
	RejectsReceived   int64
	AbortsReceived    int64

	RequestsReceived int64
	ErrorsSent       int64
	RejectsSent      int64
	AbortsSent       int64
	IAmSent          int64

	WhoIsSent         int64
	IAmReceived       int64
	DevicesDiscovered int64

	COVSubscriptions int64
	COVNotifications int64

	FramesForwarded int64
	FramesDropped   int64

	LatencyStats LatencyStats

	BytesSent     int64
	BytesReceived int64

	ActiveRequests      int64
	ActiveSubscriptions int64

	LastActivity time.Time
}
