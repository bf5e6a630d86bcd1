package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rtpscore"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"participant", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"participant", "method", "path", "status"},
	)
	receiverSubmessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "submessages_total",
			Help:      "Submessages handled by the receiver, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	receiverDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "messages_dropped_total",
			Help:      "Whole messages dropped before any submessage was processed.",
		},
		[]string{"reason"},
	)
	receiverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "process_duration_seconds",
			Help:      "Time spent processing one received message.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
	)
	changesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "changes_delivered_total",
			Help:      "Cache changes delivered to local readers.",
		},
	)
	samplesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "samples_lost_total",
			Help:      "Sequence numbers declared lost by heartbeats.",
		},
	)
	submessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "submessages_sent_total",
			Help:      "Submessages sent by local endpoints, by kind.",
		},
		[]string{"kind"},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "retransmissions_total",
			Help:      "Changes resent in answer to ACKNACK requests.",
		},
	)
	historySize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "changes",
			Help:      "Changes held in an endpoint's history.",
		},
		[]string{"endpoint"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			receiverSubmessages, receiverDropped, receiverDuration,
			changesDelivered, samplesLost,
			submessagesSent, retransmissions, historySize,
		)
	})
}

func RecordHTTPRequest(participant, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(participant, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(participant, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSubmessage counts one submessage; outcome is processed, skipped or
// the error class that stopped the message.
func RecordSubmessage(kind, outcome string) {
	RegisterMetrics()
	receiverSubmessages.WithLabelValues(kind, outcome).Inc()
}

func RecordMessageDropped(reason string) {
	RegisterMetrics()
	receiverDropped.WithLabelValues(reason).Inc()
}

func RecordProcessDuration(d time.Duration) {
	RegisterMetrics()
	receiverDuration.Observe(d.Seconds())
}

func RecordChangeDelivered() {
	RegisterMetrics()
	changesDelivered.Inc()
}

func RecordSamplesLost(n int64) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	samplesLost.Add(float64(n))
}

func RecordSubmessageSent(kind string) {
	RegisterMetrics()
	submessagesSent.WithLabelValues(kind).Inc()
}

func RecordRetransmissions(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	retransmissions.Add(float64(n))
}

func SetHistorySize(endpoint string, n int) {
	RegisterMetrics()
	historySize.WithLabelValues(endpoint).Set(float64(n))
}
