package observability

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "radioctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "radioctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "radioctl",
			Subsystem: "transport",
			Name:      "commands_total",
			Help:      "Firmware commands by terminal outcome.",
		},
		[]string{"command", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "radioctl",
			Subsystem: "transport",
			Name:      "command_duration_seconds",
			Help:      "Firmware command round trip including retries.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"command"},
	)
	commandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "radioctl",
			Subsystem: "transport",
			Name:      "command_retries_total",
			Help:      "Firmware command retransmissions after timeout.",
		},
		[]string{"command"},
	)
	lateResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "radioctl",
			Subsystem: "transport",
			Name:      "late_responses_total",
			Help:      "Confirmations that matched no pending command.",
		},
	)
	twtEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "radioctl",
			Subsystem: "twt",
			Name:      "events_total",
			Help:      "TWT negotiation events by kind and result.",
		},
		[]string{"kind", "result"},
	)
	twtAgreements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "radioctl",
			Subsystem: "twt",
			Name:      "agreements",
			Help:      "Flows currently in agreement.",
		},
	)
	twtWork = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "radioctl",
			Subsystem: "twt",
			Name:      "work_total",
			Help:      "Deferred TWT work items by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			commands,
			commandDuration,
			commandRetries,
			lateResponses,
			twtEvents,
			twtAgreements,
			twtWork,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(id uint16, outcome string, duration time.Duration) {
	RegisterMetrics()
	label := commandLabel(id)
	commands.WithLabelValues(label, outcome).Inc()
	commandDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func RecordCommandRetry(id uint16) {
	RegisterMetrics()
	commandRetries.WithLabelValues(commandLabel(id)).Inc()
}

func RecordLateResponse() {
	RegisterMetrics()
	lateResponses.Inc()
}

func RecordTWTEvent(kind, result string) {
	RegisterMetrics()
	twtEvents.WithLabelValues(kind, result).Inc()
}

func SetTWTAgreements(n int) {
	RegisterMetrics()
	twtAgreements.Set(float64(n))
}

func RecordTWTWork(kind string, success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	twtWork.WithLabelValues(kind, result).Inc()
}

func commandLabel(id uint16) string {
	return fmt.Sprintf("%#04x", id)
}
