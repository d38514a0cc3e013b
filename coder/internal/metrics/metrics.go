// Package metrics holds the Prometheus collectors for the coder service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "execute",
			Name:      "requests_total",
			Help:      "Executions by artifact, selected role and outcome.",
		},
		[]string{"artifact", "role", "outcome"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coder",
			Subsystem: "execute",
			Name:      "duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	lifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Deploy, phase and rollback calls by outcome.",
		},
		[]string{"op", "outcome"},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Lifecycle event deliveries by sink and success.",
		},
		[]string{"sink", "success"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Lifecycle events dropped because the queue was full.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coder",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(executions, executionDuration, lifecycleOps,
			eventsDelivered, eventsDropped, httpRequests, httpDuration)
	})
}

func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordExecution(artifact, role string, failed bool, d time.Duration) {
	Register()
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	executions.WithLabelValues(artifact, role, outcome).Inc()
	executionDuration.WithLabelValues(role).Observe(d.Seconds())
}

func RecordLifecycle(op string, err error) {
	Register()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	lifecycleOps.WithLabelValues(op, outcome).Inc()
}

func RecordEventDelivery(sink string, success bool) {
	Register()
	eventsDelivered.WithLabelValues(sink, strconv.FormatBool(success)).Inc()
}

func RecordEventDropped() {
	Register()
	eventsDropped.Inc()
}

func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(d.Seconds())
}
