package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheLookupOutcome captures the result of an entity cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup found an entry.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
)

// RemoteOutcome captures the result of a remote store or generation call.
type RemoteOutcome string

const (
	RemoteSuccess RemoteOutcome = "success"
	RemoteError   RemoteOutcome = "error"
)

// SnapshotOutcome describes what the reconciler did with a subscription event.
type SnapshotOutcome string

const (
	// SnapshotDelivered indicates the view reached the change handler.
	SnapshotDelivered SnapshotOutcome = "delivered"
	// SnapshotDropped indicates the event arrived for a torn-down subscription.
	SnapshotDropped SnapshotOutcome = "dropped"
	// SnapshotError indicates the channel reported an error.
	SnapshotError SnapshotOutcome = "error"
)

// Recorder publishes Prometheus metrics for cache, storage, remote and HTTP
// activity. A nil Recorder is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheLookups    *prometheus.CounterVec
	sessionFailures *prometheus.CounterVec
	remoteCalls     *prometheus.CounterVec
	remoteLatency   *prometheus.HistogramVec
	snapshots       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourvista",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Entity cache lookups by entity and result.",
	}, []string{"entity", "result"})

	sessionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourvista",
		Subsystem: "session",
		Name:      "storage_failures_total",
		Help:      "Session storage operations that failed and were ignored.",
	}, []string{"operation"})

	remoteCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourvista",
		Subsystem: "remote",
		Name:      "operations_total",
		Help:      "Remote store and generation calls by operation and result.",
	}, []string{"operation", "result"})

	remoteLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tourvista",
		Subsystem: "remote",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for remote store and generation calls.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation", "result"})

	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourvista",
		Subsystem: "conversation",
		Name:      "snapshots_total",
		Help:      "Conversation subscription events by outcome.",
	}, []string{"result"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourvista",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served by route and status code.",
	}, []string{"route", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tourvista",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for served HTTP requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	reg.MustRegister(cacheLookups, sessionFailures, remoteCalls, remoteLatency, snapshots, httpRequests, httpLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		cacheLookups:    cacheLookups,
		sessionFailures: sessionFailures,
		remoteCalls:     remoteCalls,
		remoteLatency:   remoteLatency,
		snapshots:       snapshots,
		httpRequests:    httpRequests,
		httpLatency:     httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records a hit or miss against an entity category.
func (r *Recorder) ObserveCacheLookup(entity string, result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(entity), resultLabel).Inc()
}

// ObserveSessionFailure counts a swallowed session storage failure.
func (r *Recorder) ObserveSessionFailure(operation string) {
	if r == nil {
		return
	}
	r.sessionFailures.WithLabelValues(normalizeLabel(operation)).Inc()
}

// ObserveRemote records the outcome and latency of a remote call.
func (r *Recorder) ObserveRemote(operation string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := RemoteSuccess
	if err != nil {
		result = RemoteError
	}
	opLabel := normalizeLabel(operation)
	r.remoteCalls.WithLabelValues(opLabel, string(result)).Inc()
	r.remoteLatency.WithLabelValues(opLabel, string(result)).Observe(duration.Seconds())
}

// ObserveSnapshot counts a conversation subscription event.
func (r *Recorder) ObserveSnapshot(result SnapshotOutcome) {
	if r == nil {
		return
	}
	r.snapshots.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveHTTP records a completed request.
func (r *Recorder) ObserveHTTP(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(routeLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
