// Package metrics exposes Prometheus counters for detection, masking and
// policy sync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

var (
	entitiesProtected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_sentinel_entities_protected_total",
			Help: "Entities protected, by entity type and strategy",
		},
		[]string{"entity_type", "strategy"},
	)

	maskingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_sentinel_masking_failures_total",
			Help: "Entities redacted because their strategy failed",
		},
		[]string{"entity_type"},
	)

	policySyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_sentinel_policy_syncs_total",
			Help: "Policy load and sync attempts, by result",
		},
		[]string{"result"},
	)

	httpRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phi_sentinel_http_request_duration_seconds",
			Help:    "HTTP request latency, by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

// Recorder implements protect.Metrics on the default registry.
type Recorder struct{}

// New returns a Recorder.
func New() *Recorder { return &Recorder{} }

// ObserveEntity counts one protected entity.
func (Recorder) ObserveEntity(kind privacy.EntityKind, strategy masking.Strategy) {
	entitiesProtected.WithLabelValues(kind.String(), strategy.String()).Inc()
}

// ObserveFailure counts one fail-closed redaction.
func (Recorder) ObserveFailure(kind privacy.EntityKind) {
	maskingFailures.WithLabelValues(kind.String()).Inc()
}

// ObserveSync is a policy.Resolver sync hook.
func (Recorder) ObserveSync(ev policy.SyncEvent) {
	policySyncs.WithLabelValues(ev.Result).Inc()
}

// ObserveRequest records one HTTP request.
func (Recorder) ObserveRequest(route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
