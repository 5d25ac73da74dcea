// Package metrics defines the Prometheus collectors the status HTTP server
// exposes on /metrics, grounded on the promauto registration style the
// example pack's controller code uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles every metric this dispatcher exports. One instance is
// shared across all pools, labeled by pool id.
type Collectors struct {
	TargetGeneration   *prometheus.GaugeVec
	QueuesActive       *prometheus.GaugeVec
	QueuesUnbound      *prometheus.GaugeVec
	DeleteRefusedTotal *prometheus.CounterVec
	OrphanTimeoutTotal *prometheus.CounterVec
	DriverErrorsTotal  *prometheus.CounterVec
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() in production and a throwaway registry in tests
// so repeated test runs don't collide on the global default registry.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		TargetGeneration: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "osrdyne",
			Name:      "target_generation",
			Help:      "Current tracker generation counter, per pool.",
		}, []string{"pool"}),
		QueuesActive: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "osrdyne",
			Name:      "queues_active",
			Help:      "Number of request queues currently bound and active, per pool.",
		}, []string{"pool"}),
		QueuesUnbound: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "osrdyne",
			Name:      "queues_unbound",
			Help:      "Number of request queues declared but unbound (spooling down), per pool.",
		}, []string{"pool"}),
		DeleteRefusedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "osrdyne",
			Name:      "delete_refused_total",
			Help:      "Count of queue deletions refused because the queue was non-empty, per pool.",
		}, []string{"pool"}),
		OrphanTimeoutTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "osrdyne",
			Name:      "orphan_timeouts_total",
			Help:      "Count of orphan messages dead-lettered after timing out waiting for worker readiness, per pool.",
		}, []string{"pool"}),
		DriverErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "osrdyne",
			Name:      "driver_errors_total",
			Help:      "Count of driver backend failures, per pool.",
		}, []string{"pool"}),
	}
	return c
}
