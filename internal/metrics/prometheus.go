package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the worker runtime metrics on a private registry so that
// several runtimes (tests, embedded use) never collide on registration.
type Registry struct {
	reg          *prometheus.Registry
	operations   *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	loadedStores *prometheus.GaugeVec
	storeBytes   *prometheus.GaugeVec
	changes      *prometheus.GaugeVec
}

// NewRegistry creates and registers the runtime metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osmstore_worker_operations_total",
			Help: "Worker operations by name and outcome.",
		}, []string{"worker", "operation", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osmstore_worker_operation_seconds",
			Help:    "Worker operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		loadedStores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osmstore_worker_loaded_stores",
			Help: "Stores currently loaded per worker.",
		}, []string{"worker"}),
		storeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osmstore_store_bytes",
			Help: "Column footprint of loaded stores.",
		}, []string{"worker", "store"}),
		changes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osmstore_changeset_pending_changes",
			Help: "Pending changes of open changesets.",
		}, []string{"worker", "store"}),
	}
	r.reg.MustRegister(r.operations, r.opLatency, r.loadedStores, r.storeBytes, r.changes)
	return r
}

// Gatherer exposes the registry to an HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveOperation records one finished worker operation.
func (r *Registry) ObserveOperation(worker, operation string, d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.operations.WithLabelValues(worker, operation, outcome).Inc()
	r.opLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// SetLoadedStores records how many stores a worker holds.
func (r *Registry) SetLoadedStores(worker string, n int) {
	if r == nil {
		return
	}
	r.loadedStores.WithLabelValues(worker).Set(float64(n))
}

// SetStoreBytes records the footprint of a loaded store, or removes it when bytes < 0.
func (r *Registry) SetStoreBytes(worker, store string, bytes int64) {
	if r == nil {
		return
	}
	if bytes < 0 {
		r.storeBytes.DeleteLabelValues(worker, store)
		return
	}
	r.storeBytes.WithLabelValues(worker, store).Set(float64(bytes))
}

// SetPendingChanges records the size of an open changeset, or removes it when n < 0.
func (r *Registry) SetPendingChanges(worker, store string, n int) {
	if r == nil {
		return
	}
	if n < 0 {
		r.changes.DeleteLabelValues(worker, store)
		return
	}
	r.changes.WithLabelValues(worker, store).Set(float64(n))
}
