package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the sync layer.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Storage metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec

	// Offline cache metrics
	CacheLookups  *prometheus.CounterVec
	PendingWrites prometheus.Gauge
	DrainOutcomes *prometheus.CounterVec

	// Consistency metrics
	Conflicts    *prometheus.CounterVec
	ChangeEvents *prometheus.CounterVec

	// Reconciliation metrics
	Reconciled *prometheus.CounterVec
	Embeddings *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	storeOperations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of storage port operations",
		},
		[]string{"operation", "table", "status"},
	)

	storeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Storage port operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_cache_lookups_total",
			Help:      "Offline cache lookups by result (fresh, miss, stale)",
		},
		[]string{"result"},
	)

	pendingWrites := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_writes",
			Help:      "Number of writes waiting to be replayed",
		},
	)

	drainOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_write_replays_total",
			Help:      "Replays of pending writes by outcome (synced, requeued, dropped)",
		},
		[]string{"outcome"},
	)

	conflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Detected write conflicts by strategy and resolution",
		},
		[]string{"strategy", "resolution"},
	)

	changeEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change feed notifications dispatched by table and type",
		},
		[]string{"table", "event_type"},
	)

	reconciled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_records_total",
			Help:      "Records handled by graph reconciliation by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	embeddings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Embedding upserts by subject and status",
		},
		[]string{"subject", "status"},
	)

	registry.MustRegister(
		storeOperations,
		storeDuration,
		cacheLookups,
		pendingWrites,
		drainOutcomes,
		conflicts,
		changeEvents,
		reconciled,
		embeddings,
	)

	return &Collector{
		registry:        registry,
		StoreOperations: storeOperations,
		StoreDuration:   storeDuration,
		CacheLookups:    cacheLookups,
		PendingWrites:   pendingWrites,
		DrainOutcomes:   drainOutcomes,
		Conflicts:       conflicts,
		ChangeEvents:    changeEvents,
		Reconciled:      reconciled,
		Embeddings:      embeddings,
	}
}

// RecordStoreOperation records one storage call.
func (c *Collector) RecordStoreOperation(operation, table string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.StoreOperations.WithLabelValues(operation, table, status).Inc()
	c.StoreDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheLookup records an offline cache lookup result.
func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// SetPendingWrites sets the pending queue depth.
func (c *Collector) SetPendingWrites(n int) {
	if c == nil {
		return
	}
	c.PendingWrites.Set(float64(n))
}

// RecordReplay records the outcome of replaying one pending write.
func (c *Collector) RecordReplay(outcome string) {
	if c == nil {
		return
	}
	c.DrainOutcomes.WithLabelValues(outcome).Inc()
}

// RecordConflict records a detected conflict.
func (c *Collector) RecordConflict(strategy, resolution string) {
	if c == nil {
		return
	}
	c.Conflicts.WithLabelValues(strategy, resolution).Inc()
}

// RecordChangeEvent records a dispatched change feed notification.
func (c *Collector) RecordChangeEvent(table, eventType string) {
	if c == nil {
		return
	}
	c.ChangeEvents.WithLabelValues(table, eventType).Inc()
}

// RecordReconciled adds n records of kind with the given outcome.
func (c *Collector) RecordReconciled(kind, outcome string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.Reconciled.WithLabelValues(kind, outcome).Add(float64(n))
}

// RecordEmbedding records an embedding upsert attempt.
func (c *Collector) RecordEmbedding(subject string, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.Embeddings.WithLabelValues(subject, status).Inc()
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
