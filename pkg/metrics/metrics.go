package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for storage, scheduling, and
// coordination. Each component records through the typed helpers instead of
// touching collectors directly.
type Metrics struct {
	registry *prometheus.Registry

	storesTotal       *prometheus.CounterVec
	retrievalsTotal   *prometheus.CounterVec
	replicationsTotal *prometheus.CounterVec
	deletesTotal      prometheus.Counter
	evictionsTotal    prometheus.Counter
	integrityFailures prometheus.Counter

	storeDuration    prometheus.Histogram
	retrieveDuration prometheus.Histogram
	blobSizeBytes    prometheus.Histogram

	usedBytes         prometheus.Gauge
	trackedOperations prometheus.Gauge
	knownPeers        prometheus.Gauge

	jobsScheduled   *prometheus.CounterVec
	taskAssignments *prometheus.CounterVec
}

// New creates the collector set on a fresh registry. Every daemon (and every
// test) gets its own registry so registration never collides.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		storesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshvault_storage_stores_total",
				Help: "Total store operations by result",
			},
			[]string{"result"},
		),
		retrievalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshvault_storage_retrievals_total",
				Help: "Total retrieve operations by source and result",
			},
			[]string{"source", "result"},
		),
		replicationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshvault_storage_replications_total",
				Help: "Total per-peer replication attempts by result",
			},
			[]string{"result"},
		),
		deletesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshvault_storage_deletes_total",
				Help: "Total delete operations",
			},
		),
		evictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshvault_storage_evictions_total",
				Help: "Total blobs evicted by maintenance",
			},
		),
		integrityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshvault_storage_integrity_failures_total",
				Help: "Total checksum mismatches found on local blobs",
			},
		),
		storeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meshvault_storage_store_duration_seconds",
				Help:    "Store operation duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		retrieveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meshvault_storage_retrieve_duration_seconds",
				Help:    "Retrieve operation duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		blobSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meshvault_storage_blob_size_bytes",
				Help:    "Size of stored blobs",
				Buckets: prometheus.ExponentialBuckets(1024, 8, 8),
			},
		),
		usedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshvault_storage_used_bytes",
				Help: "Bytes currently held in local blob storage",
			},
		),
		trackedOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshvault_coordinator_tracked_operations",
				Help: "Operations currently tracked by the coordinator",
			},
		),
		knownPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshvault_mesh_known_peers",
				Help: "Peers currently visible in the mesh registry",
			},
		),
		jobsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshvault_scheduler_jobs_total",
				Help: "Jobs scheduled by type",
			},
			[]string{"job_type"},
		),
		taskAssignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshvault_scheduler_task_assignments_total",
				Help: "Task assignments by target (mesh node or local fallback)",
			},
			[]string{"target"},
		),
	}

	m.registry.MustRegister(
		m.storesTotal,
		m.retrievalsTotal,
		m.replicationsTotal,
		m.deletesTotal,
		m.evictionsTotal,
		m.integrityFailures,
		m.storeDuration,
		m.retrieveDuration,
		m.blobSizeBytes,
		m.usedBytes,
		m.trackedOperations,
		m.knownPeers,
		m.jobsScheduled,
		m.taskAssignments,
	)

	return m
}

// Handler returns the HTTP handler exposing this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStore records one store operation
func (m *Metrics) ObserveStore(duration time.Duration, sizeBytes int64, success bool) {
	m.storesTotal.WithLabelValues(result(success)).Inc()
	m.storeDuration.Observe(duration.Seconds())
	if success {
		m.blobSizeBytes.Observe(float64(sizeBytes))
	}
}

// ObserveRetrieve records one retrieve operation
func (m *Metrics) ObserveRetrieve(duration time.Duration, source string, success bool) {
	m.retrievalsTotal.WithLabelValues(source, result(success)).Inc()
	m.retrieveDuration.Observe(duration.Seconds())
}

// RecordReplication records one per-peer replication attempt
func (m *Metrics) RecordReplication(success bool) {
	m.replicationsTotal.WithLabelValues(result(success)).Inc()
}

// RecordDelete records one delete operation
func (m *Metrics) RecordDelete() {
	m.deletesTotal.Inc()
}

// RecordEviction records one maintenance eviction
func (m *Metrics) RecordEviction() {
	m.evictionsTotal.Inc()
}

// RecordIntegrityFailure records one checksum mismatch on a local blob
func (m *Metrics) RecordIntegrityFailure() {
	m.integrityFailures.Inc()
}

// SetUsedBytes updates the local storage usage gauge
func (m *Metrics) SetUsedBytes(n int64) {
	m.usedBytes.Set(float64(n))
}

// SetTrackedOperations updates the coordinator operation gauge
func (m *Metrics) SetTrackedOperations(n int) {
	m.trackedOperations.Set(float64(n))
}

// SetKnownPeers updates the mesh peer gauge
func (m *Metrics) SetKnownPeers(n int) {
	m.knownPeers.Set(float64(n))
}

// RecordJobScheduled records one scheduled job by type
func (m *Metrics) RecordJobScheduled(jobType string) {
	m.jobsScheduled.WithLabelValues(jobType).Inc()
}

// RecordTaskAssignment records one task placement. Node IDs would blow up
// label cardinality, so targets collapse to local vs peer.
func (m *Metrics) RecordTaskAssignment(local bool) {
	target := "peer"
	if local {
		target = "local"
	}
	m.taskAssignments.WithLabelValues(target).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
