// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram buckets for drain passes: 10ms to ~40s.
const (
	bucketStart10ms = 0.01
	bucketFactor2   = 2
	bucketCount12   = 12
)

// SyncMetrics contains Prometheus metrics for outbox delivery.
// It implements engine.Metrics.
type SyncMetrics struct {
	commitsTotal      *prometheus.CounterVec
	photoUploadsTotal *prometheus.CounterVec
	drainDuration     prometheus.Histogram
	pendingRecords    prometheus.Gauge
}

// NewSyncMetrics creates and registers sync metrics on registry.
func NewSyncMetrics(registry prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.commitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_commits_total",
			Help: "Total number of observation commit attempts",
		},
		[]string{"result"}, // result: ok, network, conflict, rejected
	)

	m.photoUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_photo_uploads_total",
			Help: "Total number of photo upload attempts",
		},
		[]string{"result"},
	)

	m.drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_drain_duration_seconds",
			Help:    "Time taken by drain passes that delivered at least one record",
			Buckets: prometheus.ExponentialBuckets(bucketStart10ms, bucketFactor2, bucketCount12),
		},
	)

	m.pendingRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_pending_records",
			Help: "Records in the outbox awaiting delivery",
		},
	)
}

// Describe implements the Collector interface
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.commitsTotal.Describe(ch)
	m.photoUploadsTotal.Describe(ch)
	m.drainDuration.Describe(ch)
	m.pendingRecords.Describe(ch)
}

// Collect implements the Collector interface
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	m.commitsTotal.Collect(ch)
	m.photoUploadsTotal.Collect(ch)
	m.drainDuration.Collect(ch)
	m.pendingRecords.Collect(ch)
}

// CommitResult counts a commit outcome.
func (m *SyncMetrics) CommitResult(result string) {
	m.commitsTotal.WithLabelValues(result).Inc()
}

// PhotoResult counts a photo upload outcome.
func (m *SyncMetrics) PhotoResult(result string) {
	m.photoUploadsTotal.WithLabelValues(result).Inc()
}

// DrainDuration records the length of a drain pass.
func (m *SyncMetrics) DrainDuration(d time.Duration) {
	m.drainDuration.Observe(d.Seconds())
}

// Pending sets the outbox backlog gauge.
func (m *SyncMetrics) Pending(n int) {
	m.pendingRecords.Set(float64(n))
}
