package engine

import "time"

// Result labels reported to Metrics.
const (
	ResultOK       = "ok"
	ResultNetwork  = "network"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
)

// Metrics receives drain telemetry. internal/metrics provides the
// Prometheus implementation.
type Metrics interface {
	CommitResult(result string)
	PhotoResult(result string)
	DrainDuration(d time.Duration)
	Pending(n int)
}

type nopMetrics struct{}

func (nopMetrics) CommitResult(string)         {}
func (nopMetrics) PhotoResult(string)          {}
func (nopMetrics) DrainDuration(time.Duration) {}
func (nopMetrics) Pending(int)                 {}
