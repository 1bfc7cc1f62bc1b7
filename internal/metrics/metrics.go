// Package metrics exposes Prometheus collectors for VM lifecycle operations.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmworkbench"

// Collector groups the lifecycle metrics.
type Collector struct {
	transitions   *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	snapshotBytes *prometheus.GaugeVec
	storageUsage  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Lifecycle status transitions by target status.",
		}, []string{"to"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of start, save and restore operations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"op", "result"}),
		snapshotBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Raw size of the last snapshot saved under each state ID.",
		}, []string{"id"}),
		storageUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_usage_bytes",
			Help:      "Bytes used by the state directory at the last quota estimate.",
		}),
	}
	for _, col := range []prometheus.Collector{c.transitions, c.durations, c.snapshotBytes, c.storageUsage} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Transition counts a status change.
func (c *Collector) Transition(to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
}

// ObserveOperation records how long op took since began.
func (c *Collector) ObserveOperation(op string, began time.Time, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.durations.WithLabelValues(op, result).Observe(time.Since(began).Seconds())
}

// SnapshotSize records the raw size of a saved state.
func (c *Collector) SnapshotSize(id string, n int) {
	if c == nil {
		return
	}
	c.snapshotBytes.WithLabelValues(id).Set(float64(n))
}

// StorageUsage records the state directory usage.
func (c *Collector) StorageUsage(bytes uint64) {
	if c == nil {
		return
	}
	c.storageUsage.Set(float64(bytes))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
