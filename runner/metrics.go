package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records runner activity on a Prometheus registry.
type Metrics struct {
	opLatency     *prometheus.HistogramVec
	buildPoints   prometheus.Histogram
	loaded        prometheus.Gauge
	evictions     *prometheus.CounterVec
	snapshotBytes prometheus.Counter
}

// NewMetrics creates the runner collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapcluster_operation_latency_seconds",
			Help:    "Latency of runner operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op", "status"}),
		buildPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapcluster_build_markers",
			Help:    "Number of markers per cluster build",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapcluster_loaded_clusters",
			Help: "Number of cluster engines held in memory",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapcluster_evictions_total",
			Help: "Cluster engines dropped from memory",
		}, []string{"reason"}),
		snapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapcluster_snapshot_written_bytes_total",
			Help: "Bytes of snapshot files written",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.opLatency, m.buildPoints, m.loaded, m.evictions, m.snapshotBytes)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.opLatency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
