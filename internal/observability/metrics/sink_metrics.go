package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SinkMetrics tracks writes to trajectory sinks and their health. A nil
// *SinkMetrics records nothing.
type SinkMetrics struct {
	writesTotal        *prometheus.CounterVec
	writeDuration      *prometheus.HistogramVec
	trajectoriesStored *prometheus.CounterVec
	sinkUp             *prometheus.GaugeVec
}

func newSinkMetrics(ns string) *SinkMetrics {
	return &SinkMetrics{
		writesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "sink",
				Name:      "writes_total",
				Help:      "Run writes by sink type and status",
			},
			[]string{"sink", "status"},
		),
		writeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "sink",
				Name:      "write_duration_seconds",
				Help:      "Duration of run writes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
		trajectoriesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "sink",
				Name:      "trajectories_stored_total",
				Help:      "Synthetic trajectories stored by sink type",
			},
			[]string{"sink"},
		),
		sinkUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "sink",
				Name:      "up",
				Help:      "1 when the last health check of the sink succeeded",
			},
			[]string{"sink"},
		),
	}
}

func (sm *SinkMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{sm.writesTotal, sm.writeDuration, sm.trajectoriesStored, sm.sinkUp}
}

// RecordWrite records one run write.
func (sm *SinkMetrics) RecordWrite(sink string, trajectories int, d time.Duration, err error) {
	if sm == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	sm.writesTotal.WithLabelValues(sink, status).Inc()
	sm.writeDuration.WithLabelValues(sink).Observe(d.Seconds())
	if err == nil {
		sm.trajectoriesStored.WithLabelValues(sink).Add(float64(trajectories))
	}
}

// SetUp records the outcome of a sink health check.
func (sm *SinkMetrics) SetUp(sink string, up bool) {
	if sm == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	sm.sinkUp.WithLabelValues(sink).Set(v)
}
