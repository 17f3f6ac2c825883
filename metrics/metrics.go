// Package metrics exposes the engine's Prometheus collectors and tracing
// helpers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "boardsync"

type Metrics struct {
	events       *prometheus.CounterVec
	pending      prometheus.Gauge
	rollbacks    *prometheus.CounterVec
	reloads      *prometheus.CounterVec
	writeLatency *prometheus.HistogramVec
	parked       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Change feed events by entity type and outcome.",
		}, []string{"type", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Optimistic operations awaiting confirmation.",
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic operations rolled back, by reason.",
		}, []string{"reason"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Full board reloads, by reason.",
		}, []string{"reason"}),
		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_write_seconds",
			Help:      "Latency of remote writes issued for optimistic operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		parked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parked_operations",
			Help:      "Operations waiting for a retry after a transient failure.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.events, m.pending, m.rollbacks, m.reloads, m.writeLatency, m.parked} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Event(entityType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(entityType, outcome).Inc()
}

func (m *Metrics) PendingDelta(delta int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(delta))
}

func (m *Metrics) ParkedDelta(delta int) {
	if m == nil {
		return
	}
	m.parked.Add(float64(delta))
}

func (m *Metrics) Rollback(reason string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reload(reason string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveWrite(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.writeLatency.WithLabelValues(op, result).Observe(d.Seconds())
}
