package objload

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of one session. Every series carries a constant "session" label.
type Metrics struct {
	Loads       *prometheus.CounterVec
	LoadSeconds prometheus.Histogram
	Symbols     prometheus.Gauge
	Units       prometheus.Gauge
	ArenaBytes  prometheus.Gauge
	Invocations *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewMetrics creates session metrics and registers them when reg is not nil.
func NewMetrics(reg prometheus.Registerer, session uint64) *Metrics {
	labels := prometheus.Labels{"session": strconv.FormatUint(session, 10)}
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "objload_loads_total",
			Help:        "Total number of unit loads by result",
			ConstLabels: labels,
		}, []string{"result"}),
		LoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "objload_load_duration_seconds",
			Help:        "Time spent parsing, linking and finalizing a unit",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		Symbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "objload_symbols",
			Help:        "Number of names bound in the session symbol table",
			ConstLabels: labels,
		}),
		Units: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "objload_units",
			Help:        "Number of units loaded into the session",
			ConstLabels: labels,
		}),
		ArenaBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "objload_arena_bytes",
			Help:        "Bytes of the session arena committed to units",
			ConstLabels: labels,
		}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "objload_invocations_total",
			Help:        "Total number of native invocations by result",
			ConstLabels: labels,
		}, []string{"result"}),
		reg: reg,
	}
	if reg != nil {
		reg.MustRegister(
			m.Loads,
			m.LoadSeconds,
			m.Symbols,
			m.Units,
			m.ArenaBytes,
			m.Invocations,
		)
	}
	return m
}

func (m *Metrics) unregister() {
	if m.reg == nil {
		return
	}
	m.reg.Unregister(m.Loads)
	m.reg.Unregister(m.LoadSeconds)
	m.reg.Unregister(m.Symbols)
	m.reg.Unregister(m.Units)
	m.reg.Unregister(m.ArenaBytes)
	m.reg.Unregister(m.Invocations)
	m.reg = nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
