// Package metrics exposes the engine's Prometheus counters and gauges.
// Grounded on the shape of luxfi-evm's metrics/prometheus.Gatherer (a
// dedicated metrics package wrapping a registry behind typed accessors);
// unlike that adapter we register client_golang collectors directly since
// the engine has no pre-existing custom metrics registry to translate from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the engine exposes.
type Registry struct {
	registry *prometheus.Registry

	CyclesTotal        prometheus.Counter
	CyclesSkippedTotal prometheus.Counter
	CycleDuration      prometheus.Histogram

	OpenPositions    prometheus.Gauge
	DeployedCapital  prometheus.Gauge
	ReserveCapital   prometheus.Gauge

	RebalancesTotal   *prometheus.CounterVec
	RebalancesBlocked *prometheus.CounterVec

	ExitsTotal *prometheus.CounterVec

	DefenseActive prometheus.Gauge

	ODSGauge *prometheus.GaugeVec
}

// New builds and registers every collector on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlmm_mm",
			Name:      "cycles_total",
			Help:      "Total evaluation cycles run by the scheduler.",
		}),
		CyclesSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlmm_mm",
			Name:      "cycles_skipped_total",
			Help:      "Cycles skipped because the previous cycle was still in flight.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dlmm_mm",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of each completed evaluation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmm_mm",
			Name:      "open_positions",
			Help:      "Number of currently open positions.",
		}),
		DeployedCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmm_mm",
			Name:      "deployed_capital_usd",
			Help:      "Capital currently deployed across open positions.",
		}),
		ReserveCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmm_mm",
			Name:      "reserve_capital_usd",
			Help:      "Capital held back from deployment per the reserve ratio.",
		}),
		RebalancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_mm",
			Name:      "rebalances_total",
			Help:      "Approved rebalances by trigger.",
		}, []string{"trigger"}),
		RebalancesBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_mm",
			Name:      "rebalances_blocked_total",
			Help:      "Rejected rebalance candidates by reason.",
		}, []string{"reason"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_mm",
			Name:      "exits_total",
			Help:      "Position exits by classification.",
		}, []string{"classification"}),
		DefenseActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmm_mm",
			Name:      "fee_bleed_defense_active",
			Help:      "1 when the portfolio-level fee-bleed defense is active, else 0.",
		}),
		ODSGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dlmm_mm",
			Name:      "opportunity_density_score",
			Help:      "Most recent ODS value observed per pool.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		r.CyclesTotal, r.CyclesSkippedTotal, r.CycleDuration,
		r.OpenPositions, r.DeployedCapital, r.ReserveCapital,
		r.RebalancesTotal, r.RebalancesBlocked, r.ExitsTotal,
		r.DefenseActive, r.ODSGauge,
	)

	return r
}

// Handler returns the HTTP handler to serve at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
