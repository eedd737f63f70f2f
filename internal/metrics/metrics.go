// Package metrics exposes prometheus collectors for the ledger components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Components label values
const (
	ComponentShares   = "shares"
	ComponentUnlocker = "unlocker"
	ComponentPayments = "payments"
	ComponentCharts   = "charts"
	ComponentNetwork  = "network"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sharesTotal     *prometheus.CounterVec
	blocksFound     *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	cycleErrors     *prometheus.CounterVec
	roundsResolved  *prometheus.CounterVec
	payoutSent      *prometheus.CounterVec
	payoutWithhold  *prometheus.GaugeVec
	payoutHalted    *prometheus.GaugeVec
	poolHashrate    *prometheus.GaugeVec
	networkHeight   *prometheus.GaugeVec
	ingestQueueSize *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		sharesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "shares",
				Name:      "total",
				Help:      "Total number of share events received",
			},
			// valid: true/false
			[]string{"pool", "valid"},
		),

		blocksFound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "blocks",
				Name:      "found_total",
				Help:      "Total number of candidate blocks recorded",
			},
			[]string{"pool"},
		),

		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Duration of component cycles",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pool", "component"},
		),

		cycleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "errors_total",
				Help:      "Total number of component cycles that ended with an error",
			},
			[]string{"pool", "component"},
		),

		roundsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rounds",
				Name:      "resolved_total",
				Help:      "Total number of rounds moved to matured",
			},
			// outcome: generate/orphan/kicked
			[]string{"pool", "outcome"},
		),

		payoutSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "sent_total",
				Help:      "Total amount paid out in smallest units",
			},
			[]string{"pool"},
		),

		payoutWithhold: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "withhold_percent",
				Help:      "Fee withhold percent used by the last payment",
			},
			[]string{"pool"},
		),

		payoutHalted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "halted",
				Help:      "1 when payouts are halted pending operator recovery",
			},
			[]string{"pool"},
		),

		poolHashrate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "hashrate",
				Help:      "Pool hashrate over the short window in H/s",
			},
			[]string{"pool"},
		),

		networkHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "network",
				Name:      "height",
				Help:      "Latest chain height reported by the daemon",
			},
			[]string{"pool"},
		),

		ingestQueueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "shares",
				Name:      "queue_size",
				Help:      "Share events waiting to be written",
			},
			[]string{"pool"},
		),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the exposition handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Share counts one share event
func (m *Metrics) Share(pool string, valid bool) {
	if m == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	m.sharesTotal.WithLabelValues(pool, label).Inc()
}

// BlockFound counts one recorded candidate
func (m *Metrics) BlockFound(pool string) {
	if m == nil {
		return
	}
	m.blocksFound.WithLabelValues(pool).Inc()
}

// Cycle records the duration and result of one component cycle
func (m *Metrics) Cycle(pool, component string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(pool, component).Observe(took.Seconds())
	if err != nil {
		m.cycleErrors.WithLabelValues(pool, component).Inc()
	}
}

// RoundResolved counts one matured round
func (m *Metrics) RoundResolved(pool, outcome string) {
	if m == nil {
		return
	}
	m.roundsResolved.WithLabelValues(pool, outcome).Inc()
}

// PayoutSent records one sent payment
func (m *Metrics) PayoutSent(pool string, amount int64, withhold int) {
	if m == nil {
		return
	}
	m.payoutSent.WithLabelValues(pool).Add(float64(amount))
	m.payoutWithhold.WithLabelValues(pool).Set(float64(withhold))
}

// PayoutHalted flags the pool's payouts as halted
func (m *Metrics) PayoutHalted(pool string) {
	if m == nil {
		return
	}
	m.payoutHalted.WithLabelValues(pool).Set(1)
}

// PoolHashrate sets the pool hashrate gauge
func (m *Metrics) PoolHashrate(pool string, hashrate float64) {
	if m == nil {
		return
	}
	m.poolHashrate.WithLabelValues(pool).Set(hashrate)
}

// NetworkHeight sets the chain height gauge
func (m *Metrics) NetworkHeight(pool string, height uint64) {
	if m == nil {
		return
	}
	m.networkHeight.WithLabelValues(pool).Set(float64(height))
}

// QueueSize sets the share ingest backlog gauge
func (m *Metrics) QueueSize(pool string, size int) {
	if m == nil {
		return
	}
	m.ingestQueueSize.WithLabelValues(pool).Set(float64(size))
}
