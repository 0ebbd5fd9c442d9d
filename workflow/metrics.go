package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	creditsAwarded   prometheus.Counter
	creditsDebited   prometheus.Counter
	verifications    *prometheus.CounterVec
	redemptions      *prometheus.CounterVec
	voucherRetries   prometheus.Counter
	syncDeliveries   *prometheus.CounterVec
	verifierLatency  prometheus.Histogram
	outboxDeadLetter prometheus.Counter
}

func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	if promRegistry == nil {
		return nil
	}
	promautoFactory := promauto.With(promRegistry)
	return &Metrics{
		creditsAwarded: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ecocoins_credits_awarded_total",
			Help: "credits added to user balances",
		}),
		creditsDebited: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ecocoins_credits_debited_total",
			Help: "credits spent on redemptions",
		}),
		verifications: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocoins_verifications_total",
			Help: "verification attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		redemptions: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocoins_redemptions_total",
			Help: "redemption attempts by outcome",
		}, []string{"outcome"}),
		voucherRetries: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ecocoins_voucher_collisions_total",
			Help: "voucher codes regenerated after a collision",
		}),
		syncDeliveries: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocoins_reward_sync_deliveries_total",
			Help: "reward ledger deliveries by path and outcome",
		}, []string{"path", "outcome"}),
		verifierLatency: promautoFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecocoins_verifier_seconds",
			Help:    "verifier call latency",
			Buckets: prometheus.DefBuckets,
		}),
		outboxDeadLetter: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ecocoins_reward_sync_dead_total",
			Help: "outbox rows moved to DEAD",
		}),
	}
}

func (m *Metrics) awarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsAwarded.Add(float64(n))
}

func (m *Metrics) debited(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsDebited.Add(float64(n))
}

func (m *Metrics) verification(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(kind, outcome).Inc()
	if seconds > 0 {
		m.verifierLatency.Observe(seconds)
	}
}

func (m *Metrics) redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) voucherCollision() {
	if m == nil {
		return
	}
	m.voucherRetries.Inc()
}

func (m *Metrics) syncDelivery(path, outcome string) {
	if m == nil {
		return
	}
	m.syncDeliveries.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) dead() {
	if m == nil {
		return
	}
	m.outboxDeadLetter.Inc()
}
