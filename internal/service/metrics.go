package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	WithdrawalsTotal   *prometheus.CounterVec
	DepositsTotal      *prometheus.CounterVec
	StakeOpsTotal      *prometheus.CounterVec
	AddressesCreated   prometheus.Counter
	PortfolioDuration  *prometheus.HistogramVec
	QuoteTicksTotal    *prometheus.CounterVec
	BroadcastDurations *prometheus.HistogramVec
	BroadcastRetries   prometheus.Counter
	BroadcastFailures  *prometheus.CounterVec
	RewardAccruals     prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		WithdrawalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_withdrawals_total",
				Help: "Total withdrawal requests.",
			},
			[]string{"status"},
		),
		DepositsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_deposits_total",
				Help: "Total deposit credits.",
			},
			[]string{"status"},
		),
		StakeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_stake_ops_total",
				Help: "Total stake and unstake operations.",
			},
			[]string{"op", "status"},
		),
		AddressesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_deposit_addresses_created_total",
				Help: "Total deposit addresses generated.",
			},
		),
		PortfolioDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_portfolio_duration_seconds",
				Help:    "Portfolio valuation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		QuoteTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_quote_ticks_total",
				Help: "Total quote ticks ingested.",
			},
			[]string{"status"},
		),
		BroadcastDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_broadcast_duration_seconds",
				Help:    "Chain gateway call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		BroadcastRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_broadcast_retries_total",
				Help: "Total chain gateway call retries.",
			},
		),
		BroadcastFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_broadcast_failures_total",
				Help: "Total chain gateway call failures.",
			},
			[]string{"reason"},
		),
		RewardAccruals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_reward_accruals_total",
				Help: "Total staking reward accrual runs.",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.WithdrawalsTotal,
			m.DepositsTotal,
			m.StakeOpsTotal,
			m.AddressesCreated,
			m.PortfolioDuration,
			m.QuoteTicksTotal,
			m.BroadcastDurations,
			m.BroadcastRetries,
			m.BroadcastFailures,
			m.RewardAccruals,
		)
	}
	return m
}

// ObserveBroadcast, IncBroadcastRetry, and IncBroadcastFailure satisfy the
// chain gateway client's metrics hook.
func (m *Metrics) ObserveBroadcast(status string, d time.Duration) {
	m.BroadcastDurations.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) IncBroadcastRetry() {
	m.BroadcastRetries.Inc()
}

func (m *Metrics) IncBroadcastFailure(reason string) {
	m.BroadcastFailures.WithLabelValues(reason).Inc()
}

// IncQuoteTick and IncDeposit satisfy the consumers' metrics hooks.
func (m *Metrics) IncQuoteTick(status string) {
	m.QuoteTicksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDeposit(status string) {
	m.DepositsTotal.WithLabelValues(status).Inc()
}
