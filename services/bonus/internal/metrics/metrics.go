// Package metrics holds Prometheus collectors for the bonus engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every bonus engine collector. A nil *Metrics records nothing.
type Metrics struct {
	// Eligibility and awards
	EligibilityChecksTotal *prometheus.CounterVec
	BonusesAwardedTotal    *prometheus.CounterVec
	BonusValueAwarded      *prometheus.CounterVec

	// Lifecycle
	TransitionsTotal *prometheus.CounterVec

	// Turnover
	TurnoverContributionsTotal *prometheus.CounterVec
	TurnoverConflictsTotal     prometheus.Counter

	// Failures
	LedgerFailuresTotal  *prometheus.CounterVec
	EventFailuresTotal   *prometheus.CounterVec
	DuplicateEventsTotal prometheus.Counter

	// Expiry sweep
	ExpirySweepDuration prometheus.Histogram
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EligibilityChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_eligibility_checks_total",
				Help: "Eligibility checks by bonus type and outcome",
			},
			[]string{"type", "result"},
		),

		BonusesAwardedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_awarded_total",
				Help: "Bonuses awarded by type",
			},
			[]string{"type"},
		),

		BonusValueAwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_value_awarded_total",
				Help: "Monetary value awarded by type and currency",
			},
			[]string{"type", "currency"},
		),

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_transitions_total",
				Help: "Bonus status transitions by target status",
			},
			[]string{"status"},
		),

		TurnoverContributionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_turnover_contributions_total",
				Help: "Turnover contributions applied by activity category",
			},
			[]string{"category"},
		),

		TurnoverConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bonus_turnover_conflicts_total",
				Help: "Turnover compare-and-set conflicts that were retried",
			},
		),

		LedgerFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_ledger_failures_total",
				Help: "Failed ledger transfers by operation",
			},
			[]string{"operation"},
		),

		EventFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bonus_event_failures_total",
				Help: "Lifecycle events that could not be published",
			},
			[]string{"event"},
		),

		DuplicateEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bonus_duplicate_trigger_events_total",
				Help: "Upstream trigger events skipped as duplicates",
			},
		),

		ExpirySweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bonus_expiry_sweep_duration_seconds",
				Help:    "Duration of the expiry sweep",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms, 20ms, 40ms...
			},
		),
	}
}

// RecordEligibility records an eligibility check outcome
func (m *Metrics) RecordEligibility(bonusType string, eligible bool) {
	if m == nil {
		return
	}
	result := "ineligible"
	if eligible {
		result = "eligible"
	}
	m.EligibilityChecksTotal.WithLabelValues(bonusType, result).Inc()
}

// RecordAward records an awarded bonus
func (m *Metrics) RecordAward(bonusType, currency string, value float64) {
	if m == nil {
		return
	}
	m.BonusesAwardedTotal.WithLabelValues(bonusType).Inc()
	m.BonusValueAwarded.WithLabelValues(bonusType, currency).Add(value)
}

// RecordTransition records a status change
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(status).Inc()
}

// RecordContribution records an applied turnover contribution
func (m *Metrics) RecordContribution(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "unknown"
	}
	m.TurnoverContributionsTotal.WithLabelValues(category).Inc()
}

// RecordTurnoverConflict records a retried compare-and-set
func (m *Metrics) RecordTurnoverConflict() {
	if m == nil {
		return
	}
	m.TurnoverConflictsTotal.Inc()
}

// RecordLedgerFailure records a failed ledger transfer
func (m *Metrics) RecordLedgerFailure(operation string) {
	if m == nil {
		return
	}
	m.LedgerFailuresTotal.WithLabelValues(operation).Inc()
}

// RecordEventFailure records a lifecycle event that was not published
func (m *Metrics) RecordEventFailure(eventType string) {
	if m == nil {
		return
	}
	m.EventFailuresTotal.WithLabelValues(eventType).Inc()
}

// RecordDuplicateEvent records a skipped upstream event
func (m *Metrics) RecordDuplicateEvent() {
	if m == nil {
		return
	}
	m.DuplicateEventsTotal.Inc()
}

// ObserveExpirySweep records the duration of one sweep
func (m *Metrics) ObserveExpirySweep(d time.Duration) {
	if m == nil {
		return
	}
	m.ExpirySweepDuration.Observe(d.Seconds())
}
