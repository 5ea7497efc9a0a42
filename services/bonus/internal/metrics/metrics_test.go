package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			match := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordEligibility("reload", true)
	m.RecordEligibility("reload", false)
	m.RecordEligibility("reload", false)
	m.RecordAward("reload", "EUR", 50)
	m.RecordLedgerFailure("conversion")
	m.RecordContribution("")
	m.ObserveExpirySweep(15 * time.Millisecond)

	assert.Equal(t, 1.0, counterValue(t, reg, "bonus_eligibility_checks_total", map[string]string{"type": "reload", "result": "eligible"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "bonus_eligibility_checks_total", map[string]string{"type": "reload", "result": "ineligible"}))
	assert.Equal(t, 50.0, counterValue(t, reg, "bonus_value_awarded_total", map[string]string{"currency": "EUR"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "bonus_ledger_failures_total", map[string]string{"operation": "conversion"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "bonus_turnover_contributions_total", map[string]string{"category": "unknown"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEligibility("reload", true)
		m.RecordAward("reload", "EUR", 1)
		m.RecordTransition("converted")
		m.RecordContribution("slots")
		m.RecordTurnoverConflict()
		m.RecordLedgerFailure("forfeit")
		m.RecordEventFailure("bonus.converted")
		m.RecordDuplicateEvent()
		m.ObserveExpirySweep(time.Second)
	})
}
