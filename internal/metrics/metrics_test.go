package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "no_rate", sanitizeLabel("no rate"))
	assert.Len(t, sanitizeLabel(strings.Repeat("x", 100)), maxLabelLen)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TrackerEvent("hangup", "applied")
		m.RatingOutcome("rated", "flat", "ID")
		m.InvoiceOutcome("created")
		m.TenantBackfill("call_record", 3)
		m.AmiReconnect("pbx-a")
		m.AmiConnected("pbx-a", true)
		m.JobRun("rating", nil)
	})
}

func TestCountersAreRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.RatingOutcome("rated", "contract", "ID")
	m.RatingOutcome("rated", "contract", "ID")
	m.JobRun("invoice", errors.New("boom"))
	m.AmiConnected("pbx-a", true)

	families, err := registry.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["callrater_rating_outcomes_total"])
	assert.Equal(t, 1.0, values["callrater_scheduler_job_runs_total"])
	assert.Equal(t, 1.0, values["callrater_ami_connected"])
}
