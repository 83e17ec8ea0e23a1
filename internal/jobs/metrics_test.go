package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("mail:send").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("mail:send").End(boom), boom)

	require.Equal(t, 1.0, counterValue(t, reg, "fulfillment_jobs_total", map[string]string{"job": "mail:send", "status": "success"}))
	require.Equal(t, 1.0, counterValue(t, reg, "fulfillment_jobs_total", map[string]string{"job": "mail:send", "status": "failure"}))
	require.Equal(t, 1.0, counterValue(t, reg, "fulfillment_jobs_failures_total", map[string]string{"job": "mail:send"}))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("noop").End(nil))
	m.AddReminders(3)
}
