package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Uplinks.WithLabelValues("app-1", "forwarded").Inc()
	m.Statuses.WithLabelValues("ack", "resolved").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uplinks.WithLabelValues("app-1", "forwarded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Statuses.WithLabelValues("ack", "resolved")))

	assert.Panics(t, func() { New(reg) })
}

func TestRegisterGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterGauge(reg, "pending_correlations", "Pending", func() float64 { return 3 }))

	n, err := testutil.GatherAndCount(reg, namespace+"_pending_correlations")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Error(t, RegisterGauge(reg, "pending_correlations", "Pending", func() float64 { return 0 }))
}
