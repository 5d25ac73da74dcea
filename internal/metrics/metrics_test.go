package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.TargetGeneration.WithLabelValues("pool-a").Set(7)
	c.DeleteRefusedTotal.WithLabelValues("pool-a").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var sawGeneration, sawRefused bool
	for _, mf := range families {
		switch mf.GetName() {
		case "osrdyne_target_generation":
			sawGeneration = true
			assert.Equal(t, float64(7), firstMetric(mf).GetGauge().GetValue())
		case "osrdyne_delete_refused_total":
			sawRefused = true
			assert.Equal(t, float64(1), firstMetric(mf).GetCounter().GetValue())
		}
	}
	assert.True(t, sawGeneration)
	assert.True(t, sawRefused)
}

func firstMetric(mf *dto.MetricFamily) *dto.Metric {
	return mf.GetMetric()[0]
}
