package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewMetricsRegistersEveryInstrumentExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CreateDroppedFramesCounter().Inc()
	m.GetErrorsCounter().WithErrorName("protocol").Inc()
	m.ExpiredFlowsCounter().WithLabelValues("active").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCreateMethodsReturnTheSameUnderlyingCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CreateTransportRetriesCounter().Inc()
	m.CreateTransportRetriesCounter().Inc()

	assert.Equal(t, float64(2), counterValue(t, m.CreateTransportRetriesCounter()))
}

func TestActiveFlowsGaugeSettable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ActiveFlowsGauge().Set(42)

	var dm dto.Metric
	require.NoError(t, m.ActiveFlowsGauge().Write(&dm))
	assert.Equal(t, float64(42), dm.GetGauge().GetValue())
}
