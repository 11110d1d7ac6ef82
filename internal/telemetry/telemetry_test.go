package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "salesboard", "test", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SalesRecorded(context.Background(), 2, 100)
	m.Reset(context.Background(), "daily")
	m.MirrorSync(context.Background(), true)
}

func TestMetrics_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetricsFrom(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.SalesRecorded(ctx, 2, 1250.5)
	m.SalesRecorded(ctx, 0, 999) // ignored
	m.Reset(ctx, "daily")
	m.MirrorSync(ctx, false)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]any{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				got[md.Name] = total
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				got[md.Name] = total
			}
		}
	}

	assert.Equal(t, int64(2), got["salesboard.sales.parsed"])
	assert.Equal(t, 1250.5, got["salesboard.sales.amount"])
	assert.Equal(t, int64(1), got["salesboard.resets"])
	assert.Equal(t, int64(1), got["salesboard.mirror.syncs"])
}

func TestMetrics_GlobalProvider(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	m.SalesRecorded(context.Background(), 1, 10)
}
