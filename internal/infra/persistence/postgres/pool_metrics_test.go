package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestObservePoolReportsOneReading(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	reads := 0
	stats := PoolStats{Total: 6, Idle: 2, Acquired: 4, Max: 8, Waits: 11, Canceled: 1, AcquireWait: 1500 * time.Millisecond}
	reg, err := observePool(provider.Meter("test"), " ", func() PoolStats {
		reads++
		return stats
	})
	require.NoError(t, err)

	data := collect(t, reader)
	require.Equal(t, 1, reads, "every instrument shares one pool reading")

	conns := data["orbit_db_pool_connections"].(metricdata.Gauge[int64])
	byState := make(map[string]int64)
	for _, dp := range conns.DataPoints {
		state, _ := dp.Attributes.Value(attribute.Key("state"))
		pool, _ := dp.Attributes.Value(attribute.Key("db_pool"))
		require.Equal(t, "primary", pool.AsString())
		byState[state.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"idle": 2, "acquired": 4, "constructing": 0}, byState)

	saturation := data["orbit_db_pool_saturation"].(metricdata.Gauge[float64])
	require.InDelta(t, 0.5, saturation.DataPoints[0].Value, 1e-9)

	waits := data["orbit_db_pool_acquire_waits_total"].(metricdata.Sum[int64])
	require.True(t, waits.IsMonotonic)
	require.Equal(t, int64(11), waits.DataPoints[0].Value)

	seconds := data["orbit_db_pool_acquire_seconds_total"].(metricdata.Sum[float64])
	require.InDelta(t, 1.5, seconds.DataPoints[0].Value, 1e-9)

	require.NoError(t, reg.Unregister())
	collect(t, reader)
	require.Equal(t, 1, reads, "unregistered callbacks stop reading the pool")
}

func TestPoolSaturationWithoutLimit(t *testing.T) {
	require.Zero(t, PoolStats{Acquired: 3}.Saturation())
	require.InDelta(t, 1.0, PoolStats{Acquired: 4, Max: 4}.Saturation(), 1e-9)
}

func TestObservePoolMetricsRejectsNilPool(t *testing.T) {
	_, err := ObservePoolMetrics(nil, "primary")
	require.Error(t, err)
}
