package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetricsWithProvider(provider)
	require.NoError(t, err)
	return m, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_RecordAppend(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAppend(ctx, 3, time.Millisecond, nil)
	m.RecordAppend(ctx, 2, time.Millisecond, errors.New("conflict"))

	assert.Equal(t, int64(3), counterTotal(t, reader, "events_appended_total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "append_errors_total"))
}

func TestMetrics_ProjectionSagaRelay(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProjectionEvent(ctx, "balances", true)
	m.RecordProjectionEvent(ctx, "balances", false)
	m.RecordRebuild(ctx, "balances", true)
	m.RecordSubscriberDrop(ctx)
	m.RecordSaga(ctx, "completed")
	m.RecordSaga(ctx, "compensated")
	m.RecordSagaStep(ctx, "debit", time.Millisecond, true)
	m.RecordRelay(ctx, "nats", true)
	m.RecordRelay(ctx, "kafka", false)

	assert.Equal(t, int64(2), counterTotal(t, reader, "projection_events_total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "projection_errors_total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "projection_rebuilds_total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "subscriber_drops_total"))
	assert.Equal(t, int64(2), counterTotal(t, reader, "saga_total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "relay_published_total"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "relay_errors_total"))
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordAppend(ctx, 1, time.Millisecond, nil)
		m.RecordSubscriberDrop(ctx)
		m.RecordProjectionEvent(ctx, "p", true)
		m.RecordRebuild(ctx, "p", true)
		m.RecordSaga(ctx, "completed")
		m.RecordSagaStep(ctx, "s", time.Millisecond, true)
		m.RecordRelay(ctx, "nats", true)
	})
}

func TestSetupMetrics_ServesPrometheus(t *testing.T) {
	ctx := context.Background()
	exporter, err := SetupMetrics(ctx, MetricsConfig{ServiceName: "potter-es-test", ServiceVersion: "1.0.0"})
	require.NoError(t, err)
	defer exporter.Shutdown(ctx)

	m, err := NewMetricsWithProvider(exporter.Provider())
	require.NoError(t, err)
	m.RecordAppend(ctx, 2, time.Millisecond, nil)
	m.RecordSaga(ctx, "completed")

	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "events_appended")
	assert.Contains(t, body, `status="completed"`)
}
