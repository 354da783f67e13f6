package infrastructure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

func TestNewQueueRegistry_KnowsAllDrivers(t *testing.T) {
	t.Parallel()

	registry := NewQueueRegistry(NewTestLogger())

	assert.Equal(t, []string{"amqp", "kafka", "memory", "mqtt", "nats"}, registry.Drivers())
}

func TestPrometheusHandler_ReportsOpenQueues(t *testing.T) {
	t.Parallel()

	registry := NewQueueRegistry(NewTestLogger())
	handler := NewPrometheusHandler(registry)

	scrape := func() string {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)

		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)

		return string(body)
	}

	assert.Contains(t, scrape(), "svc_messaging_open_queues 0")

	q, err := registry.Open(t.Context(), queue.NewConnectionSettings("memory"))
	require.NoError(t, err)

	assert.Contains(t, scrape(), "svc_messaging_open_queues 1")

	require.NoError(t, q.Close(t.Context()))
	assert.Contains(t, scrape(), "svc_messaging_open_queues 0")
}

func TestOTELMetrics_Records(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := newOTELMetrics(provider, "test", nil, NewTestLogger())
	require.NoError(t, err)

	ctx := t.Context()

	m.RecordProduce(ctx, "orders", 5*time.Millisecond, nil)
	m.RecordProduce(ctx, "orders", time.Millisecond, queue.ConnectionError(errors.New("refused")))
	m.RecordDelivery(ctx, "orders", "acknowledged", time.Millisecond)
	m.RecordHTTPRequest(ctx, http.MethodPost, "/v1/topics/{topic}/messages", http.StatusAccepted, time.Millisecond, 10, 20)
	m.RecordOutboxEntry(ctx, "delivered")
	m.OnRetry("Queue.Produce.orders", 1, resilience.ErrTimeout, time.Millisecond)
	m.OnBreakerStateChange("Queue.Produce.orders", "closed", "open")
	m.OnExhausted("Queue.Produce.orders", 3, resilience.ErrTimeout)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}

	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[metric.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), sums["messaging_produce_total"])
	assert.Equal(t, int64(1), sums["messaging_deliveries_total"])
	assert.Equal(t, int64(1), sums["http_requests_total"])
	assert.Equal(t, int64(1), sums["outbox_entries_total"])
	assert.Equal(t, int64(1), sums["resilience_retries_total"])
	assert.Equal(t, int64(1), sums["resilience_breaker_transitions_total"])
	assert.Equal(t, int64(1), sums["resilience_exhausted_total"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err      error
		expected string
	}{
		{err: nil, expected: ""},
		{err: queue.ConnectionError(errors.New("refused")), expected: "connection"},
		{err: queue.ErrInvalidTopic, expected: "invalid_argument"},
		{err: queue.ErrQueueClosed, expected: "closed"},
		{err: resilience.ErrCircuitOpen, expected: "circuit_open"},
		{err: resilience.ErrRateLimited, expected: "rate_limited"},
		{err: resilience.ErrTimeout, expected: "timeout"},
		{err: errors.New("boom"), expected: "other"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, ErrorType(tc.err), "%v", tc.err)
	}
}

func TestNewMetrics_DisabledIsNoOp(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(t.Context(), config.ServiceConfig{}, nil, NewTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &NoOpMetrics{}, m)
	require.NoError(t, m.Shutdown(t.Context()))
}

func TestNewTracing(t *testing.T) {
	t.Parallel()

	tracing, err := NewTracing(t.Context(), config.ServiceConfig{}, NewTestLogger())
	require.NoError(t, err)
	require.NotNil(t, tracing.Provider())
	require.NoError(t, tracing.Shutdown(t.Context()))

	var cfg config.ServiceConfig
	cfg.Telemetry.Traces.Enabled = true
	cfg.Telemetry.ExporterType = "carrier-pigeon"

	_, err = NewTracing(t.Context(), cfg, NewTestLogger())
	require.Error(t, err)
}

func TestKeyDBClient(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)

	client := NewKeyDBClient(config.CacheConfig{Addr: srv.Addr(), PoolSize: 2}, NewTestLogger())

	require.NoError(t, client.Ping(t.Context()))
	require.NoError(t, client.Cmdable().Set(t.Context(), "k", "v", 0).Err())
	assert.True(t, srv.Exists("k"))

	srv.Close()
	require.Error(t, client.Ping(t.Context()))
	require.NoError(t, client.Close())
}
