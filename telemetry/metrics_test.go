package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and a cleanup function.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	cacheRequestsTotal, err := meter.Int64Counter("voicecache_cache_requests_total")
	require.NoError(t, err)

	loadsTotal, err := meter.Int64Counter("voicecache_loads_total")
	require.NoError(t, err)

	loadDuration, err := meter.Float64Histogram("voicecache_load_duration_seconds")
	require.NoError(t, err)

	loadsSharedTotal, err := meter.Int64Counter("voicecache_loads_shared_total")
	require.NoError(t, err)

	breakerTransitionsTotal, err := meter.Int64Counter("voicecache_breaker_transitions_total")
	require.NoError(t, err)

	warmupTasksTotal, err := meter.Int64Counter("voicecache_warmup_tasks_total")
	require.NoError(t, err)

	warmupTaskDuration, err := meter.Float64Histogram("voicecache_warmup_task_duration_seconds")
	require.NoError(t, err)

	requestsTotal, err := meter.Int64Counter("voicecache_http_requests_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("voicecache_http_request_duration_seconds")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		cacheRequestsTotal:      cacheRequestsTotal,
		loadsTotal:              loadsTotal,
		loadDuration:            loadDuration,
		loadsSharedTotal:        loadsSharedTotal,
		breakerTransitionsTotal: breakerTransitionsTotal,
		warmupTasksTotal:        warmupTasksTotal,
		warmupTaskDuration:      warmupTaskDuration,
		requestsTotal:           requestsTotal,
		requestDuration:         requestDuration,
		meterProvider:           mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordCacheAccess(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheAccess(ctx, "voices", "hit")
	RecordCacheAccess(ctx, "voices", "hit")
	RecordCacheAccess(ctx, "voices", "miss")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "voicecache_cache_requests_total")
	require.Len(t, dps, 2)

	var hits, misses int64
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "result", "hit"):
			hits = dp.Value
		case hasAttr(dp.Attributes, "result", "miss"):
			misses = dp.Value
		}
	}
	require.EqualValues(t, 2, hits)
	require.EqualValues(t, 1, misses)
}

func TestRecordLoad(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLoad(ctx, "models", "ok", 250*time.Millisecond)
	RecordLoad(ctx, "models", "error", 10*time.Millisecond)
	RecordLoad(ctx, "models", "tier_hit", 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "voicecache_loads_total")
	var total int64
	for _, dp := range dps {
		total += dp.Value
	}
	require.EqualValues(t, 3, total)

	// tier_hit loads record no duration sample.
	histDps := findHistogram(rm, "voicecache_load_duration_seconds")
	var count uint64
	for _, dp := range histDps {
		count += dp.Count
	}
	require.Equal(t, uint64(2), count)
}

func TestRecordLoadShared(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordLoadShared(context.Background(), "audio")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "voicecache_loads_shared_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "cache", "audio"))
}

func TestRecordBreakerTransition(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBreakerTransition(context.Background(), "voice-loads", "closed", "open")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "voicecache_breaker_transitions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "breaker", "voice-loads"))
	require.True(t, hasAttr(dps[0].Attributes, "from", "closed"))
	require.True(t, hasAttr(dps[0].Attributes, "to", "open"))
}

func TestRecordWarmupTask(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordWarmupTask(context.Background(), "voices", "ok", 50*time.Millisecond)
	RecordWarmupTask(context.Background(), "voices", "error", 5*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "voicecache_warmup_tasks_total")
	var total int64
	for _, dp := range dps {
		total += dp.Value
	}
	require.EqualValues(t, 2, total)
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHTTP(context.Background(), "synthesize", http.StatusOK, 50*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "voicecache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "synthesize"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	histDps := findHistogram(rm, "voicecache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordWithNilMetricsIsNoop(t *testing.T) {
	globalMetrics = nil

	// None of these should panic without initialization.
	ctx := context.Background()
	RecordCacheAccess(ctx, "voices", "hit")
	RecordLoad(ctx, "models", "ok", time.Millisecond)
	RecordBreakerTransition(ctx, "b", "closed", "open")
	RecordWarmupTask(ctx, "voices", "ok", time.Millisecond)
	RecordReloadFired(ctx, "models", "ok", time.Millisecond)
	RecordHealthCheck(ctx, "disk", true, time.Millisecond)
	RecordSynthesis(ctx, "primary", "ok", time.Millisecond, 0.2)
	RecordHTTP(ctx, "stats", http.StatusOK, time.Millisecond)
}

func TestPrometheusHandlerNotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	PrometheusHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
