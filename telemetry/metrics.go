package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/voicekit/voicecache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	cacheRequestsTotal  metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheBytes          metric.Int64Gauge
	cacheEntries        metric.Int64Gauge

	loadsTotal       metric.Int64Counter
	loadDuration     metric.Float64Histogram
	loadsSharedTotal metric.Int64Counter

	tierOpsTotal   metric.Int64Counter
	tierOpDuration metric.Float64Histogram
	tierBytesTotal metric.Int64Counter

	warmupTasksTotal   metric.Int64Counter
	warmupTaskDuration metric.Float64Histogram
	warmupDroppedTotal metric.Int64Counter
	warmupQueueDepth   metric.Int64Gauge

	reloadEventsTotal metric.Int64Counter
	reloadFiredTotal  metric.Int64Counter
	reloadDuration    metric.Float64Histogram

	breakerTransitionsTotal metric.Int64Counter

	healthChecksTotal   metric.Int64Counter
	healthCheckDuration metric.Float64Histogram

	synthesisTotal    metric.Int64Counter
	synthesisDuration metric.Float64Histogram
	synthesisRTF      metric.Float64Histogram

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicecache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"voicecache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"voicecache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheRequestsTotal, err := meter.Int64Counter(
		"voicecache_cache_requests_total",
		metric.WithDescription("Cache lookups by cache name and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"voicecache_cache_evictions_total",
		metric.WithDescription("Entries evicted to satisfy cache bounds"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheBytes, err := meter.Int64Gauge(
		"voicecache_cache_bytes",
		metric.WithDescription("Tracked bytes per cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"voicecache_cache_entries",
		metric.WithDescription("Entry count per cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	loadsTotal, err := meter.Int64Counter(
		"voicecache_loads_total",
		metric.WithDescription("Loader invocations by cache and outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return err
	}

	loadDuration, err := meter.Float64Histogram(
		"voicecache_load_duration_seconds",
		metric.WithDescription("Loader invocation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	loadsSharedTotal, err := meter.Int64Counter(
		"voicecache_loads_shared_total",
		metric.WithDescription("Callers that shared another caller's in-flight load"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	tierOpsTotal, err := meter.Int64Counter(
		"voicecache_tier_ops_total",
		metric.WithDescription("Persistent tier operations by op and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	tierOpDuration, err := meter.Float64Histogram(
		"voicecache_tier_op_duration_seconds",
		metric.WithDescription("Duration of persistent tier operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	tierBytesTotal, err := meter.Int64Counter(
		"voicecache_tier_bytes_total",
		metric.WithDescription("Bytes transferred in persistent tier operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	warmupTasksTotal, err := meter.Int64Counter(
		"voicecache_warmup_tasks_total",
		metric.WithDescription("Warm-up tasks executed by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	warmupTaskDuration, err := meter.Float64Histogram(
		"voicecache_warmup_task_duration_seconds",
		metric.WithDescription("Warm-up task execution duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	warmupDroppedTotal, err := meter.Int64Counter(
		"voicecache_warmup_dropped_total",
		metric.WithDescription("Warm-up tasks dropped due to queue overflow"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	warmupQueueDepth, err := meter.Int64Gauge(
		"voicecache_warmup_queue_depth",
		metric.WithDescription("Pending warm-up tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	reloadEventsTotal, err := meter.Int64Counter(
		"voicecache_reload_events_total",
		metric.WithDescription("File change notifications observed for watched targets"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	reloadFiredTotal, err := meter.Int64Counter(
		"voicecache_reload_fired_total",
		metric.WithDescription("Debounced reload firings by outcome"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return err
	}

	reloadDuration, err := meter.Float64Histogram(
		"voicecache_reload_duration_seconds",
		metric.WithDescription("Duration of reload firings including callbacks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	breakerTransitionsTotal, err := meter.Int64Counter(
		"voicecache_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	healthChecksTotal, err := meter.Int64Counter(
		"voicecache_health_checks_total",
		metric.WithDescription("Health probe runs by check and result"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return err
	}

	healthCheckDuration, err := meter.Float64Histogram(
		"voicecache_health_check_duration_seconds",
		metric.WithDescription("Health probe run duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	synthesisTotal, err := meter.Int64Counter(
		"voicecache_synthesis_total",
		metric.WithDescription("Synthesis requests by path and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	synthesisDuration, err := meter.Float64Histogram(
		"voicecache_synthesis_duration_seconds",
		metric.WithDescription("End-to-end synthesis duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	synthesisRTF, err := meter.Float64Histogram(
		"voicecache_synthesis_rtf",
		metric.WithDescription("Synthesis real-time factor (processing time / audio duration)"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5),
	)
	if err != nil {
		return err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"voicecache_reaper_deleted_total",
		metric.WithDescription("Entries deleted by the tier reaper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	reaperDuration, err := meter.Float64Histogram(
		"voicecache_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		requestDuration:         requestDuration,
		cacheRequestsTotal:      cacheRequestsTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		cacheBytes:              cacheBytes,
		cacheEntries:            cacheEntries,
		loadsTotal:              loadsTotal,
		loadDuration:            loadDuration,
		loadsSharedTotal:        loadsSharedTotal,
		tierOpsTotal:            tierOpsTotal,
		tierOpDuration:          tierOpDuration,
		tierBytesTotal:          tierBytesTotal,
		warmupTasksTotal:        warmupTasksTotal,
		warmupTaskDuration:      warmupTaskDuration,
		warmupDroppedTotal:      warmupDroppedTotal,
		warmupQueueDepth:        warmupQueueDepth,
		reloadEventsTotal:       reloadEventsTotal,
		reloadFiredTotal:        reloadFiredTotal,
		reloadDuration:          reloadDuration,
		breakerTransitionsTotal: breakerTransitionsTotal,
		healthChecksTotal:       healthChecksTotal,
		healthCheckDuration:     healthCheckDuration,
		synthesisTotal:          synthesisTotal,
		synthesisDuration:       synthesisDuration,
		synthesisRTF:            synthesisRTF,
		reaperDeletedTotal:      reaperDeletedTotal,
		reaperDuration:          reaperDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordHTTP records HTTP request metrics.
func RecordHTTP(ctx context.Context, endpoint string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheAccess records one cache lookup. result is "hit" or "miss".
func RecordCacheAccess(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordCacheEvictions records entries evicted from a cache in one operation.
func RecordCacheEvictions(ctx context.Context, cache string, count int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("cache", cache),
	))
}

// UpdateCacheOccupancy updates the per-cache occupancy gauges.
func UpdateCacheOccupancy(ctx context.Context, cache string, bytes int64, entries int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	globalMetrics.cacheBytes.Record(ctx, bytes, attrs)
	globalMetrics.cacheEntries.Record(ctx, int64(entries), attrs)
}

// RecordLoad records one loader invocation. outcome is "ok", "error" or
// "tier_hit" (tier hits carry no loader duration).
func RecordLoad(ctx context.Context, cache, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("cache", cache),
		attribute.String("outcome", outcome),
	}
	globalMetrics.loadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		globalMetrics.loadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordLoadShared records a caller that received another caller's in-flight
// load result instead of invoking the loader.
func RecordLoadShared(ctx context.Context, cache string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.loadsSharedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
	))
}

// RecordTierOp records a persistent tier operation.
func RecordTierOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.tierOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.tierOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.tierBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordWarmupTask records one executed warm-up task.
func RecordWarmupTask(ctx context.Context, cache, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("cache", cache),
		attribute.String("outcome", outcome),
	}
	globalMetrics.warmupTasksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.warmupTaskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordWarmupDrop records tasks dropped due to queue overflow.
func RecordWarmupDrop(ctx context.Context, count int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.warmupDroppedTotal.Add(ctx, int64(count))
}

// UpdateWarmupQueueDepth updates the pending warm-up task gauge.
func UpdateWarmupQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.warmupQueueDepth.Record(ctx, int64(depth))
}

// RecordReloadEvent records one raw file change notification for a target.
func RecordReloadEvent(ctx context.Context, target string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reloadEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
	))
}

// RecordReloadFired records one debounced reload firing.
func RecordReloadFired(ctx context.Context, target, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.reloadFiredTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.reloadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.breakerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordHealthCheck records one health probe run.
func RecordHealthCheck(ctx context.Context, check string, healthy bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	attrs := []attribute.KeyValue{
		attribute.String("check", check),
		attribute.String("result", result),
	}
	globalMetrics.healthChecksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.healthCheckDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSynthesis records one synthesis request. path is "primary",
// "fallback" or "cached"; rtf may be zero when unknown.
func RecordSynthesis(ctx context.Context, path, outcome string, duration time.Duration, rtf float64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	}
	globalMetrics.synthesisTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.synthesisDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if rtf > 0 {
		globalMetrics.synthesisRTF.Record(ctx, rtf, metric.WithAttributes(attrs...))
	}
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
