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
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/wolfeidau/media-relay"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	fetchAttemptsTotal metric.Int64Counter
	fetchDuration      metric.Float64Histogram

	searchTotal    metric.Int64Counter
	searchDuration metric.Float64Histogram

	compressionAttemptsTotal metric.Int64Counter
	compressionOutputBytes   metric.Float64Histogram

	relayTotal      metric.Int64Counter
	relayDuration   metric.Float64Histogram
	relayBytesTotal metric.Int64Counter

	backendFetchDuration   metric.Float64Histogram
	backendFetchTotal      metric.Int64Counter
	backendFetchBytesTotal metric.Int64Counter

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
		cfg.ServiceName = "media-relay"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"media_relay_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"media_relay_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"media_relay_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"media_relay_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchAttemptsTotal, err := meter.Int64Counter(
		"media_relay_fetch_attempts_total",
		metric.WithDescription("Total primary acquisition attempts by tier and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"media_relay_fetch_duration_seconds",
		metric.WithDescription("Duration of completed primary acquisitions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}

	searchTotal, err := meter.Int64Counter(
		"media_relay_directory_search_total",
		metric.WithDescription("Total directory searches by result"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		return err
	}

	searchDuration, err := meter.Float64Histogram(
		"media_relay_directory_search_duration_seconds",
		metric.WithDescription("Duration of directory searches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	compressionAttemptsTotal, err := meter.Int64Counter(
		"media_relay_compression_attempts_total",
		metric.WithDescription("Total re-encode attempts by kind and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	compressionOutputBytes, err := meter.Float64Histogram(
		"media_relay_compression_output_bytes",
		metric.WithDescription("Size of accepted compressed artifacts"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1048576, 4194304, 8388608, 16777216, 33554432, 52428800, 104857600),
	)
	if err != nil {
		return err
	}

	relayTotal, err := meter.Int64Counter(
		"media_relay_relay_total",
		metric.WithDescription("Total relay uploads by transfer method and outcome"),
		metric.WithUnit("{relay}"),
	)
	if err != nil {
		return err
	}

	relayDuration, err := meter.Float64Histogram(
		"media_relay_relay_duration_seconds",
		metric.WithDescription("Duration of relay uploads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	relayBytesTotal, err := meter.Int64Counter(
		"media_relay_relay_bytes_total",
		metric.WithDescription("Total bytes relayed to the durable store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	backendFetchDuration, err := meter.Float64Histogram(
		"media_relay_backend_request_duration_seconds",
		metric.WithDescription("Duration of messaging backend requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	backendFetchTotal, err := meter.Int64Counter(
		"media_relay_backend_requests_total",
		metric.WithDescription("Total number of messaging backend requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendFetchBytesTotal, err := meter.Int64Counter(
		"media_relay_backend_bytes_total",
		metric.WithDescription("Total bytes read from the messaging backend"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"media_relay_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	reaperDuration, err := meter.Float64Histogram(
		"media_relay_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:            requestsTotal,
		responseBytesTotal:       responseBytesTotal,
		requestDuration:          requestDuration,
		requestsByEndpointTotal:  requestsByEndpointTotal,
		fetchAttemptsTotal:       fetchAttemptsTotal,
		fetchDuration:            fetchDuration,
		searchTotal:              searchTotal,
		searchDuration:           searchDuration,
		compressionAttemptsTotal: compressionAttemptsTotal,
		compressionOutputBytes:   compressionOutputBytes,
		relayTotal:               relayTotal,
		relayDuration:            relayDuration,
		relayBytesTotal:          relayBytesTotal,
		backendFetchDuration:     backendFetchDuration,
		backendFetchTotal:        backendFetchTotal,
		backendFetchBytesTotal:   backendFetchBytesTotal,
		reaperDeletedTotal:       reaperDeletedTotal,
		reaperDuration:           reaperDuration,
		meterProvider:            mp,
		promHandler:              promHandler,
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
func RecordHTTP(ctx context.Context, r *http.Request, endpoint string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	statusClass := StatusClass(status)

	attrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesSent > 0 {
		globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	}

	if endpoint == "" {
		return
	}

	cacheResult := string(CacheNA)
	if tags := GetTags(r); tags != nil && tags.CacheResult != "" {
		cacheResult = string(tags.CacheResult)
	}

	detailAttrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
}

// RecordFetchAttempt records one primary acquisition attempt.
// outcome is one of "success", "format_unavailable", "rate_limited", "error".
func RecordFetchAttempt(ctx context.Context, kind string, tier int, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.Int("tier", tier),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fetchAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFetch records a completed primary acquisition.
func RecordFetch(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDirectorySearch records a directory search.
// result is one of "cache_hit", "shallow_hit", "deep_hit", "miss", "error".
func RecordDirectorySearch(ctx context.Context, result string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("result", result)}
	globalMetrics.searchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCompressionAttempt records one re-encode attempt.
// outcome is "accepted", "over_limit", or "failed".
func RecordCompressionAttempt(ctx context.Context, kind, codec, outcome string, outputBytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("codec", codec),
		attribute.String("outcome", outcome),
	}
	globalMetrics.compressionAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == "accepted" && outputBytes > 0 {
		globalMetrics.compressionOutputBytes.Record(ctx, float64(outputBytes), metric.WithAttributes(attrs...))
	}
}

// RecordRelay records a relay upload.
func RecordRelay(ctx context.Context, method, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("transfer_method", method),
		attribute.String("outcome", outcome),
	}
	globalMetrics.relayTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.relayDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.relayBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBackendRequest records a messaging backend request.
func RecordBackendRequest(ctx context.Context, backend string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.backendFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.backendFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordReaperCycle records a cleanup cycle for a reaper (artifact expiry,
// task retention).
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("reaper", reaper)}
	if deleted > 0 {
		globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), metric.WithAttributes(attrs...))
	}
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
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

// StatusClass returns the status class string for an HTTP status code.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// noopExporter collects metrics without exporting them anywhere.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
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
