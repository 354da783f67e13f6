//go:generate go tool github.com/maxbrunsfeld/counterfeiter/v6 -generate

package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/pkg/messaging"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

const (
	metricsNamespace = "svc_messaging"
)

type (
	//counterfeiter:generate -o ../mocks/metrics.go . Metrics

	Metrics interface {
		messaging.Recorder
		resilience.Observer

		RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, requestSize, responseSize int64)
		RecordOutboxEntry(ctx context.Context, outcome string)
		RecordUseCase(ctx context.Context, key string, value int)
		Handler() http.Handler
		Shutdown(ctx context.Context) error
	}

	OTELMetrics struct {
		meterProvider *sdkmetric.MeterProvider
		meter         metric.Meter
		handler       http.Handler
		logger        Logger

		httpRequestTotal       metric.Int64Counter
		httpRequestDuration    metric.Float64Histogram
		httpRequestSize        metric.Int64Histogram
		httpResponseSize       metric.Int64Histogram
		produceTotal           metric.Int64Counter
		produceDuration        metric.Float64Histogram
		deliveryTotal          metric.Int64Counter
		deliveryDuration       metric.Float64Histogram
		retryTotal             metric.Int64Counter
		retryDelay             metric.Float64Histogram
		exhaustedTotal         metric.Int64Counter
		breakerTransitionTotal metric.Int64Counter
		outboxEntryTotal       metric.Int64Counter
		useCaseTotal           metric.Int64Counter
	}
)

// NewMetrics returns the OTLP-backed metrics, or a no-op implementation when metrics are
// disabled. handler serves the scrape endpoint.
func NewMetrics(ctx context.Context, cfg config.ServiceConfig, handler http.Handler, logger Logger) (Metrics, error) {
	if !cfg.Telemetry.Metrics.Enabled {
		logger.Info().Msg("metrics disabled, using NoOp implementation")

		return &NoOpMetrics{}, nil
	}

	return NewOTELMetrics(ctx, cfg, handler, logger)
}

func NewOTELMetrics(ctx context.Context, cfg config.ServiceConfig, handler http.Handler, logger Logger) (*OTELMetrics, error) {
	endpoint := fmt.Sprintf("%s:%s", cfg.Telemetry.OtelGRPCHost, cfg.Telemetry.OtelGRPCPort)

	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTEL collector: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg.AppConfig)
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(meterProvider)

	provider, err := newOTELMetrics(meterProvider, cfg.AppConfig.ServiceVersion, handler, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("otel_endpoint", endpoint).
		Msg("OTEL metrics provider initialized successfully")

	return provider, nil
}

func newOTELMetrics(meterProvider *sdkmetric.MeterProvider, version string, handler http.Handler, logger Logger) (*OTELMetrics, error) {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	provider := &OTELMetrics{
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(metricsNamespace, metric.WithInstrumentationVersion(version)),
		handler:       handler,
		logger:        logger.Component("metrics"),
	}

	if err := provider.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return provider, nil
}

func newResource(ctx context.Context, app config.AppConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(app.ServiceName),
			semconv.ServiceVersionKey.String(app.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(app.CommitSHA),
			semconv.DeploymentEnvironmentKey.String(app.Env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}

func (om *OTELMetrics) initializeMetrics() error {
	var err error

	counters := []struct {
		target     *metric.Int64Counter
		name, desc string
		unit       string
	}{
		{&om.httpRequestTotal, "http_requests_total", "Total number of HTTP requests", "{request}"},
		{&om.produceTotal, "messaging_produce_total", "Total number of produce calls", "{message}"},
		{&om.deliveryTotal, "messaging_deliveries_total", "Total number of handled deliveries", "{message}"},
		{&om.retryTotal, "resilience_retries_total", "Total number of pipeline retries", "{retry}"},
		{&om.exhaustedTotal, "resilience_exhausted_total", "Total number of pipelines that spent their retry budget", "{call}"},
		{&om.breakerTransitionTotal, "resilience_breaker_transitions_total", "Total number of circuit breaker state changes", "{transition}"},
		{&om.outboxEntryTotal, "outbox_entries_total", "Total number of outbox entries handled", "{entry}"},
		{&om.useCaseTotal, "usecase_executions_total", "Total number of command and query executions", "{execution}"},
	}

	for _, c := range counters {
		*c.target, err = om.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		target     *metric.Float64Histogram
		name, desc string
	}{
		{&om.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&om.produceDuration, "messaging_produce_duration_seconds", "Produce latency in seconds, retries included"},
		{&om.deliveryDuration, "messaging_delivery_duration_seconds", "Handler duration in seconds"},
		{&om.retryDelay, "resilience_retry_delay_seconds", "Backoff delay before a retry in seconds"},
	}

	for _, h := range histograms {
		*h.target, err = om.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	om.httpRequestSize, err = om.meter.Int64Histogram(
		"http_request_size_bytes",
		metric.WithDescription("HTTP request size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_size_bytes histogram: %w", err)
	}

	om.httpResponseSize, err = om.meter.Int64Histogram(
		"http_response_size_bytes",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_response_size_bytes histogram: %w", err)
	}

	return nil
}

func (om *OTELMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	attrs := metric.WithAttributes(
		HTTPMethodAttr(method),
		HTTPPathAttr(path),
		HTTPStatusCodeAttr(statusCode),
	)

	om.httpRequestTotal.Add(ctx, 1, attrs)
	om.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
	om.httpRequestSize.Record(ctx, requestSize, metric.WithAttributes(HTTPMethodAttr(method), HTTPPathAttr(path)))
	om.httpResponseSize.Record(ctx, responseSize, attrs)
}

func (om *OTELMetrics) RecordProduce(ctx context.Context, topic string, elapsed time.Duration, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}

	attrs := metric.WithAttributes(
		TopicAttr(topic),
		OutcomeAttr(outcome),
		ErrorTypeAttr(ErrorType(err)),
	)

	om.produceTotal.Add(ctx, 1, attrs)
	om.produceDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (om *OTELMetrics) RecordDelivery(ctx context.Context, topic, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(TopicAttr(topic), OutcomeAttr(outcome))

	om.deliveryTotal.Add(ctx, 1, attrs)
	om.deliveryDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (om *OTELMetrics) RecordOutboxEntry(ctx context.Context, outcome string) {
	om.outboxEntryTotal.Add(ctx, 1, metric.WithAttributes(OutcomeAttr(outcome)))
}

func (om *OTELMetrics) RecordUseCase(ctx context.Context, key string, value int) {
	om.useCaseTotal.Add(ctx, int64(value), metric.WithAttributes(UseCaseAttr(key)))
}

func (om *OTELMetrics) OnRetry(key string, attempt int, err error, delay time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(FeatureKeyAttr(key), ErrorTypeAttr(ErrorType(err)))

	om.retryTotal.Add(ctx, 1, attrs)
	om.retryDelay.Record(ctx, delay.Seconds(), attrs)

	om.logger.Debug().
		Str("key", key).
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("retrying operation")
}

func (om *OTELMetrics) OnBreakerStateChange(key, from, to string) {
	om.breakerTransitionTotal.Add(context.Background(), 1,
		metric.WithAttributes(append(BreakerTransitionAttrs(from, to), FeatureKeyAttr(key))...),
	)

	om.logger.Warn().
		Str("key", key).
		Str("from", from).
		Str("to", to).
		Msg("circuit breaker state changed")
}

func (om *OTELMetrics) OnExhausted(key string, attempts int, err error) {
	om.exhaustedTotal.Add(context.Background(), 1,
		metric.WithAttributes(FeatureKeyAttr(key), ErrorTypeAttr(ErrorType(err))),
	)
}

func (om *OTELMetrics) Handler() http.Handler {
	return om.handler
}

func (om *OTELMetrics) Shutdown(ctx context.Context) error {
	if err := om.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}

	return nil
}
