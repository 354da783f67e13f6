package infrastructure

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/architeacher/svc-messaging/internal/config"
)

const (
	exporterStdout = "stdout"
	exporterGRPC   = "grpc"
)

// Tracing owns the process tracer provider.
type Tracing struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

func (t *Tracing) Provider() trace.TracerProvider {
	return t.provider
}

func (t *Tracing) Shutdown(ctx context.Context) error {
	if err := t.shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}

// NewTracing installs the global tracer provider and the W3C propagator.
func NewTracing(ctx context.Context, cfg config.ServiceConfig, logger Logger) (*Tracing, error) {
	if !cfg.Telemetry.Traces.Enabled {
		logger.Info().Msg("traces disabled, using NoOp tracer provider")

		return &Tracing{
			provider: noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := newSpanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg.AppConfig)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.Traces.SamplerRatio))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("exporter", cfg.Telemetry.ExporterType).
		Float64("sampler_ratio", cfg.Telemetry.Traces.SamplerRatio).
		Msg("OTEL tracer provider initialized successfully")

	return &Tracing{provider: provider, shutdown: provider.Shutdown}, nil
}

func newSpanExporter(ctx context.Context, cfg config.Telemetry) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.ExporterType) {
	case exporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout span exporter: %w", err)
		}

		return exporter, nil
	case exporterGRPC, "":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(fmt.Sprintf("%s:%s", cfg.OtelGRPCHost, cfg.OtelGRPCPort)),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP span exporter: %w", err)
		}

		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.ExporterType)
	}
}
