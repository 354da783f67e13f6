// Package decorator wraps use case handlers with logging, metrics and tracing.
package decorator

import (
	"context"
	"fmt"
	"strings"

	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/architeacher/svc-messaging/internal/infrastructure"
)

type (
	CommandHandler[C any, R any] interface {
		Handle(ctx context.Context, cmd C) (R, error)
	}

	QueryHandler[Q any, R any] interface {
		Execute(ctx context.Context, q Q) (R, error)
	}

	// MetricsClient counts use case outcomes by key.
	MetricsClient interface {
		Inc(key string, value int)
	}
)

func ApplyCommandDecorators[C any, R any](
	handler CommandHandler[C, R],
	logger infrastructure.Logger,
	tracerProvider otelTrace.TracerProvider,
	metricsClient MetricsClient,
) CommandHandler[C, R] {
	return commandLoggingDecorator[C, R]{
		base: commandMetricsDecorator[C, R]{
			base: commandTracingDecorator[C, R]{
				base:   handler,
				tracer: tracerProvider.Tracer(tracerName),
			},
			client: metricsClient,
		},
		logger: logger,
	}
}

func ApplyQueryDecorators[Q any, R any](
	handler QueryHandler[Q, R],
	logger infrastructure.Logger,
	tracerProvider otelTrace.TracerProvider,
	metricsClient MetricsClient,
) QueryHandler[Q, R] {
	return queryLoggingDecorator[Q, R]{
		base: queryMetricsDecorator[Q, R]{
			base: queryTracingDecorator[Q, R]{
				base:   handler,
				tracer: tracerProvider.Tracer(tracerName),
			},
			client: metricsClient,
		},
		logger: logger,
	}
}

// generateActionName turns "commands.PublishMessageCommand" into "PublishMessageCommand".
func generateActionName(handler any) string {
	name := fmt.Sprintf("%T", handler)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	return strings.TrimPrefix(name, "*")
}
