package decorator

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/architeacher/svc-messaging/usecases"

type commandTracingDecorator[C any, R any] struct {
	base   CommandHandler[C, R]
	tracer otelTrace.Tracer
}

func (d commandTracingDecorator[C, R]) Handle(ctx context.Context, cmd C) (R, error) {
	ctx, span := d.tracer.Start(ctx, generateActionName(cmd), otelTrace.WithSpanKind(otelTrace.SpanKindInternal))
	defer span.End()

	result, err := d.base.Handle(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

type queryTracingDecorator[Q any, R any] struct {
	base   QueryHandler[Q, R]
	tracer otelTrace.Tracer
}

func (d queryTracingDecorator[Q, R]) Execute(ctx context.Context, q Q) (R, error) {
	ctx, span := d.tracer.Start(ctx, generateActionName(q))
	defer span.End()

	result, err := d.base.Execute(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}
