package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ahrav/go-concord/infrastructure/llm"

type traced struct {
	Provider
	backend string
	tracer  trace.Tracer
}

// TracingMiddleware opens a client span per attempt on the global tracer
// provider.
func TracingMiddleware(backend string) Middleware {
	return TracingMiddlewareWithProvider(backend, otel.GetTracerProvider())
}

// TracingMiddlewareWithProvider is TracingMiddleware on tp.
func TracingMiddlewareWithProvider(backend string, tp trace.TracerProvider) Middleware {
	tracer := tp.Tracer(tracerName)
	return func(next Provider) Provider {
		return &traced{Provider: next, backend: backend, tracer: tracer}
	}
}

func (t *traced) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, span := t.tracer.Start(ctx, "backend.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.name", t.backend),
			attribute.String("llm.model", t.Model()),
			attribute.Int("llm.prompt.length", len(req.System)+len(req.Prompt)),
			attribute.Bool("llm.json", req.JSON),
		),
	)
	defer span.End()

	resp, err := t.Provider.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, callStatus(err))
		return resp, err
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.TokensIn),
		attribute.Int("llm.tokens.output", resp.TokensOut),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
