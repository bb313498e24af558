package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures the distributed tracing backend. Leaving Endpoint
// empty disables exporting; spans are still created but go nowhere.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP/gRPC collector address, e.g. "localhost:4317"
	SamplingRate   float64
	Insecure       bool
}

// Tracer wraps an OpenTelemetry tracer with the span helpers the
// chat-turn manager, tool executor, and REST layer use.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a Tracer from config, returning a no-op shutdown func
// when tracing is disabled or the exporter fails to construct (tracing
// is always best-effort; it must never block startup).
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ponderer-backend"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// Start begins a span and returns the span-bearing context.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError marks span as failed, if err is non-nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceTurn starts a span for one chat-turn iteration.
func (t *Tracer) TraceTurn(ctx context.Context, conversationID string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, "chatturn.iteration", trace.SpanKindInternal,
		attribute.String("conversation.id", conversationID),
		attribute.Int("turn.iteration", iteration),
	)
}

// TraceLLMRequest starts a span for one chat-completion call.
func (t *Tracer) TraceLLMRequest(ctx context.Context, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("llm.%s", model), trace.SpanKindClient,
		attribute.String("llm.model", model),
	)
}

// TraceToolExecution starts a span for one tool dispatch.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
	)
}

// TraceHTTPRequest starts a span for one REST request.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("http.%s %s", method, path), trace.SpanKindServer,
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
}
