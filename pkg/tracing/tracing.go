package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the SDK tracer provider; a disabled Provider is a no-op.
type Provider struct {
	sdk *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	// SampleRate applies to root spans; children follow their parent.
	SampleRate float64
	// UserID tags every span exported by this client.
	UserID string
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "livebid",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs the global tracer provider and propagator.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.UserID != "" {
		attrs = append(attrs, UserIDKey.String(cfg.UserID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{sdk: sdk}, nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("livebid").Start(ctx, name, opts...)
}

// AddSpanAttributes tags the span carried by ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

var (
	SessionIDKey  = attribute.Key("session.id")
	UserIDKey     = attribute.Key("user.id")
	RequestIDKey  = attribute.Key("request.id")
	EventKey      = attribute.Key("signal.event")
	ConsumerIDKey = attribute.Key("consumer.id")
	LayerKey      = attribute.Key("layer")
)

// TraceHTTPRequest traces an HTTP request
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignalRequest traces one correlated request on the control channel.
func TraceSignalRequest(ctx context.Context, event, requestID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s", event),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			EventKey.String(event),
			RequestIDKey.String(requestID),
		),
	)
}

// TraceMedia traces a media negotiation step
func TraceMedia(ctx context.Context, operation string, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("media.%s", operation),
		trace.WithAttributes(
			attribute.String("media.operation", operation),
			SessionIDKey.String(sessionID),
		),
	)
}

// TraceAuction traces an auction action
func TraceAuction(ctx context.Context, action string, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("auction.%s", action),
		trace.WithAttributes(
			attribute.String("auction.action", action),
			SessionIDKey.String(sessionID),
		),
	)
}

// EndSpan records err on span if non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
