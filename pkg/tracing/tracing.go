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

const instrumentation = "fleetdesk"

// Span attributes shared by the operator and relay.
var (
	AgentIDKey     = attribute.Key("agent.id")
	CommandIDKey   = attribute.Key("command.id")
	CommandKindKey = attribute.Key("command.kind")
	SessionModeKey = attribute.Key("session.mode")
	TopicKey       = attribute.Key("relay.topic")
	FrameTypeKey   = attribute.Key("relay.frame_type")
	TableKey       = attribute.Key("store.table")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Provider owns the SDK tracer provider. A disabled Provider leaves the
// global no-op provider in place.
type Provider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed global tracer provider and the W3C
// propagators when cfg.Enabled is set.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
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

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanAttributes sets attrs on the span in ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the span in ctx and marks the span failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetStatus(code, description)
	}
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceRelayFrame spans one frame handled by the relay hub.
func TraceRelayFrame(ctx context.Context, frameType, topic string) (context.Context, trace.Span) {
	return start(ctx, "relay."+frameType, FrameTypeKey.String(frameType), TopicKey.String(topic))
}

// TraceWebRTC spans a negotiation step of an agent session.
func TraceWebRTC(ctx context.Context, operation, agentID string) (context.Context, trace.Span) {
	return start(ctx, "webrtc."+operation, AgentIDKey.String(agentID))
}

func TraceCommand(ctx context.Context, kind, agentID string) (context.Context, trace.Span) {
	return start(ctx, "command.issue", CommandKindKey.String(kind), AgentIDKey.String(agentID))
}

// TraceStoreOperation spans a write to a store table.
func TraceStoreOperation(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return start(ctx, "store."+operation, TableKey.String(table))
}
