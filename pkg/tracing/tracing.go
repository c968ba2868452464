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

const instrumentationName = "crowdlink"

// TracerProvider owns the exporter pipeline. The zero value is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "crowdlink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-backed global tracer provider. When tracing is
// disabled the global no-op provider stays in place and every span helper
// below is free.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	sampler := tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// Annotate adds attributes to the span carried by ctx, if it records.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span carried by ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	RoomIDKey    = attribute.Key("room.id")
	PeerIDKey    = attribute.Key("peer.id")
	MessageIDKey = attribute.Key("message.id")
	TierKey      = attribute.Key("quality.tier")
	StrategyKey  = attribute.Key("bridge.strategy")
	HopsKey      = attribute.Key("bridge.hops")
)

func TraceSend(ctx context.Context, roomID, messageID string) (context.Context, trace.Span) {
	return start(ctx, "session.send", trace.WithAttributes(
		RoomIDKey.String(roomID),
		MessageIDKey.String(messageID),
	))
}

// TraceNegotiation spans a direct-link handshake until open or failure.
func TraceNegotiation(ctx context.Context, peerID string, initiator bool) (context.Context, trace.Span) {
	return start(ctx, "link.negotiate", trace.WithAttributes(
		PeerIDKey.String(peerID),
		attribute.Bool("link.initiator", initiator),
	))
}

func TraceBridgeForward(ctx context.Context, messageID, strategy string, attempt int) (context.Context, trace.Span) {
	return start(ctx, "bridge.forward", trace.WithAttributes(
		MessageIDKey.String(messageID),
		StrategyKey.String(strategy),
		attribute.Int("bridge.attempt", attempt),
	))
}

func TraceRelayEnvelope(ctx context.Context, kind, roomID, peerID string) (context.Context, trace.Span) {
	return start(ctx, "relay."+kind, trace.WithAttributes(
		RoomIDKey.String(roomID),
		PeerIDKey.String(peerID),
	))
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}
