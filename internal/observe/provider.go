package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the interview station.
const (
	AttrVoiceAgent = attribute.Key("insightflow.voice_agent")
	AttrVoiceModel = attribute.Key("insightflow.voice_model")
	AttrPlanTitle  = attribute.Key("insightflow.plan.title")
)

// ProviderConfig describes this process to the telemetry backends.
type ProviderConfig struct {
	// ServiceName defaults to "insightflow".
	ServiceName string

	ServiceVersion string

	// InstanceID tells concurrently running interview stations apart. A random
	// ID is generated when empty.
	InstanceID string

	// VoiceAgent is the registered name of the remote voice agent provider,
	// such as "gemini-live".
	VoiceAgent string

	// VoiceModel is the voice agent model.
	VoiceModel string

	// PlanTitle is the title of the research plan this process runs.
	PlanTitle string

	// TraceExporter receives batched spans. Without one, spans still carry
	// trace IDs into the logs but are never exported.
	TraceExporter sdktrace.SpanExporter
}

// newResource builds the resource shared by the meter and tracer providers.
// Empty optional fields are left out. OTEL_RESOURCE_ATTRIBUTES and
// OTEL_SERVICE_NAME override anything set here.
func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "insightflow"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.VoiceAgent != "" {
		attrs = append(attrs, AttrVoiceAgent.String(cfg.VoiceAgent))
	}
	if cfg.VoiceModel != "" {
		attrs = append(attrs, AttrVoiceModel.String(cfg.VoiceModel))
	}
	if cfg.PlanTitle != "" {
		attrs = append(attrs, AttrPlanTitle.String(cfg.PlanTitle))
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		// A failed host lookup still leaves a usable resource.
		return res, nil
	}
	return res, err
}

// InitProvider registers global OTel meter and tracer providers for one
// interview process. Metrics go to a Prometheus reader served on /metrics;
// spans go to cfg.TraceExporter when set.
//
// The returned shutdown flushes both providers. Call it before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
