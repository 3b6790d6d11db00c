package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the consultation backend.
const (
	AttrTransport = attribute.Key("liveconsult.transport")
	AttrModel     = attribute.Key("gen_ai.request.model")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "liveconsult".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// Transport and Model describe the configured backend. They are attached
	// to the resource so every exported series and span carries them.
	Transport string
	Model     string

	// TraceSampleRatio is the fraction of new traces recorded. Values outside
	// (0, 1) record every trace. Child spans follow their parent's decision.
	TraceSampleRatio float64

	// TraceExporter receives finished spans. When nil, spans are recorded
	// for context propagation and correlation IDs but not exported.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collectors. When nil, the default
	// Prometheus registry is used, which is what promhttp.Handler serves.
	Registerer prometheus.Registerer
}

// Telemetry is the installed SDK state returned by [InitProvider].
type Telemetry struct {
	// Metrics holds the liveconsult instruments, bound to the Prometheus
	// backed meter provider.
	Metrics *Metrics

	// Resource is the resource attached to every series and span.
	Resource *resource.Resource

	closers []func(context.Context) error
}

// Shutdown flushes and stops the providers in reverse order of creation.
// Later calls are no-ops, as is a call on a nil *Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// InitProvider builds the metric and trace providers for liveconsult,
// installs them as the OTel globals together with a W3C trace-context
// propagator, and returns the instruments bound to them.
//
// Metrics are exported through a Prometheus reader so /metrics serves them.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "liveconsult"
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tel := &Telemetry{Resource: res}

	mp, err := newMeterProvider(res, cfg.Registerer)
	if err != nil {
		return nil, err
	}
	tel.closers = append(tel.closers, mp.Shutdown)

	if tel.Metrics, err = NewMetrics(mp); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}

	tp := newTracerProvider(res, cfg)
	tel.closers = append(tel.closers, tp.Shutdown)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tel, nil
}

func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Transport != "" {
		attrs = append(attrs, AttrTransport.String(cfg.Transport))
	}
	if cfg.Model != "" {
		attrs = append(attrs, AttrModel.String(cfg.Model))
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(res *resource.Resource, reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	var opts []promexporter.Option
	if reg != nil {
		opts = append(opts, promexporter.WithRegisterer(reg))
	}
	exp, err := promexporter.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	sampler := sdktrace.AlwaysSample()
	if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.TraceIDRatioBased(r)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}
