package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// initTestProvider runs InitProvider against a private Prometheus registry and
// restores the OTel globals when the test ends.
func initTestProvider(t *testing.T, cfg ProviderConfig) (*Telemetry, *prometheus.Registry) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})

	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	tel, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, reg
}

func TestInitProvider_ResourceDescribesBackend(t *testing.T) {
	tel, _ := initTestProvider(t, ProviderConfig{
		ServiceVersion: "1.2.3",
		Transport:      "genai-live",
		Model:          "gemini-live-test",
	})

	want := map[attribute.Key]string{
		"service.name":    "liveconsult",
		"service.version": "1.2.3",
		AttrTransport:     "genai-live",
		AttrModel:         "gemini-live-test",
	}
	set := tel.Resource.Set()
	for k, v := range want {
		got, ok := set.Value(k)
		if !ok {
			t.Errorf("resource missing %s", k)
			continue
		}
		if got.AsString() != v {
			t.Errorf("resource %s = %q, want %q", k, got.AsString(), v)
		}
	}
}

func TestInitProvider_OmitsEmptyBackendAttributes(t *testing.T) {
	tel, _ := initTestProvider(t, ProviderConfig{})

	set := tel.Resource.Set()
	if _, ok := set.Value(AttrTransport); ok {
		t.Error("transport attribute set without a transport")
	}
	if _, ok := set.Value(AttrModel); ok {
		t.Error("model attribute set without a model")
	}
}

func TestInitProvider_MetricsExportThroughRegisterer(t *testing.T) {
	tel, reg := initTestProvider(t, ProviderConfig{Transport: "gemini-live"})
	if tel.Metrics == nil {
		t.Fatal("Telemetry.Metrics is nil")
	}

	tel.Metrics.ChunksSent.Add(context.Background(), 4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sent, transportLabel bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "liveconsult_audio_chunks_sent") {
			sent = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 4 {
				t.Errorf("chunks sent = %v, want 4", v)
			}
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == "gemini-live" {
					transportLabel = true
				}
			}
		}
	}
	if !sent {
		t.Error("chunks sent counter not exported to the registerer")
	}
	if !transportLabel {
		t.Error("transport resource attribute not exported")
	}
}

func TestInitProvider_SampleRatioFollowsParent(t *testing.T) {
	initTestProvider(t, ProviderConfig{TraceSampleRatio: 1e-12})
	tracer := otel.Tracer("liveconsult/test")

	_, root := tracer.Start(context.Background(), "consult.session")
	root.End()
	if root.SpanContext().IsSampled() {
		t.Error("root span sampled at a negligible ratio")
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)
	_, child := tracer.Start(ctx, "consult.turn")
	child.End()
	if !child.SpanContext().IsSampled() {
		t.Error("child of a sampled parent was dropped")
	}
}

func TestInitProvider_DefaultRatioSamplesEverything(t *testing.T) {
	initTestProvider(t, ProviderConfig{})

	_, span := otel.Tracer("liveconsult/test").Start(context.Background(), "consult.session")
	span.End()
	if !span.SpanContext().IsSampled() {
		t.Error("span dropped with the default ratio")
	}
}

func TestTelemetry_ShutdownIsIdempotent(t *testing.T) {
	tel, _ := initTestProvider(t, ProviderConfig{})

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	var nilTel *Telemetry
	if err := nilTel.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown: %v", err)
	}
}
