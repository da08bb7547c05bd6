package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Version: "v-test"},
		WithSpanProcessor(spans), WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, spans, reader
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled telemetry must not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_ResourceCarriesServiceAndVersion(t *testing.T) {
	p, spans, _ := recordingProvider(t)
	_, span := p.Tracer.Start(context.Background(), "scan.run")
	span.End()

	ended := spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	res := ended[0].Resource().Attributes()
	if v, ok := attrValue(res, "service.name"); !ok || v.AsString() != "inquest" {
		t.Fatalf("service.name = %v", v)
	}
	if v, ok := attrValue(res, "service.version"); !ok || v.AsString() != "v-test" {
		t.Fatalf("service.version = %v", v)
	}
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsEnabled: &off, SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.Meter == nil || p.TracerProvider == nil {
		t.Fatal("expected tracer provider and noop meter")
	}
}

func TestClientSpan_KindAttributesAndError(t *testing.T) {
	p, spans, _ := recordingProvider(t)

	_, span := StartClientSpan(context.Background(), p.Tracer, "reasoning.generate", AttrModel.String("gemini-2.5-flash"))
	EndSpan(span, errors.New("503 service unavailable"))
	_, ok := StartSpan(context.Background(), p.Tracer, "agent.run", AttrAgentID.String("data_quality"))
	EndSpan(ok, nil)

	ended := spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	client := ended[0]
	if client.SpanKind() != trace.SpanKindClient {
		t.Fatalf("kind = %v", client.SpanKind())
	}
	if v, _ := attrValue(client.Attributes(), AttrModel); v.AsString() != "gemini-2.5-flash" {
		t.Fatalf("model attr = %v", v)
	}
	if client.Status().Code != codes.Error || len(client.Events()) == 0 {
		t.Fatalf("expected error status and recorded event, got %+v", client.Status())
	}
	if ended[1].SpanKind() != trace.SpanKindInternal || ended[1].Status().Code == codes.Error {
		t.Fatalf("internal span = %v %+v", ended[1].SpanKind(), ended[1].Status())
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), nil, "orphan")
	EndSpan(span, errors.New("ignored"))
}

func TestMetrics_RecordLLMCallExportsTokensAndCost(t *testing.T) {
	p, _, reader := recordingProvider(t)
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordLLMCall(ctx, "gpt-4o", 50*time.Millisecond, 100, 20, 0.0005)
	m.RecordLLMCall(ctx, "gpt-4o", 10*time.Millisecond, 10, 5, 0)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "inquest.llm.tokens":
				sum := md.Data.(metricdata.Sum[int64])
				if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 135 {
					t.Fatalf("tokens = %+v", sum.DataPoints)
				}
			case "inquest.llm.cost":
				sum := md.Data.(metricdata.Sum[float64])
				if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 0.0005 {
					t.Fatalf("cost = %+v", sum.DataPoints)
				}
			}
		}
	}
	for _, name := range []string{"inquest.llm.tokens", "inquest.llm.cost", "inquest.llm.duration"} {
		if !found[name] {
			t.Errorf("metric %s not exported", name)
		}
	}
}
