package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/telemetry"
)

func newTestManager(t *testing.T) (*telemetry.Manager, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	exporter := tracetest.NewInMemoryExporter()
	mgr, err := telemetry.NewManager(telemetry.Config{
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter))),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, exporter, reader
}

func TestTelemetryMiddlewareRecordsSpanAndMetrics(t *testing.T) {
	mgr, exporter, reader := newTestManager(t)
	mw := NewTelemetryMiddleware(mgr)
	req := &InvokeRequest{Request: traceRequest("tele-1")}

	resp, err := mw.ExecuteInvoke(context.Background(), req, func(context.Context, *InvokeRequest) (*agent.Response, error) {
		return &agent.Response{Completion: "ok", Chunks: 1, Traces: 2, FirstChunkLatency: 20 * time.Millisecond, TotalLatency: 50 * time.Millisecond}, nil
	})
	if err != nil || resp.Completion != "ok" {
		t.Fatalf("unexpected result %+v %v", resp, err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "agent.invoke" {
		t.Fatalf("expected agent.invoke span, got %+v", spans)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[0].Status.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = true
		}
	}
	for _, name := range []string{"agent.requests.total", "agent.latency.ms", "agent.first_chunk.ms", "agent.trace.events.total"} {
		if !found[name] {
			t.Fatalf("metric %s missing, have %v", name, found)
		}
	}
}

func TestTelemetryMiddlewareMarksErrors(t *testing.T) {
	mgr, exporter, _ := newTestManager(t)
	mw := NewTelemetryMiddleware(mgr)
	boom := &agent.RequestError{AgentID: "A", AliasID: "B", Err: errors.New("denied")}
	_, err := mw.ExecuteInvoke(context.Background(), &InvokeRequest{Request: traceRequest("tele-2")}, func(context.Context, *InvokeRequest) (*agent.Response, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error span, got %+v", spans)
	}
}

func TestTelemetryMiddlewareWithoutManager(t *testing.T) {
	telemetry.SetDefault(nil)
	mw := NewTelemetryMiddleware(nil)
	called := false
	_, err := mw.ExecuteInvoke(context.Background(), &InvokeRequest{}, func(context.Context, *InvokeRequest) (*agent.Response, error) {
		called = true
		return &agent.Response{}, nil
	})
	if err != nil || !called {
		t.Fatalf("expected passthrough, err=%v called=%v", err, called)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&agent.RequestError{Err: errors.New("x")}, "request"},
		{&agent.StreamError{Err: errors.New("x")}, "stream"},
		{context.Canceled, "canceled"},
		{errors.New("x"), "other"},
	}
	for _, tc := range cases {
		if got := errorKind(tc.err); got != tc.want {
			t.Fatalf("errorKind(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestLoggingMiddlewareWritesOutcome(t *testing.T) {
	var buf bytes.Buffer
	mw := NewLoggingMiddleware(zerolog.New(&buf))
	_, _ = mw.ExecuteInvoke(context.Background(), &InvokeRequest{Request: traceRequest("log-1")}, func(context.Context, *InvokeRequest) (*agent.Response, error) {
		return &agent.Response{Chunks: 3}, nil
	})
	_, _ = mw.ExecuteInvoke(context.Background(), &InvokeRequest{Request: traceRequest("log-1")}, func(context.Context, *InvokeRequest) (*agent.Response, error) {
		return nil, &agent.StreamError{Err: errors.New("reset")}
	})
	out := buf.String()
	for _, needle := range []string{`"session_id":"log-1"`, `"chunks":3`, `"kind":"stream"`, `"level":"warn"`} {
		if !strings.Contains(out, needle) {
			t.Fatalf("log output missing %s: %s", needle, out)
		}
	}
}
