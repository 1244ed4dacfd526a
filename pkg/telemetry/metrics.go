package telemetry

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxInputSample = 256
)

var (
	attrAgentID    = attribute.Key("agent.id")
	attrAliasID    = attribute.Key("agent.alias_id")
	attrSessionID  = attribute.Key("agent.session_id")
	attrAgentInput = attribute.Key("agent.input")
	attrErrorKind  = attribute.Key("agent.error.kind")
	attrRequestErr = attribute.Key("agent.request.error")
)

type metrics struct {
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	firstChunk metric.Float64Histogram
	errors     metric.Float64Histogram
	traces     metric.Int64Counter
}

// RequestData captures what is recorded for one agent invocation.
type RequestData struct {
	AgentID   string
	AliasID   string
	SessionID string
	Input     string
	// Duration is the total latency; FirstChunk is zero when no chunk arrived.
	Duration   time.Duration
	FirstChunk time.Duration
	Traces     int
	// ErrorKind is "request" or "stream" when Error is set.
	ErrorKind string
	Error     error
}

func newMetrics(m meterProvider) (*metrics, error) {
	if m == nil {
		return &metrics{}, nil
	}
	requests, err := m.Int64Counter("agent.requests.total", metric.WithDescription("Total number of agent invocations."))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("agent.latency.ms", metric.WithDescription("Invocation end-to-end latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	firstChunk, err := m.Float64Histogram("agent.first_chunk.ms", metric.WithDescription("Latency until the first completion chunk in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	errorRate, err := m.Float64Histogram("agent.errors.rate", metric.WithDescription("Per-request error indicator (0 or 1)."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	traces, err := m.Int64Counter("agent.trace.events.total", metric.WithDescription("Trace events received from the agent stream."))
	if err != nil {
		return nil, err
	}
	return &metrics{
		requests:   requests,
		latency:    latency,
		firstChunk: firstChunk,
		errors:     errorRate,
		traces:     traces,
	}, nil
}

func (m *metrics) RecordRequest(ctx context.Context, data RequestData) {
	if m == nil || m.requests == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 6)
	if data.AgentID != "" {
		attrs = append(attrs, attrAgentID.String(data.AgentID))
	}
	if data.AliasID != "" {
		attrs = append(attrs, attrAliasID.String(data.AliasID))
	}
	if data.SessionID != "" {
		attrs = append(attrs, attrSessionID.String(data.SessionID))
	}
	if input := sanitizeSample(data.Input); input != "" {
		attrs = append(attrs, attrAgentInput.String(input))
	}
	errFlag := data.Error != nil
	if errFlag && data.ErrorKind != "" {
		attrs = append(attrs, attrErrorKind.String(data.ErrorKind))
	}
	attrs = append(attrs, attrRequestErr.Bool(errFlag))
	opt := metric.WithAttributes(attrs...)

	m.requests.Add(ctx, 1, opt)
	if data.Duration > 0 && m.latency != nil {
		m.latency.Record(ctx, float64(data.Duration.Milliseconds()), opt)
	}
	if data.FirstChunk > 0 && m.firstChunk != nil {
		m.firstChunk.Record(ctx, float64(data.FirstChunk.Milliseconds()), opt)
	}
	if data.Traces > 0 && m.traces != nil {
		m.traces.Add(ctx, int64(data.Traces), opt)
	}
	if m.errors != nil {
		if errFlag {
			m.errors.Record(ctx, 1, opt)
		} else {
			m.errors.Record(ctx, 0, opt)
		}
	}
}

func sanitizeSample(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if utf8.RuneCountInString(value) <= maxInputSample {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxInputSample])
}

// meterProvider is the subset of metric.Meter we rely on, which makes
// dependency injection straightforward in tests.
type meterProvider interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
}
