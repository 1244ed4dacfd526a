package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/telemetry"
)

// TelemetryMiddleware wraps each invocation in an agent.invoke span and
// records request metrics. A nil manager falls back to telemetry.Default.
type TelemetryMiddleware struct {
	*BaseMiddleware
	mgr *telemetry.Manager
}

// NewTelemetryMiddleware builds the middleware with priority 100 so the span
// covers every other middleware.
func NewTelemetryMiddleware(mgr *telemetry.Manager) *TelemetryMiddleware {
	return &TelemetryMiddleware{BaseMiddleware: NewBaseMiddleware("telemetry", 100), mgr: mgr}
}

func (m *TelemetryMiddleware) manager() *telemetry.Manager {
	if m.mgr != nil {
		return m.mgr
	}
	return telemetry.Default()
}

func (m *TelemetryMiddleware) ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error) {
	if next == nil {
		return nil, ErrMissingNext
	}
	mgr := m.manager()
	if mgr == nil || req == nil {
		return next(ctx, req)
	}
	r := req.Request
	attrs := mgr.SanitizeAttributes(
		attribute.String("agent.id", r.AgentID),
		attribute.String("agent.alias_id", r.AliasID),
		attribute.String("agent.session_id", r.SessionID),
		attribute.Int("agent.history_turns", len(r.History)),
		attribute.Bool("agent.trace_enabled", r.EnableTrace),
	)
	ctx, span := mgr.StartSpan(ctx, "agent.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	resp, err := next(ctx, req)

	data := telemetry.RequestData{
		AgentID:   r.AgentID,
		AliasID:   r.AliasID,
		SessionID: r.SessionID,
		Input:     r.Prompt,
		Error:     err,
		ErrorKind: errorKind(err),
	}
	if resp != nil {
		data.Duration = resp.TotalLatency
		data.FirstChunk = resp.FirstChunkLatency
		data.Traces = resp.Traces
		span.SetAttributes(
			attribute.Int("agent.chunks", resp.Chunks),
			attribute.Int("agent.traces", resp.Traces),
			attribute.Int64("agent.first_chunk_ms", resp.FirstChunkLatency.Milliseconds()),
			attribute.Int64("agent.latency_ms", resp.TotalLatency.Milliseconds()),
		)
	}
	mgr.RecordRequest(ctx, data)
	telemetry.EndSpan(span, err)
	return resp, err
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case agent.IsRequestError(err):
		return "request"
	case agent.IsStreamError(err):
		return "stream"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
