package agent

import "context"

type traceSinkKey struct{}

// ContextWithTraceSink scopes sink to a single invocation. It is picked up
// by the sink returned from ContextTraceSink.
func ContextWithTraceSink(ctx context.Context, sink TraceSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, traceSinkKey{}, sink)
}

// TraceSinkFromContext returns the sink installed by ContextWithTraceSink.
func TraceSinkFromContext(ctx context.Context) (TraceSink, bool) {
	sink, ok := ctx.Value(traceSinkKey{}).(TraceSink)
	return sink, ok && sink != nil
}

// ContextTraceSink forwards each trace to the sink carried by the
// invocation context, if any. Front-ends use it to render traces for the
// request they started without sharing a global callback.
func ContextTraceSink() TraceSink {
	return TraceSinkFunc(func(ctx context.Context, sessionID string, trace Trace) {
		if sink, ok := TraceSinkFromContext(ctx); ok {
			sink.EmitTrace(ctx, sessionID, trace)
		}
	})
}
