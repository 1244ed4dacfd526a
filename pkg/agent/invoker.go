package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InvokeFunc is the shape of one invocation; wrappers decorate it.
type InvokeFunc func(ctx context.Context, req Request, obs Observer) (*Response, error)

// Wrapper decorates an InvokeFunc, e.g. with tracing or metrics.
type Wrapper func(next InvokeFunc) InvokeFunc

// Option configures an Invoker.
type Option func(*Invoker)

// WithTraceSink forwards trace events to sink when a request enables tracing.
func WithTraceSink(sink TraceSink) Option {
	return func(inv *Invoker) { inv.sink = sink }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(inv *Invoker) {
		if now != nil {
			inv.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(inv *Invoker) { inv.logger = logger.With().Str("component", "invoker").Logger() }
}

// WithWrapper adds a decorator around every invocation. Wrappers added first
// end up innermost.
func WithWrapper(w Wrapper) Option {
	return func(inv *Invoker) {
		if w != nil {
			inv.wrappers = append(inv.wrappers, w)
		}
	}
}

// Invoker sends one request per call and drains its response stream.
type Invoker struct {
	endpoint Endpoint
	sink     TraceSink
	now      func() time.Time
	logger   zerolog.Logger
	wrappers []Wrapper
}

// NewInvoker builds an Invoker over endpoint.
func NewInvoker(endpoint Endpoint, opts ...Option) *Invoker {
	inv := &Invoker{
		endpoint: endpoint,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke sends req and blocks until the response stream is exhausted or
// fails. obs may be nil.
func (inv *Invoker) Invoke(ctx context.Context, req Request, obs Observer) (*Response, error) {
	handler := inv.invoke
	for _, w := range inv.wrappers {
		handler = w(handler)
	}
	return handler(ctx, req, obs)
}

func (inv *Invoker) invoke(ctx context.Context, req Request, obs Observer) (*Response, error) {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	if inv.endpoint == nil {
		return nil, &RequestError{AgentID: req.AgentID, AliasID: req.AliasID, Err: errors.New("agent: endpoint is nil")}
	}
	if err := req.Validate(); err != nil {
		return nil, &RequestError{AgentID: req.AgentID, AliasID: req.AliasID, Err: err}
	}

	log := inv.logger.With().Str("session_id", req.SessionID).Logger()
	start := inv.now()
	log.Debug().Int("history_turns", len(req.History)).Bool("trace", req.EnableTrace).Msg("invoking agent")

	stream, err := inv.endpoint.Invoke(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("invoke failed")
		return nil, &RequestError{AgentID: req.AgentID, AliasID: req.AliasID, Err: err}
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("close stream")
		}
	}()

	var (
		completion strings.Builder
		resp       Response
	)
	for {
		evt, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("chunks", resp.Chunks).Msg("stream failed")
			return nil, &StreamError{Partial: completion.String(), Chunks: resp.Chunks, Err: err}
		}

		switch evt.Kind {
		case EventTrace:
			resp.Traces++
			if req.EnableTrace && inv.sink != nil {
				inv.sink.EmitTrace(ctx, req.SessionID, evt.Trace)
			}
		case EventChunk:
			if resp.Chunks == 0 {
				resp.FirstChunkLatency = inv.now().Sub(start)
				obs.OnFirstChunk(resp.FirstChunkLatency)
				log.Debug().Dur("latency", resp.FirstChunkLatency).Msg("first chunk")
			}
			resp.Chunks++
			completion.Write(evt.Chunk)
			obs.OnCompletion(completion.String())
		}
	}

	resp.TotalLatency = inv.now().Sub(start)
	resp.Completion = completion.String()
	obs.OnDone(resp.TotalLatency)
	log.Debug().Dur("total", resp.TotalLatency).Int("chunks", resp.Chunks).Int("traces", resp.Traces).Msg("stream complete")
	return &resp, nil
}

// MultiTraceSink fans a trace out to every non-nil sink in order.
func MultiTraceSink(sinks ...TraceSink) TraceSink {
	live := make([]TraceSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return TraceSinkFunc(func(ctx context.Context, sessionID string, trace Trace) {
		for _, s := range live {
			s.EmitTrace(ctx, sessionID, trace)
		}
	})
}
