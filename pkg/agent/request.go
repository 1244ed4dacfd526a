package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godeps/agentchat/pkg/message"
)

// Request is one outbound call to the agent endpoint.
type Request struct {
	AgentID             string
	AliasID             string
	SessionID           string
	Prompt              string
	History             []message.Turn
	EnableTrace         bool
	StreamFinalResponse bool
}

// Validate checks the identifiers and prompt are present.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.AgentID) == "":
		return fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.AliasID) == "":
		return fmt.Errorf("%w: agent alias id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.SessionID) == "":
		return fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return nil
}

// Response is the outcome of a fully drained stream.
type Response struct {
	Completion        string
	FirstChunkLatency time.Duration
	TotalLatency      time.Duration
	// Chunks counts text chunk events; Traces counts trace events received,
	// whether or not they were forwarded.
	Chunks int
	Traces int
}

// Endpoint issues a streaming request to the remote agent.
type Endpoint interface {
	Invoke(ctx context.Context, req Request) (EventStream, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req Request) (EventStream, error)

// Invoke implements Endpoint.
func (f EndpointFunc) Invoke(ctx context.Context, req Request) (EventStream, error) {
	return f(ctx, req)
}

// Observer receives incremental progress for one invocation.
type Observer interface {
	// OnCompletion is called once per chunk with the text accumulated so far.
	OnCompletion(text string)
	// OnFirstChunk is called exactly once, when the first chunk arrives.
	OnFirstChunk(latency time.Duration)
	// OnDone is called exactly once, after the stream is exhausted.
	OnDone(total time.Duration)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	Completion func(text string)
	FirstChunk func(latency time.Duration)
	Done       func(total time.Duration)
}

func (o ObserverFuncs) OnCompletion(text string) {
	if o.Completion != nil {
		o.Completion(text)
	}
}

func (o ObserverFuncs) OnFirstChunk(latency time.Duration) {
	if o.FirstChunk != nil {
		o.FirstChunk(latency)
	}
}

func (o ObserverFuncs) OnDone(total time.Duration) {
	if o.Done != nil {
		o.Done(total)
	}
}

// TraceSink receives trace payloads for display. It must not block for long;
// the stream is paused while it runs.
type TraceSink interface {
	EmitTrace(ctx context.Context, sessionID string, trace Trace)
}

// TraceSinkFunc adapts a function to TraceSink.
type TraceSinkFunc func(ctx context.Context, sessionID string, trace Trace)

// EmitTrace implements TraceSink.
func (f TraceSinkFunc) EmitTrace(ctx context.Context, sessionID string, trace Trace) {
	f(ctx, sessionID, trace)
}
