package agent

import (
	"context"
	"encoding/json"
	"io"
)

// EventKind tags a stream event.
type EventKind int

const (
	// EventChunk carries an incremental fragment of the answer text.
	EventChunk EventKind = iota + 1
	// EventTrace carries an opaque diagnostic payload describing the
	// remote agent's internal steps.
	EventTrace
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Trace is an opaque diagnostic payload, JSON encoded.
type Trace json.RawMessage

// MarshalJSON keeps the payload verbatim.
func (t Trace) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return []byte(t), nil
}

// Event is one element of a response stream.
type Event struct {
	Kind  EventKind
	Chunk []byte
	Trace Trace
}

// ChunkEvent builds a text chunk event.
func ChunkEvent(text string) Event {
	return Event{Kind: EventChunk, Chunk: []byte(text)}
}

// TraceEvent builds a trace event from a JSON payload.
func TraceEvent(payload json.RawMessage) Event {
	return Event{Kind: EventTrace, Trace: Trace(payload)}
}

// EventStream is a pull-based source of response events. Recv blocks until
// the next event is available and returns io.EOF once the stream is
// exhausted. Events are delivered strictly in order.
type EventStream interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// SliceStream replays a fixed sequence of events, then returns Err (or
// io.EOF when Err is nil).
type SliceStream struct {
	Events []Event
	Err    error

	pos    int
	closed bool
}

// NewSliceStream returns a stream over events.
func NewSliceStream(events ...Event) *SliceStream {
	return &SliceStream{Events: events}
}

// Recv implements EventStream.
func (s *SliceStream) Recv(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos < len(s.Events) {
		evt := s.Events[s.pos]
		s.pos++
		return evt, nil
	}
	if s.Err != nil {
		return Event{}, s.Err
	}
	return Event{}, io.EOF
}

// Close implements EventStream.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool { return s.closed }
