package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/agent"
)

type eventStream struct {
	reader eventReader
	logger zerolog.Logger
}

func newEventStream(reader eventReader, logger zerolog.Logger) *eventStream {
	return &eventStream{reader: reader, logger: logger}
}

// Recv blocks for the next chunk or trace member. Other members (files,
// return control) are skipped.
func (s *eventStream) Recv(ctx context.Context) (agent.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return agent.Event{}, ctx.Err()
		case evt, ok := <-s.reader.Events():
			if !ok {
				if err := s.reader.Err(); err != nil {
					return agent.Event{}, err
				}
				return agent.Event{}, io.EOF
			}
			switch v := evt.(type) {
			case *types.ResponseStreamMemberChunk:
				return agent.Event{Kind: agent.EventChunk, Chunk: v.Value.Bytes}, nil
			case *types.ResponseStreamMemberTrace:
				return agent.TraceEvent(encodeTrace(v.Value)), nil
			default:
				s.logger.Debug().Str("member", fmt.Sprintf("%T", evt)).Msg("skipping stream member")
			}
		}
	}
}

func (s *eventStream) Close() error {
	return s.reader.Close()
}

func encodeTrace(part types.TracePart) json.RawMessage {
	raw, err := json.Marshal(part)
	if err == nil {
		return raw
	}
	fallback, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"repr":  fmt.Sprintf("%+v", part),
	})
	return fallback
}
