package middleware

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/agent"
)

// LoggingMiddleware logs one line per invocation outcome.
type LoggingMiddleware struct {
	*BaseMiddleware
	logger zerolog.Logger
}

func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		BaseMiddleware: NewBaseMiddleware("logging", 80),
		logger:         logger.With().Str("component", "invoke").Logger(),
	}
}

func (m *LoggingMiddleware) ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error) {
	if next == nil {
		return nil, ErrMissingNext
	}
	resp, err := next(ctx, req)
	var evt *zerolog.Event
	if err != nil {
		evt = m.logger.Warn().Err(err).Str("kind", errorKind(err))
	} else {
		evt = m.logger.Info()
	}
	if req != nil {
		evt = evt.Str("session_id", req.Request.SessionID).Int("history_turns", len(req.Request.History))
	}
	if resp != nil {
		evt = evt.Int("chunks", resp.Chunks).
			Int("traces", resp.Traces).
			Dur("first_chunk", resp.FirstChunkLatency).
			Dur("total", resp.TotalLatency)
	}
	evt.Msg("agent invocation")
	return resp, err
}
