package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/chat"
	"github.com/godeps/agentchat/pkg/message"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/reset", s.handleReset)
	mux.HandleFunc("/v1/history", s.handleHistory)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "method_not_allowed", Message: http.StatusText(http.StatusMethodNotAllowed)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat streams one exchange. Events are completion (text delta),
// trace, first_chunk, done and error; a ping keeps idle proxies open.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "method_not_allowed", Message: "only POST is supported"})
		return
	}
	var req chatRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Message: err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "missing_prompt", Message: "prompt is required"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "stream_unavailable", Message: "response writer does not support streaming"})
		return
	}
	conv, err := s.Conversation(req.SessionID)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_session", Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	defer cancel()

	sessionID := conv.SessionID()
	events := s.runExchange(ctx, conv, sessionID, req.Prompt)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Debug().Err(err).Str("event", evt.Type).Msg("write event")
				cancel()
				continue
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// runExchange submits prompt in the background and returns the event feed.
// The channel is closed once the exchange has finished; the caller must
// drain it.
func (s *Server) runExchange(ctx context.Context, conv *chat.Conversation, sessionID, prompt string) <-chan streamEvent {
	events := make(chan streamEvent, 64)
	emit := func(evt streamEvent) { events <- evt }

	go func() {
		defer close(events)
		var sent int
		obs := agent.ObserverFuncs{
			Completion: func(text string) {
				if len(text) > sent {
					emit(streamEvent{Type: "completion", Data: completionPayload{Delta: text[sent:]}})
					sent = len(text)
				}
			},
			FirstChunk: func(latency time.Duration) {
				emit(streamEvent{Type: "first_chunk", Data: latencyPayload{LatencyMS: latency.Milliseconds()}})
			},
		}
		sink := agent.TraceSinkFunc(func(_ context.Context, _ string, trace agent.Trace) {
			emit(streamEvent{Type: "trace", Data: trace})
		})

		resp, err := conv.Submit(agent.ContextWithTraceSink(ctx, sink), prompt, obs)
		if err != nil {
			s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("exchange failed")
			emit(streamEvent{Type: "error", Data: failurePayload(err)})
			return
		}
		emit(streamEvent{Type: "done", Data: donePayload{
			SessionID:    sessionID,
			Completion:   resp.Completion,
			FirstChunkMS: resp.FirstChunkLatency.Milliseconds(),
			TotalMS:      resp.TotalLatency.Milliseconds(),
			Chunks:       resp.Chunks,
			Traces:       resp.Traces,
		}})
	}()
	return events
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "method_not_allowed", Message: "only POST is supported"})
		return
	}
	var req sessionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Message: err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "missing_session", Message: "session_id is required"})
		return
	}
	conv, err := s.Conversation(req.SessionID)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_session", Message: err.Error()})
		return
	}
	if err := conv.Reset(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "reset_failed", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": conv.SessionID(), "status": "reset"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "method_not_allowed", Message: "only GET is supported"})
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "missing_session", Message: "session_id is required"})
		return
	}
	conv, ok := s.lookup(id)
	if !ok {
		var err error
		if conv, err = s.Conversation(id); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_session", Message: err.Error()})
			return
		}
	}
	turns, err := conv.Transcript()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "history_failed", Message: err.Error()})
		return
	}
	if turns == nil {
		turns = message.Transcript{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{SessionID: conv.SessionID(), Turns: turns})
}

func (s *Server) decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()
	reader := io.LimitReader(r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSSE(w io.Writer, evt streamEvent) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

func failurePayload(err error) errorResponse {
	out := errorResponse{Code: "internal", Message: err.Error()}
	var streamErr *agent.StreamError
	switch {
	case errors.As(err, &streamErr):
		out.Code = "stream_failed"
		out.Partial = streamErr.Partial
	case agent.IsRequestError(err):
		out.Code = "request_failed"
	case errors.Is(err, chat.ErrClosed):
		out.Code = "closed"
	}
	return out
}

// ---------------------- request / response payloads ----------------------

type chatRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type streamEvent struct {
	Type string
	Data any
}

type completionPayload struct {
	Delta string `json:"delta"`
}

type latencyPayload struct {
	LatencyMS int64 `json:"latency_ms"`
}

type donePayload struct {
	SessionID    string `json:"session_id"`
	Completion   string `json:"completion"`
	FirstChunkMS int64  `json:"first_chunk_ms"`
	TotalMS      int64  `json:"total_ms"`
	Chunks       int    `json:"chunks"`
	Traces       int    `json:"traces"`
}

type historyResponse struct {
	SessionID string             `json:"session_id"`
	Turns     message.Transcript `json:"turns"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	// Partial is text received before a stream failure. It was not saved.
	Partial string `json:"partial,omitempty"`
}
