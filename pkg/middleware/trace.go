package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/telemetry"
)

// Stage identifies where in an invocation a trace event was recorded.
type Stage int

const (
	StageBeforeInvoke Stage = iota
	StageFirstChunk
	StageAgentTrace
	StageAfterInvoke
	StageInvokeError
)

// TraceEvent is one line of a session's JSONL log.
type TraceEvent struct {
	Timestamp    time.Time       `json:"timestamp"`
	Stage        string          `json:"stage"`
	SessionID    string          `json:"session_id"`
	AgentID      string          `json:"agent_id,omitempty"`
	AliasID      string          `json:"alias_id,omitempty"`
	Prompt       string          `json:"prompt,omitempty"`
	HistoryTurns int             `json:"history_turns,omitempty"`
	Completion   string          `json:"completion,omitempty"`
	Trace        json.RawMessage `json:"trace,omitempty"`
	Chunks       int             `json:"chunks,omitempty"`
	Traces       int             `json:"traces,omitempty"`
	FirstChunkMS int64           `json:"first_chunk_ms,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// TraceMiddleware records invocation activity per session and renders a
// lightweight HTML viewer alongside JSONL logs. It is also an agent.TraceSink
// so the remote agent's trace payloads land in the same log.
type TraceMiddleware struct {
	outputDir string
	priority  int
	sessions  map[string]*traceSession
	tmpl      *template.Template
	mu        sync.Mutex
	clock     func() time.Time
	logger    zerolog.Logger
}

type traceSession struct {
	id        string
	createdAt time.Time
	updatedAt time.Time
	jsonPath  string
	htmlPath  string
	jsonFile  *os.File
	events    []TraceEvent
	mu        sync.Mutex
}

// TraceOption customises a TraceMiddleware.
type TraceOption func(*TraceMiddleware)

// WithTraceLogger routes write failures to logger.
func WithTraceLogger(logger zerolog.Logger) TraceOption {
	return func(m *TraceMiddleware) {
		m.logger = logger.With().Str("component", "trace").Logger()
	}
}

// WithTracePriority overrides the default priority (90).
func WithTracePriority(priority int) TraceOption {
	return func(m *TraceMiddleware) { m.priority = priority }
}

// NewTraceMiddleware builds a TraceMiddleware that writes to outputDir
// (defaults to .trace when empty).
func NewTraceMiddleware(outputDir string, opts ...TraceOption) *TraceMiddleware {
	dir := strings.TrimSpace(outputDir)
	if dir == "" {
		dir = ".trace"
	}
	m := &TraceMiddleware{
		outputDir: dir,
		priority:  90,
		sessions:  map[string]*traceSession{},
		clock:     time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Warn().Err(err).Str("dir", dir).Msg("create trace dir")
	}

	tmpl, err := template.New("trace-viewer").Parse(traceHTMLTemplate)
	if err != nil {
		m.logger.Error().Err(err).Msg("parse trace template")
	}
	m.tmpl = tmpl
	return m
}

func (m *TraceMiddleware) Name() string  { return "trace" }
func (m *TraceMiddleware) Priority() int { return m.priority }

// Dir returns the directory holding the session logs.
func (m *TraceMiddleware) Dir() string { return m.outputDir }

func (m *TraceMiddleware) OnStart(context.Context) error { return nil }

// OnStop closes every open session log.
func (m *TraceMiddleware) OnStop(context.Context) error { return m.Close() }

// ExecuteInvoke records before_invoke, first_chunk and after_invoke (or
// invoke_error) around next.
func (m *TraceMiddleware) ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error) {
	if next == nil {
		return nil, ErrMissingNext
	}
	if req == nil {
		return next(ctx, req)
	}
	r := req.Request
	m.record(r.SessionID, TraceEvent{
		Stage:        stageName(StageBeforeInvoke),
		AgentID:      r.AgentID,
		AliasID:      r.AliasID,
		Prompt:       telemetry.MaskText(r.Prompt),
		HistoryTurns: len(r.History),
	})

	inner := observerOf(req)
	req.Observer = agent.ObserverFuncs{
		Completion: inner.OnCompletion,
		FirstChunk: func(latency time.Duration) {
			m.record(r.SessionID, TraceEvent{
				Stage:        stageName(StageFirstChunk),
				FirstChunkMS: latency.Milliseconds(),
			})
			inner.OnFirstChunk(latency)
		},
		Done: inner.OnDone,
	}

	resp, err := next(ctx, req)
	if err != nil {
		evt := TraceEvent{Stage: stageName(StageInvokeError), Error: err.Error()}
		var streamErr *agent.StreamError
		if errors.As(err, &streamErr) {
			evt.Completion = streamErr.Partial
			evt.Chunks = streamErr.Chunks
		}
		m.record(r.SessionID, evt)
		return resp, err
	}
	evt := TraceEvent{Stage: stageName(StageAfterInvoke)}
	if resp != nil {
		evt.Completion = resp.Completion
		evt.Chunks = resp.Chunks
		evt.Traces = resp.Traces
		evt.FirstChunkMS = resp.FirstChunkLatency.Milliseconds()
		evt.DurationMS = resp.TotalLatency.Milliseconds()
	}
	m.record(r.SessionID, evt)
	return resp, nil
}

// EmitTrace implements agent.TraceSink.
func (m *TraceMiddleware) EmitTrace(_ context.Context, sessionID string, trace agent.Trace) {
	m.record(sessionID, TraceEvent{
		Stage: stageName(StageAgentTrace),
		Trace: json.RawMessage(trace),
	})
}

// Close flushes and closes all session logs. Later events reopen them.
func (m *TraceMiddleware) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result error
	for id, sess := range m.sessions {
		sess.mu.Lock()
		if sess.jsonFile != nil {
			if err := sess.jsonFile.Close(); err != nil {
				result = errors.Join(result, fmt.Errorf("trace: close %s: %w", sess.jsonPath, err))
			}
			sess.jsonFile = nil
		}
		sess.mu.Unlock()
		delete(m.sessions, id)
	}
	return result
}

func (m *TraceMiddleware) record(sessionID string, evt TraceEvent) {
	if m == nil {
		return
	}
	evt.Timestamp = m.now()
	evt.SessionID = strings.TrimSpace(sessionID)
	if evt.SessionID == "" {
		evt.SessionID = "session"
	}
	sess := m.sessionFor(evt.SessionID)
	if sess == nil {
		return
	}
	sess.append(evt, m)
}

func (m *TraceMiddleware) sessionFor(id string) *traceSession {
	if id == "" {
		id = "session"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess
	}

	sess, err := m.newSessionLocked(id)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("create trace session")
		return nil
	}
	m.sessions[id] = sess
	return sess
}

func (m *TraceMiddleware) newSessionLocked(id string) (*traceSession, error) {
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return nil, err
	}
	base := "log-" + sanitizeSessionComponent(id)
	jsonPath := filepath.Join(m.outputDir, base+".jsonl")
	htmlPath := filepath.Join(m.outputDir, base+".html")
	file, err := os.OpenFile(jsonPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return &traceSession{
		id:        id,
		jsonPath:  jsonPath,
		htmlPath:  htmlPath,
		jsonFile:  file,
		createdAt: now,
		updatedAt: now,
		events:    []TraceEvent{},
	}, nil
}

func sanitizeSessionComponent(id string) string {
	const fallback = "session"
	if strings.TrimSpace(id) == "" {
		return fallback
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	sanitized := strings.Trim(b.String(), "-")
	if sanitized == "" {
		return fallback
	}
	return sanitized
}

func (sess *traceSession) append(evt TraceEvent, owner *TraceMiddleware) {
	if sess == nil || owner == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.events = append(sess.events, evt)
	if sess.jsonFile != nil {
		if err := writeJSONLine(sess.jsonFile, evt); err != nil {
			owner.logger.Warn().Err(err).Str("path", sess.jsonPath).Msg("write jsonl")
		}
	} else {
		owner.logger.Warn().Str("session_id", sess.id).Msg("json file handle missing")
	}

	sess.updatedAt = owner.now()
	if err := owner.renderHTML(sess); err != nil {
		owner.logger.Warn().Err(err).Str("path", sess.htmlPath).Msg("render html")
	}
}

func writeJSONLine(f *os.File, evt TraceEvent) error {
	if f == nil {
		return nil
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

type traceTemplateData struct {
	SessionID     string
	CreatedAt     string
	UpdatedAt     string
	EventCount    int
	InvokeCount   int
	TraceCount    int
	TotalDuration int64
	JSONLog       string
	EventsJSON    template.JS
}

// aggregateStats sums completed invocations, their durations and the agent
// trace events seen.
func aggregateStats(events []TraceEvent) (invokes, traces int, duration int64) {
	for _, evt := range events {
		switch evt.Stage {
		case stageName(StageAfterInvoke):
			invokes++
			duration += evt.DurationMS
		case stageName(StageAgentTrace):
			traces++
		}
	}
	return invokes, traces, duration
}

func (m *TraceMiddleware) renderHTML(sess *traceSession) error {
	if sess == nil {
		return nil
	}
	data := traceTemplateData{
		SessionID:  sess.id,
		CreatedAt:  sess.createdAt.UTC().Format(time.RFC3339),
		UpdatedAt:  sess.updatedAt.UTC().Format(time.RFC3339),
		EventCount: len(sess.events),
		JSONLog:    filepath.Base(sess.jsonPath),
	}
	data.InvokeCount, data.TraceCount, data.TotalDuration = aggregateStats(sess.events)
	raw, err := json.Marshal(sess.events)
	if err != nil {
		sanitized := make([]TraceEvent, 0, len(sess.events))
		for _, evt := range sess.events {
			sanitized = append(sanitized, TraceEvent{
				Timestamp: evt.Timestamp,
				Stage:     evt.Stage,
				SessionID: evt.SessionID,
			})
		}
		raw, err = json.Marshal(sanitized)
		if err != nil {
			raw = []byte("[]")
		}
	}
	// EventsJSON comes from json.Marshal of TraceEvent values, which escapes
	// <, > and & in every string field.
	// #nosec G203
	data.EventsJSON = template.JS(string(raw))

	var buf bytes.Buffer
	if m.tmpl != nil {
		if err := m.tmpl.Execute(&buf, data); err != nil {
			return err
		}
	} else {
		buf.WriteString("<html><body><pre>")
		template.HTMLEscape(&buf, raw)
		buf.WriteString("</pre></body></html>")
	}

	return writeAtomic(sess.htmlPath, buf.Bytes())
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "trace-*.html")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func stageName(stage Stage) string {
	switch stage {
	case StageBeforeInvoke:
		return "before_invoke"
	case StageFirstChunk:
		return "first_chunk"
	case StageAgentTrace:
		return "agent_trace"
	case StageAfterInvoke:
		return "after_invoke"
	case StageInvokeError:
		return "invoke_error"
	default:
		return fmt.Sprintf("stage_%d", stage)
	}
}

func (m *TraceMiddleware) now() time.Time {
	if m == nil || m.clock == nil {
		return time.Now()
	}
	return m.clock()
}
