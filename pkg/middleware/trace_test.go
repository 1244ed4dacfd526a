package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/message"
)

type stubClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newStubClock(start time.Time, step time.Duration) *stubClock {
	return &stubClock{current: start, step: step}
}

func (s *stubClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	s.current = s.current.Add(s.step)
	return next
}

func newTraceMiddlewareForTest(t *testing.T) *TraceMiddleware {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "trace-out")
	mw := NewTraceMiddleware(dir)
	clock := newStubClock(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), time.Second)
	mw.clock = clock.Now
	t.Cleanup(func() { _ = mw.Close() })
	return mw
}

func getSession(t *testing.T, mw *TraceMiddleware, id string) *traceSession {
	t.Helper()
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sess, ok := mw.sessions[id]
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	return sess
}

func snapshotSession(t *testing.T, sess *traceSession) (jsonPath, htmlPath string, events []TraceEvent) {
	t.Helper()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	jsonPath = sess.jsonPath
	htmlPath = sess.htmlPath
	events = append([]TraceEvent(nil), sess.events...)
	return
}

func assertJSONLValid(t *testing.T, path string, want int) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		if want != 0 {
			t.Fatalf("jsonl %s is empty", path)
		}
		return nil
	}
	lines := strings.Split(text, "\n")
	events := make([]map[string]any, 0, len(lines))
	for idx, line := range lines {
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			t.Fatalf("line %d invalid json: %v", idx, err)
		}
		events = append(events, payload)
	}
	if want >= 0 && len(events) != want {
		t.Fatalf("jsonl %s lines=%d want=%d", path, len(events), want)
	}
	return events
}

func assertHTMLContains(t *testing.T, path, needle string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read html %s: %v", path, err)
	}
	if !strings.Contains(string(raw), needle) {
		t.Fatalf("html %s missing %q", path, needle)
	}
}

func stages(events []TraceEvent) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = evt.Stage
	}
	return out
}

func traceRequest(session string) agent.Request {
	return agent.Request{
		AgentID:     "AGENT",
		AliasID:     "ALIAS",
		SessionID:   session,
		Prompt:      "what is my balance?",
		History:     []message.Turn{message.User("hi"), message.Assistant("hello")},
		EnableTrace: true,
	}
}

func TestNewTraceMiddlewareCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "trace-custom")
	mw := NewTraceMiddleware(fmt.Sprintf("  %s  ", dir))
	if mw.Dir() != dir {
		t.Fatalf("output dir mismatch: %s", mw.Dir())
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory: %v", err)
	}
	if mw.Name() != "trace" || mw.Priority() != 90 {
		t.Fatalf("unexpected identity: %s/%d", mw.Name(), mw.Priority())
	}
	if NewTraceMiddleware(dir, WithTracePriority(5)).Priority() != 5 {
		t.Fatalf("priority option ignored")
	}
}

func TestNewTraceMiddlewareDefaultDir(t *testing.T) {
	root := t.TempDir()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("cleanup chdir: %v", err)
		}
	})
	mw := NewTraceMiddleware("")
	if mw.Dir() != ".trace" {
		t.Fatalf("expected default dir, got %s", mw.Dir())
	}
	if _, err := os.Stat(filepath.Join(root, ".trace")); err != nil {
		t.Fatalf("default dir missing: %v", err)
	}
}

func TestTraceMiddlewareRecordsInvocation(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	endpoint := agent.EndpointFunc(func(context.Context, agent.Request) (agent.EventStream, error) {
		return agent.NewSliceStream(
			agent.TraceEvent(json.RawMessage(`{"orchestrationTrace":{"rationale":"look up"}}`)),
			agent.ChunkEvent("42 "),
			agent.ChunkEvent("dollars"),
		), nil
	})
	inv := agent.NewInvoker(endpoint,
		agent.WithTraceSink(mw),
		agent.WithWrapper(NewStack(mw).Wrapper()),
	)

	firstChunks := 0
	resp, err := inv.Invoke(context.Background(), traceRequest("bank-1"), agent.ObserverFuncs{
		FirstChunk: func(time.Duration) { firstChunks++ },
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Completion != "42 dollars" {
		t.Fatalf("unexpected completion %q", resp.Completion)
	}
	if firstChunks != 1 {
		t.Fatalf("observer first chunk calls=%d", firstChunks)
	}

	sess := getSession(t, mw, "bank-1")
	jsonPath, htmlPath, events := snapshotSession(t, sess)
	want := []string{"before_invoke", "agent_trace", "first_chunk", "after_invoke"}
	if got := stages(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stage order mismatch: got %v want %v", got, want)
	}
	if events[0].Prompt != "what is my balance?" || events[0].HistoryTurns != 2 {
		t.Fatalf("before_invoke payload mismatch: %+v", events[0])
	}
	if !strings.Contains(string(events[1].Trace), "look up") {
		t.Fatalf("agent trace payload missing: %s", events[1].Trace)
	}
	if events[3].Completion != "42 dollars" || events[3].Chunks != 2 || events[3].Traces != 1 {
		t.Fatalf("after_invoke payload mismatch: %+v", events[3])
	}

	lines := assertJSONLValid(t, jsonPath, 4)
	if lines[0]["session_id"] != "bank-1" {
		t.Fatalf("jsonl session mismatch: %v", lines[0])
	}
	assertHTMLContains(t, htmlPath, "Trace Session: bank-1")
	assertHTMLContains(t, htmlPath, "log-bank-1.jsonl")
}

func TestTraceMiddlewareRecordsStreamError(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	endpoint := agent.EndpointFunc(func(context.Context, agent.Request) (agent.EventStream, error) {
		return &agent.SliceStream{Events: []agent.Event{agent.ChunkEvent("par")}, Err: errors.New("reset")}, nil
	})
	inv := agent.NewInvoker(endpoint, agent.WithWrapper(NewStack(mw).Wrapper()))
	if _, err := inv.Invoke(context.Background(), traceRequest("broken"), nil); err == nil {
		t.Fatalf("expected stream error")
	}

	_, _, events := snapshotSession(t, getSession(t, mw, "broken"))
	last := events[len(events)-1]
	if last.Stage != "invoke_error" {
		t.Fatalf("expected invoke_error, got %s", last.Stage)
	}
	if last.Completion != "par" || last.Chunks != 1 || !strings.Contains(last.Error, "reset") {
		t.Fatalf("invoke_error payload mismatch: %+v", last)
	}
}

func TestTraceMiddlewareConcurrentWrites(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			mw.EmitTrace(context.Background(), "concurrent", agent.Trace(fmt.Sprintf(`{"step":%d}`, i)))
		}(i)
	}
	close(start)
	wg.Wait()

	sess := getSession(t, mw, "concurrent")
	jsonPath, htmlPath, events := snapshotSession(t, sess)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	assertJSONLValid(t, jsonPath, 5)
	assertHTMLContains(t, htmlPath, "Trace Session: concurrent")
}

func TestTraceMiddlewareSessionIsolation(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	mw.EmitTrace(context.Background(), "session-a", agent.Trace(`{}`))
	mw.EmitTrace(context.Background(), "session-b", agent.Trace(`{}`))

	jsonA, _, _ := snapshotSession(t, getSession(t, mw, "session-a"))
	jsonB, _, _ := snapshotSession(t, getSession(t, mw, "session-b"))
	if jsonA == jsonB {
		t.Fatalf("different sessions should not share json file")
	}
	if assertJSONLValid(t, jsonA, 1)[0]["session_id"] != "session-a" {
		t.Fatalf("session-a json incorrect")
	}
	if assertJSONLValid(t, jsonB, 1)[0]["session_id"] != "session-b" {
		t.Fatalf("session-b json incorrect")
	}
}

func TestTraceMiddlewareCloseAndReopenAppends(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	mw.EmitTrace(context.Background(), "resume", agent.Trace(`{"n":1}`))
	jsonPath, _, _ := snapshotSession(t, getSession(t, mw, "resume"))
	if err := mw.OnStop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mw.EmitTrace(context.Background(), "resume", agent.Trace(`{"n":2}`))
	assertJSONLValid(t, jsonPath, 2)
}

func TestTraceMiddlewareBlankSessionFallback(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	mw.EmitTrace(context.Background(), "   ", agent.Trace(`{}`))
	getSession(t, mw, "session")
}

func TestSanitizeSessionComponent(t *testing.T) {
	cases := map[string]string{
		"":               "session",
		"abc-DEF_123":    "abc-DEF_123",
		"../etc/passwd":  "etc-passwd",
		"////":           "session",
		"space in name ": "space-in-name",
	}
	for in, want := range cases {
		if got := sanitizeSessionComponent(in); got != want {
			t.Fatalf("sanitize(%q)=%q want %q", in, got, want)
		}
	}
}

func TestStageName(t *testing.T) {
	if stageName(Stage(42)) != "stage_42" {
		t.Fatalf("unexpected fallback stage name")
	}
}

func TestAggregateStats(t *testing.T) {
	events := []TraceEvent{
		{Stage: "before_invoke"},
		{Stage: "agent_trace"},
		{Stage: "after_invoke", DurationMS: 5},
		{Stage: "agent_trace"},
		{Stage: "after_invoke", DurationMS: 7},
	}
	invokes, traces, duration := aggregateStats(events)
	if invokes != 2 || traces != 2 || duration != 12 {
		t.Fatalf("unexpected stats invokes=%d traces=%d duration=%d", invokes, traces, duration)
	}
}

func TestWriteAtomicError(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "data.bin")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	dir := filepath.Join(root, "existing-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, path := range []string{filepath.Join(file, "trace.html"), dir} {
		if err := writeAtomic(path, []byte("oops")); err == nil {
			t.Fatalf("%s: expected error", path)
		}
	}
}

func TestWriteJSONLineFailures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readonly.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()
	if err := writeJSONLine(f, TraceEvent{}); err == nil {
		t.Fatalf("expected write error for read-only file")
	}
}

func TestTraceSessionAppendNilOwner(t *testing.T) {
	sess := &traceSession{}
	sess.append(TraceEvent{}, nil)
	sess.append(TraceEvent{}, (*TraceMiddleware)(nil))
}

func TestTraceMiddlewareRenderTemplateError(t *testing.T) {
	mw := newTraceMiddlewareForTest(t)
	mw.tmpl = template.Must(template.New("bad").Parse("{{call .SessionID}}"))
	sess := mw.sessionFor("tmpl-error")
	sess.mu.Lock()
	sess.events = append(sess.events, TraceEvent{SessionID: "tmpl-error"})
	sess.mu.Unlock()
	if err := mw.renderHTML(sess); err == nil {
		t.Fatalf("expected template execution error")
	}
}
