package chat

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/message"
	"github.com/godeps/agentchat/pkg/session"
)

// scriptedEndpoint replays one stream per call and records each request.
type scriptedEndpoint struct {
	streams  []agent.EventStream
	errs     []error
	requests []agent.Request
}

func (e *scriptedEndpoint) Invoke(_ context.Context, req agent.Request) (agent.EventStream, error) {
	i := len(e.requests)
	e.requests = append(e.requests, req)
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i < len(e.streams) {
		return e.streams[i], nil
	}
	return agent.NewSliceStream(agent.ChunkEvent("ok")), nil
}

func settings() Settings {
	return Settings{AgentID: "AGENT", AliasID: "ALIAS", HistoryLimit: 2, StreamFinalResponse: true}
}

func newConversation(t *testing.T, ep *scriptedEndpoint, s Settings) *Conversation {
	t.Helper()
	conv, err := New(session.NewMemoryStore(), "test001", agent.NewInvoker(ep), s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conv.Close() })
	return conv
}

func contents(turns message.Transcript) []string {
	out := make([]string, len(turns))
	for i, turn := range turns {
		out[i] = string(turn.Role) + ":" + turn.Content
	}
	return out
}

func TestSubmitEndToEnd(t *testing.T) {
	ep := &scriptedEndpoint{streams: []agent.EventStream{
		agent.NewSliceStream(agent.ChunkEvent("hello")),
		agent.NewSliceStream(agent.ChunkEvent("good"), agent.ChunkEvent("bye")),
	}}
	conv := newConversation(t, ep, settings())

	resp, err := conv.Submit(context.Background(), "  hi ", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Completion)
	assert.Empty(t, ep.requests[0].History)
	assert.Equal(t, "hi", ep.requests[0].Prompt)

	var seen []string
	resp, err = conv.Submit(context.Background(), "bye", agent.ObserverFuncs{
		Completion: func(text string) { seen = append(seen, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, "goodbye", resp.Completion)
	assert.Equal(t, []string{"good", "goodbye"}, seen)

	second := ep.requests[1]
	assert.Equal(t, "bye", second.Prompt)
	assert.Equal(t, "test001", second.SessionID)
	assert.Equal(t, []string{"user:hi", "assistant:hello"}, contents(second.History))

	turns, err := conv.Transcript()
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hi", "assistant:hello", "user:bye", "assistant:goodbye"}, contents(turns))
}

func TestSubmitWindowsHistory(t *testing.T) {
	ep := &scriptedEndpoint{}
	conv := newConversation(t, ep, settings())
	for _, p := range []string{"one", "two", "three"} {
		_, err := conv.Submit(context.Background(), p, nil)
		require.NoError(t, err)
	}
	last := ep.requests[2]
	assert.Equal(t, []string{"user:two", "assistant:ok"}, contents(last.History))

	require.NoError(t, conv.UpdateSettings(func(s *Settings) { s.HistoryLimit = 0 }))
	_, err := conv.Submit(context.Background(), "four", nil)
	require.NoError(t, err)
	assert.Empty(t, ep.requests[3].History)
}

func TestSubmitErrorsLeaveTranscriptUnchanged(t *testing.T) {
	cases := []struct {
		name  string
		ep    *scriptedEndpoint
		check func(t *testing.T, err error)
	}{
		{
			name: "request error",
			ep:   &scriptedEndpoint{errs: []error{nil, errors.New("ThrottlingException")}},
			check: func(t *testing.T, err error) {
				assert.True(t, agent.IsRequestError(err))
			},
		},
		{
			name: "stream error",
			ep: &scriptedEndpoint{streams: []agent.EventStream{
				agent.NewSliceStream(agent.ChunkEvent("hello")),
				&agent.SliceStream{Events: []agent.Event{agent.ChunkEvent("par")}, Err: errors.New("reset")},
			}},
			check: func(t *testing.T, err error) {
				var streamErr *agent.StreamError
				require.ErrorAs(t, err, &streamErr)
				assert.Equal(t, "par", streamErr.Partial)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := newConversation(t, tc.ep, settings())
			_, err := conv.Submit(context.Background(), "hi", nil)
			require.NoError(t, err)
			before, err := conv.Transcript()
			require.NoError(t, err)

			resp, err := conv.Submit(context.Background(), "again", nil)
			require.Error(t, err)
			assert.Nil(t, resp)
			tc.check(t, err)

			after, err := conv.Transcript()
			require.NoError(t, err)
			assert.Equal(t, contents(before), contents(after))
		})
	}
}

// failingStore hands out memory sessions whose exchange commit always fails.
type failingStore struct {
	*session.MemoryStore
	err error
}

func (s failingStore) Open(id string) (session.Session, error) {
	sess, err := s.MemoryStore.Open(id)
	if err != nil {
		return nil, err
	}
	return failingSession{Session: sess, err: s.err}, nil
}

type failingSession struct {
	session.Session
	err error
}

func (s failingSession) AppendExchange(message.Turn, message.Turn) error { return s.err }

func TestSubmitFailedCommitLeavesNoTurns(t *testing.T) {
	diskFull := errors.New("no space left on device")
	store := failingStore{MemoryStore: session.NewMemoryStore(), err: diskFull}
	conv, err := New(store, "test001", agent.NewInvoker(&scriptedEndpoint{}), settings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conv.Close() })

	resp, err := conv.Submit(context.Background(), "hi", nil)
	require.ErrorIs(t, err, diskFull)
	require.NotNil(t, resp)

	turns, err := conv.Transcript()
	require.NoError(t, err)
	assert.Empty(t, turns)
}

// gatedStream blocks its first Recv until release is closed.
type gatedStream struct {
	entered chan struct{}
	release chan struct{}
	done    bool
}

func (g *gatedStream) Recv(ctx context.Context) (agent.Event, error) {
	if g.done {
		return agent.Event{}, io.EOF
	}
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
	g.done = true
	return agent.ChunkEvent("late"), nil
}

func (g *gatedStream) Close() error { return nil }

func TestSessionIDDoesNotWaitForSubmit(t *testing.T) {
	stream := &gatedStream{entered: make(chan struct{}), release: make(chan struct{})}
	conv := newConversation(t, &scriptedEndpoint{streams: []agent.EventStream{stream}}, settings())

	submitted := make(chan error, 1)
	go func() {
		_, err := conv.Submit(context.Background(), "hi", nil)
		submitted <- err
	}()
	<-stream.entered

	got := make(chan string, 1)
	go func() { got <- conv.SessionID() }()
	select {
	case id := <-got:
		assert.Equal(t, "test001", id)
	case <-time.After(time.Second):
		t.Fatal("SessionID blocked while a submit was in flight")
	}

	close(stream.release)
	require.NoError(t, <-submitted)
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	ep := &scriptedEndpoint{}
	conv := newConversation(t, ep, settings())
	_, err := conv.Submit(context.Background(), " \n\t", nil)
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, ep.requests)
}

func TestResetAndSessionSwitch(t *testing.T) {
	ep := &scriptedEndpoint{}
	conv := newConversation(t, ep, settings())
	_, err := conv.Submit(context.Background(), "hi", nil)
	require.NoError(t, err)

	require.NoError(t, conv.SetSessionID("other"))
	assert.Equal(t, "other", conv.SessionID())
	turns, err := conv.Transcript()
	require.NoError(t, err)
	assert.Empty(t, turns)

	require.NoError(t, conv.SetSessionID("test001"))
	turns, err = conv.Transcript()
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	require.NoError(t, conv.Reset())
	turns, err = conv.Transcript()
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Equal(t, "test001", conv.SessionID())

	require.ErrorIs(t, conv.SetSessionID("  "), session.ErrInvalidSessionID)
	assert.Equal(t, "test001", conv.SessionID())
}

func TestUpdateSettingsValidates(t *testing.T) {
	conv := newConversation(t, &scriptedEndpoint{}, settings())
	require.Error(t, conv.UpdateSettings(func(s *Settings) { s.HistoryLimit = -1 }))
	assert.Equal(t, 2, conv.Settings().HistoryLimit)
}

func TestClosedConversation(t *testing.T) {
	conv := newConversation(t, &scriptedEndpoint{}, settings())
	require.NoError(t, conv.Close())
	require.NoError(t, conv.Close())
	_, err := conv.Submit(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conv.Reset(), ErrClosed)
	_, err = conv.Transcript()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, "s", agent.NewInvoker(&scriptedEndpoint{}), settings())
	assert.Error(t, err)
	bad := settings()
	bad.HistoryLimit = -4
	_, err = New(session.NewMemoryStore(), "s", agent.NewInvoker(&scriptedEndpoint{}), bad)
	assert.Error(t, err)
}
