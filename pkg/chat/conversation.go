// Package chat owns one interactive conversation: it windows the transcript,
// invokes the agent and commits the exchange once the answer is complete.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/message"
	"github.com/godeps/agentchat/pkg/session"
)

var (
	// ErrEmptyPrompt is returned for blank prompts; nothing is sent.
	ErrEmptyPrompt = errors.New("chat: prompt is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chat: conversation closed")
)

// Invoker is the subset of *agent.Invoker a conversation needs.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request, obs agent.Observer) (*agent.Response, error)
}

// Settings are the per-request knobs a user can change mid-conversation.
type Settings struct {
	AgentID             string
	AliasID             string
	EnableTrace         bool
	StreamFinalResponse bool
	HistoryLimit        int
}

// Option customises a Conversation.
type Option func(*Conversation)

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Conversation) { c.logger = logger.With().Str("component", "chat").Logger() }
}

// Conversation serialises submits; the transcript only grows after a
// response stream completes.
type Conversation struct {
	mu      sync.Mutex
	store   session.Store
	sess    session.Session
	invoker Invoker
	closed  bool

	// id mirrors sess.ID() so readers never wait on an in-flight submit.
	idMu sync.RWMutex
	id   string

	settingsMu sync.RWMutex
	settings   Settings

	logger zerolog.Logger
}

// New opens sessionID in store and returns a conversation over it.
func New(store session.Store, sessionID string, invoker Invoker, settings Settings, opts ...Option) (*Conversation, error) {
	if store == nil || invoker == nil {
		return nil, errors.New("chat: store and invoker are required")
	}
	if settings.HistoryLimit < 0 {
		return nil, fmt.Errorf("chat: history limit must be >= 0, got %d", settings.HistoryLimit)
	}
	sess, err := store.Open(sessionID)
	if err != nil {
		return nil, err
	}
	c := &Conversation{
		store:    store,
		sess:     sess,
		invoker:  invoker,
		id:       sess.ID(),
		settings: settings,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit sends prompt with the windowed history. On success the user turn and
// the assistant completion are committed together as one exchange; on any
// error the transcript is left untouched and the error (a *agent.RequestError
// or *agent.StreamError when the agent failed) is returned.
func (c *Conversation) Submit(ctx context.Context, prompt string, obs agent.Observer) (*agent.Response, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	turns, err := c.sess.Turns()
	if err != nil {
		return nil, err
	}
	settings := c.Settings()
	req := agent.Request{
		AgentID:             settings.AgentID,
		AliasID:             settings.AliasID,
		SessionID:           c.sess.ID(),
		Prompt:              prompt,
		History:             message.Window(turns, settings.HistoryLimit),
		EnableTrace:         settings.EnableTrace,
		StreamFinalResponse: settings.StreamFinalResponse,
	}

	resp, err := c.invoker.Invoke(ctx, req, obs)
	if err != nil {
		return nil, err
	}

	if err := c.sess.AppendExchange(message.User(prompt), message.Assistant(resp.Completion)); err != nil {
		return resp, fmt.Errorf("chat: record exchange: %w", err)
	}
	c.logger.Debug().
		Str("session_id", req.SessionID).
		Int("history_turns", len(req.History)).
		Int("transcript_turns", len(turns)+2).
		Msg("exchange committed")
	return resp, nil
}

// Reset clears the transcript. The session id is kept.
func (c *Conversation) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.sess.Reset()
}

// Transcript returns a copy of the committed turns.
func (c *Conversation) Transcript() (message.Transcript, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.sess.Turns()
}

// SessionID returns the id sent with every request.
// It does not block while a submit is in flight.
func (c *Conversation) SessionID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.id
}

// SetSessionID switches to the transcript stored under id. The previous
// session is closed but its turns stay in the store.
func (c *Conversation) SetSessionID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if strings.TrimSpace(id) == c.sess.ID() {
		return nil
	}
	next, err := c.store.Open(id)
	if err != nil {
		return err
	}
	if err := c.sess.Close(); err != nil {
		c.logger.Warn().Err(err).Str("session_id", c.sess.ID()).Msg("close previous session")
	}
	c.sess = next
	c.idMu.Lock()
	c.id = next.ID()
	c.idMu.Unlock()
	return nil
}

// Settings returns the current settings.
func (c *Conversation) Settings() Settings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings
}

// UpdateSettings applies fn to a copy of the settings and installs it when
// valid. It may run concurrently with Submit; the change applies to the
// next request.
func (c *Conversation) UpdateSettings(fn func(*Settings)) error {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	next := c.settings
	fn(&next)
	if next.HistoryLimit < 0 {
		return fmt.Errorf("chat: history limit must be >= 0, got %d", next.HistoryLimit)
	}
	c.settings = next
	return nil
}

// Close closes the current session. The store is owned by the caller.
func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.sess.Close()
}
