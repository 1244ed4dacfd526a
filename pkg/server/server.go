// Package server exposes conversations over HTTP. Answers stream back as
// server-sent events while the agent is still producing them.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/chat"
	"github.com/godeps/agentchat/pkg/session"
)

const (
	defaultMaxBodyBytes = int64(1 << 20) // 1 MiB
	defaultTimeout      = 2 * time.Minute
	pingInterval        = 15 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Addr     string
	Store    session.Store
	Invoker  chat.Invoker
	Settings chat.Settings
	// Timeout bounds one chat request; zero uses two minutes.
	Timeout      time.Duration
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// Server maps session ids to conversations and serves them.
type Server struct {
	opts   Options
	logger zerolog.Logger

	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	closed        bool

	ping time.Duration
}

// New validates opts and returns a server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Invoker == nil {
		return nil, errors.New("server: store and invoker are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		opts:          opts,
		logger:        opts.Logger.With().Str("component", "server").Logger(),
		conversations: map[string]*chat.Conversation{},
		ping:          pingInterval,
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// Run listens on opts.Addr until ctx is cancelled, then drains in-flight
// requests and closes every conversation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	return errors.Join(err, s.Close())
}

// Conversation returns the conversation for id, opening it on first use.
func (s *Server) Conversation(id string) (*chat.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = session.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, chat.ErrClosed
	}
	if conv, ok := s.conversations[id]; ok {
		return conv, nil
	}
	conv, err := chat.New(s.opts.Store, id, s.opts.Invoker, s.opts.Settings, chat.WithLogger(s.opts.Logger))
	if err != nil {
		return nil, err
	}
	s.conversations[id] = conv
	return conv, nil
}

// lookup returns an open conversation without creating one.
func (s *Server) lookup(id string) (*chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[strings.TrimSpace(id)]
	return conv, ok
}

// UpdateSettings applies fn to every open conversation and to the
// defaults for conversations opened later.
func (s *Server) UpdateSettings(fn func(*chat.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.opts.Settings
	fn(&next)
	if next.HistoryLimit < 0 {
		return errors.New("server: history limit must be >= 0")
	}
	s.opts.Settings = next
	var errs []error
	for _, conv := range s.conversations {
		errs = append(errs, conv.UpdateSettings(fn))
	}
	return errors.Join(errs...)
}

// Close closes every open conversation. The store is owned by the caller.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for id, conv := range s.conversations {
		errs = append(errs, conv.Close())
		delete(s.conversations, id)
	}
	return errors.Join(errs...)
}
