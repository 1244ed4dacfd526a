package session

import (
	"sync"
	"time"

	"github.com/godeps/agentchat/pkg/message"
)

// MemoryStore keeps transcripts for the life of the process. Reopening an id
// returns the same transcript.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*MemorySession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*MemorySession{}}
}

// Open returns the session for id, creating it on first use.
func (s *MemoryStore) Open(id string) (Session, error) {
	trimmed, err := validateID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[trimmed]; ok && !sess.isClosed() {
		return sess, nil
	}
	sess := NewMemorySession(trimmed)
	if prev, ok := s.sessions[trimmed]; ok {
		sess.turns = prev.snapshot()
	}
	s.sessions[trimmed] = sess
	return sess, nil
}

func (s *MemoryStore) Close() error { return nil }

// MemorySession is a Session held entirely in memory.
type MemorySession struct {
	id string

	mu     sync.RWMutex
	turns  message.Transcript
	closed bool
	now    func() time.Time
}

func NewMemorySession(id string) *MemorySession {
	return &MemorySession{id: id, now: time.Now}
}

func (s *MemorySession) ID() string { return s.id }

func (s *MemorySession) Append(turn message.Turn) error {
	return s.append(turn)
}

func (s *MemorySession) AppendExchange(user, assistant message.Turn) error {
	return s.append(user, assistant)
}

func (s *MemorySession) append(turns ...message.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	prepared, err := prepareTurns(turns, s.now)
	if err != nil {
		return err
	}
	s.turns = append(s.turns, prepared...)
	return nil
}

func (s *MemorySession) Turns() (message.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.turns.Clone(), nil
}

func (s *MemorySession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.turns = nil
	return nil
}

func (s *MemorySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemorySession) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *MemorySession) snapshot() message.Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns.Clone()
}
