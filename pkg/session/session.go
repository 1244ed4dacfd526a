// Package session persists chat transcripts. A Store hands out one Session
// per session id; every backend enforces the same append-only contract.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/godeps/agentchat/pkg/message"
)

var (
	// ErrSessionClosed indicates the session can no longer be mutated.
	ErrSessionClosed = errors.New("session: closed")
	// ErrInvalidSessionID indicates the provided session identifier is empty or malformed.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrInvalidTurn signals that the supplied turn is structurally invalid.
	ErrInvalidTurn = errors.New("session: invalid turn")
	// ErrUnknownBackend is returned by OpenStore for an unsupported backend name.
	ErrUnknownBackend = errors.New("session: unknown backend")
)

// Session is the transcript of one conversation.
type Session interface {
	// ID returns the session identifier sent to the agent.
	ID() string

	// Append stores a turn at the end of the transcript, assigning its ID and
	// Timestamp when unset.
	Append(turn message.Turn) error

	// AppendExchange stores a user turn and its assistant reply as one unit:
	// either both become visible or neither does.
	AppendExchange(user, assistant message.Turn) error

	// Turns returns a copy of the transcript in append order.
	Turns() (message.Transcript, error)

	// Reset clears the transcript.
	Reset() error

	// Close releases resources associated with the session.
	Close() error
}

// Store opens sessions by id.
type Store interface {
	Open(id string) (Session, error)
	Close() error
}

// Backend names accepted by OpenStore.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and locates a backend.
type Config struct {
	Backend string
	// Path is a directory for the file backend and a database file for sqlite.
	Path string
}

// OpenStore builds the store named by cfg.Backend. An empty backend means
// memory.
func OpenStore(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewID returns a fresh random session id.
func NewID() string { return uuid.NewString() }

func validateID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || strings.ContainsAny(trimmed, `/\`) || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return trimmed, nil
}

// prepareTurns validates every turn before any is stored.
func prepareTurns(turns []message.Turn, now func() time.Time) ([]message.Turn, error) {
	out := make([]message.Turn, 0, len(turns))
	for _, turn := range turns {
		prepared, err := prepareTurn(turn, now)
		if err != nil {
			return nil, err
		}
		out = append(out, prepared)
	}
	return out, nil
}

// prepareTurn validates turn and fills in ID and Timestamp.
func prepareTurn(turn message.Turn, now func() time.Time) (message.Turn, error) {
	if !turn.Role.Valid() {
		return message.Turn{}, fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now().UTC()
	} else {
		turn.Timestamp = turn.Timestamp.UTC()
	}
	return turn, nil
}
