package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/godeps/agentchat/pkg/message"
)

const maxLineBytes = 4 << 20

// FileStore keeps one JSONL transcript per session under dir.
type FileStore struct {
	dir string
}

// NewFileStore creates dir when missing.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Open(id string) (Session, error) {
	return NewFileSession(id, s.dir)
}

func (s *FileStore) Close() error { return nil }

// FileSession persists a transcript as one JSON turn per line in
// <root>/<id>.jsonl. Reset truncates the file.
type FileSession struct {
	id   string
	path string

	mu     sync.RWMutex
	file   *os.File
	turns  message.Transcript
	closed bool
	now    func() time.Time
}

// NewFileSession creates (or re-opens) the transcript for id under root.
func NewFileSession(id, root string) (*FileSession, error) {
	trimmed, err := validateID(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", root, err)
	}
	path := filepath.Join(root, trimmed+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	fs := &FileSession{id: trimmed, path: path, file: file, now: time.Now}
	if err := fs.reload(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return fs, nil
}

// ID returns the session identifier.
func (s *FileSession) ID() string { return s.id }

// Path returns the JSONL file backing the session.
func (s *FileSession) Path() string { return s.path }

// Append writes the turn to disk before exposing it in Turns.
func (s *FileSession) Append(turn message.Turn) error {
	return s.append(turn)
}

// AppendExchange writes both turns with a single write call. A crash part
// way through leaves a torn tail that reload drops.
func (s *FileSession) AppendExchange(user, assistant message.Turn) error {
	return s.append(user, assistant)
}

func (s *FileSession) append(turns ...message.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	prepared, err := prepareTurns(turns, s.now)
	if err != nil {
		return err
	}
	var buf []byte
	for _, turn := range prepared {
		line, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("session: encode turn: %w", err)
		}
		buf = append(append(buf, line...), '\n')
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("session: stat %s: %w", s.path, err)
	}
	if _, err := s.file.Write(buf); err != nil {
		s.rollback(info.Size())
		return fmt.Errorf("session: write %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback(info.Size())
		return fmt.Errorf("session: sync %s: %w", s.path, err)
	}
	s.turns = append(s.turns, prepared...)
	return nil
}

// rollback cuts the file back to size after a failed append.
func (s *FileSession) rollback(size int64) {
	_ = s.file.Truncate(size)
}

func (s *FileSession) Turns() (message.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.turns.Clone(), nil
}

func (s *FileSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("session: truncate %s: %w", s.path, err)
	}
	s.turns = nil
	return nil
}

// Close releases the file handle.
func (s *FileSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// reload replays the file. A torn final line from an interrupted write is
// dropped and the file rewritten; corruption elsewhere is an error.
func (s *FileSession) reload() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("session: seek %s: %w", s.path, err)
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var (
		turns   message.Transcript
		lineNo  int
		pending error
	)
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if pending != nil {
			return pending
		}
		var turn message.Turn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			pending = fmt.Errorf("session: %s line %d: %w", s.path, lineNo, err)
			continue
		}
		if !turn.Role.Valid() {
			return fmt.Errorf("%w: %s line %d: role %q", ErrInvalidTurn, s.path, lineNo, turn.Role)
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("session: read %s: %w", s.path, err)
	}
	s.turns = turns
	if pending != nil {
		return s.rewrite()
	}
	return nil
}

func (s *FileSession) rewrite() error {
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("session: truncate %s: %w", s.path, err)
	}
	w := bufio.NewWriter(s.file)
	enc := json.NewEncoder(w)
	for _, turn := range s.turns {
		if err := enc.Encode(turn); err != nil {
			return fmt.Errorf("session: rewrite %s: %w", s.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("session: rewrite %s: %w", s.path, err)
	}
	return s.file.Sync()
}
