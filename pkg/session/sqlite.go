package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/godeps/agentchat/pkg/message"
)

// SQLiteStore keeps every session's turns in one SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed; ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("session: sqlite backend requires a database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("session: creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: opening database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: enabling WAL mode: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Open(id string) (Session, error) {
	trimmed, err := validateID(id)
	if err != nil {
		return nil, err
	}
	return &SQLiteSession{id: trimmed, db: s.db, now: s.now}, nil
}

// Close closes the database; sessions opened from it stop working.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLiteSession is a view of one session id inside a SQLiteStore.
type SQLiteSession struct {
	id  string
	db  *sql.DB
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

func (s *SQLiteSession) ID() string { return s.id }

func (s *SQLiteSession) Append(turn message.Turn) error {
	return s.append(turn)
}

// AppendExchange inserts both turns in one transaction.
func (s *SQLiteSession) AppendExchange(user, assistant message.Turn) error {
	return s.append(user, assistant)
}

func (s *SQLiteSession) append(turns ...message.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	prepared, err := prepareTurns(turns, s.now)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer tx.Rollback()
	for _, turn := range prepared {
		_, err := tx.Exec(
			`INSERT INTO turns (session_id, turn_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			s.id, turn.ID, string(turn.Role), turn.Content, turn.Timestamp.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("session: insert turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

func (s *SQLiteSession) Turns() (message.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	rows, err := s.db.Query(
		`SELECT turn_id, role, content, created_at FROM turns WHERE session_id = ? ORDER BY seq`,
		s.id,
	)
	if err != nil {
		return nil, fmt.Errorf("session: query turns: %w", err)
	}
	defer rows.Close()

	var turns message.Transcript
	for rows.Next() {
		var (
			turn    message.Turn
			role    string
			created string
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &created); err != nil {
			return nil, fmt.Errorf("session: scan turn: %w", err)
		}
		turn.Role = message.Role(role)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			turn.Timestamp = ts
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate turns: %w", err)
	}
	return turns, nil
}

func (s *SQLiteSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, err := s.db.Exec(`DELETE FROM turns WHERE session_id = ?`, s.id); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	return nil
}

// Close detaches the session; the shared database stays open.
func (s *SQLiteSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
