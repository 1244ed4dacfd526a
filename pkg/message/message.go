package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrMalformedWindow reports a history window the remote agent would reject.
var ErrMalformedWindow = errors.New("message: malformed history window")

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole normalises a role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("message: unknown role %q", raw)
	}
	return role, nil
}

// Turn is a single conversation entry. ID and Timestamp are assigned by the
// session store when the turn is appended.
type Turn struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// User builds a user turn.
func User(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// Assistant builds an assistant turn.
func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// Transcript is the ordered history of a session.
type Transcript []Turn

// Clone returns an independent copy of the transcript.
func (t Transcript) Clone() Transcript {
	if len(t) == 0 {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Len returns the number of turns.
func (t Transcript) Len() int { return len(t) }

// Window returns the trailing history to send with the next request.
func (t Transcript) Window(limit int) []Turn { return Window(t, limit) }
