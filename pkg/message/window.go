package message

import "fmt"

// Window selects the trailing user/assistant pairs of transcript to send as
// conversation context. At most min(limit/2, len(transcript)/2) pairs are
// kept, most recent last.
//
// Turns that cannot take part in a user→assistant pair (a leading assistant
// turn, a user turn that never got an answer, repeated roles) are skipped, so
// the result is always empty or starts with a user turn, strictly alternates
// and has even length.
func Window(transcript []Turn, limit int) []Turn {
	if limit <= 0 || len(transcript) < 2 {
		return []Turn{}
	}
	want := min(limit/2, len(transcript)/2)
	if want == 0 {
		return []Turn{}
	}

	// Walk backwards so the newest pairs win.
	starts := make([]int, 0, want)
	for i := len(transcript) - 1; i > 0 && len(starts) < want; i-- {
		if transcript[i].Role != RoleAssistant || transcript[i-1].Role != RoleUser {
			continue
		}
		starts = append(starts, i-1)
		i--
	}

	out := make([]Turn, 0, len(starts)*2)
	for j := len(starts) - 1; j >= 0; j-- {
		s := starts[j]
		out = append(out, transcript[s], transcript[s+1])
	}
	return out
}

// ValidateWindow checks the alternation invariant of a history window.
func ValidateWindow(window []Turn) error {
	if len(window)%2 != 0 {
		return fmt.Errorf("%w: odd length %d", ErrMalformedWindow, len(window))
	}
	for i, turn := range window {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if turn.Role != want {
			return fmt.Errorf("%w: turn %d has role %q, want %q", ErrMalformedWindow, i, turn.Role, want)
		}
	}
	return nil
}
