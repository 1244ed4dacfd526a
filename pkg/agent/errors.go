package agent

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest indicates a request that was rejected before it was sent.
var ErrInvalidRequest = errors.New("agent: invalid request")

// RequestError reports that the endpoint rejected the call or could not be
// reached before streaming began.
type RequestError struct {
	AgentID string
	AliasID string
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("agent: invoke %s/%s: %v", e.AgentID, e.AliasID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StreamError reports a failure while consuming events. Partial holds the
// text accumulated before the failure; it is for display only and is never
// a completion.
type StreamError struct {
	Partial string
	Chunks  int
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("agent: stream failed after %d chunks: %v", e.Chunks, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsRequestError reports whether err is (or wraps) a RequestError.
func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}

// IsStreamError reports whether err is (or wraps) a StreamError.
func IsStreamError(err error) bool {
	var target *StreamError
	return errors.As(err, &target)
}
