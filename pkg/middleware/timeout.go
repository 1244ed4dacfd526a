package middleware

import (
	"context"
	"time"

	"github.com/godeps/agentchat/pkg/agent"
)

// TimeoutMiddleware bounds each invocation, stream included, by a deadline.
// A non-positive timeout disables it.
type TimeoutMiddleware struct {
	*BaseMiddleware
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{BaseMiddleware: NewBaseMiddleware("timeout", 10), timeout: timeout}
}

func (m *TimeoutMiddleware) ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error) {
	if next == nil {
		return nil, ErrMissingNext
	}
	if m.timeout <= 0 {
		return next(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return next(ctx, req)
}
