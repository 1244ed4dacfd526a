package middleware

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/message"
)

func TestStackListOrdersByPriority(t *testing.T) {
	stack := NewStack()
	stack.Use(newTestMiddleware("low", 10, nil))
	stack.Use(newTestMiddleware("high", 90, nil))
	stack.Use(newTestMiddleware("mid", 50, nil))
	stack.Use(nil)

	order := names(stack.List())
	want := []string{"high", "mid", "low"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("List() order mismatch: got %v want %v", order, want)
	}

	if !stack.Remove("mid") {
		t.Fatalf("expected Remove to delete existing middleware")
	}
	if stack.Remove("missing") {
		t.Fatalf("Remove should return false for unknown middleware")
	}
}

func TestStackExecuteInvokeOrder(t *testing.T) {
	ctx := context.Background()
	var order []string

	high := newTestMiddleware("high", 90, func() { order = append(order, "high") })
	mid := newTestMiddleware("mid", 50, func() { order = append(order, "mid") })
	low := newTestMiddleware("low", 10, func() { order = append(order, "low") })
	stack := NewStack(low, high, mid)

	final := func(ctx context.Context, req *InvokeRequest) (*agent.Response, error) {
		order = append(order, "final")
		if req.Metadata == nil {
			t.Fatalf("metadata should be initialised")
		}
		return &agent.Response{Completion: "ok"}, nil
	}

	resp, err := stack.ExecuteInvoke(ctx, &InvokeRequest{}, final)
	if err != nil {
		t.Fatalf("ExecuteInvoke failed: %v", err)
	}
	if resp.Completion != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	want := []string{"high", "mid", "low", "final"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("unexpected execution order: got %v want %v", order, want)
	}
}

func TestStackExecuteInvokeMissingFinal(t *testing.T) {
	if _, err := NewStack().ExecuteInvoke(context.Background(), nil, nil); !errors.Is(err, ErrMissingNext) {
		t.Fatalf("expected ErrMissingNext, got %v", err)
	}
	base := NewBaseMiddleware("base", 1)
	if _, err := base.ExecuteInvoke(context.Background(), &InvokeRequest{}, nil); !errors.Is(err, ErrMissingNext) {
		t.Fatalf("expected ErrMissingNext from base, got %v", err)
	}
}

func TestStackWrapperDrivesInvoker(t *testing.T) {
	var order []string
	rewrite := &rewriteMiddleware{BaseMiddleware: NewBaseMiddleware("rewrite", 50), order: &order}
	stack := NewStack(rewrite, newTestMiddleware("outer", 99, func() { order = append(order, "outer") }))

	var sent agent.Request
	endpoint := agent.EndpointFunc(func(_ context.Context, req agent.Request) (agent.EventStream, error) {
		sent = req
		return agent.NewSliceStream(agent.ChunkEvent("he"), agent.ChunkEvent("llo")), nil
	})
	inv := agent.NewInvoker(endpoint, agent.WithWrapper(stack.Wrapper()))

	var completions []string
	obs := agent.ObserverFuncs{Completion: func(text string) { completions = append(completions, text) }}
	resp, err := inv.Invoke(context.Background(), agent.Request{
		AgentID:   "A",
		AliasID:   "B",
		SessionID: "s",
		Prompt:    "hi",
		History:   []message.Turn{message.User("q"), message.Assistant("a")},
	}, obs)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Completion != "hello" {
		t.Fatalf("unexpected completion %q", resp.Completion)
	}
	if sent.Prompt != "hi!" {
		t.Fatalf("middleware rewrite not applied: %q", sent.Prompt)
	}
	if !reflect.DeepEqual(order, []string{"outer", "rewrite", "observed"}) {
		t.Fatalf("unexpected order %v", order)
	}
	if !reflect.DeepEqual(completions, []string{"he", "hello"}) {
		t.Fatalf("observer not forwarded: %v", completions)
	}
}

func TestStackStartStopOrder(t *testing.T) {
	var order []string
	a := &lifecycleMiddleware{BaseMiddleware: NewBaseMiddleware("a", 1), order: &order}
	b := &lifecycleMiddleware{BaseMiddleware: NewBaseMiddleware("b", 2), order: &order}
	stack := NewStack(b, a)
	if err := stack.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := stack.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("lifecycle order mismatch: got %v want %v", order, want)
	}
}

func TestTimeoutMiddlewareSetsDeadline(t *testing.T) {
	mw := NewTimeoutMiddleware(time.Minute)
	_, err := mw.ExecuteInvoke(context.Background(), &InvokeRequest{}, func(ctx context.Context, _ *InvokeRequest) (*agent.Response, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("expected deadline")
		}
		return &agent.Response{}, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	disabled := NewTimeoutMiddleware(0)
	_, err = disabled.ExecuteInvoke(context.Background(), &InvokeRequest{}, func(ctx context.Context, _ *InvokeRequest) (*agent.Response, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Fatalf("expected no deadline")
		}
		return &agent.Response{}, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
}

type testMiddleware struct {
	*BaseMiddleware
	fn func()
}

func newTestMiddleware(name string, priority int, fn func()) *testMiddleware {
	return &testMiddleware{BaseMiddleware: NewBaseMiddleware(name, priority), fn: fn}
}

func (m *testMiddleware) ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error) {
	if m.fn != nil {
		m.fn()
	}
	return next(ctx, req)
}

type rewriteMiddleware struct {
	*BaseMiddleware
	order *[]string
}

func (m *rewriteMiddleware) ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error) {
	*m.order = append(*m.order, "rewrite")
	req.Request.Prompt += "!"
	inner := observerOf(req)
	once := false
	req.Observer = agent.ObserverFuncs{
		Completion: func(text string) {
			if !once {
				*m.order = append(*m.order, "observed")
				once = true
			}
			inner.OnCompletion(text)
		},
	}
	return next(ctx, req)
}

type lifecycleMiddleware struct {
	*BaseMiddleware
	order *[]string
}

func (m *lifecycleMiddleware) OnStart(context.Context) error {
	*m.order = append(*m.order, "start:"+m.Name())
	return nil
}

func (m *lifecycleMiddleware) OnStop(context.Context) error {
	*m.order = append(*m.order, "stop:"+m.Name())
	return nil
}

func names(list []Middleware) []string {
	result := make([]string, len(list))
	for i, mw := range list {
		result[i] = mw.Name()
	}
	return result
}
