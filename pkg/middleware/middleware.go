package middleware

import (
	"context"

	"github.com/godeps/agentchat/pkg/agent"
)

// Middleware 定义 Agent 调用的拦截接口。
type Middleware interface {
	// Priority 返回优先级（越大越靠外层）。
	Priority() int

	// Name 返回中间件名称。
	Name() string

	// ExecuteInvoke 拦截一次完整的流式调用。
	ExecuteInvoke(ctx context.Context, req *InvokeRequest, next InvokeFunc) (*agent.Response, error)

	// OnStart 在前端启动时调用（可选）。
	OnStart(ctx context.Context) error

	// OnStop 在前端退出时调用（可选）。
	OnStop(ctx context.Context) error
}

// InvokeRequest 调用请求。中间件可以替换 Observer 以观察流式进度。
type InvokeRequest struct {
	Request  agent.Request  // 发往远端的请求
	Observer agent.Observer // 进度回调，可能为 nil
	Metadata map[string]any // 元数据，在中间件之间传递
}

// InvokeFunc 调用函数类型。
type InvokeFunc func(ctx context.Context, req *InvokeRequest) (*agent.Response, error)

// observerOf 返回非 nil 的 Observer。
func observerOf(req *InvokeRequest) agent.Observer {
	if req == nil || req.Observer == nil {
		return agent.ObserverFuncs{}
	}
	return req.Observer
}
