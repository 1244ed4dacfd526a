package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/config"
	"github.com/godeps/agentchat/pkg/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.AgentID = "AGENT"
	cfg.Agent.AliasID = "ALIAS"
	cfg.Agent.EnableTrace = true
	cfg.Trace.Enabled = true
	cfg.Trace.Dir = t.TempDir()
	return cfg
}

func echoEndpoint() agent.Endpoint {
	return agent.EndpointFunc(func(_ context.Context, req agent.Request) (agent.EventStream, error) {
		return agent.NewSliceStream(
			agent.TraceEvent([]byte(`{"step":"echo"}`)),
			agent.ChunkEvent("echo: "+req.Prompt),
		), nil
	})
}

func TestBuildWiresInvokerStackAndStore(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithEndpoint(echoEndpoint()))
	require.NoError(t, err)

	names := []string{}
	for _, mw := range a.Stack.List() {
		names = append(names, mw.Name())
	}
	assert.Equal(t, []string{"trace", "logging", "timeout"}, names)
	assert.Nil(t, a.Telemetry)

	conv, err := a.NewConversation("app-test")
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		scoped []agent.Trace
	)
	ctx := agent.ContextWithTraceSink(context.Background(), agent.TraceSinkFunc(func(_ context.Context, _ string, tr agent.Trace) {
		mu.Lock()
		scoped = append(scoped, tr)
		mu.Unlock()
	}))
	resp, err := conv.Submit(ctx, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Completion)
	assert.Len(t, scoped, 1)

	require.NoError(t, conv.Close())
	require.NoError(t, a.Close(context.Background()))

	data, err := os.ReadFile(filepath.Join(cfg.Trace.Dir, "log-app-test.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"agent_trace"`)
	assert.Contains(t, string(data), `"stage":"after_invoke"`)
	_, err = os.Stat(filepath.Join(cfg.Trace.Dir, "log-app-test.html"))
	assert.NoError(t, err)
}

func TestBuildRequiresAgentIDs(t *testing.T) {
	cfg := config.Default()
	_, err := Build(context.Background(), cfg, zerolog.Nop(), WithEndpoint(echoEndpoint()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id")

	_, err = Build(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Backend = "redis"
	_, err := Build(context.Background(), cfg, zerolog.Nop(), WithEndpoint(echoEndpoint()))
	assert.Error(t, err)
}

func TestBuildWithTelemetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trace.Enabled = false
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.OTLPEndpoint = "127.0.0.1:4318"
	cfg.Telemetry.Insecure = true

	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithEndpoint(echoEndpoint()))
	require.NoError(t, err)
	require.NotNil(t, a.Telemetry)
	assert.Same(t, a.Telemetry, telemetry.Default())
	assert.Equal(t, "telemetry", a.Stack.List()[0].Name())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.Close(ctx)
	assert.Nil(t, telemetry.Default())
}

func TestNewConversationDefaultsSessionID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trace.Enabled = false
	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithEndpoint(echoEndpoint()))
	require.NoError(t, err)
	defer a.Close(context.Background())

	conv, err := a.NewConversation("")
	require.NoError(t, err)
	assert.Len(t, conv.SessionID(), 36)

	cfg.Agent.SessionID = "from-config"
	conv, err = a.NewConversation("")
	require.NoError(t, err)
	assert.Equal(t, "from-config", conv.SessionID())
	assert.Equal(t, 10, conv.Settings().HistoryLimit)
}

func TestWatchAppliesRuntimeKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentchat.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("agent:\n  agent_id: AGENT\n  alias_id: ALIAS\n  history_limit: 10\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithEndpoint(echoEndpoint()))
	require.NoError(t, err)
	defer a.Close(context.Background())

	conv, err := a.NewConversation("watched")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx, path, conv.UpdateSettings) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	write("agent:\n  agent_id: AGENT\n  alias_id: ALIAS\n  history_limit: 3\n  enable_trace: true\n")

	require.Eventually(t, func() bool {
		s := conv.Settings()
		return s.HistoryLimit == 3 && s.EnableTrace
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
