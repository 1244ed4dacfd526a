// Package app assembles the runtime pieces named by a config: the Bedrock
// endpoint, the middleware stack, the invoker and the session store.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/bedrock"
	"github.com/godeps/agentchat/pkg/chat"
	"github.com/godeps/agentchat/pkg/config"
	"github.com/godeps/agentchat/pkg/middleware"
	"github.com/godeps/agentchat/pkg/session"
	"github.com/godeps/agentchat/pkg/telemetry"
)

// App owns everything built from one config. Close releases it.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Invoker   *agent.Invoker
	Store     session.Store
	Stack     *middleware.Stack
	Trace     *middleware.TraceMiddleware
	Telemetry *telemetry.Manager
}

type buildOptions struct {
	endpoint agent.Endpoint
	store    session.Store
}

// Option customises Build.
type Option func(*buildOptions)

// WithEndpoint replaces the Bedrock endpoint, e.g. with a local fake.
func WithEndpoint(ep agent.Endpoint) Option {
	return func(o *buildOptions) { o.endpoint = ep }
}

// WithStore replaces the store named by the config.
func WithStore(store session.Store) Option {
	return func(o *buildOptions) { o.store = store }
}

// Build validates cfg and wires the runtime. The caller must Close the
// returned App.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		mgr, err := newTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		a.Telemetry = mgr
		telemetry.SetDefault(mgr)
	}

	endpoint := o.endpoint
	if endpoint == nil {
		ep, err := bedrock.New(ctx, bedrock.Options{
			Region:      cfg.Agent.Region,
			Profile:     cfg.Agent.Profile,
			EndpointURL: cfg.Agent.EndpointURL,
			MaxAttempts: cfg.Agent.MaxAttempts,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		endpoint = ep
	}

	a.Stack = middleware.NewStack()
	if a.Telemetry != nil {
		a.Stack.Use(middleware.NewTelemetryMiddleware(a.Telemetry))
	}
	sinks := []agent.TraceSink{agent.ContextTraceSink()}
	if cfg.Trace.Enabled {
		a.Trace = middleware.NewTraceMiddleware(cfg.Trace.Dir, middleware.WithTraceLogger(logger))
		a.Stack.Use(a.Trace)
		sinks = append(sinks, a.Trace)
	}
	a.Stack.Use(middleware.NewLoggingMiddleware(logger))
	if cfg.Agent.RequestTimeout > 0 {
		a.Stack.Use(middleware.NewTimeoutMiddleware(cfg.Agent.RequestTimeout))
	}
	if err := a.Stack.Start(ctx); err != nil {
		return nil, fmt.Errorf("app: start middleware: %w", err)
	}

	a.Invoker = agent.NewInvoker(endpoint,
		agent.WithTraceSink(agent.MultiTraceSink(sinks...)),
		agent.WithLogger(logger),
		agent.WithWrapper(a.Stack.Wrapper()),
	)

	a.Store = o.store
	if a.Store == nil {
		store, err := session.OpenStore(session.Config{Backend: cfg.Session.Backend, Path: cfg.Session.Path})
		if err != nil {
			return nil, fmt.Errorf("app: open session store: %w", err)
		}
		a.Store = store
	}

	ok = true
	return a, nil
}

func newTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry.Manager, error) {
	exporter, err := telemetry.NewOTLPExporter(ctx, telemetry.ExporterConfig{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.Insecure,
		Headers:  cfg.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("app: otlp exporter: %w", err)
	}
	mgr, err := telemetry.NewManager(telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Exporter:    exporter,
		Filter:      telemetry.FilterConfig{Patterns: cfg.MaskPatterns},
	})
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}
	return mgr, nil
}

// Settings derives per-conversation settings from the config.
func (a *App) Settings() chat.Settings {
	return SettingsFrom(a.Config)
}

// SettingsFrom maps the agent section of cfg to chat settings.
func SettingsFrom(cfg *config.Config) chat.Settings {
	return chat.Settings{
		AgentID:             cfg.Agent.AgentID,
		AliasID:             cfg.Agent.AliasID,
		EnableTrace:         cfg.Agent.EnableTrace,
		StreamFinalResponse: cfg.Agent.StreamFinalResponse,
		HistoryLimit:        cfg.Agent.HistoryLimit,
	}
}

// NewConversation opens sessionID, or a fresh id when it is blank.
func (a *App) NewConversation(sessionID string) (*chat.Conversation, error) {
	if sessionID == "" {
		sessionID = a.Config.Agent.SessionID
	}
	if sessionID == "" {
		sessionID = session.NewID()
	}
	return chat.New(a.Store, sessionID, a.Invoker, a.Settings(), chat.WithLogger(a.Logger))
}

// Watch reloads the config file at path and pushes the knobs that may change
// at runtime (history limit and trace) to update. It blocks until ctx ends.
func (a *App) Watch(ctx context.Context, path string, update func(func(*chat.Settings)) error) error {
	return config.Watch(ctx, path, a.Logger, func(next *config.Config) {
		limit, trace := next.Agent.HistoryLimit, next.Agent.EnableTrace
		err := update(func(s *chat.Settings) {
			s.HistoryLimit = limit
			s.EnableTrace = trace
		})
		if err != nil {
			a.Logger.Warn().Err(err).Msg("apply reloaded config")
			return
		}
		a.Logger.Info().Int("history_limit", limit).Bool("enable_trace", trace).Msg("config reloaded")
	})
}

// Close stops the middleware (flushing trace files), shuts telemetry down
// and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Stack != nil {
		errs = append(errs, a.Stack.Stop(ctx))
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
		if telemetry.Default() == a.Telemetry {
			telemetry.SetDefault(nil)
		}
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
