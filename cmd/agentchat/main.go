// agentchat is a terminal and HTTP front-end for a Bedrock agent. Answers
// stream in as the agent produces them, prior turns are replayed as
// conversation history, and agent traces can be shown live or written to
// disk.
//
// Subcommands:
//
//	agentchat [chat]            interactive chat (full-screen, or --plain)
//	agentchat invoke --prompt   one question, answer on stdout
//	agentchat serve             HTTP server with server-sent events
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/godeps/agentchat/pkg/app"
	"github.com/godeps/agentchat/pkg/chat"
	"github.com/godeps/agentchat/pkg/config"
	"github.com/godeps/agentchat/pkg/logging"
	"github.com/godeps/agentchat/pkg/server"
	"github.com/godeps/agentchat/pkg/tui"
)

// Version is set at build time via ldflags
var Version = "dev"

const closeTimeout = 10 * time.Second

type options struct {
	configPath     string
	plain          bool
	prompt         string
	region         string
	profile        string
	agentID        string
	aliasID        string
	sessionID      string
	trace          bool
	limit          int
	traceDir       string
	sessionBackend string
	sessionPath    string
	logLevel       string
	logFile        string
	addr           string
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	command, args := splitCommand(args)
	switch command {
	case "chat", "invoke", "serve":
	case "version":
		fmt.Fprintf(stdout, "agentchat %s\n", Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want chat, invoke, serve or version)", command)
	}

	var opts options
	flagSet := newFlagSet(command, &opts)
	flagSet.SetOutput(stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if command == "invoke" && strings.TrimSpace(opts.prompt) == "" {
		return errors.New("invoke requires --prompt")
	}

	cfg, path, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(flagSet, &opts, cfg)

	fullScreen := command == "chat" && !opts.plain
	if fullScreen && cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(os.TempDir(), "agentchat.log")
	}
	logger, closer, err := logging.Open(cfg.Logging, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()
	if path != "" {
		logger.Debug().Str("path", path).Msg("config loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	switch command {
	case "serve":
		return serve(ctx, a, path, logger)
	case "invoke":
		conv, err := a.NewConversation(opts.sessionID)
		if err != nil {
			return err
		}
		defer conv.Close()
		_, err = tui.Ask(ctx, conv, opts.prompt, stdout)
		return err
	}

	conv, err := a.NewConversation(opts.sessionID)
	if err != nil {
		return err
	}
	defer conv.Close()
	if path != "" {
		go watch(ctx, a, path, conv.UpdateSettings, logger)
	}
	if !fullScreen {
		return tui.RunPlain(ctx, conv, stdin, stdout)
	}
	return tui.Run(ctx, conv)
}

func serve(ctx context.Context, a *app.App, path string, logger zerolog.Logger) error {
	srv, err := server.New(server.Options{
		Addr:     a.Config.Server.Addr,
		Store:    a.Store,
		Invoker:  a.Invoker,
		Settings: a.Settings(),
		Timeout:  a.Config.Agent.RequestTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if path != "" {
		go watch(ctx, a, path, srv.UpdateSettings, logger)
	}
	return srv.Run(ctx)
}

func watch(ctx context.Context, a *app.App, path string, update func(func(*chat.Settings)) error, logger zerolog.Logger) {
	if err := a.Watch(ctx, path, update); err != nil {
		logger.Warn().Err(err).Msg("config watch stopped")
	}
}

// splitCommand peels the subcommand off args; flags alone mean chat.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "chat", args
	}
	return args[0], args[1:]
}

func newFlagSet(command string, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("agentchat "+command, pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: $AGENTCHAT_CONFIG or ./agentchat.yaml)")
	fs.StringVar(&opts.region, "region", "", "AWS region")
	fs.StringVar(&opts.profile, "profile", "", "AWS shared config profile")
	fs.StringVar(&opts.agentID, "agent-id", "", "Bedrock agent id")
	fs.StringVar(&opts.aliasID, "alias-id", "", "Bedrock agent alias id")
	fs.StringVar(&opts.sessionID, "session-id", "", "session id (default: random)")
	fs.BoolVar(&opts.trace, "trace", false, "request agent trace events")
	fs.IntVar(&opts.limit, "limit", 0, "maximum prior turns sent as history")
	fs.StringVar(&opts.traceDir, "trace-dir", "", "write trace logs to this directory")
	fs.StringVar(&opts.sessionBackend, "session-backend", "", "transcript store: memory, file or sqlite")
	fs.StringVar(&opts.sessionPath, "session-path", "", "directory (file) or database (sqlite) for transcripts")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFile, "log-file", "", "write logs to this file")
	switch command {
	case "chat":
		fs.BoolVar(&opts.plain, "plain", false, "line-oriented prompt instead of the full-screen UI")
	case "invoke":
		fs.StringVarP(&opts.prompt, "prompt", "p", "", "question to send")
	case "serve":
		fs.StringVar(&opts.addr, "addr", "", "listen address")
	}
	return fs
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(fs *pflag.FlagSet, opts *options, cfg *config.Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("region", func() { cfg.Agent.Region = opts.region })
	set("profile", func() { cfg.Agent.Profile = opts.profile })
	set("agent-id", func() { cfg.Agent.AgentID = opts.agentID })
	set("alias-id", func() { cfg.Agent.AliasID = opts.aliasID })
	set("session-id", func() { cfg.Agent.SessionID = opts.sessionID })
	set("trace", func() { cfg.Agent.EnableTrace = opts.trace })
	set("limit", func() { cfg.Agent.HistoryLimit = opts.limit })
	set("trace-dir", func() {
		cfg.Trace.Enabled = true
		cfg.Trace.Dir = opts.traceDir
	})
	set("session-backend", func() { cfg.Session.Backend = opts.sessionBackend })
	set("session-path", func() { cfg.Session.Path = opts.sessionPath })
	set("log-level", func() { cfg.Logging.Level = opts.logLevel })
	set("log-file", func() { cfg.Logging.File = opts.logFile })
	set("addr", func() { cfg.Server.Addr = opts.addr })
}
