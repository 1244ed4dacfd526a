package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/chat"
)

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	agentColor  = color.New(color.FgGreen, color.Bold)
	traceColor  = color.New(color.FgHiBlack)
	infoColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

// RunPlain reads prompts and slash commands line by line from in and
// streams answers to out. It returns at EOF, on /quit or when ctx ends.
func RunPlain(ctx context.Context, conv *chat.Conversation, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "session %s. Type /help for commands.\n", conv.SessionID())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		promptColor.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, ok, err := chat.ParseCommand(line)
		if ok {
			if err != nil {
				errorColor.Fprintln(out, err.Error())
				continue
			}
			if cmd.Kind == chat.CmdQuit {
				return nil
			}
			status, err := conv.Execute(cmd)
			if err != nil {
				errorColor.Fprintln(out, err.Error())
				continue
			}
			infoColor.Fprintln(out, status)
			continue
		}
		if _, err := Ask(ctx, conv, line, out); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Ask runs one exchange, streaming text deltas and traces to out followed
// by a latency summary. Failures are reported on out and returned.
func Ask(ctx context.Context, conv *chat.Conversation, prompt string, out io.Writer) (*agent.Response, error) {
	agentColor.Fprint(out, "agent> ")
	var (
		written     int
		tracesShown bool
	)
	obs := agent.ObserverFuncs{
		Completion: func(text string) {
			if written == 0 && tracesShown {
				fmt.Fprintln(out)
			}
			if len(text) > written {
				io.WriteString(out, text[written:])
				written = len(text)
			}
		},
	}
	// Traces that arrive once the answer has started are held back so they
	// do not split the text.
	var late []string
	sink := agent.TraceSinkFunc(func(_ context.Context, _ string, trace agent.Trace) {
		if written > 0 {
			late = append(late, summariseTrace(trace))
			return
		}
		traceColor.Fprintf(out, "\n  [trace] %s", summariseTrace(trace))
		tracesShown = true
	})

	resp, err := conv.Submit(agent.ContextWithTraceSink(ctx, sink), prompt, obs)
	fmt.Fprintln(out)
	for _, trace := range late {
		traceColor.Fprintf(out, "  [trace] %s\n", trace)
	}
	if err != nil {
		errorColor.Fprintln(out, describeError(err))
		return nil, err
	}
	traceColor.Fprintf(out, "(first chunk %s, total %s, %d traces)\n",
		formatLatency(resp.FirstChunkLatency), formatLatency(resp.TotalLatency), resp.Traces)
	return resp, nil
}
