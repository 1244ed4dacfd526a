package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind enumerates slash commands.
type CommandKind int

const (
	CmdReset CommandKind = iota + 1
	CmdTrace
	CmdLimit
	CmdSession
	CmdHistory
	CmdHelp
	CmdQuit
)

// Command is a parsed slash command.
type Command struct {
	Kind  CommandKind
	On    bool
	Limit int
	ID    string
}

// ErrUnknownCommand is returned for an unrecognised slash command.
var ErrUnknownCommand = errors.New("chat: unknown command")

// HelpText lists the slash commands.
const HelpText = `/reset          clear the conversation
/trace on|off   show or hide agent trace events
/limit N        send at most N prior turns as history
/session ID     switch to another session id
/history        print the transcript
/help           show this help
/quit           exit`

// ParseCommand parses line when it starts with "/". ok is false for plain
// prompts.
func ParseCommand(line string) (cmd Command, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, false, nil
	}
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "/reset", "/clear":
		return Command{Kind: CmdReset}, true, nil
	case "/trace":
		if len(args) != 1 {
			return Command{}, true, errors.New("usage: /trace on|off")
		}
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			return Command{Kind: CmdTrace, On: true}, true, nil
		case "off", "false", "0":
			return Command{Kind: CmdTrace, On: false}, true, nil
		}
		return Command{}, true, errors.New("usage: /trace on|off")
	case "/limit":
		if len(args) != 1 {
			return Command{}, true, errors.New("usage: /limit N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return Command{}, true, fmt.Errorf("usage: /limit N (N >= 0), got %q", args[0])
		}
		return Command{Kind: CmdLimit, Limit: n}, true, nil
	case "/session":
		if len(args) != 1 {
			return Command{}, true, errors.New("usage: /session ID")
		}
		return Command{Kind: CmdSession, ID: args[0]}, true, nil
	case "/history":
		return Command{Kind: CmdHistory}, true, nil
	case "/help", "/?":
		return Command{Kind: CmdHelp}, true, nil
	case "/quit", "/exit", "/q":
		return Command{Kind: CmdQuit}, true, nil
	}
	return Command{}, true, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// Execute applies cmd and returns a status line for the user. CmdQuit is
// left to the caller.
func (c *Conversation) Execute(cmd Command) (string, error) {
	switch cmd.Kind {
	case CmdReset:
		if err := c.Reset(); err != nil {
			return "", err
		}
		return "conversation reset", nil
	case CmdTrace:
		if err := c.UpdateSettings(func(s *Settings) { s.EnableTrace = cmd.On }); err != nil {
			return "", err
		}
		if cmd.On {
			return "trace on", nil
		}
		return "trace off", nil
	case CmdLimit:
		if err := c.UpdateSettings(func(s *Settings) { s.HistoryLimit = cmd.Limit }); err != nil {
			return "", err
		}
		return fmt.Sprintf("history limit %d", cmd.Limit), nil
	case CmdSession:
		if err := c.SetSessionID(cmd.ID); err != nil {
			return "", err
		}
		return "session " + c.SessionID(), nil
	case CmdHistory:
		turns, err := c.Transcript()
		if err != nil {
			return "", err
		}
		if len(turns) == 0 {
			return "(no messages)", nil
		}
		var b strings.Builder
		for i, turn := range turns {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s: %s", turn.Role, turn.Content)
		}
		return b.String(), nil
	case CmdHelp:
		return HelpText, nil
	case CmdQuit:
		return "", nil
	}
	return "", ErrUnknownCommand
}
