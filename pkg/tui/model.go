// Package tui renders a conversation in the terminal, either as a
// full-screen bubbletea program or as a line-oriented prompt.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/godeps/agentchat/pkg/agent"
	"github.com/godeps/agentchat/pkg/chat"
	"github.com/godeps/agentchat/pkg/message"
)

const defaultGlamourStyle = "dark"

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	traceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7")).Background(lipgloss.Color("236")).Padding(0, 1)
)

// Message types for tea.Cmd
type (
	completionMsg   string
	firstChunkMsg   time.Duration
	traceMsg        agent.Trace
	exchangeDoneMsg struct {
		resp *agent.Response
		err  error
	}
)

type entryKind int

const (
	entryUser entryKind = iota + 1
	entryAssistant
	entryTrace
	entryInfo
	entryError
)

type entry struct {
	kind entryKind
	text string
}

// Option customises a Model.
type Option func(*Model)

// WithGlamourStyle selects the glamour style used for answers, e.g. "dark",
// "light" or "notty".
func WithGlamourStyle(style string) Option {
	return func(m *Model) {
		if strings.TrimSpace(style) != "" {
			m.glamourStyle = style
		}
	}
}

// Model is the bubbletea model for one conversation.
type Model struct {
	ctx  context.Context
	conv *chat.Conversation

	input    textinput.Model
	view     viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	glamourStyle string
	width        int
	height       int
	ready        bool

	entries  []entry
	messages int

	pending    bool
	partial    string
	events     <-chan tea.Msg
	cancel     context.CancelFunc
	firstChunk time.Duration
	total      time.Duration
	quitting   bool
}

// New builds a model over conv and loads its committed transcript.
func New(ctx context.Context, conv *chat.Conversation, opts ...Option) *Model {
	ti := textinput.New()
	ti.Placeholder = "Ask the agent, or /help"
	ti.Prompt = "> "
	ti.Focus()
	ti.CharLimit = 4000

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	m := &Model{
		ctx:          ctx,
		conv:         conv,
		input:        ti,
		view:         viewport.New(80, 20),
		spinner:      sp,
		glamourStyle: defaultGlamourStyle,
		width:        80,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reloadTranscript()
	m.renderer = m.newRenderer()
	return m
}

// Run starts a full-screen program and blocks until the user quits.
func Run(ctx context.Context, conv *chat.Conversation, opts ...Option) error {
	program := tea.NewProgram(New(ctx, conv, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.pending {
				m.cancel()
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEsc:
			if m.pending {
				m.cancel()
			}
			return m, nil
		case tea.KeyEnter:
			if m.pending {
				return m, nil
			}
			line := m.input.Value()
			m.input.Reset()
			return m, m.handleLine(line)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}

	case spinner.TickMsg:
		if !m.pending {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh()
		return m, cmd

	case completionMsg:
		m.partial = string(msg)
		m.refresh()
		return m, waitForEvent(m.events)

	case firstChunkMsg:
		m.firstChunk = time.Duration(msg)
		return m, waitForEvent(m.events)

	case traceMsg:
		m.entries = append(m.entries, entry{kind: entryTrace, text: summariseTrace(agent.Trace(msg))})
		m.refresh()
		return m, waitForEvent(m.events)

	case exchangeDoneMsg:
		m.finishExchange(msg)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	return m.view.View() + "\n" + m.statusLine() + "\n" + m.input.View()
}

func (m *Model) handleLine(line string) tea.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, ok, err := chat.ParseCommand(line)
	if !ok {
		return m.startExchange(line)
	}
	if err != nil {
		m.appendEntry(entryError, err.Error())
		return nil
	}
	if cmd.Kind == chat.CmdQuit {
		m.quitting = true
		return tea.Quit
	}
	out, err := m.conv.Execute(cmd)
	if err != nil {
		m.appendEntry(entryError, err.Error())
		return nil
	}
	if cmd.Kind == chat.CmdReset || cmd.Kind == chat.CmdSession {
		m.reloadTranscript()
		m.firstChunk, m.total = 0, 0
	}
	m.appendEntry(entryInfo, out)
	return nil
}

// startExchange submits prompt on a goroutine. Progress arrives as tea
// messages read one at a time by waitForEvent.
func (m *Model) startExchange(prompt string) tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	events := make(chan tea.Msg, 64)
	m.events, m.cancel = events, cancel
	m.pending, m.partial = true, ""
	m.firstChunk, m.total = 0, 0
	m.appendEntry(entryUser, prompt)

	conv := m.conv
	go func() {
		defer close(events)
		obs := agent.ObserverFuncs{
			Completion: func(text string) { events <- completionMsg(text) },
			FirstChunk: func(latency time.Duration) { events <- firstChunkMsg(latency) },
		}
		sink := agent.TraceSinkFunc(func(_ context.Context, _ string, trace agent.Trace) {
			events <- traceMsg(trace)
		})
		resp, err := conv.Submit(agent.ContextWithTraceSink(ctx, sink), prompt, obs)
		events <- exchangeDoneMsg{resp: resp, err: err}
	}()
	return tea.Batch(m.spinner.Tick, waitForEvent(events))
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) finishExchange(msg exchangeDoneMsg) {
	m.pending = false
	if m.cancel != nil {
		m.cancel()
	}
	m.partial = ""
	if msg.err != nil {
		m.appendEntry(entryError, describeError(msg.err))
		return
	}
	m.total = msg.resp.TotalLatency
	m.firstChunk = msg.resp.FirstChunkLatency
	m.entries = append(m.entries, entry{kind: entryAssistant, text: msg.resp.Completion})
	m.messages += 2
	m.refresh()
}

// describeError formats a failed exchange. A partial answer is shown but
// was never committed.
func describeError(err error) string {
	var streamErr *agent.StreamError
	switch {
	case agent.IsRequestError(err):
		return "request failed: " + err.Error()
	case errors.As(err, &streamErr):
		text := "stream failed: " + err.Error()
		if streamErr.Partial != "" {
			text += "\npartial answer (not saved): " + streamErr.Partial
		}
		return text
	}
	return err.Error()
}

func (m *Model) reloadTranscript() {
	m.entries = m.entries[:0]
	turns, err := m.conv.Transcript()
	if err != nil {
		m.entries = append(m.entries, entry{kind: entryError, text: err.Error()})
		m.messages = 0
		return
	}
	m.entries = append(m.entries, entriesFor(turns)...)
	m.messages = len(turns)
	m.refresh()
}

func entriesFor(turns message.Transcript) []entry {
	out := make([]entry, 0, len(turns))
	for _, turn := range turns {
		kind := entryUser
		if turn.Role == message.RoleAssistant {
			kind = entryAssistant
		}
		out = append(out, entry{kind: kind, text: turn.Content})
	}
	return out
}

func (m *Model) appendEntry(kind entryKind, text string) {
	m.entries = append(m.entries, entry{kind: kind, text: text})
	m.refresh()
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.input.Width = max(width-4, 10)
	m.view.Width = width
	m.view.Height = max(height-2, 1)
	m.ready = true
	m.renderer = m.newRenderer()
	m.refresh()
}

func (m *Model) newRenderer() *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(m.glamourStyle),
		glamour.WithWordWrap(max(m.width-4, 20)),
	)
	if err != nil {
		return nil
	}
	return r
}

func (m *Model) refresh() {
	m.view.SetContent(m.render())
	m.view.GotoBottom()
}

func (m *Model) render() string {
	var b strings.Builder
	for _, e := range m.entries {
		switch e.kind {
		case entryUser:
			b.WriteString(userStyle.Render("you") + " " + e.text + "\n")
		case entryAssistant:
			b.WriteString(agentStyle.Render("agent") + "\n" + m.markdown(e.text) + "\n")
		case entryTrace:
			b.WriteString(traceStyle.Render("trace "+e.text) + "\n")
		case entryInfo:
			b.WriteString(infoStyle.Render(e.text) + "\n")
		case entryError:
			b.WriteString(errorStyle.Render(e.text) + "\n")
		}
	}
	if m.pending {
		b.WriteString(agentStyle.Render("agent") + " " + m.spinner.View() + "\n")
		if m.partial != "" {
			b.WriteString(m.partial + "\n")
		}
	}
	return b.String()
}

func (m *Model) markdown(text string) string {
	if m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m *Model) statusLine() string {
	settings := m.conv.Settings()
	trace := "off"
	if settings.EnableTrace {
		trace = "on"
	}
	parts := []string{
		"session " + m.conv.SessionID(),
		fmt.Sprintf("%d messages", m.messages),
		"first chunk " + formatLatency(m.firstChunk),
		"total " + formatLatency(m.total),
		"trace " + trace,
		fmt.Sprintf("limit %d", settings.HistoryLimit),
	}
	return statusStyle.Render(strings.Join(parts, " | "))
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// summariseTrace compacts a trace payload onto one line.
func summariseTrace(trace agent.Trace) string {
	var compact strings.Builder
	var v any
	if err := json.Unmarshal(trace, &v); err == nil {
		if raw, err := json.Marshal(v); err == nil {
			compact.Write(raw)
		}
	}
	if compact.Len() == 0 {
		compact.Write(trace)
	}
	text := compact.String()
	const limit = 200
	if len([]rune(text)) > limit {
		text = string([]rune(text)[:limit]) + "..."
	}
	return text
}
