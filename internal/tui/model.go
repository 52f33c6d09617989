package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/comigor/tripmate/internal/chat"
	"github.com/comigor/tripmate/internal/logger"
)

// Session is the part of *chat.Session the UI drives.
type Session interface {
	Submit(text string) (chat.Message, error)
	Retry(id string) (chat.Message, error)
	Cancel() bool
	Snapshot() chat.Snapshot
}

type (
	// changedMsg reports a session state transition.
	changedMsg struct{}
	// closedMsg reports that the session stopped publishing.
	closedMsg struct{}
)

// Model is the chat screen.
type Model struct {
	session Session
	changes <-chan struct{}

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	snap   chat.Snapshot
	notice string
	ready  bool

	width  int
	height int
}

// NewModel creates the chat screen for session. changes is the session's
// subscription channel.
func NewModel(session Session, changes <-chan struct{}) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about flights, hotels, itineraries..."
	ta.CharLimit = 4000
	ta.ShowLineNumbers = false
	ta.SetHeight(2)
	ta.Focus()

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = pendingStyle

	return Model{
		session:  session,
		changes:  changes,
		textarea: ta,
		spinner:  s,
		snap:     session.Snapshot(),
	}
}

// Init starts the cursor blink, the spinner and the session listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, waitForChange(m.changes))
}

func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return closedMsg{}
		}
		return changedMsg{}
	}
}

// Update handles input, session changes and resizes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case changedMsg:
		m.snap = m.session.Snapshot()
		m.notice = ""
		m.refresh()
		return m, waitForChange(m.changes)

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.session.Cancel() {
				m.notice = "Cancelling..."
				return m, nil
			}
			return m, tea.Quit
		case "enter":
			m.submit()
			return m, nil
		case "ctrl+r":
			m.retry()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) submit() {
	_, err := m.session.Submit(m.textarea.Value())
	switch {
	case err == nil:
		m.textarea.Reset()
		m.notice = ""
	case errors.Is(err, chat.ErrEmptyMessage):
	case errors.Is(err, chat.ErrBusy):
		m.notice = "Please wait for the current reply."
	default:
		logger.L.Warnw("submit rejected", "error", err)
		m.notice = err.Error()
	}
}

func (m *Model) retry() {
	failed, ok := m.snap.LastFailed()
	if !ok {
		m.notice = "Nothing to retry."
		return
	}
	switch _, err := m.session.Retry(failed.ID); {
	case err == nil:
		m.notice = ""
	case errors.Is(err, chat.ErrBusy):
		m.notice = "Please wait for the current reply."
	default:
		logger.L.Warnw("retry rejected", "message_id", failed.ID, "error", err)
		m.notice = err.Error()
	}
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height

	const chrome = 3 + 4 + 1 // header, input panel, status line
	vpHeight := max(height-chrome, 3)
	contentWidth := max(width-2, 20)

	if !m.ready {
		m.viewport = viewport.New(contentWidth, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = contentWidth
		m.viewport.Height = vpHeight
	}
	m.textarea.SetWidth(contentWidth - 4)

	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(contentWidth-2),
	)
	if err != nil {
		logger.L.Warnw("markdown renderer unavailable", "error", err)
		r = nil
	}
	m.renderer = r
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m Model) renderMessages() string {
	if len(m.snap.Messages) == 0 {
		return hintStyle.Render("Where would you like to go? Ask me anything about your trip.")
	}
	var b strings.Builder
	for _, msg := range m.snap.Messages {
		if msg.Sender == chat.SenderUser {
			label := userLabelStyle.Render("You")
			switch msg.State {
			case chat.StatePending:
				label += " " + pendingStyle.Render("sending")
			case chat.StateFailed:
				label += " " + failedStyle.Render("failed, ctrl+r to retry")
			}
			b.WriteString(label + "\n" + userTextStyle.Render(msg.Content) + "\n\n")
			continue
		}
		b.WriteString(assistantLabelStyle.Render("Assistant") + "\n" + m.markdown(msg.Content) + "\n")
	}
	return b.String()
}

func (m Model) markdown(content string) string {
	if m.renderer == nil {
		return content + "\n"
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content + "\n"
	}
	return out
}

// View draws the screen.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Width(m.width - 2).Render(
		titleStyle.Render("Tripmate") + "  " + hintStyle.Render("enter send · ctrl+r retry · esc cancel · ctrl+c quit"))

	return strings.Join([]string{
		header,
		m.viewport.View(),
		m.status(),
		inputPanelStyle.Width(m.width - 2).Render(m.textarea.View()),
	}, "\n")
}

func (m Model) status() string {
	switch {
	case m.snap.InFlight:
		return fmt.Sprintf("%s %s", m.spinner.View(), pendingStyle.Render("The assistant is typing..."))
	case m.notice != "":
		return hintStyle.Render(m.notice)
	case m.snap.LastError != "":
		return errorStyle.Render(m.snap.LastError)
	default:
		return ""
	}
}
