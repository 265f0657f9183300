// Package tui is the interactive chat screen of the docsage CLI.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/docsage/docsage/engine/domain"
)

// Asker answers one question with one model.
type Asker interface {
	Answer(ctx context.Context, question, model string) (*domain.Answer, error)
}

// turn is one question and its outcome.
type turn struct {
	question string
	answer   *domain.Answer
	err      error
}

type answerMsg struct {
	question string
	answer   *domain.Answer
	err      error
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	ctx      context.Context
	asker    Asker
	model    string
	summary  string
	input    textinput.Model
	viewport viewport.Model
	history  []turn
	pending  string
	status   string
	ready    bool
}

// New returns a chat model asking asker with the given generation model.
func New(ctx context.Context, asker Asker, model, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question about your documents"
	ti.Focus()
	ti.CharLimit = 4000
	return Model{
		ctx:      ctx,
		asker:    asker,
		model:    model,
		summary:  summary,
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   "Ready. Enter to ask, Ctrl+C to quit.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		ans, err := m.asker.Answer(m.ctx, q, m.model)
		return answerMsg{question: q, answer: ans, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, fh := historyStyle.GetFrameSize()
		_, qh := inputStyle.GetFrameSize()
		vh := msg.Height - 3 - qh - fh - 1
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, vh)
		m.refresh()
		return m, nil

	case answerMsg:
		m.pending = ""
		m.history = append(m.history, turn{question: msg.question, answer: msg.answer, err: msg.err})
		if msg.err != nil {
			m.status = "Error: " + domain.KindOf(msg.err).String()
		} else {
			m.status = fmt.Sprintf("Answered with %s", m.model)
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		if msg.Type == tea.KeyEnter {
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.pending != "" {
				return m, nil
			}
			m.pending = q
			m.input.SetValue("")
			m.status = "Thinking..."
			m.refresh()
			return m, m.ask(q)
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := titleStyle.Render("docsage") + " " + dimStyle.Render(m.model)
	return header + "\n" +
		dimStyle.Render(m.summary) + "\n" +
		historyStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		statusStyle.Render(m.status)
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
}

func (m Model) render() string {
	if len(m.history) == 0 && m.pending == "" {
		return dimStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for _, t := range m.history {
		b.WriteString(questionStyle.Render("Q: " + t.question))
		b.WriteString("\n")
		if t.err != nil {
			b.WriteString(errorStyle.Render(t.err.Error()))
		} else {
			b.WriteString(t.answer.Text)
			if len(t.answer.Sources) > 0 {
				b.WriteString("\n")
				b.WriteString(dimStyle.Render("sources: " + strings.Join(uniq(t.answer.Sources), ", ")))
			}
		}
		b.WriteString("\n\n")
	}
	if m.pending != "" {
		b.WriteString(questionStyle.Render("Q: " + m.pending))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("..."))
	}
	return b.String()
}

// uniq keeps the first occurrence of each source, preserving order.
func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, asker Asker, model, summary string) error {
	p := tea.NewProgram(New(ctx, asker, model, summary), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

var (
	historyStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	titleStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	questionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
