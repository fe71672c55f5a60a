package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"deepnerd/internal/tree"
)

// ProgressMsg carries one controller snapshot into the dashboard.
type ProgressMsg tree.Progress

// DoneMsg signals that the run reached a terminal state.
type DoneMsg struct {
	Err error
}

// ResearchModel is the live dashboard shown while a tree expands.
type ResearchModel struct {
	width  int
	height int

	question string
	cancel   func() // controller soft-cancel, invoked on first Ctrl+C

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	latest     *tree.Progress
	history    []string // one line per snapshot, newest last
	cancelling bool
	done       bool
	err        error

	styles Styles
}

// NewResearchModel creates the dashboard for one investigation.
func NewResearchModel(question string, cancel func()) ResearchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	pb := progress.New(progress.WithDefaultGradient())
	vp := viewport.New(80, 12)
	vp.SetContent("")
	return ResearchModel{
		question: question,
		cancel:   cancel,
		spinner:  sp,
		progress: pb,
		viewport: vp,
		styles:   DefaultStyles(),
		width:    80,
		height:   24,
	}
}

// Init starts the spinner.
func (m ResearchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages.
func (m ResearchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.setSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		case "k", "up":
			m.viewport.LineUp(1)
		case "j", "down":
			m.viewport.LineDown(1)
		case "pgup":
			m.viewport.HalfViewUp()
		case "pgdown":
			m.viewport.HalfViewDown()
		}

	case ProgressMsg:
		p := tree.Progress(msg)
		m.latest = &p
		m.history = append(m.history, snapshotLine(p))
		m.viewport.SetContent(strings.Join(m.history, "\n"))
		m.viewport.GotoBottom()

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m ResearchModel) View() string {
	var sb strings.Builder

	title := m.styles.Header.Render(" deepNERD ")
	question := m.styles.Title.Render(truncate(m.question, m.width-14))
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, title, "  ", question) + "\n\n")

	if m.latest == nil {
		sb.WriteString(m.spinner.View() + " Creating tree...\n")
		return sb.String()
	}
	p := *m.latest

	sb.WriteString(m.progress.ViewAs(p.Percent/100) + "\n\n")

	status := m.styles.Info
	switch p.Status {
	case tree.TreeCompleted:
		status = m.styles.Success
	case tree.TreeFailed:
		status = m.styles.Error
	case tree.TreeCancelled:
		status = m.styles.Warning
	}
	line := fmt.Sprintf("%s  nodes %d (%d done / %d pending / %d skipped)  depth %d  %d tok  $%.4f",
		status.Render(strings.ToUpper(string(p.Status))),
		p.TotalNodes, p.CompletedNodes, p.PendingNodes, p.SkippedNodes,
		p.MaxDepth, p.TokensUsed, p.EstimatedCost)
	sb.WriteString(line + "\n\n")

	sb.WriteString(m.viewport.View() + "\n")

	switch {
	case m.done:
		sb.WriteString(m.styles.Footer.Render("Finished. Press q to view the report."))
	case m.cancelling:
		sb.WriteString(m.styles.Warning.Render("Cancelling after the current batch..."))
	default:
		sb.WriteString(m.styles.Footer.Render(m.spinner.View() + " Investigating   [j/k] scroll  [Ctrl+C] cancel"))
	}

	return sb.String()
}

func (m *ResearchModel) setSize(w, h int) {
	m.width = w
	m.height = h
	m.progress.Width = w - 4
	m.viewport.Width = w
	vh := h - 10
	if vh < 3 {
		vh = 3
	}
	m.viewport.Height = vh
}

func snapshotLine(p tree.Progress) string {
	return fmt.Sprintf("[%s] depth %d  %3d nodes  %3d done  %3d skipped  %5.1f%%",
		p.Timestamp.Format("15:04:05"), p.MaxDepth, p.TotalNodes,
		p.CompletedNodes, p.SkippedNodes, p.Percent)
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
