package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/syncerr"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

const (
	maxBarWidth = 40
	minBarWidth = 10
)

const (
	txtSyncing    = "Syncing %s"
	txtVerifying  = "Verifying checksums"
	txtRetrying   = "Retrying (attempt %d) in %s: %s"
	txtCancelling = "Cancelling..."
	txtDone       = "Synced %s"
	txtCancelled  = "Sync cancelled"
	txtFailed     = "Sync failed: %s"
	txtHelp       = "Press 'Ctrl+C' to cancel."
)

type syncEventMsg progress.Event

type syncDoneMsg struct{ err error }

// syncModel renders the events of one sync as a progress bar.
type syncModel struct {
	target  string
	spinner spinner.Model
	cancel  context.CancelFunc

	last       progress.Event
	status     string
	cancelling bool
	done       bool
	err        error
	width      int
}

func newSyncModel(target string, cancel context.CancelFunc) syncModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cyan

	return syncModel{
		target:  target,
		spinner: s,
		cancel:  cancel,
		status:  fmt.Sprintf(txtSyncing, target),
	}
}

func (m syncModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m syncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC && !m.cancelling {
			// the sync reports its own cancellation, then syncDoneMsg quits
			m.cancelling = true
			m.cancel()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case syncEventMsg:
		ev := progress.Event(msg)
		switch ev.Type {
		case progress.EventProgress:
			m.last = ev
			m.status = fmt.Sprintf(txtSyncing, m.target)
		case progress.EventVerifying:
			m.status = txtVerifying
		case progress.EventRetrying:
			m.status = fmt.Sprintf(txtRetrying, ev.Attempt, ev.Delay.Round(time.Millisecond), ev.Reason)
		}
		return m, nil

	case syncDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m syncModel) View() string {
	if m.done {
		switch {
		case m.err == nil:
			return green.Render("✓ "+fmt.Sprintf(txtDone, m.target)) + "\n"
		case m.cancelling || errors.Is(m.err, syncerr.ErrCancelled):
			return gray.Render(txtCancelled) + "\n"
		default:
			return red.Render("✗ "+fmt.Sprintf(txtFailed, m.err)) + "\n"
		}
	}

	var b strings.Builder
	status := m.status
	if m.cancelling {
		status = txtCancelling
	}
	b.WriteString(m.spinner.View() + " " + status + "\n\n")
	b.WriteString(renderBar(m.last.Percent, m.barWidth()))
	fmt.Fprintf(&b, " %5.1f%%\n", m.last.Percent)
	b.WriteString(gray.Render(statsLine(m.last)) + "\n\n")
	b.WriteString(gray.Render(txtHelp) + "\n")
	return b.String()
}

func (m syncModel) barWidth() int {
	if m.width == 0 {
		return maxBarWidth
	}
	return max(minBarWidth, min(maxBarWidth, m.width-10))
}

func renderBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(width, filled))
	return green.Render(strings.Repeat("█", filled)) + gray.Render(strings.Repeat("░", width-filled))
}

func statsLine(ev progress.Event) string {
	line := humanBytes(ev.BytesDone) + " / " + humanBytes(ev.BytesTotal) + "  " + humanRate(ev.RateBps)
	if ev.ETA > 0 {
		line += "  eta " + ev.ETA.Round(time.Second).String()
	}
	return line
}

// runSyncTUI runs a sync while drawing its progress on out. Ctrl+C cancels the sync
// rather than killing the program, so the root is left in a resumable state.
func runSyncTUI(ctx context.Context, syncer *mirror.Syncer, req mirror.Request, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newSyncModel(req.Root, cancel), tea.WithOutput(out))

	done := make(chan error, 1)
	go func() {
		err := syncer.Sync(ctx, req, progress.ReporterFunc(func(ev progress.Event) {
			if !ev.Terminal() {
				p.Send(syncEventMsg(ev))
			}
		}))
		done <- err
		p.Send(syncDoneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("progress view: %w", err)
	}
	return <-done
}
