/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	serialtest "github.com/allbin/serial-test"
	"github.com/allbin/serial-test/internal/tui/components"
	"github.com/allbin/serial-test/internal/tui/keys"
	"github.com/allbin/serial-test/internal/tui/styles"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	dashboardRefresh = 100 * time.Millisecond
	maxLogLines      = 8
)

type snapshotMsg serialtest.Snapshot

type finishedMsg struct {
	result serialtest.Result
	code   int
}

type logMsg string

// logHook forwards warnings to the dashboard while it owns the terminal
type logHook struct {
	send func(tea.Msg)
}

func (h *logHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel}
}

func (h *logHook) Fire(entry *log.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.send(logMsg(strings.TrimSpace(line)))
	return nil
}

type dashboardModel struct {
	config    serialtest.Config
	interrupt *serialtest.Interrupt
	snap      serialtest.Snapshot
	result    *serialtest.Result
	code      int
	stopping  bool
	details   bool
	width     int
	logs      []string
	status    *components.StatusBar

	tx    progress.Model
	rx    progress.Model
	help  help.Model
	keys  keys.DashboardKeys
	theme styles.Theme
	p     *message.Printer
}

func newDashboardModel(config serialtest.Config, interrupt *serialtest.Interrupt) dashboardModel {
	return dashboardModel{
		config:    config,
		interrupt: interrupt,
		width:     80,
		status:    components.NewStatusBar(config),
		tx:        progress.New(progress.WithDefaultGradient()),
		rx:        progress.New(progress.WithDefaultGradient()),
		help:      help.New(),
		keys:      keys.NewDashboardKeys(),
		theme:     styles.New(lipgloss.DefaultRenderer()),
		p:         message.NewPrinter(language.AmericanEnglish),
	}
}

func runDashboard(ctx context.Context, config serialtest.Config, interrupt *serialtest.Interrupt, opts ...serialtest.RunOption) int {
	m := newDashboardModel(config, interrupt)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// logrus writes would tear the alt screen
	log.SetOutput(io.Discard)
	log.AddHook(&logHook{send: p.Send})
	defer log.SetOutput(os.Stderr)

	var report bytes.Buffer
	var lastSent time.Time
	observe := func(s serialtest.Snapshot) {
		if s.Now.Sub(lastSent) < dashboardRefresh {
			return
		}
		lastSent = s.Now
		p.Send(snapshotMsg(s))
	}

	done := make(chan int, 1)
	go func() {
		runOpts := append(opts,
			serialtest.WithOutput(&report),
			serialtest.WithEngineOptions(serialtest.WithObserver(observe)),
		)
		res, code := serialtest.Run(ctx, config, runOpts...)
		p.Send(finishedMsg{result: res, code: code})
		done <- code
	}()

	if _, err := p.Run(); err != nil {
		log.WithError(err).Error("dashboard failed")
	}

	// leaving the dashboard stops a run that is still going
	interrupt.Trigger()
	code := <-done
	io.Copy(os.Stdout, &report)
	return code
}

func (m dashboardModel) Init() tea.Cmd {
	return nil
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		barWidth := msg.Width - 24
		if barWidth < 10 {
			barWidth = 10
		}
		m.tx.Width = barWidth
		m.rx.Width = barWidth
		m.help.Width = msg.Width
		m.status.SetWidth(msg.Width)

	case snapshotMsg:
		m.snap = serialtest.Snapshot(msg)
		m.status.Update(m.snap.State, m.snap.Elapsed())

	case logMsg:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}

	case finishedMsg:
		res := msg.result
		m.result = &res
		m.code = msg.code
		m.snap.Stats = res.Stats
		m.status.SetFinished(msg.code)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.result != nil || m.stopping {
				return m, tea.Quit
			}
			m.stopping = true
			m.status.SetStopping()
			m.interrupt.Trigger()

		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll

		case key.Matches(msg, m.keys.Details):
			m.details = !m.details

		case key.Matches(msg, m.keys.Clear):
			m.logs = nil
		}
	}

	return m, nil
}

func limitProgress(elapsed, limit time.Duration) float64 {
	if limit <= 0 {
		return 0
	}
	if f := float64(elapsed) / float64(limit); f < 1 {
		return f
	}
	return 1
}

func (m dashboardModel) row(label, value string) string {
	return m.theme.Label.Render(label) + m.theme.Value.Render(value)
}

func (m dashboardModel) View() string {
	t := m.theme
	var b strings.Builder

	b.WriteString(t.Title.Render("serial-test "+m.config.Port) + "\n\n")

	elapsed := m.snap.Elapsed()
	b.WriteString(m.row("state", m.snap.State.String()) + "\n")
	b.WriteString(m.row("elapsed", elapsed.Round(100*time.Millisecond).String()) + "\n")
	b.WriteString(t.Label.Render("written") + t.Tx.Render(m.p.Sprintf("%d", m.snap.Written)) + "\n")
	b.WriteString(t.Label.Render("read") + t.Rx.Render(m.p.Sprintf("%d", m.snap.Read)) + "\n")

	errStyle := t.Value
	if m.snap.Errors > 0 {
		errStyle = t.Fail
	}
	b.WriteString(t.Label.Render("sequence errors") + errStyle.Render(m.p.Sprintf("%d", m.snap.Errors)) + "\n")

	bits := serialtest.FrameBits(m.config.StopBits, m.config.Parity)
	if est := serialtest.EstimateBaud(m.snap.Read, bits, m.snap.RxDuration()); est > 0 {
		b.WriteString(m.row("estimated baud", m.p.Sprintf("%.0f / %d", est, m.config.RequestedBaud())) + "\n")
	}

	if m.config.TxTime > 0 {
		b.WriteString(t.Label.Render("tx time") + m.tx.ViewAs(limitProgress(elapsed, m.config.TxTime)) + "\n")
	}
	if m.config.RxTime > 0 {
		b.WriteString(t.Label.Render("rx time") + m.rx.ViewAs(limitProgress(elapsed, m.config.RxTime)) + "\n")
	}

	if m.details {
		b.WriteString("\n")
		b.WriteString(m.row("last read", m.snap.Now.Sub(m.snap.LastRead).Round(time.Millisecond).String()+" ago") + "\n")
		b.WriteString(m.row("last write", m.snap.Now.Sub(m.snap.LastWrite).Round(time.Millisecond).String()+" ago") + "\n")
		b.WriteString(m.row("rx / tx active", fmt.Sprintf("%t / %t", m.snap.RxActive, m.snap.TxActive)) + "\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n" + t.Box.Width(m.width-4).Render(t.Muted.Render(strings.Join(m.logs, "\n"))) + "\n")
	}

	if m.result != nil {
		b.WriteString("\n" + t.Verdict(m.code).Render(fmt.Sprintf("finished, exit %d", m.code)) + t.Muted.Render("  q to leave") + "\n")
	}
	b.WriteString("\n" + m.status.View() + "\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}
