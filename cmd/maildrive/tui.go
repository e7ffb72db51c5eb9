package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"
)

type tickMsg time.Time
type errMsg struct{ err error }
type progMsg int

// countModel renders one progress bar for a part-counted operation. The
// operation itself runs elsewhere and feeds progMsg increments; errMsg
// ends the program.
type countModel struct {
	title    string
	cancel   context.CancelFunc
	total    int
	done     int
	spinner  spinner.Model
	bar      progress.Model
	err      error
	finished bool
	// Smoothed ETA
	emaRate  float64 // steps/sec (EMA)
	lastDone int
	lastAt   time.Time
	started  time.Time
}

func newCountModel(title string, total int, cancel context.CancelFunc) *countModel {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &countModel{title: title, total: total, cancel: cancel, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *countModel) Init() tea.Cmd { return tea.Batch(m.spinner.Tick, tick()) }

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *countModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case errMsg:
		m.err = msg.err
		m.finished = true
		// Dropped progress events must not leave a finished bar short.
		if m.err == nil {
			m.done = m.total
		}
		return m, tea.Quit
	case progMsg:
		m.done += int(msg)
		return m, m.spinner.Tick
	case tickMsg:
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *countModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Maildrive")
	s := title + "\n\nPress q to cancel\n\n"
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	if pct > 1 {
		pct = 1
	}
	s += fmt.Sprintf("%s %s %d/%d   %s\n", m.spinner.View(), m.title, m.done, m.total, m.eta())
	s += m.bar.ViewAs(pct) + "\n\n"
	return s
}

func (m *countModel) eta() string {
	if m.total == 0 {
		return "ETA --"
	}
	remaining := m.total - m.done
	if remaining <= 0 {
		return "ETA 0s"
	}
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.done) / elapsed.Seconds()
	}
	if rate <= 0.01 {
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		mrem := int(rem / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		mns := int(d.Minutes())
		sec := int(d.Seconds()) % 60
		return fmt.Sprintf("ETA %dm%ds", mns, sec)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *countModel) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	delta := m.done - m.lastDone
	inst := float64(delta) / dt
	// EMA with half-life ~3s -> alpha depends on dt
	halfLife := 3.0 // seconds
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.done
	m.lastAt = now
}

// runCountTUI renders progress until the operation finishes, then returns
// the operation's error. cancel aborts the operation when the user quits;
// the TUI still waits for it to wind down so partial counts get reported.
func runCountTUI(title string, total int, cancel context.CancelFunc, progress <-chan int, errc <-chan error) error {
	m := newCountModel(title, total, cancel)
	p := tea.NewProgram(m)
	done := make(chan error, 1)
	go func() {
		for inc := range progress {
			p.Send(progMsg(inc))
		}
		err := <-errc
		p.Send(errMsg{err})
		done <- err
	}()
	if _, err := p.Run(); err != nil {
		// No usable terminal; the operation keeps running headless.
		return <-done
	}
	return <-done
}
