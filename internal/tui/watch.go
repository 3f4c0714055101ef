// Package tui renders the interactive sync status watcher.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/gymbro/garmin-sync/internal/store"
)

// StateReader loads the current sync state for a user.
type StateReader interface {
	GetSyncState(ctx context.Context, userID string) (store.SyncState, error)
}

type tickMsg time.Time

type stateMsg struct {
	state store.SyncState
	err   error
}

// WatchModel polls sync_state and renders the run until it reaches a
// terminal state.
type WatchModel struct {
	reader  StateReader
	userID  string
	spinner spinner.Model
	bar     progress.Model
	state   store.SyncState
	err     error
	done    bool
}

// NewWatch creates the status watcher model.
func NewWatch(reader StateReader, userID string) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleTitle
	return WatchModel{
		reader:  reader,
		userID:  userID,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient()),
		state:   store.SyncState{UserID: userID, Status: store.StatusIdle},
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m WatchModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		state, err := m.reader.GetSyncState(ctx, m.userID)
		return stateMsg{state: state, err: err}
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tickMsg:
		if m.done {
			return m, tea.Quit
		}
		return m, tea.Batch(m.poll(), tick())

	case stateMsg:
		m.err = msg.err
		if msg.err == nil {
			m.state = msg.state
			if msg.state.Status == store.StatusSynced || msg.state.Status == store.StatusError {
				// One more tick so the final frame renders before quitting
				m.done = true
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m WatchModel) View() string {
	header := styleTitle.Render(fmt.Sprintf("Garmin sync · %s", m.userID))

	if m.err != nil {
		return fmt.Sprintf("%s\n\n%s\n", header, styleError.Render("state read failed: "+m.err.Error()))
	}

	var status string
	switch m.state.Status {
	case store.StatusSyncing:
		status = m.spinner.View() + " syncing"
	case store.StatusSynced:
		status = styleSuccess.Render("✓ synced")
	case store.StatusError:
		msg := "sync failed"
		if m.state.LastError != nil {
			msg = *m.state.LastError
		}
		status = styleError.Render("✗ " + msg)
	default:
		status = styleDim.Render("idle")
	}

	bar := m.bar.ViewAs(float64(m.state.Progress) / 100)

	footer := styleDim.Render("q to quit")
	if m.state.LastSyncedAt != nil {
		footer = styleDim.Render(fmt.Sprintf("last synced %s · q to quit",
			m.state.LastSyncedAt.Local().Format("2006-01-02 15:04")))
	}

	return fmt.Sprintf("%s\n\n%s  %d%%\n%s\n\n%s\n", header, status, m.state.Progress, bar, footer)
}
