// Package watch is the terminal dashboard: it polls the read API, follows the
// live relay and renders the reconciled roster and event timeline.
package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/iotpulse/internal/apiclient"
	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/reconcile"
)

// API is the slice of the read API the dashboard polls.
type API interface {
	Devices(ctx context.Context) ([]models.Device, error)
	History(ctx context.Context, deviceID string, telLimit, evtLimit int) (apiclient.History, error)
}

type Options struct {
	PollInterval time.Duration
	TelLimit     int
	EvtLimit     int
}

type (
	tickMsg   struct{}
	rosterMsg struct {
		devices []models.Device
		err     error
	}
	historyMsg struct {
		deviceID string
		history  apiclient.History
		err      error
	}
)

// Model is the bubbletea model. Every reconcile.State mutation happens in
// Update.
type Model struct {
	ctx   context.Context
	api   API
	feed  *Feed
	state *reconcile.State
	log   logger.Logger
	opts  Options

	filter    reconcile.Filter
	searching bool
	cursor    int

	link     LinkState
	linkErr  error
	lastErr  error
	lastPoll time.Time

	width  int
	styles styles
}

// NewModel wires the dashboard. feed may be nil to run on polling alone.
func NewModel(ctx context.Context, api API, feed *Feed, state *reconcile.State, log logger.Logger, opts Options) *Model {
	if opts.PollInterval < reconcile.MinPollInterval {
		opts.PollInterval = reconcile.MinPollInterval
	}
	return &Model{
		ctx:    ctx,
		api:    api,
		feed:   feed,
		state:  state,
		log:    log.WithComponent("watch"),
		opts:   opts,
		link:   LinkDisconnected,
		styles: newStyles(),
	}
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetchRoster(), m.tick()}
	if m.feed != nil {
		m.link = LinkConnecting
		cmds = append(cmds, m.feed.Next())
	}
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(m.fetchRoster(), m.tick())

	case rosterMsg:
		m.lastPoll = time.Now()
		if msg.err != nil {
			m.lastErr = msg.err
			m.log.Warn().Err(msg.err).Msg("roster poll failed")
			return m, nil
		}
		m.lastErr = nil
		if err := m.state.ApplyRoster(msg.devices); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist selection")
		}
		m.clampCursor()
		return m, m.fetchHistory()

	case historyMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			m.log.Warn().Err(msg.err).Str("device_id", msg.deviceID).Msg("history poll failed")
			return m, nil
		}
		m.state.ApplyHistory(msg.deviceID, msg.history.Telemetry, msg.history.Events)
		return m, nil

	case LinkMsg:
		m.link = msg.State
		m.linkErr = msg.Err
		return m, m.nextFeed()

	case LiveMsg:
		prev := m.state.Selected()
		if err := m.state.ApplyLive(msg.Message); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist selection")
		}
		cmds := []tea.Cmd{m.nextFeed()}
		if m.state.Selected() != prev {
			cmds = append(cmds, m.fetchHistory())
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searching {
		switch msg.Type {
		case tea.KeyEsc:
			m.filter.Query = ""
			m.searching = false
		case tea.KeyEnter:
			m.searching = false
		case tea.KeyBackspace:
			if q := []rune(m.filter.Query); len(q) > 0 {
				m.filter.Query = string(q[:len(q)-1])
			}
		case tea.KeyRunes, tea.KeySpace:
			m.filter.Query += string(msg.Runes)
		case tea.KeyCtrlC:
			return m, tea.Quit
		}
		m.clampCursor()
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.roster())-1 {
			m.cursor++
		}
	case "enter":
		roster := m.roster()
		if m.cursor < len(roster) {
			return m, m.selectDevice(roster[m.cursor].DeviceID)
		}
	case "o":
		m.filter.OnlyOnline = !m.filter.OnlyOnline
		m.clampCursor()
	case "/":
		m.searching = true
	case "c":
		m.state.ClearLive()
		return m, m.fetchHistory()
	case "r":
		return m, m.fetchRoster()
	}
	return m, nil
}

func (m *Model) selectDevice(id string) tea.Cmd {
	if err := m.state.Select(id); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist selection")
	}
	return m.fetchHistory()
}

func (m *Model) roster() []models.Device {
	return m.state.Roster(m.filter)
}

func (m *Model) clampCursor() {
	n := len(m.roster())
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) nextFeed() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return m.feed.Next()
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.opts.PollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *Model) fetchRoster() tea.Cmd {
	api, ctx := m.api, m.ctx
	return func() tea.Msg {
		devices, err := api.Devices(ctx)
		return rosterMsg{devices: devices, err: err}
	}
}

// fetchHistory polls the window for the current selection. The result is
// tagged with the device so a late answer for an old selection is dropped.
func (m *Model) fetchHistory() tea.Cmd {
	id := m.state.Selected()
	if id == "" {
		return nil
	}
	api, ctx, tel, evt := m.api, m.ctx, m.opts.TelLimit, m.opts.EvtLimit
	return func() tea.Msg {
		h, err := api.History(ctx, id, tel, evt)
		return historyMsg{deviceID: id, history: h, err: err}
	}
}
