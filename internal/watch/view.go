package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/iotpulse/internal/reconcile"
)

const (
	colorGreen  = "#50fa7b"
	colorRed    = "#ff5555"
	colorYellow = "#f1fa8c"
	colorCyan   = "#8be9fd"
	colorPurple = "#bd93f9"
	colorMuted  = "#6272a4"
	colorText   = "#f8f8f2"

	maxTimelineRows = 15
	maxLabels       = 6
)

type styles struct {
	title, muted, online, offline, cursor, selected, live, historical, panel lipgloss.Style
	badges                                                                   map[LinkState]lipgloss.Style
}

func newStyles() styles {
	badge := func(c string) lipgloss.Style {
		return lipgloss.NewStyle().Padding(0, 1).Bold(true).
			Foreground(lipgloss.Color("#282a36")).Background(lipgloss.Color(c))
	}
	return styles{
		title:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPurple)),
		muted:      lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		online:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		offline:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		cursor:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorCyan)).Bold(true),
		selected:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorText)).Bold(true),
		live:       lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)).Bold(true),
		historical: lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorPurple)).
			Padding(0, 1),
		badges: map[LinkState]lipgloss.Style{
			LinkConnecting:   badge(colorYellow),
			LinkConnected:    badge(colorGreen),
			LinkReconnecting: badge(colorYellow),
			LinkDisconnected: badge(colorMuted),
			LinkError:        badge(colorRed),
		},
	}
}

func (m *Model) View() string {
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		m.styles.title.Render("iotpulse"), "  ",
		m.styles.badges[m.link].Render("live: "+m.link.String()), "  ",
		m.styles.muted.Render(m.pollStatus()),
	)
	if m.link == LinkError && m.linkErr != nil {
		header = lipgloss.JoinVertical(lipgloss.Left, header, m.styles.offline.Render(m.linkErr.Error()))
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.styles.panel.Render(m.renderRoster()),
		m.styles.panel.Render(m.renderDetail()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderHelp())
}

func (m *Model) pollStatus() string {
	if m.lastErr != nil {
		return "poll error: " + m.lastErr.Error()
	}
	if m.lastPoll.IsZero() {
		return "polling..."
	}
	return "polled " + m.lastPoll.Format("15:04:05")
}

func (m *Model) renderRoster() string {
	var b strings.Builder
	title := "Devices"
	if m.filter.OnlyOnline {
		title += " (online)"
	}
	b.WriteString(m.styles.title.Render(title) + "\n")
	if m.searching || m.filter.Query != "" {
		b.WriteString(m.styles.muted.Render("/"+m.filter.Query) + "\n")
	}

	roster := m.roster()
	if len(roster) == 0 {
		b.WriteString(m.styles.muted.Render("No devices"))
		return b.String()
	}

	selected := m.state.Selected()
	for i, d := range roster {
		pointer := "  "
		if i == m.cursor {
			pointer = m.styles.cursor.Render("> ")
		}
		dot := m.styles.offline.Render("●")
		if d.Online {
			dot = m.styles.online.Render("●")
		}
		name := d.DeviceID
		if d.DeviceID == selected {
			name = m.styles.selected.Render(name)
		}
		seen := ""
		if t, ok := d.LastSeen.Get(); ok {
			seen = m.styles.muted.Render(" " + ago(t))
		}
		fmt.Fprintf(&b, "%s%s %s%s\n", pointer, dot, name, seen)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderDetail() string {
	d, ok := m.state.SelectedDevice()
	if !ok {
		return m.styles.muted.Render("Select a device")
	}

	var b strings.Builder
	b.WriteString(m.styles.title.Render(d.DeviceID))
	if ip, ok := d.IP.Get(); ok {
		b.WriteString(m.styles.muted.Render("  " + ip))
	}
	b.WriteString("\n")
	if raw, ok := d.LastEvent.Get(); ok {
		if sum := lastEventSummary(raw); sum != "" {
			b.WriteString(m.styles.muted.Render("last event: "+sum) + "\n")
		}
	}

	tel := m.state.Telemetry()
	b.WriteString(m.styles.muted.Render(fmt.Sprintf("telemetry (latest %d)", len(tel))) + "\n")
	if len(tel) > 0 {
		cpu := make([]float64, 0, len(tel))
		disk := make([]float64, 0, len(tel))
		for _, s := range tel {
			if v, ok := s.CPUTempC.Get(); ok {
				cpu = append(cpu, v)
			}
			if v, ok := s.DiskUsedPct.Get(); ok {
				disk = append(disk, v)
			}
		}
		b.WriteString(seriesLine("cpu °C", cpu) + "\n")
		b.WriteString(seriesLine("disk %", disk) + "\n")
	}

	b.WriteString("\n" + m.styles.title.Render("Events") + "\n")
	timeline := m.state.Timeline()
	if len(timeline) == 0 {
		b.WriteString(m.styles.muted.Render("No events"))
		return b.String()
	}
	for i, e := range timeline {
		if i == maxTimelineRows {
			b.WriteString(m.styles.muted.Render(fmt.Sprintf("... %d more", len(timeline)-i)))
			break
		}
		b.WriteString(m.renderEntry(e) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderEntry(e reconcile.Entry) string {
	src := m.styles.historical.Render("db  ")
	if e.Source == reconcile.SourceLive {
		src = m.styles.live.Render("live")
	}
	faces := "-"
	if n, ok := e.Event.Faces.Get(); ok {
		faces = fmt.Sprint(n)
	}
	labels := e.Event.Labels
	if len(labels) > maxLabels {
		labels = labels[:maxLabels]
	}
	return fmt.Sprintf("%s %s faces=%s %s", src, e.Event.TS.Local().Format("15:04:05"), faces, strings.Join(labels, ","))
}

func (m *Model) renderHelp() string {
	if m.searching {
		return m.styles.muted.Render("type to filter • enter keep • esc clear")
	}
	return m.styles.muted.Render("↑/↓ move • enter select • o online only • / search • c clear live • r refresh • q quit")
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// sparkline scales values between their min and max.
func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkBlocks)-1))
		}
		out[i] = sparkBlocks[idx]
	}
	return string(out)
}

func seriesLine(name string, values []float64) string {
	const width = 40
	if len(values) == 0 {
		return fmt.Sprintf("%-7s n/a", name)
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	return fmt.Sprintf("%-7s %s %.1f", name, sparkline(values), values[len(values)-1])
}

func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", max(0, int(d.Seconds())))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// lastEventSummary is the one-line form of a device's last_event snapshot.
func lastEventSummary(raw json.RawMessage) string {
	var e struct {
		Faces  *int     `json:"faces"`
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return ""
	}
	parts := []string{}
	if e.Faces != nil {
		parts = append(parts, fmt.Sprintf("faces=%d", *e.Faces))
	}
	if len(e.Labels) > 0 {
		parts = append(parts, strings.Join(e.Labels, ","))
	}
	return strings.Join(parts, " ")
}
