// Package tui renders live download progress with bubbletea.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mivren/segmux/internal/engine"
	"github.com/mivren/segmux/internal/models"
)

// Messages
type (
	tickMsg time.Time

	// DoneMsg ends the program after a successful merge.
	DoneMsg struct {
		Output   string
		Warnings []string
	}

	// ErrorMsg ends the program after a failure.
	ErrorMsg struct{ Err error }
)

// States
type appState int

const (
	stateStarting appState = iota
	stateDownloading
	stateDone
	stateError
)

// RenditionInfo describes one selected rendition for display.
type RenditionInfo struct {
	Kind     models.RenditionKind
	Label    string
	Codec    string
	Language string
	Segments int
}

// Model is the progress view. It polls the session's counters on a timer
// rather than consuming per-segment events.
type Model struct {
	state  appState
	width  int
	height int
	frame  int

	url          string
	manifestType string
	renditions   []RenditionInfo

	snapshot func() engine.Snapshot
	snap     engine.Snapshot

	output   string
	warnings []string
	err      error
}

// NewModel creates the progress view. snapshot is polled on every tick.
func NewModel(url, manifestType string, renditions []RenditionInfo, snapshot func() engine.Snapshot) *Model {
	return &Model{
		state:        stateStarting,
		url:          url,
		manifestType: manifestType,
		renditions:   renditions,
		snapshot:     snapshot,
		width:        80,
		height:       24,
	}
}

func (m *Model) Init() tea.Cmd {
	return tick()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.frame++
		m.snap = m.snapshot()
		if m.snap.SegmentsCompleted > 0 {
			m.state = stateDownloading
		}
		return m, tick()

	case DoneMsg:
		m.state = stateDone
		m.output = msg.Output
		m.warnings = msg.Warnings
		m.snap = m.snapshot()
		return m, tea.Quit

	case ErrorMsg:
		m.state = stateError
		m.err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(m.viewHeader(w))
	b.WriteString("\n\n")
	b.WriteString(m.viewContent(w))

	return b.String()
}

func (m *Model) viewHeader(w int) string {
	title := titleStyle.Render("segmux")
	subtitle := dimStyle.Render(" - segmented stream downloader")

	typeLabel := labelStyle.Render("type:")
	typeValue := valueStyle.Render(m.manifestType)

	urlLabel := labelStyle.Render("url:")
	urlValue := dimStyle.Render(truncate(m.url, w-30))

	line1 := title + subtitle
	line2 := fmt.Sprintf("%s %s  %s %s", typeLabel, typeValue, urlLabel, urlValue)

	return headerStyle.Width(w).Render(line1 + "\n" + line2)
}

func (m *Model) viewContent(w int) string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render("Renditions"))
	b.WriteString("\n\n")
	for _, r := range m.renditions {
		b.WriteString(m.renderRendition(r))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("Progress"))
	b.WriteString("\n\n")
	b.WriteString(m.renderProgressBar(w - 6))
	b.WriteString("\n\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return contentStyle.Width(w).Render(b.String())
}

func (m *Model) renderRendition(r RenditionInfo) string {
	var b strings.Builder

	switch r.Kind {
	case models.KindSubtitle:
		b.WriteString(subtitleBadge.Render("SUB"))
	case models.KindAudio:
		b.WriteString(audioBadge.Render("AUDIO"))
	default:
		b.WriteString(videoBadge.Render("VIDEO"))
	}
	b.WriteString(" ")

	info := r.Label
	if r.Codec != "" {
		info += " " + dimStyle.Render("•") + " " + r.Codec
	}
	if r.Language != "" {
		info += " " + dimStyle.Render("•") + " " + r.Language
	}
	b.WriteString(normalStyle.Render(info))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d segments", r.Segments)))

	return b.String()
}

func (m *Model) renderProgressBar(w int) string {
	pct := 0.0
	if m.snap.SegmentsTotal > 0 {
		pct = float64(m.snap.SegmentsCompleted) / float64(m.snap.SegmentsTotal)
	}

	barWidth := clamp(w-20, 20, 80)
	filled := clamp(int(pct*float64(barWidth)), 0, barWidth)
	empty := barWidth - filled

	bar := barFilledStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", empty))

	return bar + " " + statValueStyle.Render(fmt.Sprintf("%.1f%%", pct*100)) +
		dimStyle.Render(fmt.Sprintf(" (%d/%d)", m.snap.SegmentsCompleted, m.snap.SegmentsTotal))
}

func (m *Model) renderStats() string {
	stats := []struct {
		label string
		value string
	}{
		{"Speed", humanize.Bytes(uint64(m.snap.Throughput)) + "/s"},
		{"Downloaded", humanize.Bytes(uint64(m.snap.BytesReceived))},
		{"Retries", fmt.Sprintf("%d", m.snap.Retries)},
		{"Elapsed", formatDuration(m.snap.Elapsed)},
		{"ETA", formatDuration(m.eta())},
	}

	var parts []string
	for _, s := range stats {
		parts = append(parts, labelStyle.Render(s.label+": ")+statValueStyle.Render(s.value))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) eta() time.Duration {
	remaining := m.snap.SegmentsTotal - m.snap.SegmentsCompleted
	if m.snap.Throughput <= 0 || m.snap.SegmentsCompleted == 0 || remaining <= 0 {
		return 0
	}
	avgSize := float64(m.snap.BytesReceived) / float64(m.snap.SegmentsCompleted)
	return time.Duration(float64(remaining) * avgSize / m.snap.Throughput * float64(time.Second))
}

func (m *Model) renderStatus() string {
	switch m.state {
	case stateStarting:
		return spinnerStyle.Render(spinner[m.frame%len(spinner)]) + dimStyle.Render(" starting...")
	case stateDownloading:
		return spinnerStyle.Render(spinner[m.frame%len(spinner)]) + dimStyle.Render(" downloading segments...")
	case stateDone:
		out := successStyle.Render("✓ saved to " + m.output)
		for _, w := range m.warnings {
			out += "\n" + warningStyle.Render("⚠ "+w)
		}
		return out
	case stateError:
		return errorStyle.Render(fmt.Sprintf("✗ error: %v", m.err))
	}
	return ""
}

func (m *Model) renderHelp() string {
	return helpStyle.Render("q quit  ctrl+c cancel")
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Helpers

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	min := d / time.Minute
	d -= min * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, min, s)
	}
	if min > 0 {
		return fmt.Sprintf("%dm%02ds", min, s)
	}
	return fmt.Sprintf("%ds", s)
}
