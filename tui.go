package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tomaslejdung/pixelpeep/pkg/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

// Column indices
const (
	columnStreamers = 0
	columnFPS       = 1
)

// events kept for the log panel
const maxEvents = 6

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	urlStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	viewerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	// Keybind styles
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	toggleActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("10"))

	toggleInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	// Box styles for columns
	activeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	inactiveBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	boxTitleDimStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("8"))
)

// controller is the part of the app the dashboard drives
type controller interface {
	Toggle(id string)
	SetFPS(fps int)
}

// Messages
type frameMsg frame

type appDoneMsg struct {
	err error
}

// Model
type model struct {
	ctl        controller
	signalling string
	ids        []string // configured streamers in config order
	prefsPath  string

	streamerCursor int
	fpsCursor      int
	selectedFPS    int
	activeColumn   int
	showStats      bool
	showLog        bool

	frame     frame
	running   map[string]streamer.StreamerView
	events    []streamer.ConnectionEvent
	startTime time.Time
	lastError string
}

func initialModel(ctl controller, cfg *settings.Config, prefs settings.Prefs, prefsPath string) model {
	m := model{
		ctl:        ctl,
		signalling: cfg.Signalling.URL,
		prefsPath:  prefsPath,
		showLog:    prefs.ShowLog,
		running:    make(map[string]streamer.StreamerView),
		startTime:  time.Now(),
	}
	for i, sc := range cfg.Streamers {
		m.ids = append(m.ids, sc.ID)
		if sc.ID == prefs.Streamer {
			m.streamerCursor = i
		}
	}

	m.selectedFPS = settings.FPSIndexForValue(cfg.Tick.FPS)
	// a remembered preset only applies when nothing overrode the default rate
	if cfg.Tick.FPS == settings.DefaultFPS().Value && prefs.FPS != m.selectedFPS {
		m.selectedFPS = prefs.FPS
		ctl.SetFPS(settings.FPSPresets[prefs.FPS].Value)
	}
	m.fpsCursor = m.selectedFPS
	return m
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case frameMsg:
		m.frame = frame(msg)
		clear(m.running)
		for _, s := range m.frame.Streamers {
			m.running[s.ID] = s
		}
		for _, ev := range m.frame.Events {
			m.events = append(m.events, ev)
			if ev.Err != nil {
				m.lastError = fmt.Sprintf("%s/%s: %v", ev.Streamer, ev.Connection, ev.Err)
			}
		}
		if over := len(m.events) - maxEvents; over > 0 {
			m.events = m.events[over:]
		}
		return m, nil

	case appDoneMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.savePrefs()
		return m, tea.Quit

	case "tab", "right", "l", "shift+tab", "left", "h":
		if m.activeColumn == columnStreamers {
			m.activeColumn = columnFPS
		} else {
			m.activeColumn = columnStreamers
		}
		return m, nil

	case "up", "k":
		if m.activeColumn == columnStreamers {
			if m.streamerCursor > 0 {
				m.streamerCursor--
			}
		} else if m.fpsCursor > 0 {
			m.fpsCursor--
		}
		return m, nil

	case "down", "j":
		if m.activeColumn == columnStreamers {
			if m.streamerCursor < len(m.ids)-1 {
				m.streamerCursor++
			}
		} else if m.fpsCursor < len(settings.FPSPresets)-1 {
			m.fpsCursor++
		}
		return m, nil

	case "enter", " ":
		if m.activeColumn == columnStreamers {
			if m.streamerCursor < len(m.ids) {
				m.ctl.Toggle(m.ids[m.streamerCursor])
			}
			return m, nil
		}
		return m.applyFPS(m.fpsCursor)

	case "1", "2", "3", "4", "5":
		return m.applyFPS(int(msg.String()[0] - '1'))

	case "i":
		m.showStats = !m.showStats
		return m, nil

	case "g":
		m.showLog = !m.showLog
		return m, nil
	}
	return m, nil
}

func (m model) applyFPS(index int) (tea.Model, tea.Cmd) {
	if index < 0 || index >= len(settings.FPSPresets) {
		return m, nil
	}
	m.fpsCursor = index
	if index != m.selectedFPS {
		m.selectedFPS = index
		m.ctl.SetFPS(settings.FPSPresets[index].Value)
	}
	return m, nil
}

func (m model) savePrefs() {
	if m.prefsPath == "" {
		return
	}
	prefs := settings.Prefs{FPS: m.selectedFPS, ShowLog: m.showLog}
	if m.streamerCursor < len(m.ids) {
		prefs.Streamer = m.ids[m.streamerCursor]
	}
	if err := settings.SavePrefs(m.prefsPath, prefs); err != nil {
		log := logging.L()
		log.Warn().Err(err).Msg("failed to save dashboard preferences")
	}
}

func (m model) View() string {
	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("PixelPeep"))
	b.WriteString(dimStyle.Render(" - Pixel Streaming streamer"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	b.WriteString(m.renderColumns())

	if m.showStats {
		b.WriteString("\n")
		b.WriteString(m.renderStats())
	}

	if m.showLog && len(m.events) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderEvents())
	}

	// Error message
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m model) renderStatus() string {
	var b strings.Builder

	b.WriteString(statusStyle.Render("Signalling: "))
	b.WriteString(urlStyle.Render(m.signalling))
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("Streamers: "))
	b.WriteString(normalStyle.Render(fmt.Sprintf("%d/%d", len(m.running), len(m.ids))))
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("Viewers: "))
	if n := m.viewerCount(); n == 0 {
		b.WriteString(dimStyle.Render("waiting..."))
	} else {
		b.WriteString(viewerStyle.Render(fmt.Sprintf("%d", n)))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) viewerCount() int {
	n := 0
	for _, s := range m.running {
		for _, c := range s.Connections {
			if c.State == session.Active {
				n++
			}
		}
	}
	return n
}

func (m model) renderColumns() string {
	streamersTitle := " Streamers "
	fpsTitle := " Tick rate "

	var streamersBox, fpsBox string
	if m.activeColumn == columnStreamers {
		streamersBox = activeBoxStyle.Width(36).Render(boxTitleStyle.Render(streamersTitle) + "\n" + m.renderStreamerList())
		fpsBox = inactiveBoxStyle.Width(24).Render(boxTitleDimStyle.Render(fpsTitle) + "\n" + m.renderFPSList())
	} else {
		streamersBox = inactiveBoxStyle.Width(36).Render(boxTitleDimStyle.Render(streamersTitle) + "\n" + m.renderStreamerList())
		fpsBox = activeBoxStyle.Width(24).Render(boxTitleStyle.Render(fpsTitle) + "\n" + m.renderFPSList())
	}

	viewerBoxStyle := inactiveBoxStyle.BorderForeground(lipgloss.Color("11"))
	viewersBox := viewerBoxStyle.Width(30).Render(viewerStyle.Render(" Viewers ") + "\n" + m.renderViewerList())

	return lipgloss.JoinHorizontal(lipgloss.Top, streamersBox, " ", fpsBox, " ", viewersBox)
}

func (m model) renderStreamerList() string {
	var b strings.Builder
	for i, id := range m.ids {
		cursor := "  "
		if m.activeColumn == columnStreamers && i == m.streamerCursor {
			cursor = "> "
		}

		view, running := m.running[id]
		label := truncate(id, 22)
		var line string
		switch {
		case running && view.Draining:
			line = dimStyle.Render(cursor+label) + " " + dimStyle.Render("[stopping]")
		case running && view.Degraded:
			line = errorStyle.Render(cursor+label) + " " + errorStyle.Render("[degraded]")
		case running:
			line = selectedStyle.Render(cursor+label) + " " + viewerStyle.Render(fmt.Sprintf("(%d)", len(view.Connections)))
		case m.activeColumn == columnStreamers && i == m.streamerCursor:
			line = normalStyle.Render(cursor + label)
		default:
			line = dimStyle.Render(cursor + label)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderFPSList() string {
	var b strings.Builder
	for i, preset := range settings.FPSPresets {
		cursor := "  "
		if m.activeColumn == columnFPS && i == m.fpsCursor {
			cursor = "> "
		}

		label := fmt.Sprintf("%s (%s)", preset.Name, preset.Description)

		var line string
		if i == m.selectedFPS {
			line = selectedStyle.Render(cursor + label)
		} else if m.activeColumn == columnFPS && i == m.fpsCursor {
			line = normalStyle.Render(cursor + label)
		} else {
			line = dimStyle.Render(cursor + label)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderViewerList() string {
	var content strings.Builder
	total := 0
	for _, id := range m.ids {
		view, ok := m.running[id]
		if !ok {
			continue
		}
		for _, c := range view.Connections {
			total++
			name := truncate(id, 10) + "/" + truncate(c.ID, 8)
			switch c.State {
			case session.Active:
				idle := m.frame.At.Sub(c.LastActivity).Truncate(time.Second)
				content.WriteString(viewerStyle.Render(fmt.Sprintf("%s idle %s", name, formatDuration(idle))))
			case session.Negotiating, session.IceGathering:
				content.WriteString(dimStyle.Render(name + " ..."))
			default:
				content.WriteString(dimStyle.Render(fmt.Sprintf("%s [%s]", name, c.State)))
			}
			content.WriteString("\n")
		}
	}
	if total == 0 {
		return dimStyle.Render("Waiting...")
	}
	return strings.TrimSuffix(content.String(), "\n")
}

func (m model) renderStats() string {
	statsBoxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1).
		Width(94)

	var content strings.Builder
	content.WriteString(boxTitleDimStyle.Render(" Stats "))
	content.WriteString("\n")

	uptime := time.Since(m.startTime).Truncate(time.Second)
	content.WriteString(dimStyle.Render("Uptime: "))
	content.WriteString(normalStyle.Render(formatDuration(uptime)))
	content.WriteString(dimStyle.Render("  Tick: "))
	content.WriteString(normalStyle.Render(fmt.Sprintf("%d fps", m.frame.FPS)))
	content.WriteString(dimStyle.Render("  Transports: "))
	content.WriteString(normalStyle.Render(fmt.Sprintf("%d", m.frame.Transports)))
	content.WriteString("\n")

	st := m.frame.Stats
	content.WriteString(dimStyle.Render(fmt.Sprintf("Bridge: control %d  outbound %d  input %d queued, %s dropped",
		st.ControlQueued, st.Outbound, st.InputQueued, formatNumber(int64(st.InputDropped)))))
	content.WriteString("\n")

	content.WriteString(dimStyle.Render("Input: "))
	content.WriteString(normalStyle.Render(formatNumber(int64(m.frame.Inputs)) + " events"))
	if m.frame.LastInput != "" {
		content.WriteString(dimStyle.Render("  last " + m.frame.LastInput))
	}

	var totalFrames, totalBytes uint64
	for i, id := range m.ids {
		stat, ok := m.frame.Sources[id]
		if !ok {
			continue
		}
		totalFrames += stat.Frames
		totalBytes += stat.Bytes
		content.WriteString("\n")
		content.WriteString(normalStyle.Render(fmt.Sprintf("%d: %-22s %s frames | %s",
			i+1, truncate(id, 22), formatNumber(int64(stat.Frames)), formatBytes(int64(stat.Bytes)))))
	}
	if len(m.frame.Sources) > 1 {
		content.WriteString("\n")
		content.WriteString(dimStyle.Render(fmt.Sprintf("Total: %s frames, %s",
			formatNumber(int64(totalFrames)), formatBytes(int64(totalBytes)))))
	}

	return statsBoxStyle.Render(content.String())
}

func (m model) renderEvents() string {
	var b strings.Builder
	for _, ev := range m.events {
		line := fmt.Sprintf("%s %s/%s %s", ev.At.Format(time.TimeOnly), ev.Streamer, ev.Connection, ev.State)
		if ev.Degraded {
			line += " degraded"
		}
		if ev.Err != nil {
			b.WriteString(errorStyle.Render(line + ": " + ev.Err.Error()))
		} else {
			b.WriteString(dimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(b int64) string {
	if b >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(b)/1_000_000_000)
	}
	if b >= 1_000_000 {
		return fmt.Sprintf("%.1f MB", float64(b)/1_000_000)
	}
	if b >= 1_000 {
		return fmt.Sprintf("%.1f KB", float64(b)/1_000)
	}
	return fmt.Sprintf("%d B", b)
}

func (m model) renderHelp() string {
	var b strings.Builder
	sep := keySepStyle.Render("  ")

	actions := []string{
		keyStyle.Render("tab") + helpStyle.Render(" columns"),
		keyStyle.Render("↑↓") + helpStyle.Render(" select"),
		keyStyle.Render("enter") + helpStyle.Render(" start/stop"),
		keyStyle.Render("1-5") + helpStyle.Render(" fps"),
		keyStyle.Render("q") + helpStyle.Render(" quit"),
	}
	b.WriteString(strings.Join(actions, sep))

	toggles := []string{
		m.renderToggle("i", "stats", m.showStats),
		m.renderToggle("g", "log", m.showLog),
	}
	b.WriteString("\n\n")
	b.WriteString(strings.Join(toggles, "   "))

	return b.String()
}

// renderToggle renders a toggle keybind with active/inactive indicator
func (m model) renderToggle(key, label string, active bool) string {
	if active {
		return toggleActiveStyle.Render("● "+key) + " " + toggleActiveStyle.Render(label)
	}
	return toggleInactiveStyle.Render("○ "+key) + " " + toggleInactiveStyle.Render(label)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// RunDashboard runs the app under the dashboard until the user quits or ctx ends
func RunDashboard(ctx context.Context, a *app, cfg *settings.Config) error {
	prefs := settings.DefaultPrefs()
	path, err := settings.PrefsPath()
	if err == nil {
		if prefs, err = settings.LoadPrefs(path); err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("failed to load dashboard preferences")
		}
	} else {
		path = ""
	}

	p := tea.NewProgram(
		initialModel(a, cfg, prefs, path),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	a.onFrame = func(f frame) { p.Send(frameMsg(f)) }

	appCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() {
		err := a.Run(appCtx)
		p.Send(appDoneMsg{err: err})
		done <- err
	}()

	_, runErr := p.Run()
	stop()
	appErr := <-done

	// ctx ending is a normal quit, not a dashboard failure
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return appErr
}
