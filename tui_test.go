package main

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

type fakeController struct {
	toggled []string
	fps     []int
}

func (c *fakeController) Toggle(id string) { c.toggled = append(c.toggled, id) }
func (c *fakeController) SetFPS(fps int)   { c.fps = append(c.fps, fps) }

func testConfig(fps int, ids ...string) *settings.Config {
	cfg := &settings.Config{}
	cfg.Signalling.URL = "ws://localhost:8888/ws/streamer"
	cfg.Tick.FPS = fps
	for _, id := range ids {
		cfg.Streamers = append(cfg.Streamers, settings.StreamerConfig{ID: id})
	}
	return cfg
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(m model, keys ...string) model {
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(model)
	}
	return m
}

func TestInitialModelRestoresPrefs(t *testing.T) {
	ctl := &fakeController{}
	prefs := settings.Prefs{FPS: 3, Streamer: "cam1", ShowLog: true}

	m := initialModel(ctl, testConfig(settings.DefaultFPS().Value, "cam0", "cam1"), prefs, "")
	assert.Equal(t, 1, m.streamerCursor)
	assert.Equal(t, 3, m.selectedFPS)
	assert.Equal(t, []int{60}, ctl.fps)

	// an explicit rate wins over the remembered preset
	ctl = &fakeController{}
	m = initialModel(ctl, testConfig(15, "cam0"), prefs, "")
	assert.Equal(t, 0, m.selectedFPS)
	assert.Empty(t, ctl.fps)
}

func TestKeysDriveController(t *testing.T) {
	ctl := &fakeController{}
	m := initialModel(ctl, testConfig(30, "cam0", "cam1"), settings.DefaultPrefs(), "")

	m = press(m, "down", "enter")
	assert.Equal(t, []string{"cam1"}, ctl.toggled)

	m = press(m, "tab", "down", "enter")
	assert.Equal(t, columnFPS, m.activeColumn)
	assert.Equal(t, []int{60}, ctl.fps)

	m = press(m, "1", "1")
	assert.Equal(t, []int{60, 15}, ctl.fps)
	assert.Equal(t, 0, m.selectedFPS)

	m = press(m, "9", "i")
	assert.True(t, m.showStats)
	assert.Equal(t, []int{60, 15}, ctl.fps)
}

func TestQuitKeys(t *testing.T) {
	m := initialModel(&fakeController{}, testConfig(30, "cam0"), settings.DefaultPrefs(), "")
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestFrameUpdatesViewers(t *testing.T) {
	m := initialModel(&fakeController{}, testConfig(30, "cam0", "cam1"), settings.DefaultPrefs(), "")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	next, _ := m.Update(frameMsg{
		At: now,
		Streamers: []streamer.StreamerView{{
			ID: "cam0",
			Connections: []streamer.ConnectionView{
				{ID: "7", State: session.Active, LastActivity: now.Add(-65 * time.Second)},
				{ID: "8", State: session.Negotiating},
			},
		}},
		Events: []streamer.ConnectionEvent{
			{Streamer: "cam0", Connection: "9", State: session.Closed, Err: errors.New("ice failed"), At: now},
		},
	})
	m = next.(model)

	assert.Equal(t, 1, m.viewerCount())
	assert.Contains(t, m.renderViewerList(), "cam0/7 idle 1:05")
	assert.Contains(t, m.renderViewerList(), "cam0/8 ...")
	assert.Equal(t, "cam0/9: ice failed", m.lastError)
	assert.Contains(t, m.View(), "PixelPeep")

	// an empty frame forgets stopped streamers
	next, _ = m.Update(frameMsg{At: now})
	m = next.(model)
	assert.Zero(t, m.viewerCount())
	assert.Len(t, m.events, 1)
}

func TestEventLogIsBounded(t *testing.T) {
	m := initialModel(&fakeController{}, testConfig(30, "cam0"), settings.DefaultPrefs(), "")
	var events []streamer.ConnectionEvent
	for i := range maxEvents + 4 {
		events = append(events, streamer.ConnectionEvent{Streamer: "cam0", Connection: string(rune('a' + i))})
	}
	next, _ := m.Update(frameMsg{Events: events})
	m = next.(model)
	require.Len(t, m.events, maxEvents)
	assert.Equal(t, "e", m.events[0].Connection)
}

func TestAppDoneQuits(t *testing.T) {
	m := initialModel(&fakeController{}, testConfig(30, "cam0"), settings.DefaultPrefs(), "")
	next, cmd := m.Update(appDoneMsg{err: errors.New("dispatcher: boom")})
	require.NotNil(t, cmd)
	assert.Equal(t, "dispatcher: boom", next.(model).lastError)
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "0:00", formatDuration(-time.Second))
	assert.Equal(t, "2:05", formatDuration(125*time.Second))
	assert.Equal(t, "1:00:01", formatDuration(time.Hour+time.Second))

	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1.5K", formatNumber(1500))
	assert.Equal(t, "2.0M", formatNumber(2_000_000))

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 MB", formatBytes(1_500_000))
	assert.Equal(t, "3.00 GB", formatBytes(3_000_000_000))

	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
}

func TestApplyFlags(t *testing.T) {
	cfg := testConfig(30, "cam0")
	cfg.Signalling.Dialect = "pixelstreaming"
	cfg.Streamers[0].Codec = "vp8"

	require.NoError(t, applyFlags(cfg, Flags{
		SignalURL:  LocalSignalServer,
		FPS:        "60",
		Codec:      "h264",
		StreamerID: "lobby",
		TURNServer: "turn:turn.example.com:3478",
		TURNUser:   "u",
		TURNPass:   "p",
		ForceRelay: true,
	}))
	assert.Equal(t, LocalSignalServer, cfg.Signalling.URL)
	assert.Equal(t, 60, cfg.Tick.FPS)
	assert.Equal(t, "lobby", cfg.Streamers[0].ID)
	assert.Equal(t, "h264", cfg.Streamers[0].Codec)
	assert.Equal(t, "turn:turn.example.com:3478", cfg.ICE.TURNServer)
	assert.True(t, cfg.ICE.ForceRelay)
}
