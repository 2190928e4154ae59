package bridge

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/pixelpeep/pkg/input"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

func move(streamerID, conn string, x uint16) input.Tagged {
	return input.Tagged{Streamer: streamerID, Connection: conn, Event: input.PointerMove{X: x, Y: 50}}
}

func xs(events []input.Tagged) []uint16 {
	var out []uint16
	for _, ev := range events {
		out = append(out, ev.Event.(input.PointerMove).X)
	}
	return out
}

func TestDrainInputKeepsOrderPerStreamer(t *testing.T) {
	b := New(16)
	b.PushInput(move("cam0", "7", 1))
	b.PushInput(move("cam1", "8", 100))
	b.PushInput(move("cam0", "9", 2))
	b.PushInput(move("cam0", "7", 3))

	got := slices.Collect(b.DrainInput("cam0"))
	assert.Equal(t, []uint16{1, 2, 3}, xs(got))
	assert.Equal(t, "7", got[0].Connection)
	assert.Empty(t, slices.Collect(b.DrainInput("cam0")))

	assert.Equal(t, []uint16{100}, xs(slices.Collect(b.DrainInput("cam1"))))
	assert.Zero(t, b.Stats().InputQueued)
}

func TestDrainInputIsRestartable(t *testing.T) {
	b := New(16)
	for i := range 5 {
		b.PushInput(move("cam0", "7", uint16(i)))
	}

	var first []input.Tagged
	for ev := range b.DrainInput("cam0") {
		first = append(first, ev)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []uint16{0, 1}, xs(first))
	assert.Equal(t, 3, b.Stats().InputQueued)

	assert.Equal(t, []uint16{2, 3, 4}, xs(slices.Collect(b.DrainInput("cam0"))))
}

func TestDrainInputIsBoundedByStartCount(t *testing.T) {
	b := New(16)
	b.PushInput(move("cam0", "7", 1))
	b.PushInput(move("cam0", "7", 2))

	var seen []uint16
	for ev := range b.DrainInput("cam0") {
		seen = append(seen, ev.Event.(input.PointerMove).X)
		b.PushInput(move("cam0", "7", 99))
	}
	assert.Equal(t, []uint16{1, 2}, seen)
	assert.Equal(t, 2, b.Stats().InputQueued)
}

func TestOverflowDropsOldestOfSameConnection(t *testing.T) {
	b := New(3)
	b.PushInput(move("cam0", "a", 1))
	b.PushInput(move("cam0", "b", 2))
	b.PushInput(move("cam0", "a", 3))
	b.PushInput(move("cam0", "b", 4))

	assert.Equal(t, []uint16{1, 3, 4}, xs(slices.Collect(b.DrainInput("cam0"))))
	assert.EqualValues(t, 1, b.Stats().InputDropped)
}

func TestOverflowFromNewConnectionDropsLargestBacklog(t *testing.T) {
	b := New(4)
	b.PushInput(move("cam0", "a", 1))
	b.PushInput(move("cam0", "a", 2))
	b.PushInput(move("cam0", "a", 3))
	b.PushInput(move("cam1", "b", 10))
	b.PushInput(move("cam1", "c", 20))

	assert.Equal(t, []uint16{2, 3}, xs(slices.Collect(b.DrainInput("cam0"))))
	assert.Equal(t, []uint16{10, 20}, xs(slices.Collect(b.DrainInput("cam1"))))
	assert.EqualValues(t, 1, b.Stats().InputDropped)
}

func TestControlSurvivesInputOverflow(t *testing.T) {
	b := New(8)

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := fmt.Sprint(p)
			for i := range 500 {
				b.PushInput(move("cam0", conn, uint16(i)))
				if i%100 == 0 {
					b.PushControl(streamer.TransportEvent{Streamer: "cam0", Connection: conn, Kind: streamer.TransportConnected})
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, b.DrainControl(), 20)
	assert.Empty(t, b.DrainControl())

	stats := b.Stats()
	assert.Equal(t, 8, stats.InputQueued)
	assert.EqualValues(t, 2000-8, stats.InputDropped)
}

func TestDiscardInput(t *testing.T) {
	b := New(4)
	b.PushInput(move("cam0", "a", 1))
	b.PushInput(move("cam1", "b", 2))
	b.DiscardInput("cam0")

	assert.Equal(t, 1, b.Stats().InputQueued)
	assert.Empty(t, slices.Collect(b.DrainInput("cam0")))
}

func TestOutboundBatchesInOrder(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan []streamer.Command)
	go func() {
		cmds, err := b.Next(ctx)
		if err != nil {
			close(done)
			return
		}
		done <- cmds
	}()

	b.Push(streamer.SessionCommand{Streamer: "cam0", Open: true})
	got := <-done
	require.NotEmpty(t, got)
	assert.Equal(t, streamer.SessionCommand{Streamer: "cam0", Open: true}, got[0])

	b.Push(streamer.Reject{Session: "cam0", Connection: "1"})
	b.Push(streamer.Reject{Session: "cam0", Connection: "2"})
	cmds, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []streamer.Command{
		streamer.Reject{Session: "cam0", Connection: "1"},
		streamer.Reject{Session: "cam0", Connection: "2"},
	}, cmds)
}

func TestNextHonoursContext(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestControlKeepsArrivalOrder(t *testing.T) {
	b := New(0)
	b.PushControl(streamer.Envelope{Session: "cam0", Message: signal.Message{Type: signal.TypePlayerConnected, PlayerID: "1"}})
	b.PushControl(streamer.SessionStatus{Streamer: "cam0", Status: signal.StatusDown})

	got := b.DrainControl()
	require.Len(t, got, 2)
	assert.IsType(t, streamer.Envelope{}, got[0])
	assert.IsType(t, streamer.SessionStatus{}, got[1])
}
