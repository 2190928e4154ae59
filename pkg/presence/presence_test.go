package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

type recordingStore struct {
	mu    sync.Mutex
	ops   []string
	conns map[string]string
	err   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{conns: make(map[string]string)}
}

func (s *recordingStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return s.err
}

func (s *recordingStore) StreamerUp(_ context.Context, id string) error {
	return s.record("up " + id)
}

func (s *recordingStore) StreamerDown(_ context.Context, id string) error {
	return s.record("down " + id)
}

func (s *recordingStore) SetConnection(_ context.Context, id, conn, state string) error {
	s.mu.Lock()
	s.conns[id+"/"+conn] = state
	s.mu.Unlock()
	return s.record(fmt.Sprintf("set %s/%s %s", id, conn, state))
}

func (s *recordingStore) RemoveConnection(_ context.Context, id, conn string) error {
	s.mu.Lock()
	delete(s.conns, id+"/"+conn)
	s.mu.Unlock()
	return s.record(fmt.Sprintf("remove %s/%s", id, conn))
}

func (s *recordingStore) Refresh(_ context.Context, ids []string) error {
	return s.record(fmt.Sprintf("refresh %v", ids))
}

func (s *recordingStore) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func run(t *testing.T, m *Mirror) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, m.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMirrorAppliesInOrder(t *testing.T) {
	store := newRecordingStore()
	m := NewMirror(store, time.Hour, zerolog.Nop())
	stop := run(t, m)

	m.StreamerUp("cam0")
	m.Connection(streamer.ConnectionEvent{Streamer: "cam0", Connection: "7", State: session.Negotiating})
	m.Connection(streamer.ConnectionEvent{Streamer: "cam0", Connection: "7", State: session.Active})
	m.Connection(streamer.ConnectionEvent{Streamer: "cam0", Connection: "7", State: session.Closed})

	require.Eventually(t, func() bool { return len(store.history()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{
		"up cam0",
		"set cam0/7 negotiating",
		"set cam0/7 active",
		"remove cam0/7",
	}, store.history())

	stop()
	assert.Equal(t, "down cam0", store.history()[4], "live streamers are removed on shutdown")
}

func TestMirrorRefreshesLiveStreamers(t *testing.T) {
	store := newRecordingStore()
	m := NewMirror(store, 5*time.Millisecond, zerolog.Nop())
	stop := run(t, m)
	defer stop()

	m.StreamerUp("cam1")
	m.StreamerUp("cam0")
	m.StreamerUp("gone")
	m.StreamerDown("gone")

	require.Eventually(t, func() bool {
		for _, op := range store.history() {
			if op == "refresh [cam0 cam1]" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestMirrorSurvivesStoreErrors(t *testing.T) {
	store := newRecordingStore()
	store.err = errors.New("connection refused")
	m := NewMirror(store, time.Hour, zerolog.Nop())
	stop := run(t, m)
	defer stop()

	m.StreamerUp("cam0")
	m.StreamerUp("cam1")
	require.Eventually(t, func() bool { return len(store.history()) == 2 }, time.Second, time.Millisecond)
}

func TestMirrorDropsWhenFull(t *testing.T) {
	m := NewMirror(newRecordingStore(), time.Hour, zerolog.Nop())
	for range defaultBuffer + 3 {
		m.StreamerUp("cam0")
	}
	assert.Equal(t, uint64(3), m.Dropped())
}
