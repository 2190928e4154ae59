// Package presence mirrors which streamers and connections this process
// serves into an external store so other services can see them.
package presence

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

const (
	defaultBuffer  = 1024
	defaultRefresh = 20 * time.Second
	opTimeout      = 3 * time.Second
)

// Store persists presence. *RedisStore implements it.
type Store interface {
	StreamerUp(ctx context.Context, id string) error
	StreamerDown(ctx context.Context, id string) error
	SetConnection(ctx context.Context, id, conn, state string) error
	RemoveConnection(ctx context.Context, id, conn string) error
	Refresh(ctx context.Context, ids []string) error
}

type updateKind int

const (
	streamerUp updateKind = iota
	streamerDown
	connectionState
)

type update struct {
	kind       updateKind
	streamer   string
	connection string
	state      session.State
}

// Mirror writes presence updates to a Store from its own goroutine.
// Publishing never blocks; updates are dropped when the buffer is full.
type Mirror struct {
	store   Store
	updates chan update
	refresh time.Duration
	dropped atomic.Uint64
	log     zerolog.Logger
}

// NewMirror creates a mirror that refreshes key expiry every refresh interval
func NewMirror(store Store, refresh time.Duration, logger zerolog.Logger) *Mirror {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return &Mirror{
		store:   store,
		updates: make(chan update, defaultBuffer),
		refresh: refresh,
		log:     logger.With().Str("component", "presence").Logger(),
	}
}

func (m *Mirror) publish(u update) {
	select {
	case m.updates <- u:
	default:
		m.dropped.Add(1)
	}
}

// StreamerUp records a registered streamer
func (m *Mirror) StreamerUp(id string) {
	m.publish(update{kind: streamerUp, streamer: id})
}

// StreamerDown removes a streamer and its connections
func (m *Mirror) StreamerDown(id string) {
	m.publish(update{kind: streamerDown, streamer: id})
}

// Connection records a connection lifecycle event
func (m *Mirror) Connection(ev streamer.ConnectionEvent) {
	m.publish(update{kind: connectionState, streamer: ev.Streamer, connection: ev.Connection, state: ev.State})
}

// Dropped returns how many updates were lost to a full buffer
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Run applies updates until ctx ends. Live streamers are removed from the
// store on the way out.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	live := make(map[string]bool)
	for {
		select {
		case u := <-m.updates:
			m.apply(ctx, u, live)
		case <-ticker.C:
			ids := make([]string, 0, len(live))
			for id := range live {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			m.do(ctx, "refresh", func(ctx context.Context) error { return m.store.Refresh(ctx, ids) })
		case <-ctx.Done():
			m.cleanup(live)
			return nil
		}
	}
}

func (m *Mirror) apply(ctx context.Context, u update, live map[string]bool) {
	switch u.kind {
	case streamerUp:
		live[u.streamer] = true
		m.do(ctx, "streamer up", func(ctx context.Context) error { return m.store.StreamerUp(ctx, u.streamer) })
	case streamerDown:
		delete(live, u.streamer)
		m.do(ctx, "streamer down", func(ctx context.Context) error { return m.store.StreamerDown(ctx, u.streamer) })
	case connectionState:
		if !u.state.Live() {
			m.do(ctx, "remove connection", func(ctx context.Context) error {
				return m.store.RemoveConnection(ctx, u.streamer, u.connection)
			})
			return
		}
		m.do(ctx, "set connection", func(ctx context.Context) error {
			return m.store.SetConnection(ctx, u.streamer, u.connection, u.state.String())
		})
	}
}

func (m *Mirror) do(ctx context.Context, op string, fn func(context.Context) error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := fn(opCtx); err != nil {
		m.log.Warn().Err(err).Str("op", op).Msg("presence update failed")
	}
}

func (m *Mirror) cleanup(live map[string]bool) {
	for id := range live {
		m.do(context.Background(), "streamer down", func(ctx context.Context) error { return m.store.StreamerDown(ctx, id) })
	}
}
