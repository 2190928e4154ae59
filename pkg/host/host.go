// Package host is the application loop's view of the streaming core. A Host is
// not safe for concurrent use: every method runs on the loop that calls Tick.
package host

import (
	"errors"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/pixelpeep/pkg/bridge"
	"github.com/tomaslejdung/pixelpeep/pkg/input"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

// Presence receives lifecycle changes for mirroring. *presence.Mirror implements it.
type Presence interface {
	StreamerUp(id string)
	StreamerDown(id string)
	Connection(ev streamer.ConnectionEvent)
}

// Host owns the registry and drains the bridge once per tick
type Host struct {
	registry *streamer.Registry
	bridge   *bridge.Bridge
	presence Presence
	events   []streamer.ConnectionEvent
	lastTick time.Time
	log      zerolog.Logger
}

// New creates a host whose registry sends commands through b. presence may be nil.
func New(b *bridge.Bridge, policy streamer.Policy, presence Presence, logger zerolog.Logger) *Host {
	return &Host{
		registry: streamer.New(policy, b, logger),
		bridge:   b,
		presence: presence,
		log:      logger.With().Str("component", "host").Logger(),
	}
}

// RegisterStreamer acquires src and opens a signalling session for id
func (h *Host) RegisterStreamer(id string, src streamer.Source) error {
	if err := h.registry.Register(id, src); err != nil {
		return err
	}
	if h.presence != nil {
		h.presence.StreamerUp(id)
	}
	return nil
}

// UnregisterStreamer closes every connection of id and drops its queued input
func (h *Host) UnregisterStreamer(id string, now time.Time) {
	if !h.registry.Has(id) {
		return
	}
	h.registry.Unregister(id, now)
	h.bridge.DiscardInput(id)
	if h.presence != nil {
		h.presence.StreamerDown(id)
	}
	h.collect()
}

// Tick applies every queued control report, then the timing policy
func (h *Host) Tick(now time.Time) {
	h.lastTick = now
	for _, in := range h.bridge.DrainControl() {
		if err := h.registry.Handle(in, now); err != nil {
			h.logHandleError(in, err)
		}
	}
	h.registry.Sweep(now)
	h.collect()
}

func (h *Host) logHandleError(in streamer.Inbound, err error) {
	evt := h.log.Warn()
	if errors.Is(err, streamer.ErrUnknownConnection) {
		// late reports for connections that already closed
		evt = h.log.Debug()
	}
	switch v := in.(type) {
	case streamer.Envelope:
		evt = evt.Str("streamer", v.Streamer).Str("type", v.Message.Type).Str("connection", string(v.Message.PlayerID))
	case streamer.TransportEvent:
		evt = evt.Str("streamer", v.Streamer).Str("connection", v.Connection).Stringer("kind", v.Kind)
	}
	evt.Err(err).Msg("dropped inbound report")
}

func (h *Host) collect() {
	evs := h.registry.Events()
	if h.presence != nil {
		for _, ev := range evs {
			h.presence.Connection(ev)
		}
	}
	h.events = append(h.events, evs...)
}

// ConnectionEvents yields the lifecycle changes gathered since the last call.
// Events not consumed stay for the next call.
func (h *Host) ConnectionEvents() iter.Seq[streamer.ConnectionEvent] {
	return func(yield func(streamer.ConnectionEvent) bool) {
		for len(h.events) > 0 {
			ev := h.events[0]
			h.events = h.events[1:]
			if !yield(ev) {
				return
			}
		}
		h.events = nil
	}
}

// DrainInput yields the input queued for streamer id. Each event counts as
// viewer activity for the idle timeout. Events from connections no longer
// routed to id are dropped.
func (h *Host) DrainInput(id string) iter.Seq[input.Tagged] {
	return func(yield func(input.Tagged) bool) {
		for ev := range h.bridge.DrainInput(id) {
			if ev.Streamer != id || !h.registry.Routed(id, ev.Connection) {
				h.log.Debug().Str("streamer", id).Str("connection", ev.Connection).Msg("dropping input from closed connection")
				continue
			}
			h.registry.Touch(ev.Streamer, ev.Connection, h.lastTick)
			if !yield(ev) {
				return
			}
		}
	}
}

// SetPolicy replaces the timing policy, used when the configuration reloads
func (h *Host) SetPolicy(p streamer.Policy) {
	h.registry.SetPolicy(p)
}

// Has reports whether id is registered and not draining
func (h *Host) Has(id string) bool {
	return h.registry.Has(id)
}

// Snapshot returns a read-only view of every streamer
func (h *Host) Snapshot() []streamer.StreamerView {
	return h.registry.Snapshot()
}

// Stats returns bridge queue sizes and drop counts
func (h *Host) Stats() bridge.Stats {
	return h.bridge.Stats()
}
