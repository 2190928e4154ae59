// Package streamer owns the named streamers and the connections under them.
// A Registry is not safe for concurrent use; it belongs to the application loop.
package streamer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

var (
	ErrDuplicate          = errors.New("streamer already registered")
	ErrUnknownStreamer    = errors.New("unknown streamer")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrCaptureUnavailable = errors.New("capture source unavailable")
	ErrInvalidID          = errors.New("invalid streamer id")
)

const (
	reasonUnknownStreamer = "unknown streamer"
	reasonRemoved         = "streamer removed"
	reasonOutage          = "signalling outage"
	reasonSessionFailed   = "signalling session failed"
)

// Policy holds the timing rules applied by Sweep
type Policy struct {
	Role session.Role
	// IdleTimeout closes live connections without activity for this long. Zero disables it.
	IdleTimeout time.Duration
	// DegradedAfter closes connections once their signalling session has been down this long. Zero disables it.
	DegradedAfter time.Duration
}

type entry struct {
	id       string
	source   Source
	conns    map[string]session.Machine
	draining bool
	downAt   time.Time
}

func (e *entry) degraded() bool { return !e.downAt.IsZero() }

// live counts the connections that hold or are acquiring a transport
func (e *entry) live() int {
	n := 0
	for _, m := range e.conns {
		if m.State.Live() {
			n++
		}
	}
	return n
}

// Registry maps streamer ids to their sources and connections
type Registry struct {
	policy    Policy
	streamers map[string]*entry
	routes    map[string]string // connection -> streamer
	out       Outbox
	events    []ConnectionEvent
	log       zerolog.Logger
}

// New creates an empty registry that sends its commands to out
func New(policy Policy, out Outbox, logger zerolog.Logger) *Registry {
	return &Registry{
		policy:    policy,
		streamers: make(map[string]*entry),
		routes:    make(map[string]string),
		out:       out,
		log:       logger.With().Str("component", "registry").Logger(),
	}
}

// SetPolicy replaces the timing policy. Existing connections keep their role.
func (r *Registry) SetPolicy(p Policy) {
	r.policy = p
}

// Policy returns the current timing policy
func (r *Registry) Policy() Policy {
	return r.policy
}

// Register acquires src and adds it under id, then asks for a signalling session
func (r *Registry) Register(id string, src Source) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, exists := r.streamers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if err := src.Acquire(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCaptureUnavailable, id, err)
	}

	r.streamers[id] = &entry{id: id, source: src, conns: make(map[string]session.Machine)}
	r.out.Push(SessionCommand{Streamer: id, Open: true, Source: src})
	r.log.Info().Str("streamer", id).Msg("streamer registered")
	return nil
}

// Unregister tears down every connection of id. The streamer and its source are
// released once the last connection is closed. Unknown or draining ids are ignored.
func (r *Registry) Unregister(id string, now time.Time) {
	e, ok := r.streamers[id]
	if !ok || e.draining {
		return
	}
	e.draining = true
	r.log.Info().Str("streamer", id).Int("connections", len(e.conns)).Msg("streamer draining")

	r.teardownAll(e, reasonRemoved, now)
	if len(e.conns) == 0 {
		r.release(e)
	}
}

// Has reports whether id is registered and not draining
func (r *Registry) Has(id string) bool {
	e, ok := r.streamers[id]
	return ok && !e.draining
}

// Handle applies one inbound report from the async side
func (r *Registry) Handle(in Inbound, now time.Time) error {
	switch v := in.(type) {
	case Envelope:
		return r.Route(v, now)
	case TransportEvent:
		return r.Transport(v, now)
	case SessionStatus:
		switch v.Status {
		case signal.StatusUp:
			r.SessionUp(v.Streamer, now)
		case signal.StatusDown:
			r.SessionDown(v.Streamer, v.At)
		default:
			r.SessionFailed(v.Streamer, v.Err, v.At)
		}
		return nil
	default:
		return fmt.Errorf("unhandled inbound %T", in)
	}
}

// Route applies a signalling message to the connection it addresses
func (r *Registry) Route(env Envelope, now time.Time) error {
	msg := env.Message
	target := env.Streamer
	if target == "" {
		target = env.Session
	}
	conn := string(msg.PlayerID)

	switch msg.Type {
	case signal.TypePlayerConnected:
		return r.connect(env.Session, target, conn, msg.DataChannel, now)
	case signal.TypePlayerDisconnected:
		return r.step(target, conn, session.PeerDisconnected{}, now)
	case signal.TypeOffer:
		return r.step(target, conn, session.RemoteOffer{SDP: msg.SDP}, now)
	case signal.TypeAnswer:
		return r.step(target, conn, session.RemoteAnswer{SDP: msg.SDP}, now)
	case signal.TypeIceCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", signal.ErrMalformed)
		}
		return r.step(target, conn, session.RemoteCandidate{Candidate: *msg.Candidate}, now)
	case signal.TypeError:
		if conn != "" {
			return r.step(target, conn, session.SignallingError{Detail: msg.Message}, now)
		}
		r.log.Warn().Str("streamer", target).Str("detail", msg.Message).Msg("signalling server reported an error")
	case signal.TypeEndpointIDConfirm:
		r.log.Info().Str("streamer", target).Str("committed", msg.CommittedID).Msg("streamer id confirmed")
	case signal.TypeStreamerIDChanged:
		r.log.Info().Str("streamer", target).Str("new_id", msg.NewID).Msg("server renamed streamer")
	default:
		r.log.Debug().Str("streamer", target).Str("type", msg.Type).Msg("ignoring signalling message")
	}
	return nil
}

func (r *Registry) connect(via, target, conn string, dataChannel bool, now time.Time) error {
	e, ok := r.streamers[target]
	if !ok || e.draining {
		r.out.Push(Reject{Session: via, Streamer: target, Connection: conn, Reason: reasonUnknownStreamer})
		return fmt.Errorf("%w: %s", ErrUnknownStreamer, target)
	}

	if owner, routed := r.routes[conn]; routed {
		if owner == target {
			r.log.Warn().Str("streamer", target).Str("connection", conn).Msg("duplicate playerConnected ignored")
			return nil
		}
		r.out.Push(Reject{Session: via, Streamer: target, Connection: conn, Reason: "connection id in use"})
		return fmt.Errorf("%w: connection %s already routed to %s", ErrDuplicate, conn, owner)
	}

	m := session.New(conn, r.policy.Role, now)
	m, res := session.Step(m, session.PeerConnected{DataChannel: dataChannel}, now)
	r.routes[conn] = target
	r.apply(e, m, res, now)
	return nil
}

// Routed reports whether conn is a live connection of streamer
func (r *Registry) Routed(streamer, conn string) bool {
	owner, ok := r.routes[conn]
	return ok && owner == streamer
}

// lookup resolves a connection, checking it belongs to target when target is set
func (r *Registry) lookup(target, conn string) (*entry, session.Machine, error) {
	owner, ok := r.routes[conn]
	if !ok || (target != "" && owner != target) {
		return nil, session.Machine{}, fmt.Errorf("%w: %s/%s", ErrUnknownConnection, target, conn)
	}
	e := r.streamers[owner]
	return e, e.conns[conn], nil
}

func (r *Registry) step(target, conn string, ev session.Event, now time.Time) error {
	e, m, err := r.lookup(target, conn)
	if err != nil {
		return err
	}
	m, res := session.Step(m, ev, now)
	r.apply(e, m, res, now)
	return nil
}

// Transport applies a media transport callback
func (r *Registry) Transport(ev TransportEvent, now time.Time) error {
	var sev session.Event
	switch ev.Kind {
	case TransportLocalDescription:
		sev = session.LocalDescription{SDP: ev.SDP}
	case TransportLocalCandidate:
		sev = session.LocalCandidate{Candidate: ev.Candidate}
	case TransportConnected:
		sev = session.TransportConnected{}
	case TransportFailed:
		sev = session.TransportFailed{Err: ev.Err}
	case TransportReleased:
		sev = session.TransportReleased{}
	default:
		return fmt.Errorf("unknown transport event %d", ev.Kind)
	}
	return r.step(ev.Streamer, ev.Connection, sev, now)
}

// apply stores the stepped machine, forwards its effects and records lifecycle changes
func (r *Registry) apply(e *entry, m session.Machine, res session.Result, now time.Time) {
	if res.Ignored != "" {
		r.log.Debug().Str("streamer", e.id).Str("connection", m.ID).Str("reason", res.Ignored).Msg("event ignored")
	}

	for _, eff := range res.Effects {
		r.out.Push(ConnCommand{Streamer: e.id, Connection: m.ID, Effect: eff})
	}

	for _, s := range res.Trail {
		ev := ConnectionEvent{
			Streamer:   e.id,
			Connection: m.ID,
			State:      s,
			Degraded:   e.degraded(),
			At:         now,
		}
		if s == session.Failed {
			ev.Err = res.Failure
			r.log.Warn().Err(res.Failure).Str("streamer", e.id).Str("connection", m.ID).Msg("connection failed")
		}
		r.events = append(r.events, ev)
	}

	if m.State == session.Closed {
		delete(e.conns, m.ID)
		delete(r.routes, m.ID)
		if e.draining && len(e.conns) == 0 {
			r.release(e)
		}
		return
	}
	e.conns[m.ID] = m
}

// release drops a drained streamer and closes its source
func (r *Registry) release(e *entry) {
	delete(r.streamers, e.id)
	if err := e.source.Close(); err != nil {
		r.log.Warn().Err(err).Str("streamer", e.id).Msg("failed to close capture source")
	}
	r.out.Push(SessionCommand{Streamer: e.id, Open: false})
	r.log.Info().Str("streamer", e.id).Msg("streamer removed")
}

func (r *Registry) teardownAll(e *entry, reason string, now time.Time) {
	for _, id := range slices.Sorted(maps.Keys(e.conns)) {
		m, res := session.Step(e.conns[id], session.Teardown{Reason: reason}, now)
		r.apply(e, m, res, now)
	}
}

// Touch records viewer activity on a connection
func (r *Registry) Touch(streamer, conn string, now time.Time) {
	e, m, err := r.lookup(streamer, conn)
	if err != nil || !m.State.Live() {
		return
	}
	if now.After(m.LastActivity) {
		m.LastActivity = now
		e.conns[conn] = m
	}
}

// SessionUp clears the degraded mark of a streamer
func (r *Registry) SessionUp(id string, now time.Time) {
	e, ok := r.streamers[id]
	if !ok || !e.degraded() {
		return
	}
	e.downAt = time.Time{}
	r.log.Info().Str("streamer", id).Msg("signalling session restored")
	r.markConnections(e, now)
}

// SessionDown marks the connections of a streamer degraded from at onwards
func (r *Registry) SessionDown(id string, at time.Time) {
	e, ok := r.streamers[id]
	if !ok || e.degraded() {
		return
	}
	e.downAt = at
	r.log.Warn().Str("streamer", id).Int("connections", len(e.conns)).Msg("signalling session down, connections degraded")
	r.markConnections(e, at)
}

// SessionFailed closes every connection of a streamer whose session gave up reconnecting
func (r *Registry) SessionFailed(id string, err error, at time.Time) {
	e, ok := r.streamers[id]
	if !ok {
		return
	}
	if !e.degraded() {
		e.downAt = at
	}
	r.log.Error().Err(err).Str("streamer", id).Msg("signalling session failed")
	r.teardownAll(e, reasonSessionFailed, at)
}

func (r *Registry) markConnections(e *entry, at time.Time) {
	for _, id := range slices.Sorted(maps.Keys(e.conns)) {
		r.events = append(r.events, ConnectionEvent{
			Streamer:   e.id,
			Connection: id,
			State:      e.conns[id].State,
			Degraded:   e.degraded(),
			At:         at,
		})
	}
}

// Sweep applies the idle timeout and the degraded-session threshold
func (r *Registry) Sweep(now time.Time) {
	for _, id := range slices.Sorted(maps.Keys(r.streamers)) {
		e, ok := r.streamers[id]
		if !ok {
			continue
		}

		if e.degraded() && r.policy.DegradedAfter > 0 && now.Sub(e.downAt) >= r.policy.DegradedAfter {
			if e.live() > 0 {
				r.teardownAll(e, reasonOutage, now)
			}
			continue
		}

		if r.policy.IdleTimeout <= 0 {
			continue
		}
		for _, conn := range slices.Sorted(maps.Keys(e.conns)) {
			m := e.conns[conn]
			if !m.State.Live() || now.Sub(m.LastActivity) < r.policy.IdleTimeout {
				continue
			}
			r.log.Info().Str("streamer", id).Str("connection", conn).Msg("closing idle connection")
			m, res := session.Step(m, session.IdleExpired{}, now)
			r.apply(e, m, res, now)
		}
	}
}

// Events hands out the lifecycle notifications accumulated since the last call
func (r *Registry) Events() []ConnectionEvent {
	out := r.events
	r.events = nil
	return out
}

// Snapshot returns a sorted read-only view of every streamer
func (r *Registry) Snapshot() []StreamerView {
	views := make([]StreamerView, 0, len(r.streamers))
	for _, id := range slices.Sorted(maps.Keys(r.streamers)) {
		e := r.streamers[id]
		v := StreamerView{ID: id, Draining: e.draining, Degraded: e.degraded()}
		for _, conn := range slices.Sorted(maps.Keys(e.conns)) {
			m := e.conns[conn]
			v.Connections = append(v.Connections, ConnectionView{
				ID:           conn,
				State:        m.State,
				DataChannel:  m.DataChannel,
				LastActivity: m.LastActivity,
			})
		}
		views = append(views, v)
	}
	return views
}

// Connections returns the number of connections across all streamers
func (r *Registry) Connections() int {
	return len(r.routes)
}
