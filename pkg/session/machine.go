// Package session holds the per-viewer negotiation state machine.
// Step is pure: every side effect is returned as data for the async side to execute.
package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

// State is the lifecycle position of one connection
type State int

const (
	Idle State = iota
	Negotiating
	IceGathering
	Active
	Closing
	Closed
	Failed
)

var stateNames = [...]string{"idle", "negotiating", "ice-gathering", "active", "closing", "closed", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Live reports whether the connection holds or is acquiring a transport
func (s State) Live() bool {
	return s == Negotiating || s == IceGathering || s == Active
}

// Role decides which side produces the first session description
type Role int

const (
	// LocalOffers makes the streamer the offerer, as Pixel Streaming does by default
	LocalOffers Role = iota
	// RemoteOffers waits for the viewer (or an SFU) to send the offer
	RemoteOffers
)

var (
	ErrUnexpected      = errors.New("unexpected message for state")
	ErrTransportFailed = errors.New("media transport failed")
	ErrSignalling      = errors.New("signalling error")
)

// Machine is the negotiation state of one connection. The zero value is an Idle local-offer machine.
type Machine struct {
	ID           string
	State        State
	Role         Role
	DataChannel  bool
	LocalSet     bool
	RemoteSet    bool
	LastActivity time.Time
	Err          error

	pendingRemote string
	candidates    []signal.Candidate
}

// New returns an Idle machine for the given connection
func New(id string, role Role, now time.Time) Machine {
	return Machine{ID: id, Role: role, LastActivity: now}
}

// Buffered returns the remote candidates waiting for both descriptions
func (m Machine) Buffered() []signal.Candidate {
	return slices.Clone(m.candidates)
}

// Result describes what a single Step did
type Result struct {
	// Trail lists every state entered, in order. Empty when the state did not change.
	Trail   []State
	Effects []Effect
	Failure error
	// Ignored is the reason an event was dropped without effect
	Ignored string
}

// Changed reports whether the step moved the machine to another state
func (r Result) Changed() bool { return len(r.Trail) > 0 }

func (r *Result) enter(m *Machine, s State) {
	m.State = s
	r.Trail = append(r.Trail, s)
}

func (r *Result) emit(e ...Effect) {
	r.Effects = append(r.Effects, e...)
}

func ignore(m Machine, reason string) (Machine, Result) {
	return m, Result{Ignored: reason}
}

// Step applies ev to m at time now and returns the next machine and its effects
func Step(m Machine, ev Event, now time.Time) (Machine, Result) {
	switch m.State {
	case Idle:
		return stepIdle(m, ev, now)
	case Negotiating, IceGathering, Active:
		return stepLive(m, ev, now)
	case Closing:
		if _, ok := ev.(TransportReleased); ok {
			var r Result
			m.LastActivity = now
			r.enter(&m, Closed)
			return m, r
		}
		return ignore(m, "closing")
	default:
		return ignore(m, m.State.String())
	}
}

func stepIdle(m Machine, ev Event, now time.Time) (Machine, Result) {
	switch e := ev.(type) {
	case PeerConnected:
		var r Result
		m.DataChannel = e.DataChannel
		m.LastActivity = now
		r.enter(&m, Negotiating)
		r.emit(OpenTransport{DataChannel: e.DataChannel})
		if m.Role == LocalOffers {
			r.emit(CreateOffer{})
		}
		return m, r
	case RemoteCandidate:
		m.candidates = append(slices.Clip(m.candidates), e.Candidate)
		return m, Result{}
	default:
		return ignore(m, "not connected")
	}
}

func stepLive(m Machine, ev Event, now time.Time) (Machine, Result) {
	var r Result

	switch e := ev.(type) {
	case PeerConnected:
		return ignore(m, "already connected")

	case LocalDescription:
		if m.LocalSet {
			return ignore(m, "local description already set")
		}
		if m.Role == RemoteOffers && !m.RemoteSet {
			return ignore(m, "answer produced before remote offer")
		}
		m.LocalSet = true
		if m.Role == LocalOffers {
			r.emit(SendOffer{SDP: e.SDP})
			if m.pendingRemote != "" {
				m.RemoteSet = true
				r.emit(SetRemoteDescription{SDP: m.pendingRemote})
				m.pendingRemote = ""
			}
		} else {
			r.emit(SendAnswer{SDP: e.SDP})
		}

	case RemoteOffer:
		if m.State != Negotiating {
			return ignore(m, "offer while "+m.State.String())
		}
		if m.Role == LocalOffers || m.RemoteSet {
			return fail(m, &r, fmt.Errorf("%w: offer while %s", ErrUnexpected, m.State), now)
		}
		m.RemoteSet = true
		r.emit(SetRemoteDescription{SDP: e.SDP, Offer: true})

	case RemoteAnswer:
		if m.State != Negotiating {
			return ignore(m, "answer while "+m.State.String())
		}
		if m.Role == RemoteOffers || m.RemoteSet || m.pendingRemote != "" {
			return fail(m, &r, fmt.Errorf("%w: answer while %s", ErrUnexpected, m.State), now)
		}
		if !m.LocalSet {
			m.pendingRemote = e.SDP
			m.LastActivity = now
			return m, r
		}
		m.RemoteSet = true
		r.emit(SetRemoteDescription{SDP: e.SDP})

	case RemoteCandidate:
		if m.State == Negotiating {
			m.candidates = append(slices.Clip(m.candidates), e.Candidate)
		} else {
			r.emit(AddRemoteCandidate{Candidate: e.Candidate})
		}

	case LocalCandidate:
		r.emit(SendCandidate{Candidate: e.Candidate})

	case TransportConnected:
		if m.State != IceGathering {
			return ignore(m, "transport connected while "+m.State.String())
		}
		r.enter(&m, Active)

	case TransportReleased:
		return ignore(m, "transport released while "+m.State.String())

	case TransportFailed:
		return fail(m, &r, fmt.Errorf("%w: %v", ErrTransportFailed, e.Err), now)

	case SignallingError:
		return fail(m, &r, fmt.Errorf("%w: %s", ErrSignalling, e.Detail), now)

	case PeerDisconnected:
		closeNow(&m, &r, "")

	case Teardown:
		closeNow(&m, &r, e.Reason)

	case IdleExpired:
		closeNow(&m, &r, "idle timeout")

	default:
		return ignore(m, fmt.Sprintf("unhandled event %T", ev))
	}

	m.LastActivity = now
	if m.State == Negotiating && m.LocalSet && m.RemoteSet {
		r.enter(&m, IceGathering)
		for _, c := range m.candidates {
			r.emit(AddRemoteCandidate{Candidate: c})
		}
		m.candidates = nil
	}
	return m, r
}

// fail records err, passes through Failed and settles in Closing
func fail(m Machine, r *Result, err error, now time.Time) (Machine, Result) {
	m.Err = err
	m.LastActivity = now
	r.Failure = err
	r.enter(&m, Failed)
	closeNow(&m, r, err.Error())
	return m, *r
}

// closeNow moves to Closing and releases everything the machine buffered.
// A non-empty reason tells the viewer why it is being dropped.
func closeNow(m *Machine, r *Result, reason string) {
	m.candidates = nil
	m.pendingRemote = ""
	r.enter(m, Closing)
	if reason != "" {
		r.emit(SendDisconnect{Reason: reason})
	}
	r.emit(CloseTransport{})
}
