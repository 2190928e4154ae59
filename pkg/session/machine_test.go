package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func cand(n int) signal.Candidate {
	return signal.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 5000 typ host", n, n), SDPMid: "0"}
}

// drive feeds events in order and returns the final machine plus every effect emitted
func drive(t *testing.T, m Machine, events ...Event) (Machine, []Effect) {
	t.Helper()
	var effects []Effect
	for i, ev := range events {
		var r Result
		m, r = Step(m, ev, t0.Add(time.Duration(i)*time.Millisecond))
		effects = append(effects, r.Effects...)
	}
	return m, effects
}

func TestLocalOfferScenario(t *testing.T) {
	m := New("7", LocalOffers, t0)

	m, r := Step(m, RemoteCandidate{Candidate: cand(1)}, t0)
	assert.Equal(t, Idle, m.State)
	assert.Empty(t, r.Effects)
	assert.False(t, r.Changed())

	m, r = Step(m, PeerConnected{DataChannel: true}, t0)
	assert.Equal(t, Negotiating, m.State)
	assert.Equal(t, []Effect{OpenTransport{DataChannel: true}, CreateOffer{}}, r.Effects)

	m, r = Step(m, LocalDescription{SDP: "offer"}, t0)
	assert.Equal(t, []Effect{SendOffer{SDP: "offer"}}, r.Effects)
	assert.Equal(t, Negotiating, m.State)

	m, r = Step(m, RemoteCandidate{Candidate: cand(2)}, t0)
	assert.Empty(t, r.Effects)
	assert.Equal(t, []signal.Candidate{cand(1), cand(2)}, m.Buffered())

	m, r = Step(m, RemoteAnswer{SDP: "answer"}, t0)
	assert.Equal(t, IceGathering, m.State)
	assert.Equal(t, []State{IceGathering}, r.Trail)
	assert.Equal(t, []Effect{
		SetRemoteDescription{SDP: "answer"},
		AddRemoteCandidate{Candidate: cand(1)},
		AddRemoteCandidate{Candidate: cand(2)},
	}, r.Effects)
	assert.Empty(t, m.Buffered())

	m, r = Step(m, RemoteCandidate{Candidate: cand(3)}, t0)
	assert.Equal(t, []Effect{AddRemoteCandidate{Candidate: cand(3)}}, r.Effects)

	m, r = Step(m, LocalCandidate{Candidate: cand(4)}, t0)
	assert.Equal(t, []Effect{SendCandidate{Candidate: cand(4)}}, r.Effects)

	m, r = Step(m, TransportConnected{}, t0)
	assert.Equal(t, Active, m.State)
	assert.Empty(t, r.Effects)
}

func TestRemoteOfferFlow(t *testing.T) {
	m := New("9", RemoteOffers, t0)

	m, r := Step(m, PeerConnected{}, t0)
	assert.Equal(t, []Effect{OpenTransport{}}, r.Effects)

	m, r = Step(m, LocalDescription{SDP: "early"}, t0)
	assert.NotEmpty(t, r.Ignored)
	assert.False(t, m.LocalSet)

	m, r = Step(m, RemoteOffer{SDP: "offer"}, t0)
	assert.Equal(t, []Effect{SetRemoteDescription{SDP: "offer", Offer: true}}, r.Effects)
	assert.Equal(t, Negotiating, m.State)

	m, r = Step(m, LocalDescription{SDP: "answer"}, t0)
	assert.Equal(t, []Effect{SendAnswer{SDP: "answer"}}, r.Effects)
	assert.Equal(t, IceGathering, m.State)
}

func TestAnswerBeforeLocalOfferIsHeld(t *testing.T) {
	m, _ := drive(t, New("1", LocalOffers, t0), PeerConnected{}, RemoteAnswer{SDP: "answer"})
	assert.Equal(t, Negotiating, m.State)
	assert.False(t, m.RemoteSet)

	m, r := Step(m, LocalDescription{SDP: "offer"}, t0)
	assert.Equal(t, IceGathering, m.State)
	assert.Equal(t, []Effect{SendOffer{SDP: "offer"}, SetRemoteDescription{SDP: "answer"}}, r.Effects)
}

func TestIdleOnlyAcceptsPeerConnected(t *testing.T) {
	events := []Event{
		RemoteOffer{SDP: "x"},
		RemoteAnswer{SDP: "x"},
		LocalDescription{SDP: "x"},
		LocalCandidate{Candidate: cand(1)},
		TransportConnected{},
		TransportFailed{Err: errors.New("boom")},
		TransportReleased{},
		PeerDisconnected{},
		Teardown{Reason: "bye"},
		IdleExpired{},
		SignallingError{Detail: "x"},
		RemoteCandidate{Candidate: cand(1)},
	}

	for _, ev := range events {
		t.Run(fmt.Sprintf("%T", ev), func(t *testing.T) {
			m, r := Step(New("1", LocalOffers, t0), ev, t0)
			assert.Equal(t, Idle, m.State)
			assert.Empty(t, r.Effects)
			assert.False(t, r.Changed())
			assert.NoError(t, r.Failure)
		})
	}
}

func TestCandidateFlushKeepsArrivalOrder(t *testing.T) {
	for _, n := range []int{0, 1, 5, 64} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			var in []signal.Candidate
			m := New("1", LocalOffers, t0)
			// half before PeerConnected, half while negotiating
			for i := 0; i < n/2; i++ {
				in = append(in, cand(i))
				m, _ = Step(m, RemoteCandidate{Candidate: cand(i)}, t0)
			}
			m, _ = Step(m, PeerConnected{}, t0)
			m, _ = Step(m, LocalDescription{SDP: "offer"}, t0)
			for i := n / 2; i < n; i++ {
				in = append(in, cand(i))
				m, _ = Step(m, RemoteCandidate{Candidate: cand(i)}, t0)
			}

			m, r := Step(m, RemoteAnswer{SDP: "answer"}, t0)
			require.Equal(t, IceGathering, m.State)

			var out []signal.Candidate
			for _, e := range r.Effects {
				if add, ok := e.(AddRemoteCandidate); ok {
					out = append(out, add.Candidate)
				}
			}
			assert.Len(t, out, len(in))
			assert.Equal(t, in, out)
		})
	}
}

func TestSecondOfferWhileActiveIsIgnored(t *testing.T) {
	m, _ := drive(t, New("1", RemoteOffers, t0),
		PeerConnected{}, RemoteOffer{SDP: "o"}, LocalDescription{SDP: "a"}, TransportConnected{})
	require.Equal(t, Active, m.State)

	next, r := Step(m, RemoteOffer{SDP: "again"}, t0)
	assert.Equal(t, Active, next.State)
	assert.Empty(t, r.Effects)
	assert.NotEmpty(t, r.Ignored)
	assert.NoError(t, r.Failure)

	next, r = Step(next, RemoteAnswer{SDP: "stray"}, t0)
	assert.Equal(t, Active, next.State)
	assert.NotEmpty(t, r.Ignored)
}

func TestUnexpectedOfferWhileNegotiatingFails(t *testing.T) {
	m, _ := drive(t, New("1", LocalOffers, t0), PeerConnected{})

	m, r := Step(m, RemoteOffer{SDP: "o"}, t0)
	assert.ErrorIs(t, r.Failure, ErrUnexpected)
	assert.Equal(t, []State{Failed, Closing}, r.Trail)
	assert.Equal(t, Closing, m.State)
	assert.Contains(t, r.Effects, CloseTransport{})
	assert.ErrorIs(t, m.Err, ErrUnexpected)
}

func TestTransportFailureCascadesToClosed(t *testing.T) {
	m, _ := drive(t, New("1", LocalOffers, t0),
		PeerConnected{}, RemoteCandidate{Candidate: cand(1)}, LocalDescription{SDP: "o"})

	m, r := Step(m, TransportFailed{Err: errors.New("ice failed")}, t0)
	assert.ErrorIs(t, r.Failure, ErrTransportFailed)
	assert.Equal(t, []State{Failed, Closing}, r.Trail)
	require.Len(t, r.Effects, 2)
	assert.IsType(t, SendDisconnect{}, r.Effects[0])
	assert.Equal(t, CloseTransport{}, r.Effects[1])
	assert.Empty(t, m.Buffered())

	m, r = Step(m, RemoteCandidate{Candidate: cand(2)}, t0)
	assert.Equal(t, Closing, m.State)
	assert.Empty(t, r.Effects)

	m, r = Step(m, TransportReleased{}, t0)
	assert.Equal(t, Closed, m.State)
	assert.Equal(t, []State{Closed}, r.Trail)

	m, r = Step(m, PeerConnected{}, t0)
	assert.Equal(t, Closed, m.State)
	assert.Empty(t, r.Effects)
}

func TestCloseReasons(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		effects []Effect
	}{
		{"peer left", PeerDisconnected{}, []Effect{CloseTransport{}}},
		{"teardown", Teardown{Reason: "streamer removed"}, []Effect{SendDisconnect{Reason: "streamer removed"}, CloseTransport{}}},
		{"idle", IdleExpired{}, []Effect{SendDisconnect{Reason: "idle timeout"}, CloseTransport{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := drive(t, New("1", LocalOffers, t0), PeerConnected{})
			m, r := Step(m, tt.ev, t0)
			assert.Equal(t, Closing, m.State)
			assert.Equal(t, tt.effects, r.Effects)
			assert.NoError(t, r.Failure)
		})
	}
}

func TestConnectedBeforeGatheringIsIgnored(t *testing.T) {
	m, _ := drive(t, New("1", LocalOffers, t0), PeerConnected{})
	m, r := Step(m, TransportConnected{}, t0)
	assert.Equal(t, Negotiating, m.State)
	assert.NotEmpty(t, r.Ignored)
}

func TestStepTracksActivity(t *testing.T) {
	m := New("1", LocalOffers, t0)
	later := t0.Add(time.Minute)
	m, _ = Step(m, PeerConnected{}, later)
	assert.Equal(t, later, m.LastActivity)

	ignoredAt := later.Add(time.Minute)
	m, _ = Step(m, TransportConnected{}, ignoredAt)
	assert.Equal(t, later, m.LastActivity)
}

func TestStateHelpers(t *testing.T) {
	assert.Equal(t, "ice-gathering", IceGathering.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, Active.Live())
	assert.False(t, Closing.Live())
	assert.True(t, Signalling(SendCandidate{}))
	assert.False(t, Signalling(CloseTransport{}))
}
