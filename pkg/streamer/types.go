package streamer

import (
	"time"

	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

// Source is the capture source a streamer owns exclusively
type Source interface {
	Acquire() error
	Close() error
}

// Command is work the registry hands to the async side
type Command interface {
	command()
}

// ConnCommand carries one connection effect
type ConnCommand struct {
	Streamer   string
	Connection string
	Effect     session.Effect
}

// Reject tells the server to drop a viewer that no streamer will serve.
// Session names the signalling session the request arrived on and Streamer
// the streamer it addressed.
type Reject struct {
	Session    string
	Streamer   string
	Connection string
	Reason     string
}

// SessionCommand opens or closes the signalling session of a streamer
type SessionCommand struct {
	Streamer string
	Open     bool
	Source   Source
}

func (ConnCommand) command()    {}
func (Reject) command()         {}
func (SessionCommand) command() {}

// Outbox accepts commands without blocking the caller
type Outbox interface {
	Push(Command)
}

// Inbound is anything the async side reports to the registry
type Inbound interface {
	inbound()
}

// Envelope is one decoded signalling message. Session is the streamer whose
// control channel delivered it; Streamer is the streamer it addresses.
type Envelope struct {
	Session  string
	Streamer string
	Message  signal.Message
}

// TransportKind classifies a TransportEvent
type TransportKind int

const (
	TransportLocalDescription TransportKind = iota
	TransportLocalCandidate
	TransportConnected
	TransportFailed
	TransportReleased
)

func (k TransportKind) String() string {
	switch k {
	case TransportLocalDescription:
		return "local-description"
	case TransportLocalCandidate:
		return "local-candidate"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportReleased:
		return "released"
	}
	return "unknown"
}

// TransportEvent is a media transport callback for one connection
type TransportEvent struct {
	Streamer   string
	Connection string
	Kind       TransportKind
	SDP        string
	Candidate  signal.Candidate
	Err        error
}

// SessionStatus reports a change of a streamer's signalling session
type SessionStatus struct {
	Streamer string
	Status   signal.Status
	Err      error
	At       time.Time
}

func (Envelope) inbound()       {}
func (TransportEvent) inbound() {}
func (SessionStatus) inbound()  {}

// ConnectionEvent is a lifecycle notification for the application
type ConnectionEvent struct {
	Streamer   string
	Connection string
	State      session.State
	Degraded   bool
	Err        error
	At         time.Time
}

// ConnectionView is a read-only copy of one connection for dashboards
type ConnectionView struct {
	ID           string
	State        session.State
	DataChannel  bool
	LastActivity time.Time
}

// StreamerView is a read-only copy of one streamer for dashboards
type StreamerView struct {
	ID          string
	Draining    bool
	Degraded    bool
	Connections []ConnectionView
}
