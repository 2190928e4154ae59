// Package media drives the media transport of each viewer connection and
// holds the capture sources streamers publish.
package media

import (
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

// Transport is the media side of one viewer connection. Methods may block on
// network work and are called from a worker goroutine, never concurrently for
// the same connection.
type Transport interface {
	CreateOffer() error
	// SetRemoteDescription applies the viewer's description; an offer is answered through OnLocalDescription
	SetRemoteDescription(sdp string, offer bool) error
	AddRemoteCandidate(c signal.Candidate) error
	Close() error
}

// Callbacks report what a transport produced. They may run on any goroutine.
type Callbacks struct {
	OnLocalDescription func(sdp string)
	OnLocalCandidate   func(c signal.Candidate)
	OnConnected        func(route string)
	OnFailed           func(err error)
	OnData             func(data []byte)
}

// Options describe the connection a transport is opened for
type Options struct {
	Streamer    string
	Connection  string
	DataChannel bool
	// Source provides the outgoing video track; nil opens a transport without media
	Source Source
}

// Factory opens transports
type Factory interface {
	Open(opts Options, cb Callbacks) (Transport, error)
}
