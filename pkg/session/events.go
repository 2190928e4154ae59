package session

import "github.com/tomaslejdung/pixelpeep/pkg/signal"

// Event is an input to Step
type Event interface {
	event()
}

// PeerConnected is the server announcing a new viewer
type PeerConnected struct {
	DataChannel bool
}

type RemoteOffer struct {
	SDP string
}

type RemoteAnswer struct {
	SDP string
}

type RemoteCandidate struct {
	Candidate signal.Candidate
}

// LocalDescription is the offer or answer produced by the media transport
type LocalDescription struct {
	SDP string
}

type LocalCandidate struct {
	Candidate signal.Candidate
}

type TransportConnected struct{}

type TransportFailed struct {
	Err error
}

// TransportReleased confirms the media transport is gone
type TransportReleased struct{}

type PeerDisconnected struct{}

// Teardown is a local request to drop the connection
type Teardown struct {
	Reason string
}

type IdleExpired struct{}

// SignallingError is an error the server reported for this connection
type SignallingError struct {
	Detail string
}

func (PeerConnected) event()      {}
func (RemoteOffer) event()        {}
func (RemoteAnswer) event()       {}
func (RemoteCandidate) event()    {}
func (LocalDescription) event()   {}
func (LocalCandidate) event()     {}
func (TransportConnected) event() {}
func (TransportFailed) event()    {}
func (TransportReleased) event()  {}
func (PeerDisconnected) event()   {}
func (Teardown) event()           {}
func (IdleExpired) event()        {}
func (SignallingError) event()    {}

// Effect is work the async side performs on behalf of a connection
type Effect interface {
	effect()
}

// OpenTransport creates the media transport for the connection
type OpenTransport struct {
	DataChannel bool
}

// CreateOffer asks the transport for a local offer
type CreateOffer struct{}

// SetRemoteDescription applies the viewer's description. When Offer is set the
// transport answers with a LocalDescription.
type SetRemoteDescription struct {
	SDP   string
	Offer bool
}

type AddRemoteCandidate struct {
	Candidate signal.Candidate
}

// CloseTransport releases the transport; completion is reported as TransportReleased
type CloseTransport struct{}

type SendOffer struct {
	SDP string
}

type SendAnswer struct {
	SDP string
}

type SendCandidate struct {
	Candidate signal.Candidate
}

// SendDisconnect asks the server to drop the viewer
type SendDisconnect struct {
	Reason string
}

func (OpenTransport) effect()        {}
func (CreateOffer) effect()          {}
func (SetRemoteDescription) effect() {}
func (AddRemoteCandidate) effect()   {}
func (CloseTransport) effect()       {}
func (SendOffer) effect()            {}
func (SendAnswer) effect()           {}
func (SendCandidate) effect()        {}
func (SendDisconnect) effect()       {}

// Signalling reports whether e is sent over the control channel rather than executed on the transport
func Signalling(e Effect) bool {
	switch e.(type) {
	case SendOffer, SendAnswer, SendCandidate, SendDisconnect:
		return true
	}
	return false
}
