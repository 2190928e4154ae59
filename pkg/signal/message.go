package signal

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Message types of the Pixel Streaming signalling protocol
const (
	TypeConfig             = "config"
	TypeIdentify           = "identify"
	TypeEndpointID         = "endpointId"
	TypeEndpointIDConfirm  = "endpointIdConfirm"
	TypeStreamerIDChanged  = "streamerIdChanged"
	TypePlayerConnected    = "playerConnected"
	TypePlayerDisconnected = "playerDisconnected"
	TypeOffer              = "offer"
	TypeAnswer             = "answer"
	TypeIceCandidate       = "iceCandidate"
	TypeDisconnectPlayer   = "disconnectPlayer"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

// ProtocolVersion is reported in endpointId
const ProtocolVersion = "1.0.0"

// Message represents a signalling message. Fields not used by a type are left empty.
type Message struct {
	Type            string     `json:"type"`
	ID              string     `json:"id,omitempty"`              // requested streamer id (endpointId)
	CommittedID     string     `json:"committedId,omitempty"`     // final streamer id (endpointIdConfirm)
	NewID           string     `json:"newId,omitempty"`           // streamerIdChanged
	ProtocolVersion string     `json:"protocolVersion,omitempty"` // endpointId, config
	PlayerID        PeerID     `json:"playerId,omitempty"`        // connection the message is about
	StreamerID      string     `json:"streamerId,omitempty"`      // addressed streamer on multiplexed sessions
	DataChannel     bool       `json:"dataChannel,omitempty"`     // playerConnected: viewer wants the input channel
	SFU             bool       `json:"sfu,omitempty"`
	SDP             string     `json:"sdp,omitempty"`
	Candidate       *Candidate `json:"candidate,omitempty"`
	Reason          string     `json:"reason,omitempty"`  // disconnectPlayer
	Time            int64      `json:"time,omitempty"`    // ping/pong
	Message         string     `json:"message,omitempty"` // error detail

	PeerConnectionOptions json.RawMessage `json:"peerConnectionOptions,omitempty"`
}

// Candidate is an ICE candidate as the browser serialises it
type Candidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid"`
	SDPMLineIndex    uint16 `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// PeerID is a player identifier. Older servers send numbers, newer ones strings.
type PeerID string

func (p *PeerID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PeerID(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*p = PeerID(n.String())
	return nil
}

func (p PeerID) String() string { return string(p) }
