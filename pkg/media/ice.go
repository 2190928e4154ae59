package media

import (
	"github.com/pion/webrtc/v3"
)

// DefaultSTUN is used when no STUN servers are configured
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	STUN       []string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	// Trickle sends local candidates as they are gathered. When false the local
	// description is sent once gathering completes, with every candidate inlined.
	Trickle bool
}

// Configuration builds the pion configuration for ICE
func (c ICEConfig) Configuration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0)

	if !c.ForceRelay {
		stun := c.STUN
		if stun == nil {
			stun = DefaultSTUN
		}
		for _, url := range stun {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}
	}

	if c.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{c.TURNServer},
		}
		if c.TURNUser != "" {
			turnServer.Username = c.TURNUser
			turnServer.Credential = c.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	policy := webrtc.ICETransportPolicyAll
	if c.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}
