package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

// InputChannel is the label of the data channel viewers send input on
const InputChannel = "input"

var ErrTransportClosed = errors.New("transport closed")

// WebRTCFactory opens pion peer connections
type WebRTCFactory struct {
	api    *webrtc.API
	ice    ICEConfig
	config webrtc.Configuration
	log    zerolog.Logger
}

// NewWebRTCFactory builds a pion API with the default codecs and interceptors.
// loggerFactory may be nil to keep pion's own logging.
func NewWebRTCFactory(ice ICEConfig, loggerFactory logging.LoggerFactory, logger zerolog.Logger) (*WebRTCFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	if loggerFactory != nil {
		s.LoggerFactory = loggerFactory
	}

	return &WebRTCFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		ice:    ice,
		config: ice.Configuration(),
		log:    logger.With().Str("component", "webrtc").Logger(),
	}, nil
}

// Open creates a peer connection carrying the source's track and, if asked, the input data channel
func (f *WebRTCFactory) Open(opts Options, cb Callbacks) (Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{
		pc:      pc,
		cb:      cb,
		trickle: f.ice.Trickle,
		log:     f.log.With().Str("streamer", opts.Streamer).Str("connection", opts.Connection).Logger(),
	}

	if opts.Source != nil {
		if track := opts.Source.Track(); track != nil {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add video track: %w", err)
			}
			go drainRTCP(sender)
		}
	}

	if opts.DataChannel {
		ordered := true
		var retransmits uint16
		dc, err := pc.CreateDataChannel(InputChannel, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		p.watch(dc)
	}
	// viewers that offer bring their own channel
	pc.OnDataChannel(p.watch)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !p.trickle || cb.OnLocalCandidate == nil {
			return
		}
		cb.OnLocalCandidate(fromInit(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			route := detectConnectionType(pc)
			p.log.Info().Str("route", route).Msg("viewer connected")
			if cb.OnConnected != nil {
				cb.OnConnected(route)
			}
		case webrtc.PeerConnectionStateFailed:
			p.fail(errors.New("peer connection failed"))
		}
	})

	return p, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type peer struct {
	pc      *webrtc.PeerConnection
	cb      Callbacks
	trickle bool
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	failed bool
}

func (p *peer) watch(dc *webrtc.DataChannel) {
	if dc.Label() != InputChannel {
		return
	}
	dc.OnOpen(func() {
		p.log.Debug().Msg("input channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString || p.cb.OnData == nil {
			return
		}
		p.cb.OnData(msg.Data)
	})
}

func (p *peer) fail(err error) {
	p.mu.Lock()
	report := !p.failed && !p.closed
	p.failed = true
	p.mu.Unlock()
	if report && p.cb.OnFailed != nil {
		p.cb.OnFailed(err)
	}
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peer) CreateOffer() error {
	if p.isClosed() {
		return ErrTransportClosed
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return p.setLocal(offer)
}

func (p *peer) SetRemoteDescription(sdp string, offer bool) error {
	if p.isClosed() {
		return ErrTransportClosed
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if offer {
		desc.Type = webrtc.SDPTypeOffer
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	if !offer {
		return nil
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	return p.setLocal(answer)
}

// setLocal applies desc and reports it, after gathering completes when trickle is off
func (p *peer) setLocal(desc webrtc.SessionDescription) error {
	var gatherComplete <-chan struct{}
	if !p.trickle {
		gatherComplete = webrtc.GatheringCompletePromise(p.pc)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if gatherComplete != nil {
		<-gatherComplete
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return errors.New("no local description after negotiation")
	}
	if p.cb.OnLocalDescription != nil {
		p.cb.OnLocalDescription(local.SDP)
	}
	return nil
}

func (p *peer) AddRemoteCandidate(c signal.Candidate) error {
	if p.isClosed() {
		return ErrTransportClosed
	}
	if err := p.pc.AddICECandidate(toInit(c)); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (p *peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func toInit(c signal.Candidate) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	mid, index := c.SDPMid, c.SDPMLineIndex
	init.SDPMid = &mid
	init.SDPMLineIndex = &index
	if c.UsernameFragment != "" {
		ufrag := c.UsernameFragment
		init.UsernameFragment = &ufrag
	}
	return init
}

func fromInit(init webrtc.ICECandidateInit) signal.Candidate {
	c := signal.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	if init.UsernameFragment != nil {
		c.UsernameFragment = *init.UsernameFragment
	}
	return c
}

// detectConnectionType checks if the selected candidate pair is direct or relayed
func detectConnectionType(pc *webrtc.PeerConnection) string {
	stats := pc.GetStats()

	for _, stat := range stats {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, ok := stats[pair.LocalCandidateID].(webrtc.ICECandidateStats)
		if !ok {
			continue
		}
		switch local.CandidateType {
		case webrtc.ICECandidateTypeRelay:
			return "relay"
		case webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			return "direct"
		}
	}
	return "unknown"
}
