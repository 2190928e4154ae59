package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// readPump reads messages from the WebSocket
func (p *peer) readPump() {
	defer func() {
		p.server.removePeer(p)
		p.close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				p.server.log.Warn().Err(err).Str("peer", p.id).Msg("websocket error")
			}
			return
		}

		msg, err := p.server.cfg.Dialect.Decode(data)
		if err != nil {
			p.server.log.Warn().Err(err).Str("peer", p.id).Msg("invalid message")
			continue
		}

		if p.isStreamer {
			p.handleStreamerMessage(msg)
		} else {
			p.handlePlayerMessage(msg)
		}
	}
}

// writePump sends queued frames and pings streamers
func (p *peer) writePump() {
	ticker := time.NewTicker(p.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.server.log.Warn().Err(err).Str("peer", p.id).Msg("websocket write error")
				return
			}
		case now := <-ticker.C:
			if !p.isStreamer {
				continue
			}
			data, err := p.server.cfg.Dialect.Encode(Message{Type: TypePing, Time: now.Unix()})
			if err != nil {
				continue
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// handleStreamerMessage processes messages coming from a streamer
func (p *peer) handleStreamerMessage(msg Message) {
	switch msg.Type {
	case TypeEndpointID:
		id := p.server.commitStreamer(p, msg.ID)
		p.server.log.Info().Str("requested", msg.ID).Str("committed", id).Msg("streamer identified")
		p.sendMessage(Message{Type: TypeEndpointIDConfirm, CommittedID: id})

	case TypeOffer, TypeAnswer, TypeIceCandidate:
		if player := p.server.player(msg.PlayerID); player != nil && player.streamer == p.id {
			player.sendMessage(msg)
		}

	case TypeDisconnectPlayer:
		if player := p.server.player(msg.PlayerID); player != nil && player.streamer == p.id {
			p.server.log.Info().Str("player", player.id).Str("reason", msg.Reason).Msg("streamer dropped player")
			player.close()
		}

	case TypePong:

	default:
		p.server.log.Debug().Str("type", msg.Type).Msg("ignoring streamer message")
	}
}

// handlePlayerMessage relays negotiation messages to the player's streamer, stamped with its id
func (p *peer) handlePlayerMessage(msg Message) {
	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeIceCandidate:
		msg.PlayerID = PeerID(p.id)
		msg.StreamerID = p.streamer
		if streamer := p.server.streamer(p.streamer); streamer != nil {
			streamer.sendMessage(msg)
		}
	default:
		p.server.log.Debug().Str("type", msg.Type).Msg("ignoring player message")
	}
}

func (p *peer) sendMessage(msg Message) {
	data, err := p.server.cfg.Dialect.Encode(msg)
	if err != nil {
		p.server.log.Warn().Err(err).Msg("refusing to send invalid message")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- data:
	default:
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}
