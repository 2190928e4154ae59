package signal

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServerConfig configures the development signalling server
type ServerConfig struct {
	// TokenSecret enables bearer token checks on the streamer endpoint when set
	TokenSecret  string
	PingInterval time.Duration
	Dialect      Dialect
}

// peer is one websocket connected to the server, either a streamer or a player
type peer struct {
	conn       *websocket.Conn
	send       chan []byte
	id         string
	streamer   string // players: the streamer they watch
	isStreamer bool
	server     *Server
	closed     bool
	mu         sync.Mutex
}

// Server is a minimal Pixel Streaming signalling server: streamers identify,
// players subscribe to one streamer, and offers, answers and candidates are relayed by playerId.
type Server struct {
	cfg       ServerConfig
	streamers map[string]*peer
	players   map[string]*peer
	mu        sync.RWMutex
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewServer creates a new signalling server
func NewServer(cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.Dialect == nil {
		cfg.Dialect = PixelStreaming{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Server{
		cfg:       cfg,
		streamers: make(map[string]*peer),
		players:   make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: logger.With().Str("component", "signalserver").Logger(),
	}
}

// Router returns the HTTP routes of the server
func (s *Server) Router(middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware...)

	r.GET("/health", s.HandleHealth)
	r.GET("/streamers", s.HandleStreamers)
	r.GET("/ws/player", s.HandlePlayer)

	streamer := r.Group("/ws")
	if s.cfg.TokenSecret != "" {
		streamer.Use(s.requireToken())
	}
	streamer.GET("/streamer", s.HandleStreamer)
	return r
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := VerifyToken(s.cfg.TokenSecret, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("streamer_id", claims.StreamerID)
		c.Next()
	}
}

// HandleHealth reports liveness and the number of identified streamers
func (s *Server) HandleHealth(c *gin.Context) {
	s.mu.RLock()
	n, p := len(s.streamers), len(s.players)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "streamers": n, "players": p})
}

// HandleStreamers lists identified streamers
func (s *Server) HandleStreamers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ids": s.StreamerIDs()})
}

// StreamerIDs returns the committed ids of connected streamers, sorted
func (s *Server) StreamerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedStreamersLocked()
}

// HandleStreamer upgrades a streamer connection and starts the identify handshake
func (s *Server) HandleStreamer(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &peer{
		conn:       conn,
		send:       make(chan []byte, 256),
		isStreamer: true,
		server:     s,
	}

	go p.writePump()
	p.sendMessage(Message{Type: TypeConfig, ProtocolVersion: ProtocolVersion})
	p.sendMessage(Message{Type: TypeIdentify})
	go p.readPump()
}

// HandlePlayer upgrades a player connection and announces it to the requested streamer.
// Without a ?streamer= query the first streamer is used.
func (s *Server) HandlePlayer(c *gin.Context) {
	target := c.Query("streamer")

	s.mu.RLock()
	if ids := s.sortedStreamersLocked(); target == "" && len(ids) > 0 {
		target = ids[0]
	}
	_, exists := s.streamers[target]
	s.mu.RUnlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no streamer %q", target)})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &peer{
		conn:     conn,
		send:     make(chan []byte, 256),
		id:       uuid.NewString(),
		streamer: target,
		server:   s,
	}

	s.mu.Lock()
	s.players[p.id] = p
	streamer := s.streamers[target]
	s.mu.Unlock()

	go p.writePump()
	p.sendMessage(Message{Type: TypeConfig, ProtocolVersion: ProtocolVersion})
	if streamer != nil {
		streamer.sendMessage(Message{
			Type:        TypePlayerConnected,
			PlayerID:    PeerID(p.id),
			StreamerID:  target,
			DataChannel: c.Query("datachannel") != "false",
		})
	}
	s.log.Info().Str("player", p.id).Str("streamer", target).Msg("player joined")
	go p.readPump()
}

func (s *Server) sortedStreamersLocked() []string {
	ids := make([]string, 0, len(s.streamers))
	for id := range s.streamers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// commitStreamer registers p under the requested id, suffixing it when taken
func (s *Server) commitStreamer(p *peer, requested string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.id != "" && s.streamers[p.id] == p {
		delete(s.streamers, p.id)
	}

	id := requested
	for n := 2; ; n++ {
		if _, taken := s.streamers[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s%d", requested, n)
	}
	p.id = id
	s.streamers[id] = p
	return id
}

// removePeer unregisters p. Players of a departing streamer are disconnected.
func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	var orphans []*peer
	var streamer *peer
	if p.isStreamer {
		if s.streamers[p.id] == p {
			delete(s.streamers, p.id)
		}
		for id, player := range s.players {
			if player.streamer == p.id {
				orphans = append(orphans, player)
				delete(s.players, id)
			}
		}
	} else if _, ok := s.players[p.id]; ok {
		delete(s.players, p.id)
		streamer = s.streamers[p.streamer]
	}
	s.mu.Unlock()

	for _, player := range orphans {
		player.sendMessage(Message{Type: TypeError, Message: "streamer disconnected"})
		player.close()
	}
	if streamer != nil {
		streamer.sendMessage(Message{Type: TypePlayerDisconnected, PlayerID: PeerID(p.id)})
	}
	if p.isStreamer && p.id != "" {
		s.log.Info().Str("streamer", p.id).Int("players_dropped", len(orphans)).Msg("streamer left")
	}
}

func (s *Server) player(id PeerID) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players[string(id)]
}

func (s *Server) streamer(id string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamers[id]
}
