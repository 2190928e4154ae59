package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrClosed    = errors.New("signalling client closed")
	ErrQueueFull = errors.New("signalling send queue full")
)

// Status is the health of the control channel session
type Status int

const (
	StatusUp Status = iota
	StatusDown
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "failed"
	}
}

// ClientConfig holds connection and retry policy for a Client
type ClientConfig struct {
	URL            string
	Dialect        Dialect
	Header         http.Header
	Token          string
	ConnectTimeout time.Duration
	WriteWait      time.Duration
	SendBuffer     int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxRetries     int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Dialect == nil {
		c.Dialect = PixelStreaming{}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 1000
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// Handler receives what the client does not answer itself
type Handler struct {
	OnMessage func(Message)
	OnStatus  func(status Status, err error)
}

// Client keeps one streamer's control channel session to the signalling server.
// It answers identify and ping on its own and reconnects with exponential backoff.
type Client struct {
	id      string
	cfg     ClientConfig
	handler Handler
	log     zerolog.Logger

	connMu sync.Mutex

	send chan Message
	done chan struct{}

	committedID string
	idMu        sync.RWMutex

	closed  bool
	closeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient creates a client that will identify as streamer id
func NewClient(id string, cfg ClientConfig, handler Handler, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:      id,
		cfg:     cfg,
		handler: handler,
		log:     logger.With().Str("streamer", id).Str("dialect", cfg.Dialect.Name()).Logger(),
		send:    make(chan Message, cfg.SendBuffer),
		done:    make(chan struct{}),
	}
}

// Start runs the session until ctx ends or Close is called
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// CommittedID returns the id the server confirmed, or "" before confirmation
func (c *Client) CommittedID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.committedID
}

// Send queues msg for delivery. It never blocks.
func (c *Client) Send(msg Message) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close flushes queued messages when connected, closes the socket and waits for the session to end
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.closeMu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) isClosing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = c.cfg.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	if c.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries))
	}
	return b
}

func (c *Client) run(ctx context.Context) {
	b := c.newBackOff()
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			c.log.Info().Str("url", c.cfg.URL).Msg("signalling connected")
			c.status(StatusUp, nil)
			var healthy bool
			healthy, err = c.serve(ctx, conn)
			if c.isClosing() || ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Bool("healthy", healthy).Msg("signalling connection lost")
			c.status(StatusDown, err)
			// Drops before the handshake completes count as failed attempts.
			if healthy {
				b.Reset()
				attempt = 0
			}
		} else if c.isClosing() || ctx.Err() != nil {
			return
		}

		attempt++
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.log.Error().Err(err).Int("attempts", attempt).Msg("giving up on signalling server")
			c.status(StatusFailed, err)
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("signalling reconnect scheduled")
		select {
		case <-time.After(wait):
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := c.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// serve pumps one connection until it drops. The session counts as healthy
// once the server confirmed our endpoint id or it stayed up for MaxBackoff.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	var confirmed atomic.Bool
	started := time.Now()
	healthy := func() bool {
		return confirmed.Load() || time.Since(started) >= c.cfg.MaxBackoff
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn, &confirmed)
	}()

	defer conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(conn, msg); err != nil {
				c.log.Warn().Err(err).Str("type", msg.Type).Msg("dropping outbound message")
				if isConnError(err) {
					return healthy(), err
				}
			}
		case err := <-readErr:
			return healthy(), err
		case <-c.done:
			c.flush(conn)
			c.connMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			c.connMu.Unlock()
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Client) flush(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(conn, msg); err != nil {
				c.log.Warn().Err(err).Str("type", msg.Type).Msg("flush failed")
				return
			}
		default:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, confirmed *atomic.Bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := c.cfg.Dialect.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping inbound message")
			continue
		}

		switch msg.Type {
		case TypePing:
			if err := c.write(conn, Message{Type: TypePong, Time: msg.Time}); err != nil {
				return err
			}
		case TypeIdentify:
			reply := Message{Type: TypeEndpointID, ID: c.id, ProtocolVersion: ProtocolVersion}
			if err := c.write(conn, reply); err != nil {
				return err
			}
		case TypeEndpointIDConfirm:
			c.idMu.Lock()
			c.committedID = msg.CommittedID
			c.idMu.Unlock()
			confirmed.Store(true)
			if msg.CommittedID != c.id {
				c.log.Info().Str("committed", msg.CommittedID).Msg("server changed streamer id")
			}
			c.deliver(msg)
		default:
			c.deliver(msg)
		}
	}
}

func (c *Client) deliver(msg Message) {
	if c.handler.OnMessage != nil {
		c.handler.OnMessage(msg)
	}
}

func (c *Client) status(s Status, err error) {
	if c.handler.OnStatus != nil {
		c.handler.OnStatus(s, err)
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	data, err := c.cfg.Dialect.Encode(msg)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// isConnError separates socket failures from messages the dialect rejected
func isConnError(err error) bool {
	return !errors.Is(err, ErrMalformed)
}
