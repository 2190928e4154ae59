// Package dispatch runs the async side: one signalling session per streamer
// and a pool of workers that drive media transports.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/pixelpeep/pkg/input"
	"github.com/tomaslejdung/pixelpeep/pkg/media"
	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

var (
	ErrNoTransport = errors.New("no transport for connection")
	ErrNoSession   = errors.New("no signalling session")
)

const (
	defaultWorkers    = 4
	defaultCloseGrace = 5 * time.Second
	workerQueue       = 256
)

// Session is a streamer's control channel. *signal.Client implements it.
type Session interface {
	Start(ctx context.Context)
	Send(msg signal.Message) error
	CommittedID() string
	Close() error
}

// SessionFactory creates the session for streamer id reporting to h
type SessionFactory func(id string, h signal.Handler) (Session, error)

// Commands yields batches of registry commands. *bridge.Bridge implements it.
type Commands interface {
	Next(ctx context.Context) ([]streamer.Command, error)
}

// Sink receives what the async side observed. *bridge.Bridge implements it.
type Sink interface {
	PushControl(in streamer.Inbound)
	PushInput(ev input.Tagged)
}

// Config sizes the worker pool
type Config struct {
	Workers int
	// CloseGrace bounds a transport close; after it the transport is abandoned
	CloseGrace time.Duration
}

type connKey struct {
	streamer   string
	connection string
}

// Dispatcher executes registry commands. Signalling sends run inline on the
// command loop; media work is sharded by connection so each connection sees
// its effects in order.
type Dispatcher struct {
	cfg      Config
	commands Commands
	sink     Sink
	sessions SessionFactory
	media    media.Factory
	log      zerolog.Logger

	mu         sync.Mutex
	clients    map[string]Session
	sources    map[string]media.Source
	transports map[connKey]media.Transport
	via        map[connKey]string // connection -> session it arrived on

	queues  []chan func()
	closing sync.WaitGroup
}

// New creates a dispatcher. Call Run to start it.
func New(cfg Config, commands Commands, sink Sink, sessions SessionFactory, factory media.Factory, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	d := &Dispatcher{
		cfg:        cfg,
		commands:   commands,
		sink:       sink,
		sessions:   sessions,
		media:      factory,
		log:        logger.With().Str("component", "dispatch").Logger(),
		clients:    make(map[string]Session),
		sources:    make(map[string]media.Source),
		transports: make(map[connKey]media.Transport),
		via:        make(map[connKey]string),
		queues:     make([]chan func(), cfg.Workers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan func(), workerQueue)
	}
	return d
}

// Run executes commands until ctx ends, then closes every session and transport
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i, q := range d.queues {
		g.Go(func() error {
			d.worker(gctx, i, q)
			return nil
		})
	}

	g.Go(func() error {
		for {
			batch, err := d.commands.Next(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			for _, c := range batch {
				d.execute(gctx, c)
			}
		}
	})

	err := g.Wait()
	d.shutdown()
	return err
}

func (d *Dispatcher) worker(ctx context.Context, n int, q chan func()) {
	d.log.Debug().Int("worker", n).Msg("media worker started")
	for {
		select {
		case job := <-q:
			job()
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, c streamer.Command) {
	switch c := c.(type) {
	case streamer.SessionCommand:
		if c.Open {
			d.openSession(ctx, c)
		} else {
			d.closeSession(c.Streamer)
		}
	case streamer.Reject:
		d.mu.Lock()
		delete(d.via, connKey{c.Streamer, c.Connection})
		d.mu.Unlock()
		d.sendVia(c.Session, "", signal.Message{
			Type:     signal.TypeDisconnectPlayer,
			PlayerID: signal.PeerID(c.Connection),
			Reason:   c.Reason,
		})
	case streamer.ConnCommand:
		if session.Signalling(c.Effect) {
			d.sendSignal(c)
			return
		}
		d.enqueue(ctx, c)
	default:
		d.log.Warn().Str("type", fmt.Sprintf("%T", c)).Msg("unhandled command")
	}
}

func (d *Dispatcher) openSession(ctx context.Context, c streamer.SessionCommand) {
	d.mu.Lock()
	_, exists := d.clients[c.Streamer]
	d.mu.Unlock()
	if exists {
		d.log.Warn().Str("streamer", c.Streamer).Msg("session already open")
		return
	}

	id := c.Streamer
	client, err := d.sessions(id, signal.Handler{
		OnMessage: func(msg signal.Message) { d.onMessage(id, msg) },
		OnStatus: func(status signal.Status, err error) {
			d.sink.PushControl(streamer.SessionStatus{Streamer: id, Status: status, Err: err, At: time.Now()})
		},
	})
	if err != nil {
		d.log.Error().Err(err).Str("streamer", id).Msg("failed to create signalling session")
		d.sink.PushControl(streamer.SessionStatus{Streamer: id, Status: signal.StatusFailed, Err: err, At: time.Now()})
		return
	}

	src, ok := c.Source.(media.Source)
	if !ok && c.Source != nil {
		d.log.Warn().Str("streamer", id).Msg("source has no media track, connections carry no video")
	}

	d.mu.Lock()
	d.clients[id] = client
	if src != nil {
		d.sources[id] = src
	}
	d.mu.Unlock()

	client.Start(ctx)
	d.log.Info().Str("streamer", id).Msg("signalling session opened")
}

func (d *Dispatcher) closeSession(id string) {
	d.mu.Lock()
	client := d.clients[id]
	delete(d.clients, id)
	delete(d.sources, id)
	d.mu.Unlock()
	if client == nil {
		return
	}

	d.closing.Add(1)
	go func() {
		defer d.closing.Done()
		if err := client.Close(); err != nil {
			d.log.Warn().Err(err).Str("streamer", id).Msg("signalling session close failed")
		}
		d.log.Info().Str("streamer", id).Msg("signalling session closed")
	}()
}

// onMessage normalises the addressed streamer before handing msg to the registry
func (d *Dispatcher) onMessage(id string, msg signal.Message) {
	target := msg.StreamerID
	if target == "" {
		target = id
	} else {
		d.mu.Lock()
		client := d.clients[id]
		d.mu.Unlock()
		if client != nil && target == client.CommittedID() {
			target = id
		}
	}

	if msg.Type == signal.TypePlayerConnected && msg.PlayerID != "" {
		d.mu.Lock()
		d.via[connKey{target, string(msg.PlayerID)}] = id
		d.mu.Unlock()
	}

	d.sink.PushControl(streamer.Envelope{Session: id, Streamer: target, Message: msg})
}

func (d *Dispatcher) sendSignal(c streamer.ConnCommand) {
	msg := signal.Message{PlayerID: signal.PeerID(c.Connection)}
	switch e := c.Effect.(type) {
	case session.SendOffer:
		msg.Type, msg.SDP = signal.TypeOffer, e.SDP
	case session.SendAnswer:
		msg.Type, msg.SDP = signal.TypeAnswer, e.SDP
	case session.SendCandidate:
		cand := e.Candidate
		msg.Type, msg.Candidate = signal.TypeIceCandidate, &cand
	case session.SendDisconnect:
		msg.Type, msg.Reason = signal.TypeDisconnectPlayer, e.Reason
	}

	key := connKey{c.Streamer, c.Connection}
	d.mu.Lock()
	via, ok := d.via[key]
	d.mu.Unlock()
	if !ok {
		via = c.Streamer
	}
	d.sendVia(via, c.Streamer, msg)
}

// sendVia sends msg on the session of via, naming target when it differs
func (d *Dispatcher) sendVia(via, target string, msg signal.Message) {
	d.mu.Lock()
	client := d.clients[via]
	d.mu.Unlock()

	logger := d.log.With().Str("streamer", via).Str("connection", string(msg.PlayerID)).Str("type", msg.Type).Logger()
	if client == nil {
		logger.Warn().Err(ErrNoSession).Msg("dropping signalling message")
		return
	}
	if target != "" && target != via {
		msg.StreamerID = target
	}
	if err := client.Send(msg); err != nil {
		logger.Warn().Err(err).Msg("failed to queue signalling message")
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, c streamer.ConnCommand) {
	key := connKey{c.Streamer, c.Connection}
	q := d.queues[xxhash.Sum64String(c.Streamer+"/"+c.Connection)%uint64(len(d.queues))]
	job := func() { d.runEffect(key, c.Effect) }

	select {
	case q <- job:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) runEffect(key connKey, effect session.Effect) {
	switch e := effect.(type) {
	case session.OpenTransport:
		d.open(key, e.DataChannel)
	case session.CreateOffer:
		d.withTransport(key, func(t media.Transport) error { return t.CreateOffer() })
	case session.SetRemoteDescription:
		d.withTransport(key, func(t media.Transport) error { return t.SetRemoteDescription(e.SDP, e.Offer) })
	case session.AddRemoteCandidate:
		d.withTransport(key, func(t media.Transport) error { return t.AddRemoteCandidate(e.Candidate) })
	case session.CloseTransport:
		d.close(key)
	}
}

func (d *Dispatcher) report(key connKey, kind streamer.TransportKind, fill func(*streamer.TransportEvent)) {
	ev := streamer.TransportEvent{Streamer: key.streamer, Connection: key.connection, Kind: kind}
	if fill != nil {
		fill(&ev)
	}
	d.sink.PushControl(ev)
}

func (d *Dispatcher) fail(key connKey, err error) {
	d.report(key, streamer.TransportFailed, func(ev *streamer.TransportEvent) { ev.Err = err })
}

func (d *Dispatcher) open(key connKey, dataChannel bool) {
	d.mu.Lock()
	src := d.sources[key.streamer]
	_, exists := d.transports[key]
	d.mu.Unlock()
	if exists {
		d.log.Warn().Str("streamer", key.streamer).Str("connection", key.connection).Msg("transport already open")
		return
	}

	logger := d.log.With().Str("streamer", key.streamer).Str("connection", key.connection).Logger()
	t, err := d.media.Open(media.Options{
		Streamer:    key.streamer,
		Connection:  key.connection,
		DataChannel: dataChannel,
		Source:      src,
	}, media.Callbacks{
		OnLocalDescription: func(sdp string) {
			d.report(key, streamer.TransportLocalDescription, func(ev *streamer.TransportEvent) { ev.SDP = sdp })
		},
		OnLocalCandidate: func(c signal.Candidate) {
			d.report(key, streamer.TransportLocalCandidate, func(ev *streamer.TransportEvent) { ev.Candidate = c })
		},
		OnConnected: func(route string) {
			logger.Info().Str("route", route).Msg("viewer connected")
			d.report(key, streamer.TransportConnected, nil)
		},
		OnFailed: func(err error) { d.fail(key, err) },
		OnData: func(data []byte) {
			ev, err := input.Decode(data)
			if err != nil {
				logger.Warn().Err(err).Int("len", len(data)).Msg("dropping input message")
				return
			}
			d.sink.PushInput(input.Tagged{Streamer: key.streamer, Connection: key.connection, Event: ev})
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open transport")
		d.fail(key, err)
		return
	}

	d.mu.Lock()
	d.transports[key] = t
	d.mu.Unlock()
}

func (d *Dispatcher) withTransport(key connKey, fn func(media.Transport) error) {
	d.mu.Lock()
	t := d.transports[key]
	d.mu.Unlock()
	if t == nil {
		d.fail(key, ErrNoTransport)
		return
	}
	if err := fn(t); err != nil {
		d.fail(key, err)
	}
}

// close releases the transport and always reports TransportReleased, even
// when the close does not finish within the grace period
func (d *Dispatcher) close(key connKey) {
	d.mu.Lock()
	t := d.transports[key]
	delete(d.transports, key)
	delete(d.via, key)
	d.mu.Unlock()

	if t != nil {
		d.closeTransport(key, t)
	}

	d.report(key, streamer.TransportReleased, nil)
}

func (d *Dispatcher) closeTransport(key connKey, t media.Transport) {
	done := make(chan error, 1)
	go func() { done <- t.Close() }()

	timer := time.NewTimer(d.cfg.CloseGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			d.log.Debug().Err(err).Str("connection", key.connection).Msg("transport close error")
		}
	case <-timer.C:
		d.log.Warn().Str("streamer", key.streamer).Str("connection", key.connection).
			Dur("grace", d.cfg.CloseGrace).Msg("abandoning transport after close grace")
	}
}

// Connections returns the number of open transports
func (d *Dispatcher) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	clients := d.clients
	transports := d.transports
	d.clients = make(map[string]Session)
	d.transports = make(map[connKey]media.Transport)
	d.mu.Unlock()

	for key, t := range transports {
		d.closeTransport(key, t)
	}
	for id, client := range clients {
		if err := client.Close(); err != nil {
			d.log.Warn().Err(err).Str("streamer", id).Msg("signalling session close failed")
		}
	}
	d.closing.Wait()
	d.log.Info().Int("sessions", len(clients)).Int("transports", len(transports)).Msg("dispatcher stopped")
}
