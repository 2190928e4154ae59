package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/pixelpeep/pkg/bridge"
	"github.com/tomaslejdung/pixelpeep/pkg/dispatch"
	"github.com/tomaslejdung/pixelpeep/pkg/host"
	"github.com/tomaslejdung/pixelpeep/pkg/input"
	"github.com/tomaslejdung/pixelpeep/pkg/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/media"
	"github.com/tomaslejdung/pixelpeep/pkg/presence"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

// frame is what the loop publishes after each tick
type frame struct {
	At         time.Time
	FPS        int
	Streamers  []streamer.StreamerView
	Events     []streamer.ConnectionEvent
	Stats      bridge.Stats
	Transports int
	Inputs     uint64
	LastInput  string
	Sources    map[string]media.SourceStats
}

// app wires the streaming core to a tick loop. Only the loop touches the host.
type app struct {
	cfg        *settings.Config
	bridge     *bridge.Bridge
	host       *host.Host
	dispatcher *dispatch.Dispatcher
	mirror     *presence.Mirror
	store      *presence.RedisStore
	sources    map[string]media.Source
	configs    map[string]settings.StreamerConfig

	requests chan func(now time.Time)
	reloads  chan *settings.Config
	fps      chan int
	onFrame  func(frame)

	inputs    uint64
	lastInput string
	log       zerolog.Logger
}

func newApp(ctx context.Context, cfg *settings.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		bridge:   bridge.New(cfg.Bridge.InputCapacity),
		sources:  make(map[string]media.Source),
		configs:  make(map[string]settings.StreamerConfig),
		requests: make(chan func(time.Time), 16),
		reloads:  make(chan *settings.Config, 1),
		fps:      make(chan int, 1),
		log:      logger,
	}

	var pres host.Presence
	if cfg.Presence.Address != "" {
		store, err := presence.NewRedisStore(ctx, presence.RedisConfig{
			Address:  cfg.Presence.Address,
			Password: cfg.Presence.Password,
			DB:       cfg.Presence.DB,
			Prefix:   cfg.Presence.Prefix,
			TTL:      cfg.Presence.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.store = store
		a.mirror = presence.NewMirror(store, cfg.Presence.TTL/3, logger)
		pres = a.mirror
	}
	a.host = host.New(a.bridge, cfg.Policy(), pres, logger)

	factory, err := media.NewWebRTCFactory(cfg.MediaICE(), logging.NewPionFactory(logger), logger)
	if err != nil {
		return nil, err
	}
	sessions := func(id string, h signal.Handler) (dispatch.Session, error) {
		cc, err := cfg.ClientConfig(id)
		if err != nil {
			return nil, err
		}
		return signal.NewClient(id, cc, h, logger), nil
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Workers:    cfg.Dispatch.Workers,
		CloseGrace: cfg.Session.CloseGrace,
	}, a.bridge, a.bridge, sessions, factory, logger)

	for _, sc := range cfg.Streamers {
		a.configs[sc.ID] = sc
		if err := a.register(sc.ID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) newSource(sc settings.StreamerConfig) media.Source {
	codec := media.ParseCodecFlag(sc.Codec)
	if sc.IVF != "" {
		return media.NewIVFSource(sc.ID, sc.IVF, codec, a.log)
	}
	a.log.Warn().Str("streamer", sc.ID).Msg("no ivf file configured, streamer publishes no frames")
	return media.NewSampleSource(sc.ID, codec)
}

// register creates a fresh source for a configured streamer and adds it to the host
func (a *app) register(id string) error {
	sc, ok := a.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", streamer.ErrUnknownStreamer, id)
	}
	src := a.newSource(sc)
	if err := a.host.RegisterStreamer(id, src); err != nil {
		return err
	}
	a.sources[id] = src
	return nil
}

func (a *app) unregister(id string, now time.Time) {
	a.host.UnregisterStreamer(id, now)
	delete(a.sources, id)
}

// Toggle registers id when it is stopped and unregisters it otherwise
func (a *app) Toggle(id string) {
	a.request(func(now time.Time) {
		if a.host.Has(id) {
			a.unregister(id, now)
			return
		}
		if err := a.register(id); err != nil {
			a.log.Error().Err(err).Str("streamer", id).Msg("failed to start streamer")
		}
	})
}

// SetFPS changes the tick rate
func (a *app) SetFPS(fps int) {
	select {
	case <-a.fps:
	default:
	}
	a.fps <- fps
}

// Reload applies a changed configuration on the next tick
func (a *app) Reload(cfg *settings.Config) {
	select {
	case <-a.reloads:
	default:
	}
	a.reloads <- cfg
}

func (a *app) request(fn func(now time.Time)) {
	select {
	case a.requests <- fn:
	default:
		a.log.Warn().Msg("loop busy, request dropped")
	}
}

// Run drives the dispatcher, the presence mirror and the tick loop until ctx ends
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// the dispatcher outlives the loop so shutdown disconnects reach the server
	dctx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	g.Go(func() error {
		err := a.dispatcher.Run(dctx)
		if err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})
	if a.mirror != nil {
		g.Go(func() error { return a.mirror.Run(gctx) })
	}
	g.Go(func() error {
		defer stopDispatch()
		return a.loop(gctx)
	})

	err := g.Wait()
	if a.store != nil {
		a.store.Close()
	}
	return err
}

func (a *app) loop(ctx context.Context) error {
	fps := a.cfg.Tick.FPS
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	defer a.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-a.reloads:
			a.host.SetPolicy(cfg.Policy())
			a.log.Info().Dur("idle_timeout", cfg.Session.IdleTimeout).Msg("session policy updated")
			if cfg.Tick.FPS != fps {
				fps = cfg.Tick.FPS
				ticker.Reset(time.Second / time.Duration(fps))
			}
		case next := <-a.fps:
			if next > 0 && next != fps {
				fps = next
				ticker.Reset(time.Second / time.Duration(fps))
				a.log.Info().Int("fps", fps).Msg("tick rate changed")
			}
		case now := <-ticker.C:
			a.tick(now, fps)
		}
	}
}

func (a *app) tick(now time.Time, fps int) {
drain:
	for {
		select {
		case fn := <-a.requests:
			fn(now)
		default:
			break drain
		}
	}

	a.host.Tick(now)

	f := frame{At: now, FPS: fps}
	for ev := range a.host.ConnectionEvents() {
		a.log.Info().Str("streamer", ev.Streamer).Str("connection", ev.Connection).
			Stringer("state", ev.State).Bool("degraded", ev.Degraded).AnErr("cause", ev.Err).Msg("connection changed")
		f.Events = append(f.Events, ev)
	}

	for id := range a.sources {
		for ev := range a.host.DrainInput(id) {
			a.inputs++
			a.lastInput = fmt.Sprintf("%s/%s %s", ev.Streamer, ev.Connection, ev.Event.Kind())
			a.handleInput(ev)
		}
	}

	if a.onFrame != nil {
		f.Streamers = a.host.Snapshot()
		f.Stats = a.host.Stats()
		f.Transports = a.dispatcher.Connections()
		f.Inputs = a.inputs
		f.LastInput = a.lastInput
		f.Sources = make(map[string]media.SourceStats, len(a.sources))
		for id, src := range a.sources {
			if s, ok := src.(interface{ Stats() media.SourceStats }); ok {
				f.Sources[id] = s.Stats()
			}
		}
		a.onFrame(f)
	}
}

// handleInput is where an application would drive its scene; the demo only logs
func (a *app) handleInput(ev input.Tagged) {
	evt := a.log.Debug().Str("streamer", ev.Streamer).Str("connection", ev.Connection).Stringer("kind", ev.Event.Kind())
	switch e := ev.Event.(type) {
	case input.PointerMove:
		evt = evt.Uint16("x", e.X).Uint16("y", e.Y)
	case input.KeyDown:
		evt = evt.Uint8("key", e.Code).Bool("repeat", e.Repeat)
	case input.UIInteraction:
		evt = evt.Str("descriptor", e.Descriptor)
	}
	evt.Msg("input")
}

// shutdown unregisters every streamer and keeps ticking until their
// connections are released or the close grace runs out
func (a *app) shutdown() {
	now := time.Now()
	for id := range a.sources {
		a.unregister(id, now)
	}

	deadline := now.Add(a.cfg.Session.CloseGrace)
	for len(a.host.Snapshot()) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		a.host.Tick(time.Now())
	}
	if left := len(a.host.Snapshot()); left > 0 {
		a.log.Warn().Int("streamers", left).Msg("shutdown grace expired")
	}
}
