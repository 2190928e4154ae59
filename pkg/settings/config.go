// Package settings loads process configuration and the dashboard's saved preferences.
package settings

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/tomaslejdung/pixelpeep/pkg/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/media"
	"github.com/tomaslejdung/pixelpeep/pkg/session"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "PIXELPEEP"

type Config struct {
	Log        logging.Config   `mapstructure:"log"`
	Signalling SignallingConfig `mapstructure:"signalling"`
	Session    SessionConfig    `mapstructure:"session"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	ICE        ICEConfig        `mapstructure:"ice"`
	Streamers  []StreamerConfig `mapstructure:"streamers"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Tick       TickConfig       `mapstructure:"tick"`
	Server     ServerConfig     `mapstructure:"server"`
}

type SignallingConfig struct {
	URL            string            `mapstructure:"url"`
	Dialect        string            `mapstructure:"dialect"`
	Headers        map[string]string `mapstructure:"headers"`
	TokenSecret    string            `mapstructure:"token_secret"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout"`
	WriteWait      time.Duration     `mapstructure:"write_wait"`
	SendBuffer     int               `mapstructure:"send_buffer"`
	InitialBackoff time.Duration     `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration     `mapstructure:"max_backoff"`
	Multiplier     float64           `mapstructure:"multiplier"`
	MaxRetries     int               `mapstructure:"max_retries"`
	// DegradedAfter closes connections once their session has been down this long
	DegradedAfter time.Duration `mapstructure:"degraded_after"`
}

type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	RemoteOffers bool          `mapstructure:"remote_offers"`
	CloseGrace   time.Duration `mapstructure:"close_grace"`
}

type BridgeConfig struct {
	InputCapacity int `mapstructure:"input_capacity"`
}

type DispatchConfig struct {
	Workers int `mapstructure:"workers"`
}

type ICEConfig struct {
	STUN       []string `mapstructure:"stun"`
	TURNServer string   `mapstructure:"turn_server"`
	TURNUser   string   `mapstructure:"turn_user"`
	TURNPass   string   `mapstructure:"turn_pass"`
	ForceRelay bool     `mapstructure:"force_relay"`
	Trickle    bool     `mapstructure:"trickle"`
}

type StreamerConfig struct {
	ID     string `mapstructure:"id"`
	Codec  string `mapstructure:"codec"`
	IVF    string `mapstructure:"ivf"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

type PresenceConfig struct {
	Address  string        `mapstructure:"address"` // empty disables presence
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type TickConfig struct {
	FPS int `mapstructure:"fps"`
}

// ServerConfig configures the development signalling server
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("signalling.url", "ws://localhost:8888/ws/streamer")
	v.SetDefault("signalling.dialect", "pixelstreaming")
	v.SetDefault("signalling.token_ttl", "24h")
	v.SetDefault("signalling.connect_timeout", "5s")
	v.SetDefault("signalling.write_wait", "10s")
	v.SetDefault("signalling.send_buffer", 1000)
	v.SetDefault("signalling.initial_backoff", "500ms")
	v.SetDefault("signalling.max_backoff", "30s")
	v.SetDefault("signalling.multiplier", 2.0)
	v.SetDefault("signalling.max_retries", 10)
	v.SetDefault("signalling.degraded_after", "30s")

	v.SetDefault("session.idle_timeout", "10m")
	v.SetDefault("session.remote_offers", false)
	v.SetDefault("session.close_grace", "5s")

	v.SetDefault("bridge.input_capacity", 4096)
	v.SetDefault("dispatch.workers", 4)

	v.SetDefault("ice.trickle", true)
	v.SetDefault("ice.force_relay", false)

	v.SetDefault("presence.prefix", "pixelpeep:")
	v.SetDefault("presence.ttl", "60s")

	v.SetDefault("tick.fps", DefaultFPS().Value)

	v.SetDefault("server.addr", ":8888")
	v.SetDefault("server.ping_interval", "30s")
}

// Load reads path, or pixelpeep.yaml from . or ./config when path is empty.
// PIXELPEEP_ environment variables override file values.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pixelpeep")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Streamers) == 0 {
		cfg.Streamers = []StreamerConfig{{}}
	}
	for i := range cfg.Streamers {
		if cfg.Streamers[i].ID == "" {
			cfg.Streamers[i].ID = streamer.GenerateID()
		}
		if cfg.Streamers[i].Codec == "" {
			cfg.Streamers[i].Codec = string(media.CodecVP8)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	if c.Signalling.URL == "" {
		return fmt.Errorf("%w: signalling.url is empty", ErrInvalid)
	}
	if _, err := signal.NewDialect(c.Signalling.Dialect); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Tick.FPS <= 0 {
		return fmt.Errorf("%w: tick.fps must be positive", ErrInvalid)
	}
	if c.Session.IdleTimeout < 0 || c.Signalling.DegradedAfter < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Streamers))
	for _, s := range c.Streamers {
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate streamer id %q", ErrInvalid, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Watch reloads the file on change and passes every valid result to fn
func Watch(v *viper.Viper, logger zerolog.Logger, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("ignoring config change")
			return
		}
		logger.Info().Str("file", e.Name).Msg("config reloaded")
		fn(cfg)
	})
	v.WatchConfig()
}

// Policy returns the registry timing policy
func (c *Config) Policy() streamer.Policy {
	role := session.LocalOffers
	if c.Session.RemoteOffers {
		role = session.RemoteOffers
	}
	return streamer.Policy{
		Role:          role,
		IdleTimeout:   c.Session.IdleTimeout,
		DegradedAfter: c.Signalling.DegradedAfter,
	}
}

// ClientConfig returns the signalling client settings, signing a token for id when a secret is set
func (c *Config) ClientConfig(id string) (signal.ClientConfig, error) {
	dialect, err := signal.NewDialect(c.Signalling.Dialect)
	if err != nil {
		return signal.ClientConfig{}, err
	}

	header := http.Header{}
	for k, val := range c.Signalling.Headers {
		header.Set(k, val)
	}

	cc := signal.ClientConfig{
		URL:            c.Signalling.URL,
		Dialect:        dialect,
		Header:         header,
		ConnectTimeout: c.Signalling.ConnectTimeout,
		WriteWait:      c.Signalling.WriteWait,
		SendBuffer:     c.Signalling.SendBuffer,
		InitialBackoff: c.Signalling.InitialBackoff,
		MaxBackoff:     c.Signalling.MaxBackoff,
		Multiplier:     c.Signalling.Multiplier,
		MaxRetries:     c.Signalling.MaxRetries,
	}
	if c.Signalling.TokenSecret != "" {
		token, err := signal.IssueToken(c.Signalling.TokenSecret, id, c.Signalling.TokenTTL)
		if err != nil {
			return signal.ClientConfig{}, err
		}
		cc.Token = token
	}
	return cc, nil
}

// MediaICE returns the ICE settings for the media transport
func (c *Config) MediaICE() media.ICEConfig {
	return media.ICEConfig{
		STUN:       c.ICE.STUN,
		TURNServer: c.ICE.TURNServer,
		TURNUser:   c.ICE.TURNUser,
		TURNPass:   c.ICE.TURNPass,
		ForceRelay: c.ICE.ForceRelay,
		Trickle:    c.ICE.Trickle,
	}
}
