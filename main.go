package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/tomaslejdung/pixelpeep/pkg/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/media"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
)

// LocalSignalServer is the URL of a signalserver started on this machine
const LocalSignalServer = "ws://localhost:8888/ws/streamer"

// Flags holds command line overrides of the configuration
type Flags struct {
	ConfigPath  string
	ListStreams bool
	Headless    bool
	FPS         string
	Codec       string
	IVF         string
	StreamerID  string
	SignalURL   string
	Help        bool

	// TURN server configuration
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool // Force TURN relay (no direct P2P)
}

func parseFlags() Flags {
	flags := Flags{}
	var localMode bool

	flag.StringVar(&flags.ConfigPath, "config", "", "Config file (default: pixelpeep.yaml in . or ./config)")
	flag.StringVar(&flags.ConfigPath, "c", "", "Config file (shorthand)")

	flag.BoolVar(&flags.ListStreams, "list", false, "List configured streamers and exit")
	flag.BoolVar(&flags.ListStreams, "l", false, "List configured streamers (shorthand)")

	flag.BoolVar(&flags.Headless, "headless", false, "Run without the dashboard, logging to stdout")

	flag.StringVar(&flags.FPS, "fps", "", "Application tick rate")
	flag.StringVar(&flags.Codec, "codec", "", "Video codec of the first streamer (vp8|vp9|h264)")
	flag.StringVar(&flags.IVF, "ivf", "", "IVF file looped by the first streamer")
	flag.StringVar(&flags.StreamerID, "id", "", "Id of the first streamer")

	flag.StringVar(&flags.SignalURL, "signal", "", "Signalling server URL (overrides config)")
	flag.BoolVar(&localMode, "local", false, "Use local signalling server ("+LocalSignalServer+")")

	// TURN server flags
	flag.StringVar(&flags.TURNServer, "turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	flag.StringVar(&flags.TURNUser, "turn-user", "", "TURN server username")
	flag.StringVar(&flags.TURNPass, "turn-pass", "", "TURN server password")
	flag.BoolVar(&flags.ForceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")

	flag.BoolVar(&flags.Help, "help", false, "Show help")
	flag.BoolVar(&flags.Help, "h", false, "Show help (shorthand)")

	flag.Parse()

	// --local sets SignalURL to local server
	if localMode && flags.SignalURL == "" {
		flags.SignalURL = LocalSignalServer
	}

	return flags
}

func printHelp() {
	fmt.Println(`pixelpeep - Pixel Streaming streamer

Usage: pixelpeep [options]

pixelpeep connects each configured streamer to a Pixel Streaming signalling
server and serves browser viewers over WebRTC. Viewer input arrives on the
"input" data channel and is handed to the application loop every tick.

Options:
  --config, -c <file>    Config file (default: pixelpeep.yaml in . or ./config)
  --list, -l             List configured streamers and exit
  --headless             Run without the dashboard
  --local                Use local signalling server (` + LocalSignalServer + `)
  --signal <url>         Signalling server URL (overrides config)
  --fps <rate>           Application tick rate (default: 30)
  --id <id>              Id of the first streamer
  --codec <codec>        Codec of the first streamer: vp8, vp9, h264
  --ivf <file>           IVF file looped by the first streamer
  --help, -h             Show help

Network Options:
  --turn <url>           TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>     TURN server username
  --turn-pass <pass>     TURN server password
  --force-relay          Force TURN relay (disable direct P2P connections)

Environment:
  PIXELPEEP_<SECTION>_<KEY> overrides any config value,
  e.g. PIXELPEEP_SIGNALLING_URL or PIXELPEEP_SESSION_IDLE_TIMEOUT.

Examples:
  signalserver &                          # Run a local signalling server
  pixelpeep --local --ivf demo.ivf        # Stream a file through it
  pixelpeep --headless --id cam0          # No dashboard, fixed streamer id

Dashboard Controls:
  Tab / ← →     Switch between Streamers and FPS columns
  ↑/↓ or j/k    Navigate within column
  Enter/Space   Start/stop streamer or apply FPS
  1-5           Quick-select FPS preset
  i             Toggle stats panel
  g             Toggle connection log
  q             Quit`)
}

// applyFlags folds command line overrides into cfg
func applyFlags(cfg *settings.Config, flags Flags) error {
	if flags.SignalURL != "" {
		cfg.Signalling.URL = flags.SignalURL
	}
	if flags.FPS != "" {
		cfg.Tick.FPS = settings.ParseFPSFlag(flags.FPS)
	}
	if flags.TURNServer != "" {
		cfg.ICE.TURNServer = flags.TURNServer
		cfg.ICE.TURNUser = flags.TURNUser
		cfg.ICE.TURNPass = flags.TURNPass
	}
	if flags.ForceRelay {
		cfg.ICE.ForceRelay = true
	}

	first := &cfg.Streamers[0]
	if flags.StreamerID != "" {
		first.ID = flags.StreamerID
	}
	if flags.Codec != "" {
		first.Codec = string(media.ParseCodecFlag(flags.Codec))
	}
	if flags.IVF != "" {
		first.IVF = flags.IVF
	}
	return cfg.Validate()
}

// dashboardLogPath returns where logs go while the dashboard owns the terminal
func dashboardLogPath() string {
	if path, err := settings.PrefsPath(); err == nil {
		return filepath.Join(filepath.Dir(path), "pixelpeep.log")
	}
	return "pixelpeep-debug.log"
}

func main() {
	flags := parseFlags()

	if flags.Help {
		printHelp()
		return
	}

	cfg, v, err := settings.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if flags.ListStreams {
		listStreamersAndExit(cfg)
		return
	}

	// Write logs to a file instead of corrupting the dashboard
	if !flags.Headless && cfg.Log.File == "" {
		cfg.Log.File = dashboardLogPath()
	}
	out, closer, err := logging.Open(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger := logging.Init(cfg.Log, out)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, v, flags, logger); err != nil {
		logger.Error().Err(err).Msg("pixelpeep stopped")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *settings.Config, v *viper.Viper, flags Flags, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// only a file can change under us
	if v.ConfigFileUsed() != "" {
		settings.Watch(v, logger, a.Reload)
	}

	if flags.Headless {
		logger.Info().Int("streamers", len(cfg.Streamers)).Str("signalling", cfg.Signalling.URL).Msg("pixelpeep started")
		return a.Run(ctx)
	}
	return RunDashboard(ctx, a, cfg)
}

func listStreamersAndExit(cfg *settings.Config) {
	fmt.Println("Configured streamers:")
	fmt.Println()
	for i, s := range cfg.Streamers {
		source := "frames from the application"
		if s.IVF != "" {
			source = s.IVF
		}
		fmt.Printf("  [%d] %s\n", i+1, s.ID)
		fmt.Printf("      Codec: %s, Source: %s\n", media.ParseCodecFlag(s.Codec), source)
	}
	fmt.Println()
	fmt.Printf("Signalling: %s\n", cfg.Signalling.URL)
}
