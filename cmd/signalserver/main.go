// Command signalserver is a development Pixel Streaming signalling server.
// Streamers connect to /ws/streamer, players to /ws/player?streamer=<id>.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomaslejdung/pixelpeep/pkg/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: pixelpeep.yaml in . or ./config)")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	flag.Parse()

	cfg, _, err := settings.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	out, closer, err := logging.Open(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger := logging.Init(cfg.Log, out)

	// PORT env var for cloud deployments
	listen := cfg.Server.Addr
	if envPort := os.Getenv("PORT"); envPort != "" {
		listen = ":" + envPort
	}
	if *addr != "" {
		listen = *addr
	}

	dialect, err := signal.NewDialect(cfg.Signalling.Dialect)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid dialect")
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := signal.NewServer(signal.ServerConfig{
		TokenSecret:  cfg.Signalling.TokenSecret,
		PingInterval: cfg.Server.PingInterval,
		Dialect:      dialect,
	}, logger)

	srv := &http.Server{
		Addr:              listen,
		Handler:           server.Router(logging.GinMiddleware(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", listen).Bool("auth", cfg.Signalling.TokenSecret != "").Msg("signalling server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
}
