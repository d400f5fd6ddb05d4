package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera devices
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone devices
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers display capture
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/client"
	"github.com/sfukit/sfuclient/internal/conference"
	"github.com/sfukit/sfuclient/internal/config"
	"github.com/sfukit/sfuclient/internal/domain"
	"github.com/sfukit/sfuclient/internal/logging"
	"github.com/sfukit/sfuclient/internal/media/devices"
	"github.com/sfukit/sfuclient/internal/render"
	"github.com/sfukit/sfuclient/internal/signal"
)

const helpText = `sfuclient - Join a room on a WebRTC SFU, publish and record media

Usage:
  sfuclient --url <signaling url> --room <room> [options]

Every stream another participant publishes is subscribed to and written
to --output-dir as <mid>.h264 (Annex-B), <mid>.ivf (VP8/VP9) or <mid>.ogg
(Opus). Without --output-dir received media is discarded.

Every option can also be set in a YAML file (--config), as an SFU_*
environment variable (SFU_ROOM, SFU_LOG_LEVEL, ...) or in a .env file.

Examples:
  # Publish camera and microphone as H264 at 800kbps
  sfuclient --url wss://sfu.example.com/ws --room demo --publish --codec h264 --bandwidth 800

  # Watch a room and record everything
  sfuclient --url http://localhost:7000 --room demo --output-dir ./recordings
  ffplay recordings/<mid>.ivf

Options:
`

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		fmt.Print(helpText)
		fmt.Print(config.Flags().FlagUsages())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sfuclient: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sfuclient: %v\n", err)
		os.Exit(2)
	}
	log := logger.With().Str("module", "main").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("received signal, shutting down")
		cancel()
	}()

	// Step 1: Signaling client with device capture
	c := client.New(client.Config{
		Signal: signal.Config{
			URL:            cfg.URL,
			RequestTimeout: cfg.RequestTimeout,
			PingInterval:   cfg.PingInterval,
		},
		ICEServers:    cfg.ICEServers,
		LoggerFactory: logging.PionFactory{Logger: logger},
	},
		client.WithLogger(logger),
		client.WithMediaSource(devices.NewSource(logger)),
	)
	log.Info().Str("peer", string(c.PeerID())).Msg("starting")

	// Step 2: Connect signaling
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		log.Fatal().Err(err).Msg("connect")
	}

	// Step 3: Run the conference until interrupted
	sinks, err := fileSinks(cfg.OutputDir, log)
	if err != nil {
		_ = c.Close()
		log.Fatal().Err(err).Msg("output dir")
	}
	conf := conference.New(c, render.NewSink(logger), sinks, conference.Config{
		Room:    cfg.Room,
		Name:    cfg.Name,
		Publish: cfg.Publish,
		Options: cfg.Options,
	}, logger)

	if err := conf.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("conference")
	}
	log.Info().Msg("done")
}

// fileSinks writes each received stream to dir/<mid><ext>. An empty dir
// discards media.
func fileSinks(dir string, log zerolog.Logger) (conference.SinkFactory, error) {
	if dir == "" {
		return func(domain.MediaID, string) (io.WriteCloser, error) {
			return discard{}, nil
		}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return func(mid domain.MediaID, ext string) (io.WriteCloser, error) {
		path := filepath.Join(dir, filepath.Base(string(mid))+ext)
		log.Info().Str("path", path).Msg("recording")
		return os.Create(path)
	}, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
