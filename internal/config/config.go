package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sfukit/sfuclient/internal/domain"
)

const envPrefix = "SFU"

// Config holds the application configuration.
type Config struct {
	URL            string
	Room           domain.RoomID
	Name           string
	Publish        bool
	Options        domain.PublishOptions
	ICEServers     []domain.ICEServer
	RequestTimeout time.Duration
	PingInterval   time.Duration
	LogLevel       string
	LogPretty      bool
	OutputDir      string
}

// ErrHelp is returned by Load when -h/--help was given.
var ErrHelp = pflag.ErrHelp

// Load reads configuration from a .env file (if present), an optional YAML
// config file, SFU_* environment variables and command-line flags, in
// increasing order of precedence.
func Load(args []string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flagName(key))); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

var keys = []string{
	"url", "room", "name", "publish", "audio", "video", "screen", "codec",
	"resolution", "bandwidth", "ice_servers", "request_timeout", "ping_interval",
	"log_level", "log_pretty", "output_dir",
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// Flags returns the command-line flag set understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("sfuclient", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() {}
	fs.String("config", "", "YAML config file")
	fs.String("url", "", "SFU signaling URL (http, https, ws or wss)")
	fs.String("room", "", "room id to join")
	fs.String("name", "", "display name announced on join")
	fs.Bool("publish", false, "publish local media after joining")
	fs.Bool("audio", true, "capture the microphone when publishing")
	fs.Bool("video", true, "capture the camera when publishing")
	fs.Bool("screen", false, "share the screen instead of the camera")
	fs.String("codec", string(domain.CodecVP8), "video codec: vp8, vp9 or h264")
	fs.String("resolution", string(domain.ResolutionHD), "capture preset: qvga, vga, shd or hd")
	fs.Int("bandwidth", 0, "video bandwidth cap in kbps, 0 for unlimited")
	fs.StringSlice("ice-servers", []string{defaultICEServer}, "STUN/TURN server URLs")
	fs.Duration("request-timeout", 10*time.Second, "RPC timeout, 0 to disable")
	fs.Duration("ping-interval", 10*time.Second, "websocket keepalive interval, 0 to disable")
	fs.String("log-level", "info", "log level: trace, debug, info, warn, error")
	fs.Bool("log-pretty", false, "human readable logs on stderr")
	fs.String("output-dir", "", "directory for received media, empty to discard")
	return fs
}

const defaultICEServer = "stun:stun.stunprotocol.org:3478"

func setDefaults(v *viper.Viper) {
	v.SetDefault("audio", true)
	v.SetDefault("video", true)
	v.SetDefault("codec", string(domain.CodecVP8))
	v.SetDefault("resolution", string(domain.ResolutionHD))
	v.SetDefault("ice_servers", []string{defaultICEServer})
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("ping_interval", 10*time.Second)
	v.SetDefault("log_level", "info")
}

func fromViper(v *viper.Viper) (*Config, error) {
	url := v.GetString("url")
	if url == "" {
		return nil, errors.New("url is required (--url or SFU_URL)")
	}
	room := v.GetString("room")
	if room == "" {
		return nil, errors.New("room is required (--room or SFU_ROOM)")
	}

	codec, err := domain.ParseCodec(v.GetString("codec"))
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	res, err := domain.ParseResolution(v.GetString("resolution"))
	if err != nil {
		return nil, fmt.Errorf("resolution: %w", err)
	}

	opts := domain.PublishOptions{
		Audio:      v.GetBool("audio"),
		Video:      v.GetBool("video"),
		Screen:     v.GetBool("screen"),
		Codec:      codec,
		Resolution: res,
		Bandwidth:  v.GetInt("bandwidth"),
	}
	publish := v.GetBool("publish")
	if publish {
		if err := opts.Validate(); err != nil {
			return nil, fmt.Errorf("publish options: %w", err)
		}
	}

	timeout := v.GetDuration("request_timeout")
	if timeout < 0 {
		return nil, fmt.Errorf("request_timeout: negative duration %s", timeout)
	}
	ping := v.GetDuration("ping_interval")
	if ping < 0 {
		return nil, fmt.Errorf("ping_interval: negative duration %s", ping)
	}

	var servers []domain.ICEServer
	for _, u := range v.GetStringSlice("ice_servers") {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, domain.ICEServer{URLs: []string{u}})
		}
	}

	return &Config{
		URL:            url,
		Room:           domain.RoomID(room),
		Name:           v.GetString("name"),
		Publish:        publish,
		Options:        opts,
		ICEServers:     servers,
		RequestTimeout: timeout,
		PingInterval:   ping,
		LogLevel:       v.GetString("log_level"),
		LogPretty:      v.GetBool("log_pretty"),
		OutputDir:      v.GetString("output_dir"),
	}, nil
}
