// Package devices captures camera, microphone and screen through
// pion/mediadevices. Drivers are registered by blank imports in the binary.
package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/domain"
)

const (
	frameRate        = 30
	keyFrameInterval = 60
	opusBitRate      = 32_000
)

// Source implements domain.MediaSource on the host's capture devices.
type Source struct {
	log zerolog.Logger
}

var _ domain.MediaSource = (*Source)(nil)

func NewSource(logger zerolog.Logger) *Source {
	return &Source{log: logger.With().Str("module", "devices").Logger()}
}

// Acquire opens the devices selected by c. Screen capture replaces the
// camera; audio, if requested, still comes from the microphone.
func (s *Source) Acquire(ctx context.Context, c domain.Constraints) (domain.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DeviceError{Cause: err}
	}
	if !c.Audio && !c.Video && !c.Screen {
		return nil, &domain.DeviceError{Cause: fmt.Errorf("no media requested")}
	}

	selector, err := codecSelector(c)
	if err != nil {
		return nil, &domain.DeviceError{Cause: err}
	}

	captured := &capture{}
	if c.Screen {
		stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(tc *mediadevices.MediaTrackConstraints) {
				tc.FrameRate = prop.Float(frameRate)
			},
			Codec: selector,
		})
		if err != nil {
			return nil, &domain.DeviceError{Cause: fmt.Errorf("display media: %w", err)}
		}
		captured.tracks = append(captured.tracks, stream.GetTracks()...)
	}

	if c.Audio || c.Video {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if c.Video {
			constraints.Video = func(tc *mediadevices.MediaTrackConstraints) {
				tc.Width = prop.Int(c.Width)
				tc.Height = prop.Int(c.Height)
				tc.FrameRate = prop.Float(frameRate)
			}
		}
		if c.Audio {
			constraints.Audio = func(tc *mediadevices.MediaTrackConstraints) {
				tc.ChannelCount = prop.Int(1)
			}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			captured.Release()
			return nil, &domain.DeviceError{Cause: fmt.Errorf("user media: %w", err)}
		}
		captured.tracks = append(captured.tracks, stream.GetTracks()...)
	}

	s.log.Info().
		Int("tracks", len(captured.tracks)).
		Bool("screen", c.Screen).
		Str("codec", string(c.Codec)).
		Msg("capture acquired")
	return captured, nil
}

// codecSelector builds the encoders for the requested codec. A zero bitrate
// keeps the encoder default.
func codecSelector(c domain.Constraints) (*mediadevices.CodecSelector, error) {
	video, err := videoEncoder(c.Codec, c.BitrateKbps)
	if err != nil {
		return nil, err
	}
	audio, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	audio.BitRate = opusBitRate
	audio.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(video),
		mediadevices.WithAudioEncoders(&audio),
	), nil
}

func videoEncoder(c domain.Codec, kbps int) (codec.VideoEncoderBuilder, error) {
	bitRate := kbps * 1000
	switch c {
	case domain.CodecVP8, "":
		p, err := vpx.NewVP8Params()
		if err != nil {
			return nil, fmt.Errorf("vp8 params: %w", err)
		}
		if bitRate > 0 {
			p.BitRate = bitRate
		}
		p.KeyFrameInterval = keyFrameInterval
		p.RateControlEndUsage = vpx.RateControlVBR
		return &p, nil
	case domain.CodecVP9:
		p, err := vpx.NewVP9Params()
		if err != nil {
			return nil, fmt.Errorf("vp9 params: %w", err)
		}
		if bitRate > 0 {
			p.BitRate = bitRate
		}
		p.KeyFrameInterval = keyFrameInterval
		return &p, nil
	case domain.CodecH264:
		p, err := x264.NewParams()
		if err != nil {
			return nil, fmt.Errorf("x264 params: %w", err)
		}
		if bitRate > 0 {
			p.BitRate = bitRate
		}
		p.KeyFrameInterval = keyFrameInterval
		return &p, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", c)
	}
}

// capture is the set of tracks opened by one Acquire.
type capture struct {
	tracks []mediadevices.Track
	once   sync.Once
}

func (c *capture) Tracks() []pion.TrackLocal {
	out := make([]pion.TrackLocal, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t)
	}
	return out
}

func (c *capture) Release() {
	c.once.Do(func() {
		for _, t := range c.tracks {
			t.Close()
		}
	})
}
