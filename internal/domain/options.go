package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the direction of a negotiation session.
type Role int

const (
	RolePublisher Role = iota + 1
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Codec is a video codec a publisher can restrict its offer to.
type Codec string

const (
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecH264 Codec = "h264"
)

// ParseCodec accepts the codec names case-insensitively.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case CodecVP8, CodecVP9, CodecH264:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}

// Resolution is a capture size preset.
type Resolution string

const (
	ResolutionQVGA Resolution = "qvga"
	ResolutionVGA  Resolution = "vga"
	ResolutionSHD  Resolution = "shd"
	ResolutionHD   Resolution = "hd"
)

var resolutions = map[Resolution][2]int{
	ResolutionQVGA: {320, 180},
	ResolutionVGA:  {640, 360},
	ResolutionSHD:  {960, 540},
	ResolutionHD:   {1280, 720},
}

// ParseResolution accepts the preset names case-insensitively.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := resolutions[r]; !ok {
		return "", fmt.Errorf("unsupported resolution %q", s)
	}
	return r, nil
}

// Dimensions returns width and height in pixels, or zeros for an unknown preset.
func (r Resolution) Dimensions() (width, height int) {
	d := resolutions[r]
	return d[0], d[1]
}

// PublishOptions selects what a publish call captures and how it is encoded.
// Bandwidth is in kbps; zero means unlimited.
type PublishOptions struct {
	Audio      bool       `json:"audio"`
	Video      bool       `json:"video"`
	Screen     bool       `json:"screen"`
	Codec      Codec      `json:"codec"`
	Resolution Resolution `json:"resolution"`
	Bandwidth  int        `json:"bandwidth"`
}

// DefaultPublishOptions captures camera and microphone as VP8 at HD.
func DefaultPublishOptions() PublishOptions {
	return PublishOptions{
		Audio:      true,
		Video:      true,
		Codec:      CodecVP8,
		Resolution: ResolutionHD,
	}
}

// WithDefaults fills the codec and resolution when unset.
func (o PublishOptions) WithDefaults() PublishOptions {
	if o.Codec == "" {
		o.Codec = CodecVP8
	}
	if o.Resolution == "" {
		o.Resolution = ResolutionHD
	}
	return o
}

func (o PublishOptions) Validate() error {
	if !o.Audio && !o.Video && !o.Screen {
		return errors.New("publish options select no media")
	}
	if _, err := ParseCodec(string(o.Codec)); err != nil {
		return err
	}
	if _, err := ParseResolution(string(o.Resolution)); err != nil {
		return err
	}
	if o.Bandwidth < 0 {
		return fmt.Errorf("negative bandwidth %d", o.Bandwidth)
	}
	return nil
}

// Constraints translates the options into capture constraints.
func (o PublishOptions) Constraints() Constraints {
	w, h := o.Resolution.Dimensions()
	return Constraints{
		Audio:       o.Audio,
		Video:       o.Video && !o.Screen,
		Screen:      o.Screen,
		Codec:       o.Codec,
		Width:       w,
		Height:      h,
		BitrateKbps: o.Bandwidth,
	}
}

// Constraints is what a MediaSource is asked to capture.
type Constraints struct {
	Audio       bool
	Video       bool
	Screen      bool
	Codec       Codec
	Width       int
	Height      int
	BitrateKbps int
}
