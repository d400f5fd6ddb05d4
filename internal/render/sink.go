// Package render writes remote tracks into byte sinks: H264 as an Annex-B
// elementary stream, VP8 and VP9 as IVF, Opus as Ogg.
package render

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/domain"
	"github.com/sfukit/sfuclient/internal/webrtc"
)

var errDetached = errors.New("render target detached")

// ErrAttached is returned when attaching a target twice.
var ErrAttached = errors.New("render target already attached")

// Sink implements domain.Renderer. Each target receives one track: the first
// video track, or the first track when there is no video.
type Sink struct {
	log zerolog.Logger

	mu     sync.Mutex
	active map[io.Writer]*attachment
}

var _ domain.Renderer = (*Sink)(nil)

func NewSink(logger zerolog.Logger) *Sink {
	return &Sink{
		log:    logger.With().Str("module", "render").Logger(),
		active: make(map[io.Writer]*attachment),
	}
}

type attachment struct {
	key    io.Writer
	target *guardedWriter
	done   chan struct{}
}

// rtpWriter consumes RTP packets of one track.
type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Attach starts copying the primary track into target until Detach or the
// track ends.
func (s *Sink) Attach(tracks []domain.RemoteTrack, target io.Writer) error {
	track := Primary(tracks)
	if track == nil {
		return domain.ErrNoRemoteMedia
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[target]; ok {
		return ErrAttached
	}

	gw := &guardedWriter{w: target}
	w, err := newRTPWriter(track.Codec(), gw)
	if err != nil {
		return err
	}

	a := &attachment{key: target, target: gw, done: make(chan struct{})}
	s.active[target] = a
	go s.copy(track, w, a)

	s.log.Info().
		Str("track", track.ID()).
		Str("codec", track.Codec().MimeType).
		Msg("rendering track")
	return nil
}

// Detach stops writing to target. Unknown targets are ignored.
func (s *Sink) Detach(target io.Writer) {
	s.mu.Lock()
	a, ok := s.active[target]
	delete(s.active, target)
	s.mu.Unlock()

	if ok {
		a.target.detach()
		s.log.Debug().Msg("render target detached")
	}
}

func (s *Sink) copy(track domain.RemoteTrack, w rtpWriter, a *attachment) {
	defer close(a.done)
	defer s.forget(a)
	defer w.Close()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.log.Debug().Err(err).Str("track", track.ID()).Msg("track ended")
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			if !errors.Is(err, errDetached) {
				s.log.Warn().Err(err).Str("track", track.ID()).Msg("render write failed")
			}
			return
		}
	}
}

// forget drops a once its track has ended, unless it was already detached.
func (s *Sink) forget(a *attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[a.key] == a {
		delete(s.active, a.key)
	}
}

// Primary picks the track a target renders.
func Primary(tracks []domain.RemoteTrack) domain.RemoteTrack {
	for _, t := range tracks {
		if t.Kind() == pion.RTPCodecTypeVideo {
			return t
		}
	}
	if len(tracks) > 0 {
		return tracks[0]
	}
	return nil
}

// Extension is the file extension of what Attach writes for these tracks.
func Extension(tracks []domain.RemoteTrack) (string, error) {
	track := Primary(tracks)
	if track == nil {
		return "", domain.ErrNoRemoteMedia
	}
	mime := track.Codec().MimeType
	switch {
	case strings.EqualFold(mime, pion.MimeTypeH264):
		return ".h264", nil
	case strings.EqualFold(mime, pion.MimeTypeVP8), strings.EqualFold(mime, pion.MimeTypeVP9):
		return ".ivf", nil
	case strings.EqualFold(mime, pion.MimeTypeOpus):
		return ".ogg", nil
	default:
		return "", fmt.Errorf("no renderer for %s", mime)
	}
}

func newRTPWriter(c pion.RTPCodecParameters, w io.Writer) (rtpWriter, error) {
	switch {
	case strings.EqualFold(c.MimeType, pion.MimeTypeH264):
		return newAnnexBWriter(w), nil
	case strings.EqualFold(c.MimeType, pion.MimeTypeVP8):
		return ivfwriter.NewWith(w, ivfwriter.WithCodec(pion.MimeTypeVP8))
	case strings.EqualFold(c.MimeType, pion.MimeTypeVP9):
		return ivfwriter.NewWith(w, ivfwriter.WithCodec(pion.MimeTypeVP9))
	case strings.EqualFold(c.MimeType, pion.MimeTypeOpus):
		channels := c.Channels
		if channels == 0 {
			channels = 2
		}
		return oggwriter.NewWith(w, c.ClockRate, channels)
	default:
		return nil, fmt.Errorf("no renderer for %s", c.MimeType)
	}
}

// annexBWriter writes H264 NAL units with start codes.
type annexBWriter struct {
	w      io.Writer
	depack *webrtc.H264Depacketizer
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func newAnnexBWriter(w io.Writer) *annexBWriter {
	return &annexBWriter{w: w, depack: webrtc.NewH264Depacketizer()}
}

func (a *annexBWriter) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range a.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := a.w.Write(startCode); err != nil {
			return err
		}
		if _, err := a.w.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (a *annexBWriter) Close() error { return nil }

// guardedWriter drops writes once detached. It must not implement io.Closer:
// closing a container writer leaves the target open.
type guardedWriter struct {
	mu       sync.Mutex
	w        io.Writer
	detached bool
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detached {
		return 0, errDetached
	}
	return g.w.Write(p)
}

func (g *guardedWriter) detach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detached = true
}
