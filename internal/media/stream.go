// Package media holds the Stream handle returned by publish and subscribe.
package media

import (
	"errors"
	"io"
	"sync"

	"github.com/sfukit/sfuclient/internal/domain"
)

// ErrStopped is returned when rendering a stopped stream.
var ErrStopped = errors.New("stream stopped")

type target struct {
	r domain.Renderer
	w io.Writer
}

// Stream is a published or subscribed media session as seen by the
// application.
type Stream struct {
	mid    domain.MediaID
	local  domain.LocalMedia
	remote func() []domain.RemoteTrack

	mu      sync.Mutex
	targets []target
	stopped bool
}

// NewLocalStream wraps a publisher's captured media.
func NewLocalStream(mid domain.MediaID, local domain.LocalMedia) *Stream {
	return &Stream{mid: mid, local: local}
}

// NewRemoteStream wraps a subscription. tracks returns the remote tracks
// received so far.
func NewRemoteStream(mid domain.MediaID, tracks func() []domain.RemoteTrack) *Stream {
	return &Stream{mid: mid, remote: tracks}
}

func (s *Stream) MediaID() domain.MediaID { return s.mid }

// Local returns the captured media of a published stream, or nil.
func (s *Stream) Local() domain.LocalMedia { return s.local }

// Remote returns the remote tracks of a subscribed stream.
func (s *Stream) Remote() []domain.RemoteTrack {
	if s.remote == nil {
		return nil
	}
	return s.remote()
}

// Render attaches the stream's remote tracks to w through r. The target is
// detached again by Stop.
func (s *Stream) Render(r domain.Renderer, w io.Writer) error {
	tracks := s.Remote()
	if len(tracks) == 0 {
		return domain.ErrNoRemoteMedia
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if err := r.Attach(tracks, w); err != nil {
		return err
	}
	s.targets = append(s.targets, target{r: r, w: w})
	return nil
}

// Stop detaches every render target and releases captured devices.
// Safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	targets := s.targets
	s.targets = nil
	s.mu.Unlock()

	for _, t := range targets {
		t.r.Detach(t.w)
	}
	if s.local != nil {
		s.local.Release()
	}
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
