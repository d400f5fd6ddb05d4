package domain

import (
	"context"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Peer manages the WebRTC peer connection owned by one negotiation session.
type Peer interface {
	AddLocalTracks(tracks []webrtc.TrackLocal) error
	AddReceiveTransceivers() error
	OnTrack(fn func(track RemoteTrack))
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (string, error)
	// GatheringComplete is closed once ICE gathering finishes. Valid after CreateOffer.
	GatheringComplete() <-chan struct{}
	LocalDescription() string
	SetRemoteDescription(sdp SDPPayload) error
	Close() error
}

// RemoteTrack is the subset of *webrtc.TrackRemote the SDK consumes.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LocalMedia is a captured set of local tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// Release stops capture. Safe to call more than once.
	Release()
}

// MediaSource acquires local capture. Failures are reported as *DeviceError.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalMedia, error)
}

// Renderer plays remote tracks into a target.
type Renderer interface {
	Attach(tracks []RemoteTrack, target io.Writer) error
	Detach(target io.Writer)
}
