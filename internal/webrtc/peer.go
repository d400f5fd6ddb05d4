package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/codec"
	"github.com/sfukit/sfuclient/internal/domain"
)

// Config configures a peer connection.
type Config struct {
	ICEServers []domain.ICEServer
	// Codec is the only video codec a publisher offers. Empty means VP8.
	// Subscribers accept every supported codec.
	Codec domain.Codec
	// LoggerFactory receives pion's internal logs. Nil keeps pion's default.
	LoggerFactory logging.LoggerFactory
}

// Peer wraps a Pion PeerConnection owned by one negotiation session.
type Peer struct {
	pc   *pion.PeerConnection
	role domain.Role
	log  zerolog.Logger

	mu       sync.Mutex
	gathered <-chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ domain.Peer = (*Peer)(nil)

// NewPeer creates a PeerConnection for the given role.
func NewPeer(role domain.Role, cfg Config, logger zerolog.Logger) (*Peer, error) {
	m, err := newMediaEngine(role, cfg.Codec)
	if err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	switch role {
	case domain.RolePublisher:
		responderFactory, err := nack.NewResponderInterceptor()
		if err != nil {
			return nil, fmt.Errorf("create nack responder: %w", err)
		}
		i.Add(responderFactory)
	case domain.RoleSubscriber:
		generatorFactory, err := nack.NewGeneratorInterceptor()
		if err != nil {
			return nil, fmt.Errorf("create nack generator: %w", err)
		}
		i.Add(generatorFactory)
	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:   pc,
		role: role,
		log:  logger.With().Str("module", "webrtc").Stringer("role", role).Logger(),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Stringer("state", state).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info().Stringer("state", state).Msg("peer connection state")
	})

	return p, nil
}

// newMediaEngine registers opus plus the publisher's single video codec, or
// every supported video codec for a subscriber.
func newMediaEngine(role domain.Role, c domain.Codec) (*pion.MediaEngine, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterCodec(codec.Opus(), pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	videos := []domain.Codec{domain.CodecVP8, domain.CodecVP9, domain.CodecH264}
	if role == domain.RolePublisher {
		if c == "" {
			c = domain.CodecVP8
		}
		videos = []domain.Codec{c}
	}
	for _, vc := range videos {
		params, err := codec.Video(vc)
		if err != nil {
			return nil, err
		}
		if err := m.RegisterCodec(params, pion.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register %s: %w", vc, err)
		}
	}
	return m, nil
}

// AddLocalTracks attaches send-only transceivers for the captured tracks.
func (p *Peer) AddLocalTracks(tracks []pion.TrackLocal) error {
	for _, track := range tracks {
		tr, err := p.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		p.log.Debug().Str("track", track.ID()).Stringer("kind", track.Kind()).Msg("local track added")

		// Interceptors only see RTCP that is read.
		sender := tr.Sender()
		go func() {
			for {
				if _, _, err := sender.ReadRTCP(); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// AddReceiveTransceivers adds recvonly audio and video transceivers.
func (p *Peer) AddReceiveTransceivers() error {
	_, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	_, err = p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}

	return nil
}

// OnTrack registers the handler for remote tracks.
func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		c := track.Codec()
		p.log.Info().
			Stringer("kind", track.Kind()).
			Str("codec", c.MimeType).
			Uint8("pt", uint8(c.PayloadType)).
			Msg("got track")
		fn(track)
	})
}

// CreateOffer creates an SDP offer and sets it as the local description.
// Candidates are gathered into the description; GatheringComplete reports
// when that is done.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	p.mu.Lock()
	p.gathered = gathered
	p.mu.Unlock()

	p.log.Debug().Msg("local SDP offer set")
	return offer.SDP, nil
}

// GatheringComplete is closed when ICE gathering for the current offer ends.
// It returns nil before CreateOffer.
func (p *Peer) GatheringComplete() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gathered
}

// LocalDescription returns the current local SDP including gathered
// candidates.
func (p *Peer) LocalDescription() string {
	if d := p.pc.LocalDescription(); d != nil {
		return d.SDP
	}
	return ""
}

// SetRemoteDescription applies the SDP answer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	if sdp.Type != "" && sdp.Type != pion.SDPTypeAnswer.String() {
		return fmt.Errorf("set remote description: expected answer, got %q", sdp.Type)
	}
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp.SDP,
	}

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.log.Debug().Msg("remote SDP answer set")
	return nil
}

// Close shuts down the PeerConnection. Later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
