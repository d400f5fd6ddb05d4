// Package session runs one offer/answer negotiation per peer connection and
// tracks the sessions a client owns.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/codec"
	"github.com/sfukit/sfuclient/internal/domain"
)

// State is the negotiation state of a session.
type State int

const (
	StateCreated State = iota + 1
	StateOfferReady
	StateSent
	StateAnswered
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOfferReady:
		return "offer-ready"
	case StateSent:
		return "sent"
	case StateAnswered:
		return "answered"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Exchange sends the offer to the SFU and returns its answer.
type Exchange func(ctx context.Context, offer domain.SDPPayload) (domain.NegotiationResult, error)

// Options configures a session.
type Options struct {
	// Codec restricts a publisher's video offer. Empty leaves the offer as
	// generated.
	Codec domain.Codec
	// Bandwidth caps the publisher's video section in kbps; zero is unlimited.
	Bandwidth int
	// Tracks are the publisher's local tracks.
	Tracks []pion.TrackLocal
}

// Session is one negotiation over one peer connection.
type Session struct {
	role domain.Role
	peer domain.Peer
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	local     string
	remote    string
	mid       domain.MediaID
	offerSent bool
	tracks    []domain.RemoteTrack

	firstTrack chan struct{}
	trackOnce  sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
	peerOnce   sync.Once
}

// New prepares a session on peer. A publisher attaches its local tracks; a
// subscriber declares receive-only audio and video. The peer is closed if
// preparation fails.
func New(role domain.Role, peer domain.Peer, opts Options, logger zerolog.Logger) (*Session, error) {
	s := &Session{
		role:       role,
		peer:       peer,
		opts:       opts,
		log:        logger.With().Str("module", "session").Stringer("role", role).Logger(),
		state:      StateCreated,
		firstTrack: make(chan struct{}),
		closed:     make(chan struct{}),
	}

	var err error
	switch role {
	case domain.RolePublisher:
		if len(opts.Tracks) == 0 {
			err = errors.New("publisher has no local tracks")
		} else {
			err = peer.AddLocalTracks(opts.Tracks)
		}
	case domain.RoleSubscriber:
		peer.OnTrack(s.addTrack)
		err = peer.AddReceiveTransceivers()
	default:
		err = fmt.Errorf("unknown role %d", role)
	}
	if err != nil {
		s.closePeer()
		return nil, &domain.NegotiationError{Role: role, Cause: err}
	}
	return s, nil
}

// Negotiate creates the offer, waits for ICE gathering to finish, sends the
// offer exactly once through exchange and applies the answer. It returns the
// media id assigned by the server. On failure the session is Failed and its
// peer closed.
func (s *Session) Negotiate(ctx context.Context, exchange Exchange) (domain.MediaID, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateCreated:
	case StateClosed:
		return "", &domain.NegotiationError{Role: s.role, Cause: domain.ErrSessionCancelled}
	default:
		return "", &domain.NegotiationError{Role: s.role, Cause: fmt.Errorf("negotiate in state %s", state)}
	}

	if _, err := s.peer.CreateOffer(); err != nil {
		return s.fail(err)
	}
	if !s.transition(StateCreated, StateOfferReady) {
		return s.fail(domain.ErrSessionCancelled)
	}
	s.log.Debug().Msg("offer ready, gathering candidates")

	select {
	case <-s.peer.GatheringComplete():
	case <-ctx.Done():
		return s.fail(ctx.Err())
	case <-s.closed:
		return s.fail(domain.ErrSessionCancelled)
	}

	if !s.markSent() {
		return s.fail(errors.New("offer already sent"))
	}

	offer := s.peer.LocalDescription()
	if s.role == domain.RolePublisher && s.opts.Codec != "" {
		rewritten, err := codec.Rewrite(offer, s.opts.Codec, s.opts.Bandwidth)
		if err != nil {
			return s.fail(fmt.Errorf("rewrite offer: %w", err))
		}
		offer = rewritten
	}
	s.mu.Lock()
	s.local = offer
	s.mu.Unlock()

	s.log.Debug().Msg("sending offer")
	res, err := exchange(ctx, domain.SDPPayload{Type: pion.SDPTypeOffer.String(), SDP: offer})
	if err != nil {
		return s.fail(err)
	}
	if res.MediaID == "" {
		return s.fail(errors.New("answer carries no media id"))
	}
	if err := s.peer.SetRemoteDescription(res.Jsep); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSent {
		return "", &domain.NegotiationError{Role: s.role, Cause: domain.ErrSessionCancelled}
	}
	s.state = StateAnswered
	s.mid = res.MediaID
	s.remote = res.Jsep.SDP
	s.log.Info().Str("mid", string(res.MediaID)).Msg("answer applied")
	return res.MediaID, nil
}

// markSent flips offerSent. Only the first caller, after gathering, wins.
func (s *Session) markSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerSent || s.state != StateOfferReady {
		return false
	}
	s.offerSent = true
	s.state = StateSent
	return true
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) fail(cause error) (domain.MediaID, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		if !errors.Is(cause, domain.ErrSessionCancelled) {
			cause = fmt.Errorf("%w: %w", domain.ErrSessionCancelled, cause)
		}
	} else {
		s.state = StateFailed
	}
	s.mu.Unlock()

	s.log.Warn().Err(cause).Msg("negotiation failed")
	s.closePeer()
	return "", &domain.NegotiationError{Role: s.role, Cause: cause}
}

func (s *Session) addTrack(t domain.RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
	s.trackOnce.Do(func() { close(s.firstTrack) })
}

// WaitTrack blocks until the first remote track arrives.
func (s *Session) WaitTrack(ctx context.Context) (domain.RemoteTrack, error) {
	select {
	case <-s.firstTrack:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.tracks[0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, domain.ErrSessionCancelled
	}
}

// Tracks returns the remote tracks received so far.
func (s *Session) Tracks() []domain.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RemoteTrack(nil), s.tracks...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() domain.Role { return s.role }

// MediaID is the server-assigned id, empty until Answered.
func (s *Session) MediaID() domain.MediaID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mid
}

// LocalDescription is the offer as sent to the server.
func (s *Session) LocalDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Close tears the session down and closes its peer. Safe to call more than
// once and concurrently with Negotiate.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateFailed {
			s.state = StateClosed
		}
		s.mu.Unlock()
		close(s.closed)
		err = s.closePeer()
		s.log.Debug().Str("mid", string(s.MediaID())).Msg("session closed")
	})
	return err
}

func (s *Session) closePeer() error {
	var err error
	s.peerOnce.Do(func() { err = s.peer.Close() })
	return err
}
