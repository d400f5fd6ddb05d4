// Package client joins SFU rooms over one signaling connection and manages
// the publish and subscribe sessions negotiated through it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sfukit/sfuclient/internal/domain"
	"github.com/sfukit/sfuclient/internal/media"
	"github.com/sfukit/sfuclient/internal/session"
	"github.com/sfukit/sfuclient/internal/signal"
	"github.com/sfukit/sfuclient/internal/webrtc"
)

var errNoMediaSource = errors.New("no media source configured")

// cleanupTimeout bounds the teardown requests sent after a failed or
// cancelled negotiation.
const cleanupTimeout = 5 * time.Second

// Config configures a Client.
type Config struct {
	Signal     signal.Config
	ICEServers []domain.ICEServer
	// LoggerFactory receives pion's internal logs. Nil keeps pion's default.
	LoggerFactory logging.LoggerFactory
}

// PeerFactory creates the peer connection for one session. codec is empty
// for subscribers.
type PeerFactory func(role domain.Role, codec domain.Codec) (domain.Peer, error)

type Option func(*Client)

// WithMediaSource sets where Publish acquires local capture from.
func WithMediaSource(src domain.MediaSource) Option {
	return func(c *Client) { c.source = src }
}

// WithPeerFactory replaces the pion-backed peer connections.
func WithPeerFactory(f PeerFactory) Option {
	return func(c *Client) { c.newPeer = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithPeerID fixes the peer id instead of generating one.
func WithPeerID(id domain.PeerID) Option {
	return func(c *Client) { c.id = id }
}

// Client is one participant on an SFU.
type Client struct {
	cfg       Config
	id        domain.PeerID
	log       zerolog.Logger
	source    domain.MediaSource
	newPeer   PeerFactory
	transport *signal.Transport
	registry  *session.Registry
	events    *queue

	mu      sync.Mutex
	room    domain.RoomID
	joined  bool
	joining bool
	closed  bool
	streams map[domain.MediaID]*media.Stream
	// aliases maps a subscribed source mid to its subscription mid; sources
	// is the reverse.
	aliases map[domain.MediaID]domain.MediaID
	sources map[domain.MediaID]domain.MediaID

	peerJoin     listeners[domain.PeerJoin]
	peerLeave    listeners[domain.PeerLeave]
	streamAdd    listeners[domain.StreamAdd]
	streamRemove listeners[domain.StreamRemove]
	broadcast    listeners[domain.BroadcastMessage]
	state        listeners[domain.TransportState]
}

// New creates a client with a fresh peer id. Nothing is dialed until Connect.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		id:       domain.PeerID(uuid.NewString()),
		log:      log.Logger,
		registry: session.NewRegistry(),
		events:   newQueue(),
		streams:  make(map[domain.MediaID]*media.Stream),
		aliases:  make(map[domain.MediaID]domain.MediaID),
		sources:  make(map[domain.MediaID]domain.MediaID),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("module", "client").Str("peer", string(c.id)).Logger()
	if c.newPeer == nil {
		c.newPeer = c.pionPeer
	}

	c.transport = signal.New(cfg.Signal, c.id, c.log)
	c.transport.OnNotification(func(n domain.Notification) { c.events.push(n) })
	c.transport.OnState(func(s domain.TransportState) { c.events.push(s) })
	go c.events.run(c.dispatch)

	return c
}

func (c *Client) pionPeer(role domain.Role, codec domain.Codec) (domain.Peer, error) {
	p, err := webrtc.NewPeer(role, webrtc.Config{
		ICEServers:    c.cfg.ICEServers,
		Codec:         codec,
		LoggerFactory: c.cfg.LoggerFactory,
	}, c.log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Connect opens the signaling transport.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

func (c *Client) PeerID() domain.PeerID { return c.id }

// RoomID is the joined room, or empty.
func (c *Client) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Stream returns the active stream for a publish or subscription mid. A
// subscribed source mid is accepted too.
func (c *Client) Stream(mid domain.MediaID) (*media.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.aliases[mid]; ok {
		mid = sub
	}
	s, ok := c.streams[mid]
	return s, ok
}

// Join enters a room. Exactly one join request is sent; a Join while another
// is in flight fails without a request.
func (c *Client) Join(ctx context.Context, rid domain.RoomID, info domain.Info) error {
	c.mu.Lock()
	switch {
	case c.joined:
		room := c.room
		c.mu.Unlock()
		return &domain.JoinError{RoomID: rid, Cause: fmt.Errorf("already joined room %q", room)}
	case c.joining:
		c.mu.Unlock()
		return &domain.JoinError{RoomID: rid, Cause: errors.New("join already in progress")}
	}
	c.joining = true
	c.mu.Unlock()

	params := domain.JoinParams{RoomID: rid, UID: c.id, Info: info}
	err := c.transport.Request(ctx, domain.MethodJoin, params, nil)

	c.mu.Lock()
	c.joining = false
	if err == nil {
		c.room = rid
		c.joined = true
	}
	c.mu.Unlock()
	if err != nil {
		return &domain.JoinError{RoomID: rid, Cause: err}
	}
	c.log.Info().Str("room", string(rid)).Msg("joined room")
	return nil
}

// Leave sends one leave request. The client counts as left whatever the
// outcome, so the error is informational.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	room, joined := c.room, c.joined
	c.room = ""
	c.joined = false
	c.mu.Unlock()

	if !joined {
		return domain.ErrNotJoined
	}
	params := domain.LeaveParams{RoomID: room, UID: c.id}
	if err := c.transport.Request(ctx, domain.MethodLeave, params, nil); err != nil {
		c.log.Warn().Err(err).Str("room", string(room)).Msg("leave failed")
		return err
	}
	c.log.Info().Str("room", string(room)).Msg("left room")
	return nil
}

// Publish captures local media and negotiates a publisher session. Only one
// publish may be pending at a time.
func (c *Client) Publish(ctx context.Context, opts domain.PublishOptions) (*media.Stream, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, &domain.PublishError{Cause: err}
	}
	room, joined := c.roomState()
	if !joined {
		return nil, &domain.PublishError{Cause: domain.ErrNotJoined}
	}

	attempt, err := c.registry.Reserve(domain.RolePublisher, string(c.id))
	if err != nil {
		return nil, &domain.PublishError{Cause: err}
	}

	local, err := c.acquire(ctx, opts.Constraints())
	if err != nil {
		c.registry.Release(attempt)
		return nil, &domain.PublishError{Cause: err}
	}

	sess, err := c.startSession(domain.RolePublisher, opts.Codec, session.Options{
		Codec:     opts.Codec,
		Bandwidth: opts.Bandwidth,
		Tracks:    local.Tracks(),
	}, attempt)
	if err != nil {
		local.Release()
		c.registry.Release(attempt)
		return nil, &domain.PublishError{Cause: err}
	}

	mid, err := sess.Negotiate(ctx, func(ctx context.Context, offer domain.SDPPayload) (domain.NegotiationResult, error) {
		var res domain.NegotiationResult
		params := domain.PublishParams{RoomID: room, Jsep: offer, Options: opts}
		err := c.transport.Request(ctx, domain.MethodPublish, params, &res)
		return res, err
	})
	if err != nil {
		local.Release()
		c.registry.Release(attempt)
		return nil, &domain.PublishError{Cause: err}
	}

	stream := media.NewLocalStream(mid, local)
	c.mu.Lock()
	err = c.registry.Promote(attempt, mid)
	if err == nil {
		c.streams[mid] = stream
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Info().Str("mid", string(mid)).Msg("publish cancelled before it settled")
		stream.Stop()
		_ = sess.Close()
		c.bestEffort(ctx, domain.MethodUnpublish, domain.MediaParams{RoomID: room, MediaID: mid})
		return nil, &domain.PublishError{Cause: err}
	}

	c.log.Info().Str("mid", string(mid)).Str("codec", string(opts.Codec)).Msg("published")
	return stream, nil
}

func (c *Client) acquire(ctx context.Context, cons domain.Constraints) (domain.LocalMedia, error) {
	if c.source == nil {
		return nil, &domain.DeviceError{Cause: errNoMediaSource}
	}
	local, err := c.source.Acquire(ctx, cons)
	if err != nil {
		var derr *domain.DeviceError
		if !errors.As(err, &derr) {
			err = &domain.DeviceError{Cause: err}
		}
		return nil, err
	}
	return local, nil
}

// startSession creates the peer and session for role and binds it to the
// attempt.
func (c *Client) startSession(role domain.Role, codec domain.Codec, opts session.Options, attempt *session.Attempt) (*session.Session, error) {
	peer, err := c.newPeer(role, codec)
	if err != nil {
		return nil, &domain.NegotiationError{Role: role, Cause: err}
	}
	sess, err := session.New(role, peer, opts, c.log)
	if err != nil {
		return nil, err
	}
	if err := attempt.Bind(sess); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// Unpublish tears down a publish session and tells the server. Unknown mids
// are a no-op. An empty mid or the client's peer id cancels a pending
// publish instead; it is torn down once its negotiation settles.
func (c *Client) Unpublish(ctx context.Context, mid domain.MediaID) error {
	if mid == "" || mid == domain.MediaID(c.id) {
		if _, ok := c.registry.Cancel(domain.RolePublisher, string(c.id)); ok {
			c.log.Info().Msg("pending publish cancelled")
		}
		return nil
	}

	c.mu.Lock()
	sess, ok := c.registry.Lookup(mid)
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if sess.Role() != domain.RolePublisher {
		c.mu.Unlock()
		return fmt.Errorf("unpublish %q: not a publish session", mid)
	}
	c.registry.Remove(mid)
	stream := c.streams[mid]
	delete(c.streams, mid)
	room := c.room
	c.mu.Unlock()

	c.teardown(stream, sess)
	c.bestEffort(ctx, domain.MethodUnpublish, domain.MediaParams{RoomID: room, MediaID: mid})
	c.log.Info().Str("mid", string(mid)).Msg("unpublished")
	return nil
}

// Subscribe negotiates a subscriber session for the remote stream mid. It
// returns once the answer is applied and the first remote track arrived.
func (c *Client) Subscribe(ctx context.Context, rid domain.RoomID, mid domain.MediaID) (*media.Stream, error) {
	fail := func(err error) (*media.Stream, error) {
		return nil, &domain.SubscribeError{MediaID: mid, Cause: err}
	}
	if rid == "" {
		rid = c.RoomID()
	}

	c.mu.Lock()
	_, dup := c.aliases[mid]
	c.mu.Unlock()
	if dup {
		return fail(&domain.DuplicateSessionError{MediaID: mid})
	}

	attempt, err := c.registry.Reserve(domain.RoleSubscriber, string(mid))
	if err != nil {
		return fail(err)
	}
	sess, err := c.startSession(domain.RoleSubscriber, "", session.Options{}, attempt)
	if err != nil {
		c.registry.Release(attempt)
		return fail(err)
	}

	subMid, err := sess.Negotiate(ctx, func(ctx context.Context, offer domain.SDPPayload) (domain.NegotiationResult, error) {
		var res domain.NegotiationResult
		params := domain.SubscribeParams{RoomID: rid, Jsep: offer, MediaID: mid}
		err := c.transport.Request(ctx, domain.MethodSubscribe, params, &res)
		return res, err
	})
	if err != nil {
		c.registry.Release(attempt)
		return fail(err)
	}

	if err := c.waitTrack(ctx, sess, attempt); err != nil {
		_ = sess.Close()
		c.registry.Release(attempt)
		c.bestEffort(ctx, domain.MethodUnsubscribe, domain.MediaParams{RoomID: rid, MediaID: subMid})
		return fail(err)
	}

	stream := media.NewRemoteStream(subMid, sess.Tracks)
	c.mu.Lock()
	err = c.registry.Promote(attempt, subMid)
	if err == nil {
		c.streams[subMid] = stream
		c.aliases[mid] = subMid
		c.sources[subMid] = mid
	}
	c.mu.Unlock()
	if err != nil {
		stream.Stop()
		_ = sess.Close()
		c.bestEffort(ctx, domain.MethodUnsubscribe, domain.MediaParams{RoomID: rid, MediaID: subMid})
		return fail(err)
	}

	c.log.Info().Str("source", string(mid)).Str("mid", string(subMid)).Msg("subscribed")
	return stream, nil
}

// waitTrack blocks until the first remote track, ctx is done, or the attempt
// is cancelled.
func (c *Client) waitTrack(ctx context.Context, sess *session.Session, attempt *session.Attempt) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-attempt.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := sess.WaitTrack(ctx); err != nil {
		if attempt.Cancelled() {
			return domain.ErrSessionCancelled
		}
		return err
	}
	return nil
}

// Unsubscribe tears down a subscription, named by its own mid or by the
// source mid it was subscribed with, and tells the server. A pending
// subscribe for the source mid is cancelled instead.
func (c *Client) Unsubscribe(ctx context.Context, rid domain.RoomID, mid domain.MediaID) error {
	if rid == "" {
		rid = c.RoomID()
	}

	c.mu.Lock()
	subMid := mid
	if sub, ok := c.aliases[mid]; ok {
		subMid = sub
	}
	sess, ok := c.registry.Lookup(subMid)
	if !ok || sess.Role() != domain.RoleSubscriber {
		c.mu.Unlock()
		if _, ok := c.registry.Cancel(domain.RoleSubscriber, string(mid)); ok {
			c.log.Info().Str("source", string(mid)).Msg("pending subscribe cancelled")
		}
		return nil
	}
	stream := c.forget(subMid)
	c.mu.Unlock()

	c.teardown(stream, sess)
	c.bestEffort(ctx, domain.MethodUnsubscribe, domain.MediaParams{RoomID: rid, MediaID: subMid})
	c.log.Info().Str("mid", string(subMid)).Msg("unsubscribed")
	return nil
}

// forget drops every local record of an active mid and returns its stream.
// Callers hold c.mu.
func (c *Client) forget(mid domain.MediaID) *media.Stream {
	c.registry.Remove(mid)
	stream := c.streams[mid]
	delete(c.streams, mid)
	if src, ok := c.sources[mid]; ok {
		delete(c.aliases, src)
		delete(c.sources, mid)
	}
	return stream
}

// teardown stops the stream before closing the session's peer connection.
func (c *Client) teardown(stream *media.Stream, sess *session.Session) {
	if stream != nil {
		stream.Stop()
	}
	if err := sess.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close session")
	}
}

// bestEffort sends a teardown request. It still goes out when ctx is already
// done, since the server has assigned the mid either way.
func (c *Client) bestEffort(ctx context.Context, method string, params domain.MediaParams) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.transport.Request(ctx, method, params, nil); err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("mid", string(params.MediaID)).Msg("request failed")
	}
}

// Broadcast relays info to every member of the room.
func (c *Client) Broadcast(ctx context.Context, rid domain.RoomID, info domain.Info) error {
	if rid == "" {
		rid = c.RoomID()
	}
	params := domain.BroadcastParams{RoomID: rid, UID: c.id, Info: info}
	return c.transport.Notify(ctx, domain.MethodBroadcast, params)
}

func (c *Client) roomState() (domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.joined
}

// Close tears down every session, then the transport. Pending attempts are
// cancelled and fail in their callers. Close waits for queued events to reach
// listeners, except when it runs inside a listener.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = make(map[domain.MediaID]*media.Stream)
	c.aliases = make(map[domain.MediaID]domain.MediaID)
	c.sources = make(map[domain.MediaID]domain.MediaID)
	c.joined = false
	c.mu.Unlock()

	for _, s := range streams {
		s.Stop()
	}
	var g errgroup.Group
	for _, s := range c.registry.Drain() {
		g.Go(s.Close)
	}
	err := g.Wait()

	err = errors.Join(err, c.transport.Close())
	c.events.close()
	c.log.Info().Msg("client closed")
	return err
}
