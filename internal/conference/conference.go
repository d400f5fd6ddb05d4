// Package conference runs one participant: it joins a room, optionally
// publishes local media, and subscribes to and records every stream other
// participants add.
package conference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/domain"
	"github.com/sfukit/sfuclient/internal/media"
	"github.com/sfukit/sfuclient/internal/render"
)

// ErrSignalingLost is returned by Run when the SFU connection fails.
var ErrSignalingLost = errors.New("signaling connection lost")

const shutdownTimeout = 5 * time.Second

// Client is the part of *client.Client a conference drives.
type Client interface {
	Join(ctx context.Context, rid domain.RoomID, info domain.Info) error
	Leave(ctx context.Context) error
	Publish(ctx context.Context, opts domain.PublishOptions) (*media.Stream, error)
	Unpublish(ctx context.Context, mid domain.MediaID) error
	Subscribe(ctx context.Context, rid domain.RoomID, mid domain.MediaID) (*media.Stream, error)
	Unsubscribe(ctx context.Context, rid domain.RoomID, mid domain.MediaID) error
	OnPeerJoin(fn func(domain.PeerJoin)) func()
	OnPeerLeave(fn func(domain.PeerLeave)) func()
	OnStreamAdd(fn func(domain.StreamAdd)) func()
	OnStreamRemove(fn func(domain.StreamRemove)) func()
	OnBroadcast(fn func(domain.BroadcastMessage)) func()
	OnTransportState(fn func(domain.TransportState)) func()
	Close() error
}

// SinkFactory opens the destination for a subscribed stream. ext is the
// container extension of the stream's primary track, such as ".ivf".
type SinkFactory func(mid domain.MediaID, ext string) (io.WriteCloser, error)

// Config selects the room and what to publish.
type Config struct {
	Room    domain.RoomID
	Name    string
	Publish bool
	Options domain.PublishOptions
}

type remote struct {
	stream *media.Stream
	sink   io.WriteCloser
}

// Conference coordinates the client's room membership with local rendering.
type Conference struct {
	client   Client
	renderer domain.Renderer
	sinks    SinkFactory
	cfg      Config
	log      zerolog.Logger

	wg sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	published domain.MediaID
	remotes   map[domain.MediaID]*remote
}

// New creates a Conference. Subscribed streams are rendered by renderer
// into sinks.
func New(c Client, renderer domain.Renderer, sinks SinkFactory, cfg Config, logger zerolog.Logger) *Conference {
	return &Conference{
		client:   c,
		renderer: renderer,
		sinks:    sinks,
		cfg:      cfg,
		log:      logger.With().Str("module", "conference").Logger(),
		remotes:  make(map[domain.MediaID]*remote),
	}
}

// Run joins the room and stays until ctx is done or signaling fails, then
// unpublishes, unsubscribes, leaves and closes the client.
func (c *Conference) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	removers := []func(){
		c.client.OnPeerJoin(c.onPeerJoin),
		c.client.OnPeerLeave(c.onPeerLeave),
		c.client.OnStreamAdd(func(ev domain.StreamAdd) { c.onStreamAdd(ctx, ev) }),
		c.client.OnStreamRemove(c.onStreamRemove),
		c.client.OnBroadcast(c.onBroadcast),
		c.client.OnTransportState(func(s domain.TransportState) {
			if s == domain.TransportFailed {
				c.log.Error().Msg("signaling failed, shutting down")
				cancel(ErrSignalingLost)
			}
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := c.start(ctx); err != nil {
		cancel(err)
		c.shutdown()
		return err
	}

	<-ctx.Done()
	c.log.Info().Msg("shutting down")
	c.shutdown()

	if cause := context.Cause(ctx); errors.Is(cause, ErrSignalingLost) {
		return cause
	}
	return nil
}

func (c *Conference) start(ctx context.Context) error {
	var info domain.Info
	if c.cfg.Name != "" {
		info = domain.Info{"name": c.cfg.Name}
	}
	if err := c.client.Join(ctx, c.cfg.Room, info); err != nil {
		return err
	}
	c.log.Info().Str("room", string(c.cfg.Room)).Msg("joined, waiting for streams")

	if !c.cfg.Publish {
		return nil
	}
	stream, err := c.client.Publish(ctx, c.cfg.Options)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	c.mu.Lock()
	c.published = stream.MediaID()
	c.mu.Unlock()
	c.log.Info().Str("mid", string(stream.MediaID())).Msg("publishing")
	return nil
}

func (c *Conference) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	published := c.published
	c.published = ""
	remotes := c.remotes
	c.remotes = make(map[domain.MediaID]*remote)
	c.mu.Unlock()

	if published != "" {
		if err := c.client.Unpublish(ctx, published); err != nil {
			c.log.Warn().Err(err).Msg("unpublish")
		}
	}
	for mid, r := range remotes {
		if err := c.client.Unsubscribe(ctx, c.cfg.Room, mid); err != nil {
			c.log.Warn().Err(err).Str("mid", string(mid)).Msg("unsubscribe")
		}
		c.release(mid, r)
	}
	if err := c.client.Leave(ctx); err != nil && !errors.Is(err, domain.ErrNotJoined) {
		c.log.Warn().Err(err).Msg("leave")
	}
	if err := c.client.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close client")
	}
}

func (c *Conference) onPeerJoin(ev domain.PeerJoin) {
	c.log.Info().Str("uid", string(ev.UID)).Interface("info", ev.Info).Msg("peer joined")
}

func (c *Conference) onPeerLeave(ev domain.PeerLeave) {
	c.log.Info().Str("uid", string(ev.UID)).Msg("peer left")
}

func (c *Conference) onBroadcast(ev domain.BroadcastMessage) {
	c.log.Info().Str("uid", string(ev.UID)).Interface("info", ev.Info).Msg("broadcast")
}

// onStreamAdd runs on the client's dispatch goroutine, so the subscribe
// happens in its own goroutine.
func (c *Conference) onStreamAdd(ctx context.Context, ev domain.StreamAdd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || ev.MediaID == c.published {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.subscribe(ctx, ev)
	}()
}

func (c *Conference) subscribe(ctx context.Context, ev domain.StreamAdd) {
	log := c.log.With().Str("source", string(ev.MediaID)).Logger()

	stream, err := c.client.Subscribe(ctx, ev.RoomID, ev.MediaID)
	if err != nil {
		log.Warn().Err(err).Msg("subscribe failed")
		return
	}

	ext, err := render.Extension(stream.Remote())
	if err != nil {
		log.Warn().Err(err).Msg("cannot render stream")
		c.drop(ev, stream)
		return
	}
	sink, err := c.sinks(ev.MediaID, ext)
	if err != nil {
		log.Error().Err(err).Msg("open sink")
		c.drop(ev, stream)
		return
	}
	if err := stream.Render(c.renderer, sink); err != nil {
		log.Warn().Err(err).Msg("render failed")
		_ = sink.Close()
		c.drop(ev, stream)
		return
	}

	r := &remote{stream: stream, sink: sink}
	c.mu.Lock()
	// The server may have removed the stream while it was being set up.
	if stream.Stopped() {
		c.mu.Unlock()
		c.release(ev.MediaID, r)
		return
	}
	c.remotes[ev.MediaID] = r
	c.mu.Unlock()
	log.Info().Str("mid", string(stream.MediaID())).Str("format", ext).Msg("recording stream")
}

func (c *Conference) drop(ev domain.StreamAdd, stream *media.Stream) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.client.Unsubscribe(ctx, ev.RoomID, ev.MediaID); err != nil {
		c.log.Warn().Err(err).Str("source", string(ev.MediaID)).Msg("unsubscribe")
	}
	stream.Stop()
}

func (c *Conference) onStreamRemove(ev domain.StreamRemove) {
	c.mu.Lock()
	r, ok := c.remotes[ev.MediaID]
	delete(c.remotes, ev.MediaID)
	c.mu.Unlock()
	if ok {
		c.release(ev.MediaID, r)
	}
}

func (c *Conference) release(mid domain.MediaID, r *remote) {
	r.stream.Stop()
	if err := r.sink.Close(); err != nil {
		c.log.Warn().Err(err).Str("source", string(mid)).Msg("close sink")
	}
	c.log.Info().Str("source", string(mid)).Msg("stream finished")
}
