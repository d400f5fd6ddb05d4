package client

import (
	"github.com/sfukit/sfuclient/internal/domain"
)

// Listeners run on the client's dispatch goroutine, one event at a time in
// arrival order. Each On* call returns a func that removes the listener.

func (c *Client) OnPeerJoin(fn func(domain.PeerJoin)) func() { return c.peerJoin.add(fn) }

func (c *Client) OnPeerLeave(fn func(domain.PeerLeave)) func() { return c.peerLeave.add(fn) }

func (c *Client) OnStreamAdd(fn func(domain.StreamAdd)) func() { return c.streamAdd.add(fn) }

// OnStreamRemove listeners run after the client has dropped its own session
// for the removed stream, if it had one.
func (c *Client) OnStreamRemove(fn func(domain.StreamRemove)) func() {
	return c.streamRemove.add(fn)
}

func (c *Client) OnBroadcast(fn func(domain.BroadcastMessage)) func() {
	return c.broadcast.add(fn)
}

func (c *Client) OnTransportState(fn func(domain.TransportState)) func() {
	return c.state.add(fn)
}

func (c *Client) dispatch(ev any) {
	switch ev := ev.(type) {
	case domain.TransportState:
		c.state.emit(ev)
	case domain.PeerJoin:
		c.log.Info().Str("uid", string(ev.UID)).Msg("peer joined")
		c.peerJoin.emit(ev)
	case domain.PeerLeave:
		c.log.Info().Str("uid", string(ev.UID)).Msg("peer left")
		c.peerLeave.emit(ev)
	case domain.StreamAdd:
		c.log.Info().Str("mid", string(ev.MediaID)).Msg("stream added")
		c.streamAdd.emit(ev)
	case domain.StreamRemove:
		c.log.Info().Str("mid", string(ev.MediaID)).Msg("stream removed")
		c.dropRemote(ev.MediaID)
		c.streamRemove.emit(ev)
	case domain.BroadcastMessage:
		c.broadcast.emit(ev)
	default:
		c.log.Warn().Msgf("unexpected event %T", ev)
	}
}

// dropRemote tears down whatever the client holds for a stream the server
// removed. No request is sent; missing entries are ignored.
func (c *Client) dropRemote(mid domain.MediaID) {
	if _, ok := c.registry.Cancel(domain.RoleSubscriber, string(mid)); ok {
		c.log.Debug().Str("source", string(mid)).Msg("pending subscribe cancelled by server")
	}

	c.mu.Lock()
	target := mid
	if sub, ok := c.aliases[mid]; ok {
		target = sub
	}
	sess, ok := c.registry.Lookup(target)
	if !ok {
		c.mu.Unlock()
		return
	}
	stream := c.forget(target)
	c.mu.Unlock()

	c.teardown(stream, sess)
}
