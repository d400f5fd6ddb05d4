// Package signal carries JSON-RPC 2.0 requests and notifications between the
// client and the SFU over a single WebSocket.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/sfukit/sfuclient/internal/domain"
)

// Config configures the signaling transport.
type Config struct {
	// URL is the SFU base address (http, https, ws or wss).
	URL string
	// RequestTimeout bounds every request. Zero disables the default
	// and leaves only the caller's context.
	RequestTimeout time.Duration
	// PingInterval is the WebSocket keepalive period. Zero disables pings.
	PingInterval time.Duration
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Transport manages the WebSocket connection to the signaling server.
type Transport struct {
	cfg  Config
	peer domain.PeerID
	log  zerolog.Logger

	onNotify func(domain.Notification)
	onState  func(domain.TransportState)

	mu      sync.Mutex
	rpc     *jsonrpc2.Conn
	closing bool
	done    chan struct{}
}

// New creates a transport for the given peer. Callbacks must be registered
// before Connect.
func New(cfg Config, peer domain.PeerID, logger zerolog.Logger) *Transport {
	return &Transport{
		cfg:  cfg,
		peer: peer,
		log:  logger.With().Str("module", "signal").Logger(),
		done: make(chan struct{}),
	}
}

// OnNotification registers the receiver of decoded server notifications.
// It is called from the read loop and must not block.
func (t *Transport) OnNotification(fn func(domain.Notification)) { t.onNotify = fn }

// OnState registers the receiver of connection transitions. Opened is
// reported from Connect; Closed or Failed exactly once when the connection
// ends.
func (t *Transport) OnState(fn func(domain.TransportState)) { t.onState = fn }

// Connect dials the signaling WebSocket and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	u, err := URL(t.cfg.URL, t.peer)
	if err != nil {
		return &domain.ConnectionError{URL: t.cfg.URL, Cause: err}
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return &domain.ConnectionError{URL: u, Cause: domain.ErrTransportClosed}
	}
	if t.rpc != nil {
		t.mu.Unlock()
		return &domain.ConnectionError{URL: u, Cause: errors.New("already connected")}
	}
	t.mu.Unlock()

	t.log.Info().Str("url", u).Msg("connecting")

	dialer := t.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return &domain.ConnectionError{URL: u, Cause: err}
	}

	rpcLog := t.log.With().Str("component", "jsonrpc2").Logger()
	rpc := jsonrpc2.NewConn(
		context.Background(),
		wsstream.NewObjectStream(ws),
		jsonrpc2.HandlerWithError(t.handle),
		jsonrpc2.SetLogger(&rpcLog),
	)

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		rpc.Close()
		return &domain.ConnectionError{URL: u, Cause: domain.ErrTransportClosed}
	}
	t.rpc = rpc
	t.mu.Unlock()

	t.log.Info().Msg("connected")
	t.emit(domain.TransportOpened)

	go t.watch(rpc)
	go t.pingLoop(ws)
	return nil
}

// Close shuts down the connection. Pending and later requests fail with
// domain.ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	rpc := t.rpc
	t.mu.Unlock()

	if rpc == nil {
		close(t.done)
		return nil
	}
	err := rpc.Close()
	<-t.done
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the connection has ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Request sends one JSON-RPC call and decodes the result into result
// (which may be nil).
func (t *Transport) Request(ctx context.Context, method string, params, result any) error {
	rpc, err := t.conn()
	if err != nil {
		return &domain.RequestError{Method: method, Cause: err}
	}

	if t.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	t.log.Debug().Str("method", method).Msg(">>> request")
	if err := rpc.Call(ctx, method, params, result); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			err = domain.ErrTransportClosed
		}
		t.log.Warn().Err(err).Str("method", method).Msg("request failed")
		return &domain.RequestError{Method: method, Cause: err}
	}
	t.log.Debug().Str("method", method).Msg("<<< response")
	return nil
}

// Notify sends a JSON-RPC notification. No response is expected.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	rpc, err := t.conn()
	if err != nil {
		return &domain.RequestError{Method: method, Cause: err}
	}
	if err := rpc.Notify(ctx, method, params); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			err = domain.ErrTransportClosed
		}
		return &domain.RequestError{Method: method, Cause: err}
	}
	return nil
}

func (t *Transport) conn() (*jsonrpc2.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closing:
		return nil, domain.ErrTransportClosed
	case t.rpc == nil:
		return nil, domain.ErrNotConnected
	}
	select {
	case <-t.done:
		return nil, domain.ErrTransportClosed
	default:
		return t.rpc, nil
	}
}

// handle receives server-initiated messages. Only notifications are part of
// the protocol; requests are answered with method-not-found.
func (t *Transport) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if !req.Notif {
		t.log.Warn().Str("method", req.Method).Msg("unexpected server request")
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", req.Method),
		}
	}

	n, err := Decode(req.Method, req.Params)
	if err != nil {
		t.log.Warn().Err(err).Str("method", req.Method).Msg("dropping notification")
		return nil, nil
	}
	t.log.Debug().Str("method", req.Method).Msg("<<< notification")
	if t.onNotify != nil {
		t.onNotify(n)
	}
	return nil, nil
}

func (t *Transport) watch(rpc *jsonrpc2.Conn) {
	<-rpc.DisconnectNotify()

	t.mu.Lock()
	local := t.closing
	t.mu.Unlock()

	if local {
		t.log.Info().Msg("closed")
		t.emit(domain.TransportClosed)
	} else {
		t.log.Warn().Msg("connection lost")
		t.emit(domain.TransportFailed)
	}
	close(t.done)
}

func (t *Transport) pingLoop(ws *websocket.Conn) {
	if t.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			if err != nil {
				select {
				case <-t.done:
				default:
					t.log.Warn().Err(err).Msg("ping failed")
				}
				return
			}
		}
	}
}

func (t *Transport) emit(s domain.TransportState) {
	if t.onState != nil {
		t.onState(s)
	}
}
