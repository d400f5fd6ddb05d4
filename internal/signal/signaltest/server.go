// Package signaltest provides an in-process JSON-RPC WebSocket server that
// stands in for the SFU in tests.
package signaltest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
)

// Handler answers one request. A returned *jsonrpc2.Error is sent as is.
type Handler func(params json.RawMessage) (any, error)

// Call is a request or notification received by the server.
type Call struct {
	Method string
	Params json.RawMessage
	Notif  bool
}

// Decode unmarshals the call params.
func (c Call) Decode(v any) error { return json.Unmarshal(c.Params, v) }

// Server is a fake SFU signaling endpoint. Unhandled methods answer with a
// null result.
type Server struct {
	// URL is the http:// address of the server.
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	conns    []*jsonrpc2.Conn
	peers    []string
	ready    chan struct{}
	received chan struct{}
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		handlers: make(map[string]Handler),
		ready:    make(chan struct{}),
		received: make(chan struct{}, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

// Handle installs the handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns the received calls for method, in arrival order.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitCalls waits until at least n calls for method arrived.
func (s *Server) WaitCalls(ctx context.Context, method string, n int) ([]Call, error) {
	for {
		if calls := s.Calls(method); len(calls) >= n {
			return calls, nil
		}
		select {
		case <-ctx.Done():
			return s.Calls(method), ctx.Err()
		case <-s.received:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Peers returns the peer query parameter of every accepted connection.
func (s *Server) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.peers...)
}

// Notify pushes a notification to every connected client. It waits briefly
// for the first connection.
func (s *Server) Notify(method string, params any) error {
	select {
	case <-s.ready:
	case <-time.After(5 * time.Second):
		return errors.New("signaltest: no client connected")
	}

	s.mu.Lock()
	conns := append([]*jsonrpc2.Conn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Notify(context.Background(), method, params); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every client connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := jsonrpc2.NewConn(
		context.Background(),
		wsstream.NewObjectStream(ws),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)),
	)

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.peers = append(s.peers, r.URL.Query().Get("peer"))
	first := len(s.peers) == 1
	s.mu.Unlock()
	if first {
		close(s.ready)
	}
}

func (s *Server) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: req.Method, Params: params, Notif: req.Notif})
	h := s.handlers[req.Method]
	s.mu.Unlock()

	select {
	case s.received <- struct{}{}:
	default:
	}

	if h == nil {
		return nil, nil
	}
	return h(params)
}
