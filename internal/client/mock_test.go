package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/domain"
	"github.com/sfukit/sfuclient/internal/signal"
	"github.com/sfukit/sfuclient/internal/signal/signaltest"
)

const testOffer = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 102\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f\r\n"

const testAnswer = "v=0\r\no=- 3 4 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// journal records teardown steps across mocks so tests can check ordering.
type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(step string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

// mockPeer implements domain.Peer for testing.
type mockPeer struct {
	role    domain.Role
	journal *journal

	mu       sync.Mutex
	onTrack  func(domain.RemoteTrack)
	remote   domain.SDPPayload
	closed   int
	gathered chan struct{}
}

func (m *mockPeer) AddLocalTracks([]pion.TrackLocal) error { return nil }
func (m *mockPeer) AddReceiveTransceivers() error          { return nil }

func (m *mockPeer) OnTrack(fn func(domain.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

func (m *mockPeer) CreateOffer() (string, error)       { return testOffer, nil }
func (m *mockPeer) GatheringComplete() <-chan struct{} { return m.gathered }
func (m *mockPeer) LocalDescription() string           { return testOffer }

func (m *mockPeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = sdp
	return nil
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	m.journal.add("close " + m.role.String())
	return nil
}

func (m *mockPeer) answered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote.SDP != ""
}

func (m *mockPeer) closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockPeer) emitTrack(t domain.RemoteTrack) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(t)
}

// peers hands out mock peers and remembers them per role.
type peers struct {
	journal *journal

	mu          sync.Mutex
	created     []*mockPeer
	subscribers chan *mockPeer
}

func newPeers(j *journal) *peers {
	return &peers{journal: j, subscribers: make(chan *mockPeer, 16)}
}

func (p *peers) factory(role domain.Role, _ domain.Codec) (domain.Peer, error) {
	g := make(chan struct{})
	close(g)
	m := &mockPeer{role: role, journal: p.journal, gathered: g}
	p.mu.Lock()
	p.created = append(p.created, m)
	p.mu.Unlock()
	if role == domain.RoleSubscriber {
		p.subscribers <- m
	}
	return m, nil
}

func (p *peers) all() []*mockPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*mockPeer(nil), p.created...)
}

// mockMedia implements domain.LocalMedia.
type mockMedia struct {
	journal  *journal
	tracks   []pion.TrackLocal
	mu       sync.Mutex
	released int
}

func (m *mockMedia) Tracks() []pion.TrackLocal { return m.tracks }

func (m *mockMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
	m.journal.add("release media")
}

func (m *mockMedia) releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// mockSource implements domain.MediaSource. When gate is set, Acquire waits
// for it to be closed.
type mockSource struct {
	t       *testing.T
	journal *journal
	err     error
	gate    chan struct{}
	entered chan struct{}

	mu       sync.Mutex
	acquired []*mockMedia
	last     domain.Constraints
}

func (s *mockSource) Acquire(ctx context.Context, c domain.Constraints) (domain.LocalMedia, error) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, &domain.DeviceError{Cause: ctx.Err()}
		}
	}
	if s.err != nil {
		return nil, s.err
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", "local")
	if err != nil {
		s.t.Fatal(err)
	}
	m := &mockMedia{journal: s.journal, tracks: []pion.TrackLocal{track}}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.mu.Unlock()
	return m, nil
}

func (s *mockSource) media() []*mockMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mockMedia(nil), s.acquired...)
}

// fakeTrack implements domain.RemoteTrack.
type fakeTrack struct {
	id   string
	kind pion.RTPCodecType
}

func (f fakeTrack) ID() string                     { return f.id }
func (f fakeTrack) StreamID() string               { return "remote" }
func (f fakeTrack) Kind() pion.RTPCodecType        { return f.kind }
func (f fakeTrack) Codec() pion.RTPCodecParameters { return pion.RTPCodecParameters{} }
func (f fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("no media")
}

// answer returns a handler replying to publish or subscribe with mid.
func answer(mid domain.MediaID) signaltest.Handler {
	return func(json.RawMessage) (any, error) {
		return domain.NegotiationResult{
			MediaID: mid,
			Jsep:    domain.SDPPayload{Type: "answer", SDP: testAnswer},
		}, nil
	}
}

// harness is a connected client against a fake SFU.
type harness struct {
	srv    *signaltest.Server
	client *Client
	peers  *peers
	source *mockSource
	steps  *journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		srv:    signaltest.NewServer(t),
		peers:  newPeers(j),
		source: &mockSource{t: t, journal: j},
		steps:  j,
	}
	h.client = New(Config{
		Signal: signal.Config{URL: h.srv.URL, RequestTimeout: 5 * time.Second},
	},
		WithPeerID("peer-1"),
		WithPeerFactory(h.peers.factory),
		WithMediaSource(h.source),
		WithLogger(zerolog.Nop()),
	)
	t.Cleanup(func() { _ = h.client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	if err := h.client.Join(context.Background(), "room-1", domain.Info{"name": "alice"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

// subscribe runs Subscribe while feeding the subscriber peer a track.
func (h *harness) subscribe(t *testing.T, source domain.MediaID) (domain.MediaID, error) {
	t.Helper()
	type result struct {
		mid domain.MediaID
		err error
	}
	n := len(h.srv.Calls(domain.MethodSubscribe)) + 1
	done := make(chan result, 1)
	go func() {
		s, err := h.client.Subscribe(context.Background(), "room-1", source)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{mid: s.MediaID()}
	}()

	var peer *mockPeer
	select {
	case peer = <-h.peers.subscribers:
	case r := <-done:
		return r.mid, r.err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.srv.WaitCalls(ctx, domain.MethodSubscribe, n); err != nil {
		t.Fatalf("subscribe request never arrived: %v", err)
	}
	peer.emitTrack(fakeTrack{id: "video", kind: pion.RTPCodecTypeVideo})

	r := <-done
	return r.mid, r.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
