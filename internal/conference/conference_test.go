package conference

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/sfukit/sfuclient/internal/domain"
	"github.com/sfukit/sfuclient/internal/media"
)

// mockClient records calls for verification and lets tests fire events.
type mockClient struct {
	mu         sync.Mutex
	calls      []string
	joinErr    error
	subscribed chan domain.MediaID

	peerJoin     func(domain.PeerJoin)
	streamAdd    func(domain.StreamAdd)
	streamRemove func(domain.StreamRemove)
	state        func(domain.TransportState)
	streams      map[domain.MediaID]*media.Stream
}

func newMockClient() *mockClient {
	return &mockClient{
		subscribed: make(chan domain.MediaID, 4),
		streams:    make(map[domain.MediaID]*media.Stream),
	}
}

func (m *mockClient) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockClient) history() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockClient) Join(_ context.Context, rid domain.RoomID, info domain.Info) error {
	m.record("join " + string(rid) + " " + info["name"].(string))
	return m.joinErr
}

func (m *mockClient) Leave(context.Context) error {
	m.record("leave")
	return nil
}

func (m *mockClient) Publish(context.Context, domain.PublishOptions) (*media.Stream, error) {
	m.record("publish")
	return media.NewLocalStream("pub-1", nopMedia{}), nil
}

func (m *mockClient) Unpublish(_ context.Context, mid domain.MediaID) error {
	m.record("unpublish " + string(mid))
	return nil
}

func (m *mockClient) Subscribe(_ context.Context, _ domain.RoomID, mid domain.MediaID) (*media.Stream, error) {
	m.record("subscribe " + string(mid))
	track := fakeTrack{kind: pion.RTPCodecTypeVideo, mime: pion.MimeTypeVP8}
	s := media.NewRemoteStream("sub-"+mid, func() []domain.RemoteTrack {
		return []domain.RemoteTrack{track}
	})
	m.mu.Lock()
	m.streams[mid] = s
	m.mu.Unlock()
	m.subscribed <- mid
	return s, nil
}

func (m *mockClient) Unsubscribe(_ context.Context, _ domain.RoomID, mid domain.MediaID) error {
	m.record("unsubscribe " + string(mid))
	return nil
}

func (m *mockClient) OnPeerJoin(fn func(domain.PeerJoin)) func() {
	m.peerJoin = fn
	return func() {}
}

func (m *mockClient) OnPeerLeave(func(domain.PeerLeave)) func()        { return func() {} }
func (m *mockClient) OnBroadcast(func(domain.BroadcastMessage)) func() { return func() {} }

func (m *mockClient) OnStreamAdd(fn func(domain.StreamAdd)) func() {
	m.streamAdd = fn
	return func() {}
}

func (m *mockClient) OnStreamRemove(fn func(domain.StreamRemove)) func() {
	m.streamRemove = fn
	return func() {}
}

func (m *mockClient) OnTransportState(fn func(domain.TransportState)) func() {
	m.state = fn
	return func() {}
}

func (m *mockClient) Close() error {
	m.record("close")
	return nil
}

type nopMedia struct{}

func (nopMedia) Tracks() []pion.TrackLocal { return nil }
func (nopMedia) Release()                  {}

type fakeTrack struct {
	kind pion.RTPCodecType
	mime string
}

func (f fakeTrack) ID() string              { return "t" }
func (f fakeTrack) StreamID() string        { return "s" }
func (f fakeTrack) Kind() pion.RTPCodecType { return f.kind }
func (f fakeTrack) Codec() pion.RTPCodecParameters {
	return pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: f.mime}}
}
func (f fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// mockRenderer records attached targets.
type mockRenderer struct {
	mu       sync.Mutex
	attached []io.Writer
	detached []io.Writer
}

func (r *mockRenderer) Attach(_ []domain.RemoteTrack, w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, w)
	return nil
}

func (r *mockRenderer) Detach(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = append(r.detached, w)
}

func (r *mockRenderer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached), len(r.detached)
}

// sink is an in-memory io.WriteCloser.
type sink struct {
	bytes.Buffer
	mid    domain.MediaID
	ext    string
	mu     sync.Mutex
	closed bool
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sinks struct {
	mu     sync.Mutex
	opened []*sink
}

func (s *sinks) open(mid domain.MediaID, ext string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &sink{mid: mid, ext: ext}
	s.opened = append(s.opened, out)
	return out, nil
}

func (s *sinks) list() []*sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sink(nil), s.opened...)
}

func newConference(mc *mockClient, publish bool) (*Conference, *mockRenderer, *sinks) {
	r := &mockRenderer{}
	s := &sinks{}
	cfg := Config{Room: "room-1", Name: "alice", Publish: publish, Options: domain.DefaultPublishOptions()}
	return New(mc, r, s.open, cfg, zerolog.Nop()), r, s
}

func (c *Conference) recording(mid domain.MediaID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.remotes[mid]
	return ok
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

func TestRun_JoinsPublishesAndCleansUp(t *testing.T) {
	mc := newMockClient()
	conf, _, _ := newConference(mc, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conf.Run(ctx) }()

	waitFor(t, "publish", func() bool { return len(mc.history()) >= 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "join room-1 alice,publish,unpublish pub-1,leave,close"
	if got := strings.Join(mc.history(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestRun_JoinFailure(t *testing.T) {
	mc := newMockClient()
	mc.joinErr = errors.New("room full")
	conf, _, _ := newConference(mc, true)

	err := conf.Run(context.Background())
	if err == nil || err.Error() != "room full" {
		t.Fatalf("Run err = %v", err)
	}
	want := "join room-1 alice,leave,close"
	if got := strings.Join(mc.history(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestRun_SignalingFailureStops(t *testing.T) {
	mc := newMockClient()
	conf, _, _ := newConference(mc, false)

	done := make(chan error, 1)
	go func() { done <- conf.Run(context.Background()) }()
	waitFor(t, "join", func() bool { return len(mc.history()) >= 1 })

	mc.state(domain.TransportFailed)
	if err := <-done; !errors.Is(err, ErrSignalingLost) {
		t.Errorf("Run err = %v, want ErrSignalingLost", err)
	}
}

func TestStreamAdd_SubscribesAndRecords(t *testing.T) {
	mc := newMockClient()
	conf, renderer, opened := newConference(mc, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conf.Run(ctx) }()
	waitFor(t, "publish", func() bool { return len(mc.history()) >= 2 })

	mc.streamAdd(domain.StreamAdd{RoomID: "room-1", MediaID: "pub-1"})
	mc.streamAdd(domain.StreamAdd{RoomID: "room-1", MediaID: "m1"})
	if mid := <-mc.subscribed; mid != "m1" {
		t.Fatalf("subscribed to %q, want m1", mid)
	}
	waitFor(t, "recording", func() bool { return conf.recording("m1") })

	s := opened.list()[0]
	if s.mid != "m1" || s.ext != ".ivf" {
		t.Errorf("sink = %s%s, want m1.ivf", s.mid, s.ext)
	}
	if a, _ := renderer.counts(); a != 1 {
		t.Errorf("attached %d targets, want 1", a)
	}

	mc.streamRemove(domain.StreamRemove{RoomID: "room-1", MediaID: "m1"})
	if !s.isClosed() {
		t.Error("sink not closed on stream-remove")
	}
	if _, d := renderer.counts(); d != 1 {
		t.Errorf("detached %d targets, want 1", d)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, call := range mc.history() {
		if strings.HasPrefix(call, "subscribe pub-1") {
			t.Error("subscribed to own stream")
		}
		if strings.HasPrefix(call, "unsubscribe") {
			t.Errorf("removed stream was unsubscribed on shutdown: %s", call)
		}
	}
}

func TestShutdown_UnsubscribesActiveStreams(t *testing.T) {
	mc := newMockClient()
	conf, _, opened := newConference(mc, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conf.Run(ctx) }()
	waitFor(t, "join", func() bool { return len(mc.history()) >= 1 })

	mc.streamAdd(domain.StreamAdd{RoomID: "room-1", MediaID: "m7"})
	<-mc.subscribed
	waitFor(t, "sink", func() bool { return len(opened.list()) == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	want := "join room-1 alice,subscribe m7,unsubscribe m7,leave,close"
	if got := strings.Join(mc.history(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if !opened.list()[0].isClosed() {
		t.Error("sink left open")
	}
}
