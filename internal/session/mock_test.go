package session

import (
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/sfukit/sfuclient/internal/domain"
)

const testOffer = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 102\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=ssrc-group:FID 10 11\r\n" +
	"a=ssrc:10 cname:x\r\n" +
	"a=ssrc:11 cname:x\r\n"

// mockPeer implements domain.Peer for testing.
type mockPeer struct {
	mu          sync.Mutex
	offer       string
	gathered    chan struct{}
	createErr   error
	remoteErr   error
	local       []pion.TrackLocal
	recvAdded   bool
	onTrack     func(domain.RemoteTrack)
	remote      domain.SDPPayload
	createCalls int
	closeCalls  int
}

func newMockPeer() *mockPeer {
	g := make(chan struct{})
	close(g)
	return &mockPeer{offer: testOffer, gathered: g}
}

func (m *mockPeer) AddLocalTracks(tracks []pion.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = append(m.local, tracks...)
	return nil
}

func (m *mockPeer) AddReceiveTransceivers() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvAdded = true
	return nil
}

func (m *mockPeer) OnTrack(fn func(domain.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

func (m *mockPeer) CreateOffer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.offer, nil
}

func (m *mockPeer) GatheringComplete() <-chan struct{} { return m.gathered }

func (m *mockPeer) LocalDescription() string { return m.offer }

func (m *mockPeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteErr != nil {
		return m.remoteErr
	}
	m.remote = sdp
	return nil
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *mockPeer) emitTrack(t domain.RemoteTrack) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(t)
}

func (m *mockPeer) closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// fakeTrack implements domain.RemoteTrack.
type fakeTrack struct {
	id   string
	kind pion.RTPCodecType
}

func (f fakeTrack) ID() string                     { return f.id }
func (f fakeTrack) StreamID() string               { return "stream" }
func (f fakeTrack) Kind() pion.RTPCodecType        { return f.kind }
func (f fakeTrack) Codec() pion.RTPCodecParameters { return pion.RTPCodecParameters{} }
func (f fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("no media")
}
