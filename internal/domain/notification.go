package domain

// Notifications pushed by the SFU.
const (
	NotifyPeerJoin     = "peer-join"
	NotifyPeerLeave    = "peer-leave"
	NotifyStreamAdd    = "stream-add"
	NotifyStreamRemove = "stream-remove"
	NotifyBroadcast    = "broadcast"
)

// Notification is the closed set of server pushes. The concrete types are
// PeerJoin, PeerLeave, StreamAdd, StreamRemove and BroadcastMessage.
type Notification interface {
	notification()
}

type PeerJoin struct {
	RoomID RoomID `json:"rid"`
	UID    PeerID `json:"uid"`
	Info   Info   `json:"info,omitempty"`
}

type PeerLeave struct {
	RoomID RoomID `json:"rid"`
	UID    PeerID `json:"uid"`
}

type StreamAdd struct {
	RoomID  RoomID  `json:"rid"`
	MediaID MediaID `json:"mid"`
	Info    Info    `json:"info,omitempty"`
}

type StreamRemove struct {
	RoomID  RoomID  `json:"rid"`
	MediaID MediaID `json:"mid"`
}

// BroadcastMessage is an application message relayed to every room member.
type BroadcastMessage struct {
	RoomID  RoomID  `json:"rid"`
	MediaID MediaID `json:"mid,omitempty"`
	UID     PeerID  `json:"uid,omitempty"`
	Info    Info    `json:"info,omitempty"`
}

func (PeerJoin) notification()         {}
func (PeerLeave) notification()        {}
func (StreamAdd) notification()        {}
func (StreamRemove) notification()     {}
func (BroadcastMessage) notification() {}

// TransportState is a signaling connection transition.
type TransportState int

const (
	TransportOpened TransportState = iota + 1
	TransportClosed
	TransportFailed
)

func (s TransportState) String() string {
	switch s {
	case TransportOpened:
		return "opened"
	case TransportClosed:
		return "closed"
	case TransportFailed:
		return "failed"
	default:
		return "unknown"
	}
}
