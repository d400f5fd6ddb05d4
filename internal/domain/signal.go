package domain

// RPC methods sent to the SFU.
const (
	MethodJoin        = "join"
	MethodLeave       = "leave"
	MethodPublish     = "publish"
	MethodUnpublish   = "unpublish"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodBroadcast   = "broadcast"
)

// SDPPayload is the JSON structure for SDP offer/answer messages (the "jsep"
// field on the wire).
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// JoinParams is the payload of a join request.
type JoinParams struct {
	RoomID RoomID `json:"rid"`
	UID    PeerID `json:"uid"`
	Info   Info   `json:"info,omitempty"`
}

// LeaveParams is the payload of a leave request.
type LeaveParams struct {
	RoomID RoomID `json:"rid"`
	UID    PeerID `json:"uid"`
}

// PublishParams is the payload of a publish request.
type PublishParams struct {
	RoomID  RoomID         `json:"rid"`
	Jsep    SDPPayload     `json:"jsep"`
	Options PublishOptions `json:"options"`
}

// SubscribeParams is the payload of a subscribe request. MediaID names the
// remote stream being subscribed to.
type SubscribeParams struct {
	RoomID  RoomID     `json:"rid"`
	Jsep    SDPPayload `json:"jsep"`
	MediaID MediaID    `json:"mid"`
}

// MediaParams is the payload of unpublish and unsubscribe requests.
type MediaParams struct {
	RoomID  RoomID  `json:"rid"`
	MediaID MediaID `json:"mid"`
}

// BroadcastParams is the payload of an outgoing broadcast.
type BroadcastParams struct {
	RoomID RoomID `json:"rid"`
	UID    PeerID `json:"uid"`
	Info   Info   `json:"info"`
}

// NegotiationResult is the server reply to publish and subscribe.
type NegotiationResult struct {
	MediaID MediaID    `json:"mid"`
	Jsep    SDPPayload `json:"jsep"`
}
