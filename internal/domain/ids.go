package domain

// PeerID identifies one signaling client. It is generated client-side and
// stays stable for the lifetime of the client.
type PeerID string

// RoomID identifies a room on the SFU. Supplied by the caller at join time.
type RoomID string

// MediaID identifies one published or subscribed media session. It is
// assigned by the server in the publish/subscribe response.
type MediaID string

// Info is a free-form application payload attached to joins, stream
// announcements and broadcasts.
type Info map[string]any

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
