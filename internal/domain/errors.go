package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyPublishing is returned when a publish overlaps a pending one.
	ErrAlreadyPublishing = errors.New("sfuclient: already publishing")

	// ErrSessionCancelled is returned when a pending session was torn down
	// before its negotiation settled.
	ErrSessionCancelled = errors.New("sfuclient: session cancelled")

	// ErrTransportClosed is returned for requests on a closed signaling transport.
	ErrTransportClosed = errors.New("sfuclient: transport closed")

	// ErrNotConnected is returned for requests before Connect.
	ErrNotConnected = errors.New("sfuclient: transport not connected")

	// ErrNotJoined is returned when an operation needs a joined room.
	ErrNotJoined = errors.New("sfuclient: not joined to a room")

	// ErrNoRemoteMedia is returned when rendering a stream without remote tracks.
	ErrNoRemoteMedia = errors.New("sfuclient: stream has no remote media")
)

// ConnectionError means the signaling transport could not be opened.
type ConnectionError struct {
	URL   string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// RequestError means an RPC failed, timed out, or its transport closed.
type RequestError struct {
	Method string
	Cause  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Method, e.Cause)
}

func (e *RequestError) Unwrap() error { return e.Cause }

// NegotiationError means the offer/answer exchange failed.
type NegotiationError struct {
	Role  Role
	Cause error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s negotiation: %v", e.Role, e.Cause)
}

func (e *NegotiationError) Unwrap() error { return e.Cause }

// DeviceError means local capture could not be acquired.
type DeviceError struct {
	Cause error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("acquire media: %v", e.Cause)
}

func (e *DeviceError) Unwrap() error { return e.Cause }

// DuplicateSessionError means a session for the media id already exists.
type DuplicateSessionError struct {
	MediaID MediaID
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q already registered", e.MediaID)
}

// JoinError wraps a failed join.
type JoinError struct {
	RoomID RoomID
	Cause  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join room %q: %v", e.RoomID, e.Cause)
}

func (e *JoinError) Unwrap() error { return e.Cause }

// PublishError wraps a failed publish.
type PublishError struct {
	Cause error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish: %v", e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// SubscribeError wraps a failed subscribe.
type SubscribeError struct {
	MediaID MediaID
	Cause   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.MediaID, e.Cause)
}

func (e *SubscribeError) Unwrap() error { return e.Cause }
