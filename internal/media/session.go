// Package media defines the media session a negotiation engine drives and its
// pion/webrtc implementation.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/negotiation"
)

// ErrMediaDevice reports that a local media stream could not be captured.
var ErrMediaDevice = errors.New("media device unavailable")

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("media session closed")

// Session is the media-transport connection owned by one engine. Callbacks
// may run on any goroutine.
type Session interface {
	// SignalingState returns the current negotiation phase.
	SignalingState() negotiation.Phase

	// CreateDescription creates an answer while a remote offer is pending and
	// an offer otherwise.
	CreateDescription() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// Rollback discards a pending local offer.
	Rollback() error

	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error

	// OnICECandidate is called for every gathered local candidate.
	OnICECandidate(fn func(webrtc.ICECandidateInit))

	// OnNegotiationNeeded is called when the local description has become
	// stale. Bursts of changes yield a single call.
	OnNegotiationNeeded(fn func())

	// OnTrack is called when a remote track becomes available.
	OnTrack(fn func(RemoteTrack))

	Close() error
}

// RemoteTrack is the part of a received track the engine exposes.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Factory opens a new Session.
type Factory func() (Session, error)

// Stream is a set of local tracks published together.
type Stream struct {
	ID     string
	Tracks []webrtc.TrackLocal
}

// Capture produces the local stream of a session. Failures wrap
// ErrMediaDevice.
type Capture func(ctx context.Context) (*Stream, error)
