// Package protocol defines the signaling messages exchanged between the two
// negotiating peers and their JSON wire format.
package protocol

import "github.com/pion/webrtc/v4"

// Type identifies the kind of signaling message.
type Type string

// Message type constants.
const (
	TypeOffer     Type = "offer"     // Session description proposing a session
	TypeAnswer    Type = "answer"    // Session description accepting an offer
	TypeCandidate Type = "candidate" // Trickled ICE candidate
	TypeBye       Type = "bye"       // Remote peer is leaving
)

// Message is one signaling message. Which fields are meaningful depends on Type:
// SDP for offers and answers, the Candidate fields for candidates, none for bye.
type Message struct {
	Type          Type
	SDP           string
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// Params is the result of joining a room on the signaling relay.
type Params struct {
	RoomID      string `json:"room_id"`
	PeerID      string `json:"peer_id"`
	IsInitiator bool   `json:"is_initiator"`
}

// Offer wraps an SDP offer.
func Offer(sdp string) *Message { return &Message{Type: TypeOffer, SDP: sdp} }

// Answer wraps an SDP answer.
func Answer(sdp string) *Message { return &Message{Type: TypeAnswer, SDP: sdp} }

// Bye builds a termination message.
func Bye() *Message { return &Message{Type: TypeBye} }

// FromDescription converts a local session description into an offer or answer
// message. Descriptions of any other type yield nil.
func FromDescription(desc webrtc.SessionDescription) *Message {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return Offer(desc.SDP)
	case webrtc.SDPTypeAnswer:
		return Answer(desc.SDP)
	}
	return nil
}

// FromCandidate converts a gathered local candidate into a candidate message.
func FromCandidate(c webrtc.ICECandidateInit) *Message {
	return &Message{
		Type:          TypeCandidate,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// IsDescription reports whether the message carries a session description.
func (m *Message) IsDescription() bool {
	return m.Type == TypeOffer || m.Type == TypeAnswer
}

// Description returns the session description carried by an offer or answer.
func (m *Message) Description() webrtc.SessionDescription {
	typ := webrtc.SDPTypeAnswer
	if m.Type == TypeOffer {
		typ = webrtc.SDPTypeOffer
	}
	return webrtc.SessionDescription{Type: typ, SDP: m.SDP}
}

// CandidateInit returns the ICE candidate carried by a candidate message.
func (m *Message) CandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	}
}
