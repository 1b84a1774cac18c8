// Package negotiation holds the pure decision logic of perfect negotiation:
// the signaling phases a media session moves through and how an incoming
// description is arbitrated against a local one.
//
// Nothing here performs I/O; the engine feeds in its flags and the session's
// phase and executes the returned decision.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Role breaks symmetric offer collisions. Exactly one side of a pair is Polite.
type Role int

const (
	Impolite Role = iota // wins collisions by ignoring the remote offer
	Polite               // yields by rolling back its own offer
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// ParseRole accepts "polite" or "impolite".
func ParseRole(s string) (Role, error) {
	switch s {
	case "polite":
		return Polite, nil
	case "impolite":
		return Impolite, nil
	}
	return Impolite, fmt.Errorf("invalid role %q: must be polite or impolite", s)
}

// Phase is the signaling phase of a media session.
type Phase int

const (
	Stable Phase = iota
	HaveLocalOffer
	HaveRemoteOffer
	Closed
)

func (p Phase) String() string {
	switch p {
	case Stable:
		return "stable"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PhaseOf maps a pion signaling state onto a Phase. Provisional answers are
// not used by this system and map to the offer phase they extend.
func PhaseOf(s webrtc.SignalingState) Phase {
	switch s {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		return HaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		return HaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return Closed
	}
	return Stable
}

// Op is the side a description is applied to.
type Op int

const (
	SetLocal Op = iota
	SetRemote
)

func (o Op) String() string {
	if o == SetRemote {
		return "set-remote"
	}
	return "set-local"
}

// ErrInvalidTransition is returned by Transition for descriptions that cannot
// be applied in the current phase.
var ErrInvalidTransition = errors.New("invalid signaling transition")

// Transition returns the phase reached by applying a description of type typ
// on side op while in phase p. Rollback is always explicit: applying a remote
// offer while a local offer is pending is an error, not an implicit rollback.
func Transition(p Phase, op Op, typ webrtc.SDPType) (Phase, error) {
	switch p {
	case Stable:
		switch {
		case op == SetLocal && typ == webrtc.SDPTypeOffer:
			return HaveLocalOffer, nil
		case op == SetRemote && typ == webrtc.SDPTypeOffer:
			return HaveRemoteOffer, nil
		}
	case HaveLocalOffer:
		switch {
		case op == SetLocal && typ == webrtc.SDPTypeOffer:
			return HaveLocalOffer, nil
		case op == SetRemote && typ == webrtc.SDPTypeAnswer:
			return Stable, nil
		case op == SetLocal && typ == webrtc.SDPTypeRollback:
			return Stable, nil
		}
	case HaveRemoteOffer:
		switch {
		case op == SetRemote && typ == webrtc.SDPTypeOffer:
			return HaveRemoteOffer, nil
		case op == SetLocal && typ == webrtc.SDPTypeAnswer:
			return Stable, nil
		case op == SetRemote && typ == webrtc.SDPTypeRollback:
			return Stable, nil
		}
	}
	return p, fmt.Errorf("%w: %s %s in %s", ErrInvalidTransition, op, typ, p)
}

// Decision is the outcome of arbitrating one incoming description.
type Decision struct {
	Collision bool // an offer arrived while we were offering or not stable
	Ignore    bool // drop the description entirely (impolite side of a collision)
	Rollback  bool // discard our pending local offer before applying it
	Answer    bool // create and send an answer after applying it
}

// Resolve arbitrates an incoming description of type typ for a peer with the
// given role, whose offer-in-flight flag is makingOffer and whose session is in
// phase p.
func Resolve(role Role, typ webrtc.SDPType, makingOffer bool, p Phase) Decision {
	isOffer := typ == webrtc.SDPTypeOffer
	d := Decision{Collision: isOffer && (makingOffer || p != Stable)}
	d.Ignore = role == Impolite && d.Collision
	if d.Ignore {
		return d
	}
	d.Rollback = isOffer && p == HaveLocalOffer
	d.Answer = isOffer
	return d
}
