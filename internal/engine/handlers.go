package engine

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/util"
)

// ---------------------------------------------------------------------------
// Media hooks
// ---------------------------------------------------------------------------

// handleLocalCandidate forwards a gathered candidate. A failed send drops the
// candidate.
func (e *Engine) handleLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	_, channel, ctx, ok := e.current(gen)
	if !ok {
		return
	}
	if err := channel.Send(ctx, protocol.FromCandidate(c)); err != nil {
		util.Stats.AddSignalError()
		e.reportError(fmt.Errorf("dropping local candidate: %w", err))
		return
	}
	util.Stats.AddCandidateSent()
}

// handleNegotiationNeeded creates, applies and sends a fresh offer.
func (e *Engine) handleNegotiationNeeded(gen uint64) {
	session, channel, ctx, ok := e.current(gen)
	if !ok {
		return
	}

	e.setMakingOffer(gen, true)
	defer e.setMakingOffer(gen, false)

	desc, err := session.CreateDescription()
	if err != nil {
		e.reportError(fmt.Errorf("%w: create offer: %w", ErrDescriptionApply, err))
		return
	}
	if err := session.SetLocalDescription(desc); err != nil {
		e.reportError(fmt.Errorf("%w: local %s: %w", ErrDescriptionApply, desc.Type, err))
		return
	}
	if err := channel.Send(ctx, protocol.FromDescription(desc)); err != nil {
		util.Stats.AddSignalError()
		e.reportError(err)
		return
	}
	if desc.Type == webrtc.SDPTypeOffer {
		util.Stats.AddOffer()
	} else {
		util.Stats.AddAnswer()
	}
	util.LogDebug("sent %s %s", desc.Type, util.DescriptionID(desc.SDP))
}

func (e *Engine) setMakingOffer(gen uint64, v bool) {
	e.mu.Lock()
	if e.gen == gen {
		e.makingOffer = v
	}
	e.mu.Unlock()
}

func (e *Engine) handleRemoteTrack(track media.RemoteTrack) {
	util.LogSuccess("remote %s track %s available", track.Kind(), track.ID())
	e.mu.Lock()
	fn := e.onRemoteTrack
	e.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// ---------------------------------------------------------------------------
// Inbound messages (receive loop only)
// ---------------------------------------------------------------------------

// handleMessage processes one inbound message to completion.
func (e *Engine) handleMessage(gen uint64, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeOffer, protocol.TypeAnswer:
		e.handleDescription(gen, msg.Description())
	case protocol.TypeCandidate:
		e.handleRemoteCandidate(gen, msg.CandidateInit())
	case protocol.TypeBye:
		e.teardown(gen, ErrRemoteBye, true)
	}
}

// handleDescription arbitrates an incoming offer or answer against our own
// negotiation state.
func (e *Engine) handleDescription(gen uint64, desc webrtc.SessionDescription) {
	session, channel, ctx, ok := e.current(gen)
	if !ok {
		return
	}

	e.mu.Lock()
	d := negotiation.Resolve(e.opts.Role, desc.Type, e.makingOffer, session.SignalingState())
	e.ignoreOffer = d.Ignore
	if d.Ignore {
		e.pending = nil
	}
	e.mu.Unlock()

	if d.Collision {
		util.Stats.AddCollision()
	}
	if d.Ignore {
		util.LogDebug("ignoring colliding offer %s", util.DescriptionID(desc.SDP))
		return
	}

	if d.Rollback {
		if err := session.Rollback(); err != nil {
			e.reportError(fmt.Errorf("%w: rollback: %w", ErrDescriptionApply, err))
			return
		}
		util.LogDebug("rolled back local offer")
	}

	if err := session.SetRemoteDescription(desc); err != nil {
		e.descriptionFailed(fmt.Errorf("%w: remote %s: %w", ErrDescriptionApply, desc.Type, err))
		return
	}
	util.LogDebug("applied remote %s %s", desc.Type, util.DescriptionID(desc.SDP))

	e.mu.Lock()
	e.ignoreOffer = false
	e.remoteApplied = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		e.applyCandidate(session, c)
	}

	if !d.Answer {
		return
	}

	answer, err := session.CreateDescription()
	if err != nil {
		e.reportError(fmt.Errorf("%w: create answer: %w", ErrDescriptionApply, err))
		return
	}
	if err := session.SetLocalDescription(answer); err != nil {
		e.reportError(fmt.Errorf("%w: local %s: %w", ErrDescriptionApply, answer.Type, err))
		return
	}
	if err := channel.Send(ctx, protocol.FromDescription(answer)); err != nil {
		util.Stats.AddSignalError()
		e.reportError(err)
		return
	}
	util.Stats.AddAnswer()
	util.LogDebug("sent %s %s", answer.Type, util.DescriptionID(answer.SDP))
}

// descriptionFailed reports err unless an offer is being ignored.
func (e *Engine) descriptionFailed(err error) {
	e.mu.Lock()
	ignoring := e.ignoreOffer
	e.mu.Unlock()
	if ignoring {
		util.LogDebug("suppressed: %v", err)
		return
	}
	e.reportError(err)
}

// handleRemoteCandidate applies a remote candidate, or holds it until the
// first remote description is applied.
func (e *Engine) handleRemoteCandidate(gen uint64, c webrtc.ICECandidateInit) {
	session, _, _, ok := e.current(gen)
	if !ok {
		return
	}
	util.Stats.AddCandidateRecv()

	e.mu.Lock()
	if !e.remoteApplied && !e.ignoreOffer {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		util.LogDebug("holding remote candidate until a remote description is applied")
		return
	}
	e.mu.Unlock()

	e.applyCandidate(session, c)
}

// applyCandidate adds c to session. Failures while an offer is being ignored
// belong to that offer and are swallowed.
func (e *Engine) applyCandidate(session media.Session, c webrtc.ICECandidateInit) {
	err := session.AddICECandidate(c)
	if err == nil {
		return
	}

	e.mu.Lock()
	ignoring := e.ignoreOffer
	e.mu.Unlock()
	if ignoring {
		util.LogDebug("suppressed candidate of ignored offer: %v", err)
		return
	}
	e.reportError(fmt.Errorf("%w: %w", ErrCandidateApply, err))
}
