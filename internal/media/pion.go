package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bep/debounce"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/util"
)

// ErrRollbackUnsupported is returned by PeerSession.Rollback once a
// negotiation has completed. pion cannot apply rollback descriptions, and a
// negotiated connection cannot be rebuilt without restarting its transports.
var ErrRollbackUnsupported = errors.New("rollback of a negotiated session is not supported")

// PeerSession is a Session backed by a pion PeerConnection.
//
// pion has no rollback. While nothing has been negotiated yet, Rollback
// replaces the PeerConnection with a fresh one carrying the same local
// tracks and hooks, which is the state a rollback would have produced.
type PeerSession struct {
	opts     PeerOptions
	debounce func(func())

	closed atomic.Bool

	mu          sync.RWMutex
	pc          *webrtc.PeerConnection
	pcState     webrtc.PeerConnectionState
	tracks      []webrtc.TrackLocal
	onCandidate func(webrtc.ICECandidateInit)
	onNeeded    func()
	onTrack     func(RemoteTrack)
}

var _ Session = (*PeerSession)(nil)

// NewPeerSession creates a PeerSession with a fresh PeerConnection.
func NewPeerSession(opts PeerOptions) (*PeerSession, error) {
	delay := opts.NegotiationDelay
	if delay <= 0 {
		delay = DefaultNegotiationDelay
	}

	s := &PeerSession{
		opts:     opts,
		debounce: debounce.New(delay),
		pcState:  webrtc.PeerConnectionStateNew,
	}

	pc, err := s.open()
	if err != nil {
		return nil, err
	}
	s.pc = pc
	return s, nil
}

// PeerFactory returns a Factory producing PeerSessions.
func PeerFactory(opts PeerOptions) Factory {
	return func() (Session, error) {
		return NewPeerSession(opts)
	}
}

// open creates a PeerConnection wired to the session hooks. Events of a
// connection that is no longer current are dropped.
func (s *PeerSession) open() (*webrtc.PeerConnection, error) {
	pc, err := newPeerConnection(s.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pc != pc {
			return
		}
		util.LogDebug("PeerConnection state: %s", state.String())
		s.pcState = state
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.mu.RLock()
		fn, current := s.onCandidate, s.pc == pc
		s.mu.RUnlock()
		if fn == nil || !current {
			return
		}
		init := c.ToJSON()
		util.LogDebug("local candidate %s", DescribeCandidate(init.Candidate))
		fn(init)
	})

	pc.OnNegotiationNeeded(func() {
		s.debounce(s.negotiationNeeded)
	})

	pc.OnTrack(s.handleTrack)
	return pc, nil
}

// conn returns the current PeerConnection.
func (s *PeerSession) conn() *webrtc.PeerConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pc
}

// ConnectionState returns the last observed PeerConnection state.
func (s *PeerSession) ConnectionState() webrtc.PeerConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pcState
}

// LocalDescription returns the last negotiated local description, or nil.
func (s *PeerSession) LocalDescription() *webrtc.SessionDescription {
	return s.conn().CurrentLocalDescription()
}

// RemoteDescription returns the last negotiated remote description, or nil.
func (s *PeerSession) RemoteDescription() *webrtc.SessionDescription {
	return s.conn().CurrentRemoteDescription()
}

func (s *PeerSession) SignalingState() negotiation.Phase {
	if s.closed.Load() {
		return negotiation.Closed
	}
	return negotiation.PhaseOf(s.conn().SignalingState())
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

func (s *PeerSession) CreateDescription() (webrtc.SessionDescription, error) {
	switch s.SignalingState() {
	case negotiation.Closed:
		return webrtc.SessionDescription{}, ErrSessionClosed
	case negotiation.HaveRemoteOffer:
		return s.conn().CreateAnswer(nil)
	default:
		return s.conn().CreateOffer(nil)
	}
}

func (s *PeerSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	if _, err := negotiation.Transition(s.SignalingState(), negotiation.SetLocal, desc.Type); err != nil {
		return err
	}
	if err := s.conn().SetLocalDescription(desc); err != nil {
		return err
	}
	util.LogDebug("local %s", DescribeSDP(desc))
	return nil
}

func (s *PeerSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if _, err := negotiation.Transition(s.SignalingState(), negotiation.SetRemote, desc.Type); err != nil {
		return err
	}
	if err := s.conn().SetRemoteDescription(desc); err != nil {
		return err
	}
	util.LogDebug("remote %s", DescribeSDP(desc))
	return nil
}

// Rollback returns a have-local-offer session to stable by replacing its
// PeerConnection. Local tracks are added to the new connection, which
// announces them again through OnNegotiationNeeded once it is stable.
func (s *PeerSession) Rollback() error {
	if _, err := negotiation.Transition(s.SignalingState(), negotiation.SetLocal, webrtc.SDPTypeRollback); err != nil {
		return err
	}
	if s.conn().CurrentRemoteDescription() != nil {
		return ErrRollbackUnsupported
	}

	pc, err := s.open()
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.pc
	s.pc = pc
	s.pcState = webrtc.PeerConnectionStateNew
	tracks := append([]webrtc.TrackLocal(nil), s.tracks...)
	s.mu.Unlock()

	if s.closed.Load() {
		// Close may have run against the old connection.
		errs := errors.Join(pc.Close(), old.Close())
		if errs != nil && !errors.Is(errs, webrtc.ErrConnectionClosed) {
			return errs
		}
		return ErrSessionClosed
	}

	var errs error
	for _, track := range tracks {
		errs = errors.Join(errs, s.addTrack(pc, track))
	}
	if err := old.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		errs = errors.Join(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("rebuilding peer connection: %w", errs)
	}
	util.LogDebug("rolled back by replacing the peer connection (%d tracks)", len(tracks))
	return nil
}

// ---------------------------------------------------------------------------
// ICE
// ---------------------------------------------------------------------------

func (s *PeerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := s.conn().AddICECandidate(c); err != nil {
		return err
	}
	util.LogDebug("remote candidate %s", DescribeCandidate(c.Candidate))
	return nil
}

// OnICECandidate forwards gathered candidates; the end-of-gathering nil
// candidate is not forwarded.
func (s *PeerSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

// AddTrack adds a local track and drains its RTCP feedback.
func (s *PeerSession) AddTrack(track webrtc.TrackLocal) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.addTrack(s.conn(), track); err != nil {
		return err
	}
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
	return nil
}

func (s *PeerSession) addTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// OnNegotiationNeeded coalesces pion's negotiation-needed events so that
// adding all tracks of a stream triggers one renegotiation.
func (s *PeerSession) OnNegotiationNeeded(fn func()) {
	s.mu.Lock()
	s.onNeeded = fn
	s.mu.Unlock()
}

// negotiationNeeded runs after the debounce window. pion fires again when a
// pending negotiation returns to stable, so events outside stable are dropped.
func (s *PeerSession) negotiationNeeded() {
	if s.closed.Load() || s.SignalingState() != negotiation.Stable {
		return
	}
	s.mu.RLock()
	fn := s.onNeeded
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *PeerSession) OnTrack(fn func(RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

// handleTrack announces a remote track and feeds its packets to the echo and
// recording sinks. Without sinks the packets are left to pion.
func (s *PeerSession) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	util.LogDebug("remote track %s (%s) in stream %s", track.ID(), track.Kind(), track.StreamID())

	s.mu.RLock()
	fn := s.onTrack
	s.mu.RUnlock()
	if fn != nil {
		fn(track)
	}

	writers := s.sinks(track)
	if len(writers) == 0 {
		return
	}
	read := func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
	if err := forward(read, writers); err != nil && !s.closed.Load() {
		util.LogDebug("remote track %s ended: %v", track.ID(), err)
	}
}

// Close closes the PeerConnection. Later calls are no-ops.
func (s *PeerSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.conn().Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}
