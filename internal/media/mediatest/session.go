// Package mediatest provides an in-memory media.Session whose signaling
// phases follow negotiation.Transition. Descriptions are plain strings naming
// their creator and the tracks they carry, so tests can check which offer won
// and which remote tracks were announced.
package mediatest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/negotiation"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("injected failure")

// ErrStaleCandidate is returned by AddICECandidate for candidates that belong
// to no applied remote description.
var ErrStaleCandidate = errors.New("candidate matches no remote description")

// coalesceDelay groups AddTrack calls into one negotiation-needed event.
const coalesceDelay = 10 * time.Millisecond

// Session is a fake media.Session. The zero value is not usable; use New.
type Session struct {
	name string

	mu            sync.Mutex
	phase         negotiation.Phase
	seq           int
	pendingLocal  *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription
	agreed        string
	localID       string
	remoteIDs     map[string]bool
	announced     map[string]bool
	tracks        []webrtc.TrackLocal
	candidates    []webrtc.ICECandidateInit
	ops           []string
	offers        int
	answers       int
	needed        int
	scheduled     bool

	failCreate    int
	failRemote    int
	failCandidate int

	onCandidate func(webrtc.ICECandidateInit)
	onNeeded    func()
	onTrack     func(media.RemoteTrack)
}

var _ media.Session = (*Session)(nil)

// New returns a stable Session whose descriptions are tagged with name.
func New(name string) *Session {
	return &Session{
		name:      name,
		remoteIDs: make(map[string]bool),
		announced: make(map[string]bool),
	}
}

// Factory returns a media.Factory handing out the given sessions in order.
func Factory(sessions ...*Session) media.Factory {
	var mu sync.Mutex
	return func() (media.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(sessions) == 0 {
			return nil, errors.New("mediatest: no session left")
		}
		s := sessions[0]
		sessions = sessions[1:]
		return s, nil
	}
}

// ---------------------------------------------------------------------------
// Failure injection and inspection
// ---------------------------------------------------------------------------

// FailCreate makes the next n CreateDescription calls fail.
func (s *Session) FailCreate(n int) { s.mu.Lock(); s.failCreate = n; s.mu.Unlock() }

// FailRemote makes the next n SetRemoteDescription calls fail.
func (s *Session) FailRemote(n int) { s.mu.Lock(); s.failRemote = n; s.mu.Unlock() }

// FailCandidate makes the next n AddICECandidate calls fail.
func (s *Session) FailCandidate(n int) { s.mu.Lock(); s.failCandidate = n; s.mu.Unlock() }

// Agreed returns the offer of the last completed exchange, as seen by either
// side.
func (s *Session) Agreed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreed
}

// Candidates returns the remote candidates added so far.
func (s *Session) Candidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.candidates...)
}

// Ops returns the applied operations in order, e.g. "set-remote offer",
// "set-local answer", "rollback", "add-candidate".
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Offers and Answers count created descriptions.
func (s *Session) Offers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers
}

func (s *Session) Answers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers
}

// NegotiationsNeeded counts negotiation-needed events fired by AddTrack.
func (s *Session) NegotiationsNeeded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needed
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.SignalingState() == negotiation.Closed
}

// Renegotiate fires the negotiation-needed callback on the calling goroutine.
func (s *Session) Renegotiate() {
	s.mu.Lock()
	fn := s.onNeeded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// GatherCandidate fires the candidate callback with a candidate tagged with
// the last local description and returns it.
func (s *Session) GatherCandidate() webrtc.ICECandidateInit {
	s.mu.Lock()
	tag := s.localID
	if tag == "" {
		tag = s.name + "-none"
	}
	s.seq++
	mid := "0"
	idx := uint16(0)
	c := webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host tag %s", s.seq, s.seq%250+1, tag),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// media.Session
// ---------------------------------------------------------------------------

func (s *Session) SignalingState() negotiation.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) CreateDescription() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == negotiation.Closed {
		return webrtc.SessionDescription{}, media.ErrSessionClosed
	}
	if s.failCreate > 0 {
		s.failCreate--
		return webrtc.SessionDescription{}, fmt.Errorf("create description: %w", ErrInjected)
	}

	s.seq++
	if s.phase == negotiation.HaveRemoteOffer {
		s.answers++
		return webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  fmt.Sprintf("%s-answer-%d tracks=%s", s.name, s.seq, s.trackList()),
		}, nil
	}
	s.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("%s-offer-%d tracks=%s", s.name, s.seq, s.trackList()),
	}, nil
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := negotiation.Transition(s.phase, negotiation.SetLocal, desc.Type)
	if err != nil {
		return err
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		s.pendingLocal = &desc
	case webrtc.SDPTypeAnswer:
		s.agreed = s.pendingRemote.SDP
		s.pendingRemote = nil
	}
	s.localID = descriptionID(desc.SDP)
	s.ops = append(s.ops, "set-local "+desc.Type.String())
	s.phase = next
	return nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()

	if s.failRemote > 0 {
		s.failRemote--
		s.mu.Unlock()
		return fmt.Errorf("set remote description: %w", ErrInjected)
	}
	next, err := negotiation.Transition(s.phase, negotiation.SetRemote, desc.Type)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		s.pendingRemote = &desc
	case webrtc.SDPTypeAnswer:
		s.agreed = s.pendingLocal.SDP
		s.pendingLocal = nil
	}
	s.phase = next
	s.ops = append(s.ops, "set-remote "+desc.Type.String())
	s.remoteIDs[descriptionID(desc.SDP)] = true

	var added []media.RemoteTrack
	for _, t := range parseTracks(desc.SDP) {
		if !s.announced[t.id] {
			s.announced[t.id] = true
			added = append(added, t)
		}
	}
	fn := s.onTrack
	s.mu.Unlock()

	if fn != nil {
		for _, t := range added {
			fn(t)
		}
	}
	return nil
}

func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := negotiation.Transition(s.phase, negotiation.SetLocal, webrtc.SDPTypeRollback)
	if err != nil {
		return err
	}
	s.pendingLocal = nil
	s.ops = append(s.ops, "rollback")
	s.phase = next
	return nil
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == negotiation.Closed {
		return media.ErrSessionClosed
	}
	if s.failCandidate > 0 {
		s.failCandidate--
		return fmt.Errorf("add candidate: %w", ErrInjected)
	}
	_, tag, ok := strings.Cut(c.Candidate, " tag ")
	if !ok || !s.remoteIDs[tag] {
		return fmt.Errorf("%w: %q", ErrStaleCandidate, c.Candidate)
	}
	s.candidates = append(s.candidates, c)
	s.ops = append(s.ops, "add-candidate")
	return nil
}

// AddTrack records the track and schedules one negotiation-needed event for
// all tracks added within a short window.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == negotiation.Closed {
		return media.ErrSessionClosed
	}
	s.tracks = append(s.tracks, track)
	if !s.scheduled {
		s.scheduled = true
		time.AfterFunc(coalesceDelay, s.fireNeeded)
	}
	return nil
}

func (s *Session) fireNeeded() {
	s.mu.Lock()
	s.scheduled = false
	if s.phase == negotiation.Closed {
		s.mu.Unlock()
		return
	}
	s.needed++
	fn := s.onNeeded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *Session) OnNegotiationNeeded(fn func()) {
	s.mu.Lock()
	s.onNeeded = fn
	s.mu.Unlock()
}

func (s *Session) OnTrack(fn func(media.RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.phase = negotiation.Closed
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Description text
// ---------------------------------------------------------------------------

// trackList renders local tracks as id:stream:kind entries.
func (s *Session) trackList() string {
	parts := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		parts = append(parts, fmt.Sprintf("%s:%s:%s", t.ID(), t.StreamID(), t.Kind()))
	}
	return strings.Join(parts, ",")
}

// descriptionID returns the leading token of a fake description.
func descriptionID(sdp string) string {
	id, _, _ := strings.Cut(sdp, " ")
	return id
}

type remoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t remoteTrack) ID() string                { return t.id }
func (t remoteTrack) StreamID() string          { return t.stream }
func (t remoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func parseTracks(sdp string) []remoteTrack {
	_, list, ok := strings.Cut(sdp, "tracks=")
	if !ok || list == "" {
		return nil
	}
	var out []remoteTrack
	for _, entry := range strings.Split(list, ",") {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, remoteTrack{id: parts[0], stream: parts[1], kind: webrtc.NewRTPCodecType(parts[2])})
	}
	return out
}

// Track is a minimal webrtc.TrackLocal for tests that only need track
// identity.
type Track struct {
	TrackID, Stream string
	Codec           webrtc.RTPCodecType
}

var _ webrtc.TrackLocal = (*Track)(nil)

func (t *Track) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *Track) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *Track) ID() string                            { return t.TrackID }
func (t *Track) RID() string                           { return "" }
func (t *Track) StreamID() string                      { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType             { return t.Codec }

// NewStream returns a stream of one video and one audio Track.
func NewStream(id string) *media.Stream {
	return &media.Stream{
		ID: id,
		Tracks: []webrtc.TrackLocal{
			&Track{TrackID: id + "-video", Stream: id, Codec: webrtc.RTPCodecTypeVideo},
			&Track{TrackID: id + "-audio", Stream: id, Codec: webrtc.RTPCodecTypeAudio},
		},
	}
}
