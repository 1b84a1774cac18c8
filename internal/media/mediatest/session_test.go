package mediatest

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/negotiation"
)

func TestExchangeAgrees(t *testing.T) {
	a, b := New("A"), New("B")
	var tracks []media.RemoteTrack
	b.OnTrack(func(tr media.RemoteTrack) { tracks = append(tracks, tr) })

	for _, tr := range NewStream("cam").Tracks {
		a.AddTrack(tr)
	}

	offer, err := a.CreateDescription()
	if err != nil {
		t.Fatalf("CreateDescription: %v", err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, _ := b.CreateDescription()
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("created %s in have-remote-offer", answer.Type)
	}
	b.SetLocalDescription(answer)
	a.SetRemoteDescription(answer)

	if a.Agreed() == "" || a.Agreed() != b.Agreed() {
		t.Fatalf("agreed a=%q b=%q", a.Agreed(), b.Agreed())
	}
	if !strings.HasPrefix(a.Agreed(), "A-offer-") {
		t.Fatalf("agreed %q is not A's offer", a.Agreed())
	}
	if len(tracks) != 2 || tracks[0].StreamID() != "cam" || tracks[0].Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("unexpected remote tracks %+v", tracks)
	}
}

func TestRemoteOfferNeedsRollback(t *testing.T) {
	a, b := New("A"), New("B")
	offerA, _ := a.CreateDescription()
	a.SetLocalDescription(offerA)
	offerB, _ := b.CreateDescription()

	if err := a.SetRemoteDescription(offerB); !errors.Is(err, negotiation.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := a.SetRemoteDescription(offerB); err != nil {
		t.Fatalf("SetRemoteDescription after rollback: %v", err)
	}
	want := []string{"set-local offer", "rollback", "set-remote offer"}
	if got := a.Ops(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("ops = %v, want %v", got, want)
	}
}

func TestCandidateNeedsMatchingDescription(t *testing.T) {
	a, b := New("A"), New("B")
	var sent webrtc.ICECandidateInit
	a.OnICECandidate(func(c webrtc.ICECandidateInit) { sent = c })

	offer, _ := a.CreateDescription()
	a.SetLocalDescription(offer)
	c := a.GatherCandidate()
	if sent.Candidate != c.Candidate {
		t.Fatal("candidate callback not fired")
	}

	if err := b.AddICECandidate(c); !errors.Is(err, ErrStaleCandidate) {
		t.Fatalf("expected ErrStaleCandidate, got %v", err)
	}
	b.SetRemoteDescription(offer)
	if err := b.AddICECandidate(c); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if len(b.Candidates()) != 1 {
		t.Fatalf("got %d candidates", len(b.Candidates()))
	}
}

func TestAddTrackCoalesces(t *testing.T) {
	s := New("A")
	var fired atomic.Int32
	s.OnNegotiationNeeded(func() { fired.Add(1) })

	for _, tr := range NewStream("cam").Tracks {
		s.AddTrack(tr)
	}

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * coalesceDelay)
	if n := fired.Load(); n != 1 {
		t.Fatalf("negotiation needed fired %d times, want 1", n)
	}
	if s.NegotiationsNeeded() != 1 {
		t.Fatalf("NegotiationsNeeded = %d", s.NegotiationsNeeded())
	}
}

func TestFailureInjection(t *testing.T) {
	s := New("A")
	s.FailCreate(1)
	if _, err := s.CreateDescription(); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected ErrInjected, got %v", err)
	}
	if _, err := s.CreateDescription(); err != nil {
		t.Fatalf("second CreateDescription: %v", err)
	}

	s.Close()
	if _, err := s.CreateDescription(); !errors.Is(err, media.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestFactory(t *testing.T) {
	a, b := New("A"), New("B")
	f := Factory(a, b)
	if s, _ := f(); s != a {
		t.Fatal("first session is not a")
	}
	if s, _ := f(); s != b {
		t.Fatal("second session is not b")
	}
	if _, err := f(); err == nil {
		t.Fatal("expected error when exhausted")
	}
}
