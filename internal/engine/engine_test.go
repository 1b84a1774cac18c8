package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/media/mediatest"
	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/signaling"
)

const testInterval = 40 * time.Millisecond

func testOptions(role negotiation.Role) Options {
	return Options{Role: role, PollInterval: testInterval, CallTimeout: time.Second}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// recorder collects everything an Engine reports to its observers.
type recorder struct {
	mu     sync.Mutex
	errs   []error
	tracks []media.RemoteTrack
	closed chan error
}

func watch(e *Engine) *recorder {
	r := &recorder{closed: make(chan error, 8)}
	e.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	e.OnRemoteTrack(func(t media.RemoteTrack) {
		r.mu.Lock()
		r.tracks = append(r.tracks, t)
		r.mu.Unlock()
	})
	e.OnClosed(func(reason error) { r.closed <- reason })
	return r
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) trackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

func (r *recorder) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case reason := <-r.closed:
		return reason
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not close")
		return nil
	}
}

func (r *recorder) assertNoErrors(t *testing.T, who string) {
	t.Helper()
	if errs := r.errors(); len(errs) != 0 {
		t.Fatalf("%s reported errors: %v", who, errs)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustConnect(t *testing.T, e *Engine, room string) protocol.Params {
	t.Helper()
	params, err := e.Connect(context.Background(), room)
	if err != nil {
		t.Fatalf("Connect(%s): %v", room, err)
	}
	t.Cleanup(func() { e.Disconnect() })
	return params
}

func encode(t *testing.T, msg *protocol.Message) []byte {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

// scriptTransport is a signaling.Transport whose replies are scripted.
type scriptTransport struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	recvErr    error
	replies    [][]byte // successive Receive results; nil means no message
	receives   int
	closes     int
	onReceive  func(n int)
}

func (s *scriptTransport) dialer() signaling.Dialer {
	return func() signaling.Transport { return s }
}

func (s *scriptTransport) Connect(ctx context.Context, room string) (protocol.Params, error) {
	if s.connectErr != nil {
		return protocol.Params{}, s.connectErr
	}
	return protocol.Params{RoomID: room, PeerID: "scripted", IsInitiator: true}, nil
}

func (s *scriptTransport) Send(ctx context.Context, room string, data []byte) error {
	return s.sendErr
}

func (s *scriptTransport) Receive(ctx context.Context, room string) ([]byte, error) {
	s.mu.Lock()
	s.receives++
	n := s.receives
	hook := s.onReceive
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	if len(s.replies) == 0 {
		return nil, nil
	}
	data := s.replies[0]
	s.replies = s.replies[1:]
	return data, nil
}

func (s *scriptTransport) Close(ctx context.Context, room string) error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *scriptTransport) counts() (receives, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receives, s.closes
}

// pair connects two engines with the given roles to one room of a fresh hub.
func pair(t *testing.T, roleA, roleB negotiation.Role) (a, b *Engine, sa, sb *mediatest.Session, ra, rb *recorder) {
	t.Helper()
	hub := relay.NewHub()
	sa, sb = mediatest.New("A"), mediatest.New("B")
	a = New(testOptions(roleA), mediatest.Factory(sa), signaling.LocalDialer(hub))
	b = New(testOptions(roleB), mediatest.Factory(sb), signaling.LocalDialer(hub))
	ra, rb = watch(a), watch(b)
	mustConnect(t, a, "pair")
	mustConnect(t, b, "pair")
	return
}

func converged(a, b *Engine, sa, sb *mediatest.Session) func() bool {
	return func() bool {
		return a.State() == Stable && b.State() == Stable &&
			sa.Agreed() != "" && sa.Agreed() == sb.Agreed()
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// Both peers renegotiate at once; the impolite peer's offer must win on both
// sides, whichever peer holds which role.
func TestSimultaneousOffers(t *testing.T) {
	tests := []struct {
		name         string
		roleA, roleB negotiation.Role
		winner       string
	}{
		{"A impolite", negotiation.Impolite, negotiation.Polite, "A"},
		{"A polite", negotiation.Polite, negotiation.Impolite, "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b, sa, sb, ra, rb := pair(t, tt.roleA, tt.roleB)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); sa.Renegotiate() }()
			go func() { defer wg.Done(); sb.Renegotiate() }()
			wg.Wait()

			// Candidates for both offers, queued before either peer polls.
			sa.GatherCandidate()
			sb.GatherCandidate()

			waitFor(t, "convergence", converged(a, b, sa, sb))

			if !strings.HasPrefix(sa.Agreed(), tt.winner+"-offer-") {
				t.Fatalf("agreed description %q, want %s's offer", sa.Agreed(), tt.winner)
			}

			winner, loser := sa, sb
			if tt.winner == "B" {
				winner, loser = sb, sa
			}
			if winner.Answers() != 0 || loser.Answers() != 1 {
				t.Fatalf("answers winner=%d loser=%d, want 0 and 1", winner.Answers(), loser.Answers())
			}
			if sa.Offers() != 1 || sb.Offers() != 1 {
				t.Fatalf("offers a=%d b=%d, want 1 each", sa.Offers(), sb.Offers())
			}

			ra.assertNoErrors(t, "A")
			rb.assertNoErrors(t, "B")
		})
	}
}

func TestCandidateOfIgnoredOfferSuppressed(t *testing.T) {
	hub := relay.NewHub()
	x, err := hub.Join("ignored")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	sa := mediatest.New("A")
	a := New(testOptions(negotiation.Impolite), mediatest.Factory(sa), signaling.LocalDialer(hub))
	ra := watch(a)
	mustConnect(t, a, "ignored")

	sa.Renegotiate()
	if sa.SignalingState() != negotiation.HaveLocalOffer {
		t.Fatalf("phase = %s after renegotiation", sa.SignalingState())
	}

	hub.Send("ignored", x.PeerID, encode(t, protocol.Offer("X-offer-1 tracks=")))
	mid := "0"
	hub.Send("ignored", x.PeerID, encode(t, &protocol.Message{
		Type:      protocol.TypeCandidate,
		Candidate: "candidate:1 1 udp 1 10.0.0.9 5000 typ host tag X-offer-1",
		SDPMid:    &mid,
	}))

	waitFor(t, "offer to be ignored", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.ignoreOffer
	})
	// Give the candidate time to be processed.
	time.Sleep(3 * testInterval)

	ra.assertNoErrors(t, "A")
	if n := len(sa.Candidates()); n != 0 {
		t.Fatalf("%d candidates of the ignored offer were applied", n)
	}

	// The peer answers our offer instead; the latch clears.
	hub.Send("ignored", x.PeerID, encode(t, protocol.Answer("X-answer-2 tracks=")))
	waitFor(t, "answer", func() bool { return a.State() == Stable })

	a.mu.Lock()
	latched := a.ignoreOffer
	a.mu.Unlock()
	if latched {
		t.Fatal("ignoreOffer still set after a remote description was applied")
	}
	ra.assertNoErrors(t, "A")
}

// An offer and its candidate queued back to back: the candidate must only be
// applied after the offer was applied and answered.
func TestInboundOrdering(t *testing.T) {
	hub := relay.NewHub()
	x, err := hub.Join("ordered")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	sb := mediatest.New("B")
	b := New(testOptions(negotiation.Polite), mediatest.Factory(sb), signaling.LocalDialer(hub))
	rb := watch(b)
	mustConnect(t, b, "ordered")

	hub.Send("ordered", x.PeerID, encode(t, protocol.Offer("X-offer-1 tracks=x-video:xs:video")))
	hub.Send("ordered", x.PeerID, encode(t, &protocol.Message{
		Type:      protocol.TypeCandidate,
		Candidate: "candidate:1 1 udp 1 10.0.0.9 5000 typ host tag X-offer-1",
	}))

	waitFor(t, "candidate", func() bool { return len(sb.Candidates()) == 1 })

	want := []string{"set-remote offer", "set-local answer", "add-candidate"}
	if got := sb.Ops(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("ops = %v, want %v", got, want)
	}

	data, err := hub.Receive("ordered", x.PeerID)
	if err != nil || data == nil {
		t.Fatalf("peer got no answer: (%v, %v)", data, err)
	}
	if typ := protocol.PeekType(data); typ != protocol.TypeAnswer {
		t.Fatalf("peer got %s, want answer", typ)
	}
	if rb.trackCount() != 1 {
		t.Fatalf("got %d remote tracks, want 1", rb.trackCount())
	}
	rb.assertNoErrors(t, "B")
}

func TestCandidateBeforeDescriptionIsHeld(t *testing.T) {
	hub := relay.NewHub()
	x, _ := hub.Join("held")

	sb := mediatest.New("B")
	b := New(testOptions(negotiation.Polite), mediatest.Factory(sb), signaling.LocalDialer(hub))
	rb := watch(b)
	mustConnect(t, b, "held")

	hub.Send("held", x.PeerID, encode(t, &protocol.Message{
		Type:      protocol.TypeCandidate,
		Candidate: "candidate:1 1 udp 1 10.0.0.9 5000 typ host tag X-offer-1",
	}))
	waitFor(t, "candidate to be held", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 1
	})
	if len(sb.Candidates()) != 0 {
		t.Fatal("candidate applied without a remote description")
	}

	hub.Send("held", x.PeerID, encode(t, protocol.Offer("X-offer-1 tracks=")))
	waitFor(t, "held candidate to be flushed", func() bool { return len(sb.Candidates()) == 1 })

	want := []string{"set-remote offer", "add-candidate", "set-local answer"}
	if got := sb.Ops(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	rb.assertNoErrors(t, "B")
}

func TestMakingOfferResetOnFailure(t *testing.T) {
	hub := relay.NewHub()
	sa := mediatest.New("A")
	a := New(testOptions(negotiation.Impolite), mediatest.Factory(sa), signaling.LocalDialer(hub))
	ra := watch(a)
	mustConnect(t, a, "fail")

	sa.FailCreate(1)
	sa.Renegotiate()

	a.mu.Lock()
	making := a.makingOffer
	a.mu.Unlock()
	if making {
		t.Fatal("makingOffer stuck after a failed offer")
	}
	errs := ra.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrDescriptionApply) || !errors.Is(errs[0], mediatest.ErrInjected) {
		t.Fatalf("unexpected errors %v", errs)
	}

	sa.Renegotiate()
	if sa.SignalingState() != negotiation.HaveLocalOffer || sa.Offers() != 1 {
		t.Fatalf("retry did not produce an offer: phase=%s offers=%d", sa.SignalingState(), sa.Offers())
	}
	if a.State() != Negotiating {
		t.Fatalf("state = %s, want negotiating", a.State())
	}
}

func TestRemoteDescriptionFailureRecovers(t *testing.T) {
	a, b, sa, sb, ra, rb := pair(t, negotiation.Impolite, negotiation.Polite)

	sb.FailRemote(1)
	sa.Renegotiate()
	waitFor(t, "failure report", func() bool { return len(rb.errors()) == 1 })
	if err := rb.errors()[0]; !errors.Is(err, ErrDescriptionApply) {
		t.Fatalf("unexpected error %v", err)
	}

	sa.Renegotiate()
	waitFor(t, "convergence", converged(a, b, sa, sb))
	ra.assertNoErrors(t, "A")
}

func TestAddLocalStream(t *testing.T) {
	hub := relay.NewHub()
	sa := mediatest.New("A")
	a := New(testOptions(negotiation.Impolite), mediatest.Factory(sa), signaling.LocalDialer(hub))
	if err := a.AddLocalStream(mediatest.NewStream("cam")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	sb := mediatest.New("B")
	b := New(testOptions(negotiation.Polite), mediatest.Factory(sb), signaling.LocalDialer(hub))
	ra, rb := watch(a), watch(b)
	mustConnect(t, a, "stream")
	mustConnect(t, b, "stream")

	if err := a.AddLocalStream(mediatest.NewStream("cam")); err != nil {
		t.Fatalf("AddLocalStream: %v", err)
	}

	waitFor(t, "convergence", converged(a, b, sa, sb))
	waitFor(t, "remote tracks", func() bool { return rb.trackCount() == 2 })

	if n := sa.NegotiationsNeeded(); n != 1 {
		t.Fatalf("stream triggered %d negotiations, want 1", n)
	}
	ra.assertNoErrors(t, "A")
	rb.assertNoErrors(t, "B")
}

// ---------------------------------------------------------------------------
// Signaling failures
// ---------------------------------------------------------------------------

func TestCandidateSendFailure(t *testing.T) {
	sendErr := errors.New("relay down")
	tr := &scriptTransport{sendErr: sendErr}
	sa := mediatest.New("A")
	a := New(testOptions(negotiation.Impolite), mediatest.Factory(sa), tr.dialer())
	ra := watch(a)
	mustConnect(t, a, "sendfail")

	sa.GatherCandidate()

	errs := ra.errors()
	if len(errs) != 1 || !errors.Is(errs[0], signaling.ErrSend) || !errors.Is(errs[0], sendErr) {
		t.Fatalf("unexpected errors %v", errs)
	}
	if a.State() != Stable {
		t.Fatalf("state = %s, want stable", a.State())
	}
	if sa.Closed() {
		t.Fatal("session closed after a send failure")
	}
}

func TestNullsThenBye(t *testing.T) {
	sa := mediatest.New("A")
	tr := &scriptTransport{replies: [][]byte{nil, nil, nil, encode(t, protocol.Bye())}}
	a := New(testOptions(negotiation.Polite), mediatest.Factory(sa), tr.dialer())
	ra := watch(a)

	var mu sync.Mutex
	var states []State
	tr.onReceive = func(int) {
		s := a.State()
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	mustConnect(t, a, "bye")

	if reason := ra.waitClosed(t); !errors.Is(reason, ErrRemoteBye) {
		t.Fatalf("close reason %v, want ErrRemoteBye", reason)
	}

	mu.Lock()
	seen := append([]State(nil), states...)
	mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("observed %d receives, want 4", len(seen))
	}
	for i, s := range seen {
		if s != Stable {
			t.Fatalf("state before receive %d = %s, want stable", i+1, s)
		}
	}

	if a.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", a.State())
	}
	if !sa.Closed() {
		t.Fatal("media session not closed")
	}

	// No receive after teardown.
	time.Sleep(3 * testInterval)
	if receives, closes := tr.counts(); receives != 4 || closes != 1 {
		t.Fatalf("receives=%d closes=%d, want 4 and 1", receives, closes)
	}
	ra.assertNoErrors(t, "A")
}

func TestReceiveFailureThreshold(t *testing.T) {
	recvErr := errors.New("relay timeout")
	tr := &scriptTransport{recvErr: recvErr}
	opts := testOptions(negotiation.Polite)
	opts.PollInterval = 5 * time.Millisecond
	opts.MaxReceiveFailures = 3
	a := New(opts, mediatest.Factory(mediatest.New("A")), tr.dialer())
	ra := watch(a)
	mustConnect(t, a, "flaky")

	reason := ra.waitClosed(t)
	if !errors.Is(reason, ErrReceiveFailed) || !errors.Is(reason, recvErr) {
		t.Fatalf("close reason %v", reason)
	}
	if receives, _ := tr.counts(); receives != 3 {
		t.Fatalf("receives = %d, want 3", receives)
	}
}

func TestConnectUnavailable(t *testing.T) {
	tr := &scriptTransport{connectErr: errors.New("no route")}
	sa := mediatest.New("A")
	a := New(testOptions(negotiation.Polite), mediatest.Factory(sa), tr.dialer())
	ra := watch(a)

	_, err := a.Connect(context.Background(), "nowhere")
	if !errors.Is(err, signaling.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if a.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", a.State())
	}
	if !sa.Closed() {
		t.Fatal("media session left open")
	}
	select {
	case reason := <-ra.closed:
		t.Fatalf("OnClosed fired for a failed connect: %v", reason)
	default:
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestDisconnectIdempotent(t *testing.T) {
	hub := relay.NewHub()
	s1, s2 := mediatest.New("A"), mediatest.New("A2")
	a := New(testOptions(negotiation.Impolite), mediatest.Factory(s1, s2), signaling.LocalDialer(hub))
	ra := watch(a)
	mustConnect(t, a, "twice")

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if a.State() != Disconnected {
		t.Fatalf("state = %s", a.State())
	}
	if reason := ra.waitClosed(t); reason != nil {
		t.Fatalf("local disconnect reason = %v", reason)
	}
	select {
	case <-ra.closed:
		t.Fatal("OnClosed fired twice")
	default:
	}
	if !s1.Closed() {
		t.Fatal("session not closed")
	}
	if hub.Rooms() != 0 {
		t.Fatalf("relay still holds %d rooms", hub.Rooms())
	}

	// Reconnecting uses a fresh session.
	mustConnect(t, a, "twice")
	if a.State() != Stable || s2.Closed() {
		t.Fatalf("reconnect: state=%s", a.State())
	}
}

func TestConnectReplacesConnection(t *testing.T) {
	hub := relay.NewHub()
	s1, s2 := mediatest.New("A"), mediatest.New("A2")
	a := New(testOptions(negotiation.Impolite), mediatest.Factory(s1, s2), signaling.LocalDialer(hub))
	ra := watch(a)

	mustConnect(t, a, "first")
	mustConnect(t, a, "second")

	if !s1.Closed() {
		t.Fatal("first session not closed by reconnect")
	}
	if reason := ra.waitClosed(t); reason != nil {
		t.Fatalf("close reason = %v", reason)
	}
	if s2.Closed() || a.State() != Stable {
		t.Fatalf("second connection not live: state=%s", a.State())
	}

	// A stale hook of the first session is inert.
	s1.Renegotiate()
	if s2.Offers() != 0 {
		t.Fatal("stale hook drove the new session")
	}
}

func TestClose(t *testing.T) {
	hub := relay.NewHub()
	a := New(testOptions(negotiation.Polite), mediatest.Factory(mediatest.New("A")), signaling.LocalDialer(hub))
	mustConnect(t, a, "closing")

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.State() != Closed {
		t.Fatalf("state = %s, want closed", a.State())
	}
	if _, err := a.Connect(context.Background(), "closing"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPeerLeavingClosesEngine(t *testing.T) {
	a, b, _, sb, _, rb := pair(t, negotiation.Impolite, negotiation.Polite)

	a.Disconnect()
	if reason := rb.waitClosed(t); !errors.Is(reason, ErrRemoteBye) {
		t.Fatalf("close reason %v, want ErrRemoteBye", reason)
	}
	if b.State() != Disconnected || !sb.Closed() {
		t.Fatalf("peer not torn down: state=%s", b.State())
	}
}
