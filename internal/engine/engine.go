// Package engine implements perfect negotiation between two peers: it owns one
// media session and one signaling channel, forwards local candidates and
// offers, and arbitrates incoming descriptions with a fixed polite/impolite
// role.
//
// Inbound messages are pulled by a receive loop owned by the engine and are
// handled one at a time on that loop. Local renegotiation runs on the media
// layer's goroutine; the two meet only through the makingOffer and
// ignoreOffer flags, never through mutual exclusion across I/O.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/signaling"
	"github.com/1ureka/rtcpeer/internal/util"
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("engine not connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("engine closed")

	// ErrDescriptionApply reports a description rejected by the media layer.
	ErrDescriptionApply = errors.New("description apply failed")

	// ErrCandidateApply reports a remote candidate rejected by the media layer.
	ErrCandidateApply = errors.New("candidate apply failed")

	// ErrReceiveFailed is the close reason when the receive loop gives up.
	ErrReceiveFailed = errors.New("signaling receive failed repeatedly")

	// ErrRemoteBye is the close reason when the peer said bye.
	ErrRemoteBye = errors.New("peer left")
)

// DefaultPollInterval is the delay between two receives.
const DefaultPollInterval = time.Second

// State is the externally visible state of an Engine.
type State int

const (
	Disconnected State = iota
	Connecting
	Stable      // connected, no description pending
	Negotiating // connected, a local or remote description is pending
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Stable:
		return "stable"
	case Negotiating:
		return "negotiating"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures an Engine.
type Options struct {
	Role negotiation.Role

	// PollInterval is the delay before each receive. Zero selects
	// DefaultPollInterval.
	PollInterval time.Duration

	// CallTimeout bounds every signaling call. Zero selects
	// signaling.DefaultCallTimeout.
	CallTimeout time.Duration

	// MaxReceiveFailures disconnects the engine after that many consecutive
	// failed receives. Zero retries forever.
	MaxReceiveFailures int
}

// Engine is a NegotiationEngine. Create it with New.
type Engine struct {
	opts       Options
	newSession media.Factory
	dial       signaling.Dialer

	mu      sync.Mutex
	closed  bool
	linking bool   // Connect in progress
	gen     uint64 // bumped on every connect and teardown; stale hooks compare it

	session       media.Session
	channel       *signaling.Channel
	ctx           context.Context
	cancel        context.CancelFunc
	loopDone      chan struct{}
	makingOffer   bool
	ignoreOffer   bool
	remoteApplied bool
	pending       []webrtc.ICECandidateInit

	onRemoteTrack func(media.RemoteTrack)
	onClosed      func(reason error)
	onError       func(error)
}

// New creates a disconnected Engine. newSession opens the media session and
// dial the signaling transport of each connection.
func New(opts Options, newSession media.Factory, dial signaling.Dialer) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Engine{
		opts:       opts,
		newSession: newSession,
		dial:       dial,
	}
}

// Role returns the fixed negotiation role.
func (e *Engine) Role() negotiation.Role { return e.opts.Role }

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return Closed
	case e.linking:
		return Connecting
	case e.session == nil:
		return Disconnected
	case e.makingOffer || e.session.SignalingState() != negotiation.Stable:
		return Negotiating
	}
	return Stable
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

// OnRemoteTrack registers the callback for remote tracks. Observers run on
// engine or media goroutines and must not block or call Disconnect.
func (e *Engine) OnRemoteTrack(fn func(media.RemoteTrack)) {
	e.mu.Lock()
	e.onRemoteTrack = fn
	e.mu.Unlock()
}

// OnClosed registers the callback run after a connection is torn down. reason
// is nil for a local Disconnect.
func (e *Engine) OnClosed(fn func(reason error)) {
	e.mu.Lock()
	e.onClosed = fn
	e.mu.Unlock()
}

// OnError registers the callback for recoverable errors.
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

func (e *Engine) reportError(err error) {
	util.LogWarning("%v", err)
	e.mu.Lock()
	fn := e.onError
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens a media session and a signaling channel for room and joins
// the room. An existing connection is torn down first. The receive loop
// starts once the room is joined.
func (e *Engine) Connect(ctx context.Context, room string) (protocol.Params, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return protocol.Params{}, ErrClosed
	}
	connected := e.session != nil
	e.mu.Unlock()

	if connected {
		e.Disconnect()
	}

	session, err := e.newSession()
	if err != nil {
		return protocol.Params{}, fmt.Errorf("failed to open media session: %w", err)
	}
	channel := signaling.NewChannel(room, e.dial(), e.opts.CallTimeout)
	connCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.session = session
	e.channel = channel
	e.ctx = connCtx
	e.cancel = cancel
	e.loopDone = nil
	e.makingOffer = false
	e.ignoreOffer = false
	e.remoteApplied = false
	e.pending = nil
	e.linking = true
	e.mu.Unlock()

	session.OnICECandidate(func(c webrtc.ICECandidateInit) { e.handleLocalCandidate(gen, c) })
	session.OnNegotiationNeeded(func() { e.handleNegotiationNeeded(gen) })
	session.OnTrack(e.handleRemoteTrack)
	channel.OnMessage(func(msg *protocol.Message) { e.handleMessage(gen, msg) })

	params, err := channel.Connect(ctx)

	e.mu.Lock()
	e.linking = false
	if err == nil && e.gen != gen {
		err = fmt.Errorf("%w: disconnected while joining room %s", ErrNotConnected, room)
	}
	if err != nil {
		e.mu.Unlock()
		e.release(gen, false)
		return protocol.Params{}, err
	}
	done := make(chan struct{})
	e.loopDone = done
	e.mu.Unlock()

	go e.loop(connCtx, gen, channel, done)

	util.LogInfo("joined room %s as %s peer (initiator=%v)", room, e.opts.Role, params.IsInitiator)
	return params, nil
}

// Disconnect stops the receive loop, closes the signaling channel and closes
// the media session. Calling it while disconnected is a no-op.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	return e.teardown(gen, nil, false)
}

// Close disconnects and makes every later Connect fail with ErrClosed.
func (e *Engine) Close() error {
	err := e.Disconnect()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return err
}

// teardown ends connection gen and notifies the OnClosed observer. fromLoop
// must be set when running on the receive loop, which cannot wait for itself.
func (e *Engine) teardown(gen uint64, reason error, fromLoop bool) error {
	released, err := e.release(gen, fromLoop)
	if !released {
		return nil
	}

	if reason != nil {
		util.LogWarning("session closed: %v", reason)
	} else {
		util.LogInfo("session closed")
	}

	e.mu.Lock()
	onClosed := e.onClosed
	e.mu.Unlock()
	if onClosed != nil {
		onClosed(reason)
	}
	return err
}

// release detaches and closes the session and channel of connection gen. It
// reports false if gen was already released.
func (e *Engine) release(gen uint64, fromLoop bool) (bool, error) {
	e.mu.Lock()
	if e.gen != gen || (e.session == nil && e.channel == nil) {
		e.mu.Unlock()
		return false, nil
	}
	session, channel := e.session, e.channel
	cancel, done := e.cancel, e.loopDone
	e.session, e.channel = nil, nil
	e.ctx, e.cancel, e.loopDone = nil, nil, nil
	e.makingOffer = false
	e.ignoreOffer = false
	e.remoteApplied = false
	e.pending = nil
	e.gen++
	e.mu.Unlock()

	// The loop is revoked before the channel closes so that no receive races
	// a closed channel.
	if cancel != nil {
		cancel()
	}
	if done != nil && !fromLoop {
		<-done
	}

	var errs error
	if channel != nil {
		errs = channel.Close(context.Background())
	}
	if session != nil {
		errs = errors.Join(errs, session.Close())
	}
	return true, errs
}

// current returns the session, channel and context of connection gen, or
// ok=false if gen is no longer live.
func (e *Engine) current(gen uint64) (media.Session, *signaling.Channel, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.session == nil {
		return nil, nil, nil, false
	}
	return e.session, e.channel, e.ctx, true
}

// AddLocalStream adds every track of stream to the session. The media layer
// coalesces the resulting negotiation-needed events.
func (e *Engine) AddLocalStream(stream *media.Stream) error {
	e.mu.Lock()
	session := e.session
	linking := e.linking
	e.mu.Unlock()
	if session == nil || linking {
		return ErrNotConnected
	}

	for _, track := range stream.Tracks {
		if err := session.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add %s track %s: %w", track.Kind(), track.ID(), err)
		}
		util.LogDebug("added local %s track %s", track.Kind(), track.ID())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Receive loop
// ---------------------------------------------------------------------------

// loop pulls one message per PollInterval until ctx is cancelled. The first
// receive happens one interval after the room is joined.
func (e *Engine) loop(ctx context.Context, gen uint64, channel *signaling.Channel, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(e.opts.PollInterval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		_, err := channel.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			util.Stats.AddSignalError()
			util.LogWarning("signaling receive failed (%d): %v", failures, err)
			if max := e.opts.MaxReceiveFailures; max > 0 && failures >= max {
				e.teardown(gen, fmt.Errorf("%w: %d attempts: %w", ErrReceiveFailed, failures, err), true)
				return
			}
		} else {
			failures = 0
		}

		timer.Reset(e.opts.PollInterval)
	}
}
