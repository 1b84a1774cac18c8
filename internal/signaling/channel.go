package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/util"
)

var (
	// ErrUnavailable is returned by Connect when the relay cannot be reached
	// or refuses the room.
	ErrUnavailable = errors.New("signaling unavailable")

	// ErrSend is returned by Send when the message could not be delivered.
	ErrSend = errors.New("signaling send failed")

	// ErrReceiveBusy is returned by Receive while another Receive is pending.
	ErrReceiveBusy = errors.New("signaling receive already in progress")

	// ErrNotConnected is returned by Send and Receive outside the connected state.
	ErrNotConnected = errors.New("signaling channel not connected")
)

// DefaultCallTimeout bounds every call made through a Channel.
const DefaultCallTimeout = 10 * time.Second

// State is the connection state of a Channel.
type State int

const (
	Unconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Channel is the signaling link of one session, bound to one room.
type Channel struct {
	room      string
	transport Transport
	timeout   time.Duration

	mu        sync.Mutex
	state     State
	onMessage func(*protocol.Message)

	receiving atomic.Bool
}

// NewChannel creates an unconnected Channel for room over transport. A zero
// timeout selects DefaultCallTimeout.
func NewChannel(room string, transport Transport, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Channel{
		room:      room,
		transport: transport,
		timeout:   timeout,
	}
}

// Room returns the room identifier.
func (c *Channel) Room() string { return c.room }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers the callback invoked for every message returned by
// Receive. It replaces any previously registered callback.
func (c *Channel) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// Connect joins the room on the relay.
func (c *Channel) Connect(ctx context.Context) (protocol.Params, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Unconnected {
		return protocol.Params{}, fmt.Errorf("%w: channel is %s", ErrUnavailable, state)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params, err := c.transport.Connect(ctx, c.room)
	if err != nil {
		return protocol.Params{}, fmt.Errorf("%w: room %s: %w", ErrUnavailable, c.room, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		// Closed while connecting; release the relay slot we just took.
		go c.transport.Close(context.Background(), c.room)
		return protocol.Params{}, fmt.Errorf("%w: channel closed while connecting", ErrUnavailable)
	}
	c.state = Connected
	util.LogDebug("signaling: joined room %s as %s (initiator=%v)", params.RoomID, params.PeerID, params.IsInitiator)
	return params, nil
}

// Send delivers one message to the peer. Failures are not retried.
func (c *Channel) Send(ctx context.Context, msg *protocol.Message) error {
	if c.State() != Connected {
		return fmt.Errorf("%w: %w", ErrSend, ErrNotConnected)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.transport.Send(ctx, c.room, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSend, msg.Type, err)
	}
	util.LogDebug("signaling: > %s", msg.Type)
	return nil
}

// Receive fetches the next inbound message, passes it to the OnMessage
// callback and returns it. A nil message with a nil error means nothing was
// waiting. Undecodable payloads are dropped and reported as errors.
func (c *Channel) Receive(ctx context.Context) (*protocol.Message, error) {
	if c.State() != Connected {
		return nil, ErrNotConnected
	}
	if !c.receiving.CompareAndSwap(false, true) {
		return nil, ErrReceiveBusy
	}
	defer c.receiving.Store(false)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.transport.Receive(ctx, c.room)
	if err != nil {
		return nil, fmt.Errorf("signaling receive: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("signaling receive: %w", err)
	}
	util.LogDebug("signaling: < %s", msg.Type)

	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
	return msg, nil
}

// Close leaves the room and releases the transport. It is idempotent; only the
// first call reaches the relay.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	c.state = Closed
	c.mu.Unlock()

	if prev != Connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.transport.Close(ctx, c.room); err != nil {
		return fmt.Errorf("signaling close: %w", err)
	}
	return nil
}
