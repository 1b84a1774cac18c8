// Package signaling carries negotiation messages between the two peers of a
// session through a room-scoped relay.
//
// A Transport is the raw four-operation RPC contract with the relay (connect,
// send, receive, close). A Channel layers the session semantics on top: a
// connection state, JSON message coding, a per-call timeout, one registered
// message callback and at most one outstanding receive.
package signaling

import (
	"context"

	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/relay"
)

// Transport is a room-scoped RPC link to a signaling relay. One Transport
// serves one Channel; it remembers the peer id assigned by Connect.
//
// Receive returns nil data, and no error, when no message is waiting.
type Transport interface {
	Connect(ctx context.Context, room string) (protocol.Params, error)
	Send(ctx context.Context, room string, data []byte) error
	Receive(ctx context.Context, room string) ([]byte, error)
	Close(ctx context.Context, room string) error
}

// Dialer creates a fresh Transport for each new Channel.
type Dialer func() Transport

// LocalTransport talks to an in-process relay Hub.
type LocalTransport struct {
	hub    *relay.Hub
	peerID string
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport returns a Transport bound to hub.
func NewLocalTransport(hub *relay.Hub) *LocalTransport {
	return &LocalTransport{hub: hub}
}

// LocalDialer returns a Dialer producing LocalTransports on hub.
func LocalDialer(hub *relay.Hub) Dialer {
	return func() Transport { return NewLocalTransport(hub) }
}

func (t *LocalTransport) Connect(ctx context.Context, room string) (protocol.Params, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Params{}, err
	}
	params, err := t.hub.Join(room)
	if err != nil {
		return params, err
	}
	t.peerID = params.PeerID
	return params, nil
}

func (t *LocalTransport) Send(ctx context.Context, room string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.Send(room, t.peerID, data)
}

func (t *LocalTransport) Receive(ctx context.Context, room string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.hub.Receive(room, t.peerID)
}

func (t *LocalTransport) Close(ctx context.Context, room string) error {
	t.hub.Leave(room, t.peerID)
	return nil
}
