package wamp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"

	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/signaling"
	"github.com/1ureka/rtcpeer/internal/util"
)

var errNotDialed = errors.New("WAMP session not established")

// Client is a signaling.Transport that calls a Server's procedures.
type Client struct {
	routerURL string
	config    client.Config
	client    *client.Client
	peerID    string
}

var _ signaling.Transport = (*Client)(nil)

// NewClient returns a Client for the router at routerURL (ws:// or wss://).
// The WAMP session is opened by Connect.
func NewClient(routerURL, realm string, responseTimeout time.Duration) *Client {
	if realm == "" {
		realm = DefaultRealm
	}
	return &Client{
		routerURL: routerURL,
		config: client.Config{
			Realm:           realm,
			ResponseTimeout: responseTimeout,
			Logger:          util.StdLogger{Scope: "wamp-client"},
		},
	}
}

// Dialer returns a signaling.Dialer producing Clients for routerURL.
func Dialer(routerURL, realm string, responseTimeout time.Duration) signaling.Dialer {
	return func() signaling.Transport {
		return NewClient(routerURL, realm, responseTimeout)
	}
}

// Connect opens the WAMP session if needed and joins room. The session is
// closed again when the join fails.
func (c *Client) Connect(ctx context.Context, room string) (params protocol.Params, err error) {
	defer func() {
		if err != nil {
			err = errors.Join(err, c.release())
		}
	}()
	defer err2.Handle(&err)

	if c.client == nil || !c.client.Connected() {
		c.client = try.To1(client.ConnectNet(ctx, c.routerURL, c.config))
	}

	raw := try.To1(c.call(ctx, room, opConnect))
	try.To(json.Unmarshal([]byte(raw), &params))
	c.peerID = params.PeerID
	return params, nil
}

func (c *Client) Send(ctx context.Context, room string, data []byte) (err error) {
	defer err2.Handle(&err)
	try.To1(c.call(ctx, room, opSend, string(data)))
	return nil
}

// Receive returns nil when the call result carries no message.
func (c *Client) Receive(ctx context.Context, room string) (data []byte, err error) {
	defer err2.Handle(&err)
	raw := try.To1(c.call(ctx, room, opReceive))
	if raw == "" {
		return nil, nil
	}
	return []byte(raw), nil
}

// Close leaves room and ends the WAMP session.
func (c *Client) Close(ctx context.Context, room string) error {
	if c.client == nil {
		return nil
	}
	_, callErr := c.call(ctx, room, opClose)
	return errors.Join(callErr, c.release())
}

// release ends the WAMP session, if any.
func (c *Client) release() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// call invokes op for room with the peer id prepended to args and returns the
// first result argument, or "" when there is none.
func (c *Client) call(ctx context.Context, room, op string, args ...any) (string, error) {
	if c.client == nil {
		return "", errNotDialed
	}

	callArgs := append(wamp.List{c.peerID}, args...)
	result, err := c.client.Call(ctx, procedure(room, op), nil, callArgs, nil, nil)
	if err != nil {
		return "", remoteError(err)
	}
	if len(result.Arguments) == 0 {
		return "", nil
	}
	s, ok := wamp.AsString(result.Arguments[0])
	if !ok {
		return "", fmt.Errorf("%s: result is not a string", procedure(room, op))
	}
	return s, nil
}

// remoteError maps an RPC error carrying one of our error URIs back to a
// signaling.RemoteError so relay sentinels survive the round trip.
func remoteError(err error) error {
	msg := err.Error()
	for _, sentinel := range []error{
		relay.ErrInvalidRoom,
		relay.ErrRoomFull,
		relay.ErrUnknownPeer,
		relay.ErrRateLimited,
		protocol.ErrMalformed,
	} {
		if strings.Contains(msg, string(errorURI(sentinel))) {
			return &signaling.RemoteError{Code: signaling.ErrorCode(sentinel), Message: msg}
		}
	}
	return err
}
