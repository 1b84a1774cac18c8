package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/shamaton/msgpack/v2"
	"golang.org/x/time/rate"

	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/util"
)

// Operations of the websocket relay protocol.
const (
	opConnect = "connect"
	opSend    = "send"
	opReceive = "receive"
	opClose   = "close"
)

// wsFrame is both request and reply. Frames are msgpack arrays carried in
// binary websocket messages; replies echo the request ID.
type wsFrame struct {
	ID   uint64
	Op   string
	Room string
	Peer string
	Data []byte
	Code string
	Err  string
}

var errWSClosed = errors.New("websocket relay connection closed")

// ---------------------------------------------------------------------------
// Server side
// ---------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler exposes a relay Hub over websocket. Each connection may hold peers
// in several rooms; they all leave when the connection drops.
type WSHandler struct {
	hub *relay.Hub
}

// NewWSHandler returns an http.Handler serving hub.
func NewWSHandler(hub *relay.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// room -> peer joined through this connection
	joined := make(map[string]string)
	defer func() {
		for room, peer := range joined {
			h.hub.Leave(room, peer)
		}
	}()

	lim := rate.NewLimiter(50, 100)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			util.LogDebug("relay: websocket closed: %v", err)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if !lim.Allow() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit"))
			return
		}

		var req wsFrame
		if err := msgpack.UnmarshalAsArray(data, &req); err != nil {
			util.LogDebug("relay: dropping undecodable frame: %v", err)
			continue
		}

		out, err := msgpack.MarshalAsArray(h.dispatch(&req, joined))
		if err != nil {
			util.LogError("relay: failed to encode reply: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

// dispatch executes one request against the hub.
func (h *WSHandler) dispatch(req *wsFrame, joined map[string]string) *wsFrame {
	resp := &wsFrame{ID: req.ID, Op: req.Op, Room: req.Room}

	fail := func(err error) *wsFrame {
		resp.Code = ErrorCode(err)
		resp.Err = err.Error()
		return resp
	}

	if req.Op != opConnect && joined[req.Room] != req.Peer {
		return fail(fmt.Errorf("%w: %s not joined to room %s on this connection", relay.ErrUnknownPeer, req.Peer, req.Room))
	}

	switch req.Op {
	case opConnect:
		params, err := h.hub.Join(req.Room)
		if err != nil {
			return fail(err)
		}
		joined[req.Room] = params.PeerID
		resp.Peer = params.PeerID
		resp.Data, _ = json.Marshal(params)

	case opSend:
		if err := h.hub.Send(req.Room, req.Peer, req.Data); err != nil {
			return fail(err)
		}

	case opReceive:
		data, err := h.hub.Receive(req.Room, req.Peer)
		if err != nil {
			return fail(err)
		}
		resp.Data = data

	case opClose:
		h.hub.Leave(req.Room, req.Peer)
		delete(joined, req.Room)

	default:
		return fail(fmt.Errorf("unknown op %q", req.Op))
	}
	return resp
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// WSTransport is a Transport speaking to a WSHandler. Concurrent calls are
// multiplexed over one connection and matched to their replies by ID.
type WSTransport struct {
	url string

	mu      sync.Mutex // guards writes, conn and pending
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan *wsFrame
	done    chan struct{}

	peerID string
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport returns a Transport for the relay at url (ws:// or wss://).
// The connection is dialed by Connect.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url, pending: make(map[uint64]chan *wsFrame)}
}

// WSDialer returns a Dialer producing WSTransports for url.
func WSDialer(url string) Dialer {
	return func() Transport { return NewWSTransport(url) }
}

// dial opens the websocket and starts the reply reader.
func (t *WSTransport) dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WS relay: %w", err)
	}
	t.conn = conn
	t.done = make(chan struct{})
	go t.readLoop(conn, t.done)
	return nil
}

// readLoop routes replies to waiting callers until the connection fails.
func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resp wsFrame
		if err := msgpack.UnmarshalAsArray(data, &resp); err != nil {
			util.LogDebug("signaling: dropping undecodable relay frame: %v", err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// call sends one request and waits for its reply.
func (t *WSTransport) call(ctx context.Context, op, room string, data []byte) (*wsFrame, error) {
	ch := make(chan *wsFrame, 1)

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil, errWSClosed
	}
	t.nextID++
	req := wsFrame{ID: t.nextID, Op: op, Room: room, Peer: t.peerID, Data: data}
	out, err := msgpack.MarshalAsArray(req)
	if err == nil {
		if deadline, ok := ctx.Deadline(); ok {
			t.conn.SetWriteDeadline(deadline)
		}
		t.pending[req.ID] = ch
		err = t.conn.WriteMessage(websocket.BinaryMessage, out)
		if err != nil {
			delete(t.pending, req.ID)
		}
	}
	done := t.done
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return nil, &RemoteError{Code: resp.Code, Message: resp.Err}
		}
		return resp, nil
	case <-done:
		return nil, errWSClosed
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Connect dials the relay and joins room. A failed join closes the
// connection, which also makes the relay drop a join that raced the failure.
func (t *WSTransport) Connect(ctx context.Context, room string) (protocol.Params, error) {
	if err := t.dial(ctx); err != nil {
		return protocol.Params{}, err
	}
	resp, err := t.call(ctx, opConnect, room, nil)
	if err != nil {
		return protocol.Params{}, errors.Join(err, t.shutdown())
	}
	var params protocol.Params
	if err := json.Unmarshal(resp.Data, &params); err != nil {
		return protocol.Params{}, errors.Join(fmt.Errorf("invalid connect reply: %w", err), t.shutdown())
	}
	t.mu.Lock()
	t.peerID = params.PeerID
	t.mu.Unlock()
	return params, nil
}

func (t *WSTransport) Send(ctx context.Context, room string, data []byte) error {
	_, err := t.call(ctx, opSend, room, data)
	return err
}

func (t *WSTransport) Receive(ctx context.Context, room string) ([]byte, error) {
	resp, err := t.call(ctx, opReceive, room, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return resp.Data, nil
}

// Close leaves the room and closes the websocket.
func (t *WSTransport) Close(ctx context.Context, room string) error {
	_, callErr := t.call(ctx, opClose, room, nil)
	return errors.Join(callErr, t.shutdown())
}

// shutdown closes the websocket and waits for the reply reader to exit. It is
// a no-op when nothing is dialed.
func (t *WSTransport) shutdown() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	err := conn.Close()
	<-done
	return err
}
