// Package relay implements the room-scoped message relay that carries signaling
// between the two peers of a session. Each room holds at most two peers; each
// peer has a mailbox that is drained one message per Receive call.
//
// Offers and candidates sent while a peer is alone in its room are kept and
// replayed to the peer that joins next, so the first peer may start
// negotiating before the second one arrives.
package relay

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/go4org/hashtriemap"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/util"
)

// MaxPeers is the number of peers a room accepts.
const MaxPeers = 2

// Default per-peer send limits.
const (
	DefaultSendRate  = rate.Limit(20)
	DefaultSendBurst = 50
)

var (
	ErrInvalidRoom = errors.New("invalid room id")
	ErrRoomFull    = errors.New("room is full")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrRateLimited = errors.New("send rate limit exceeded")
)

// Room ids are also used as the first component of RPC procedure names, so
// dots are not allowed.
var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_@-]{1,64}$`)

// ValidRoomID reports whether id can be used as a room identifier.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

var byePayload, _ = protocol.Encode(protocol.Bye())

// Hub is the registry of active rooms. It is safe for concurrent use.
type Hub struct {
	rooms     hashtriemap.HashTrieMap[string, *room]
	count     atomic.Int64
	sendRate  rate.Limit
	sendBurst int
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendLimit overrides the per-peer send rate limit.
func WithSendLimit(r rate.Limit, burst int) Option {
	return func(h *Hub) {
		h.sendRate = r
		h.sendBurst = burst
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sendRate:  DefaultSendRate,
		sendBurst: DefaultSendBurst,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type entry struct {
	from string
	data []byte
}

type room struct {
	id string

	mu      sync.Mutex
	peers   map[string]*peer
	history []entry // offers/candidates sent while alone, for the next joiner
	closed  bool    // emptied and removed from the registry
}

type peer struct {
	id        string
	initiator bool
	mailbox   [][]byte
	limiter   *rate.Limiter
}

// Rooms returns the number of rooms currently open.
func (h *Hub) Rooms() int {
	return int(h.count.Load())
}

// Join adds a new peer to roomID, creating the room if needed. The first peer
// of a room, or any peer joining a room with nothing to replay, is the
// initiator.
func (h *Hub) Join(roomID string) (protocol.Params, error) {
	if !ValidRoomID(roomID) {
		return protocol.Params{}, fmt.Errorf("%w: %q", ErrInvalidRoom, roomID)
	}

	for {
		r, loaded := h.rooms.LoadOrStore(roomID, &room{id: roomID, peers: make(map[string]*peer)})
		if !loaded {
			h.count.Add(1)
		}

		r.mu.Lock()
		if r.closed {
			// Lost a race with the last peer leaving; retry on a fresh room.
			r.mu.Unlock()
			continue
		}
		if len(r.peers) >= MaxPeers {
			r.mu.Unlock()
			return protocol.Params{}, fmt.Errorf("%w: %s", ErrRoomFull, roomID)
		}

		p := &peer{
			id:        uuid.NewString(),
			initiator: len(r.peers) == 0 || len(r.history) == 0,
			limiter:   rate.NewLimiter(h.sendRate, h.sendBurst),
		}
		for _, e := range r.history {
			p.mailbox = append(p.mailbox, e.data)
		}
		replayed := len(r.history)
		r.history = nil
		r.peers[p.id] = p
		r.mu.Unlock()

		util.LogDebug("relay: peer %s joined room %s (initiator=%v, replayed=%d)", p.id, roomID, p.initiator, replayed)
		return protocol.Params{RoomID: roomID, PeerID: p.id, IsInitiator: p.initiator}, nil
	}
}

// lookup returns the room and peer with r.mu held. The caller must unlock.
func (h *Hub) lookup(roomID, peerID string) (*room, *peer, error) {
	r, ok := h.rooms.Load(roomID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in room %s", ErrUnknownPeer, peerID, roomID)
	}
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s in room %s", ErrUnknownPeer, peerID, roomID)
	}
	return r, p, nil
}

// Send delivers data from peerID to every other peer of the room. data must be
// an encoded signaling message.
func (h *Hub) Send(roomID, peerID string, data []byte) error {
	typ := protocol.PeekType(data)
	if typ == "" {
		return fmt.Errorf("%w: unclassifiable payload", protocol.ErrMalformed)
	}

	r, p, err := h.lookup(roomID, peerID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	if !p.limiter.Allow() {
		return fmt.Errorf("%w: peer %s", ErrRateLimited, peerID)
	}

	buf := append([]byte(nil), data...)
	if len(r.peers) == 1 && (typ == protocol.TypeOffer || typ == protocol.TypeCandidate) {
		r.history = append(r.history, entry{from: peerID, data: buf})
		return nil
	}
	for id, other := range r.peers {
		if id != peerID {
			other.mailbox = append(other.mailbox, buf)
		}
	}
	return nil
}

// Receive pops the oldest undelivered message for peerID. It returns nil when
// the mailbox is empty.
func (h *Hub) Receive(roomID, peerID string) ([]byte, error) {
	r, p, err := h.lookup(roomID, peerID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	if len(p.mailbox) == 0 {
		return nil, nil
	}
	data := p.mailbox[0]
	p.mailbox[0] = nil
	p.mailbox = p.mailbox[1:]
	return data, nil
}

// Leave removes peerID from the room and queues a bye for the remaining peer.
// Leaving twice, or leaving an unknown room, is a no-op.
func (h *Hub) Leave(roomID, peerID string) {
	r, ok := h.rooms.Load(roomID)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[peerID]; !ok {
		return
	}
	delete(r.peers, peerID)

	kept := r.history[:0]
	for _, e := range r.history {
		if e.from != peerID {
			kept = append(kept, e)
		}
	}
	r.history = kept

	for _, other := range r.peers {
		other.mailbox = append(other.mailbox, byePayload)
	}

	if len(r.peers) == 0 {
		r.closed = true
		h.rooms.Delete(roomID)
		h.count.Add(-1)
	}
	util.LogDebug("relay: peer %s left room %s", peerID, roomID)
}
