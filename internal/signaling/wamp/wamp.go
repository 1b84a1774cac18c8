// Package wamp carries signaling over WAMP RPC.
//
// The Server embeds a nexus router and a callee session that registers four
// wildcard procedures, one per relay operation. A peer in room r calls
// "r.signaling.connect", "r.signaling.send", "r.signaling.receive" and
// "r.signaling.close"; the router routes every room to the same handlers and
// the callee recovers the room from the called procedure URI. Calls carry the
// peer id as first argument and, for send, the encoded message as second.
package wamp

import (
	"fmt"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/1ureka/rtcpeer/internal/signaling"
)

// DefaultRealm is the realm served by NewServer when none is given.
const DefaultRealm = "rtcpeer"

// Relay operations, as the last component of the procedure URI.
const (
	opConnect = "connect"
	opSend    = "send"
	opReceive = "receive"
	opClose   = "close"
)

// errorPrefix prefixes the error URI of every failed invocation. The suffix is
// the signaling error code.
const errorPrefix = "rtcpeer.error."

// procedure returns the URI called for op in room.
func procedure(room, op string) string {
	return fmt.Sprintf("%s.signaling.%s", room, op)
}

// pattern returns the wildcard URI registered for op.
func pattern(op string) string {
	return ".signaling." + op
}

func errorURI(err error) wamp.URI {
	return wamp.URI(errorPrefix + signaling.ErrorCode(err))
}
