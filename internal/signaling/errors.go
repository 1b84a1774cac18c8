package signaling

import (
	"errors"

	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/relay"
)

// Relay errors cross the wire as short codes so that callers can still match
// them with errors.Is on the far side.
var relayErrors = []struct {
	code string
	err  error
}{
	{"invalid_room", relay.ErrInvalidRoom},
	{"room_full", relay.ErrRoomFull},
	{"unknown_peer", relay.ErrUnknownPeer},
	{"rate_limited", relay.ErrRateLimited},
	{"malformed", protocol.ErrMalformed},
}

// ErrorCode returns the wire code of a relay error, or "error" for anything
// else.
func ErrorCode(err error) string {
	for _, e := range relayErrors {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "error"
}

// RemoteError is an error reported by the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap returns the relay sentinel matching Code, if any.
func (e *RemoteError) Unwrap() error {
	for _, r := range relayErrors {
		if r.code == e.Code {
			return r.err
		}
	}
	return nil
}
