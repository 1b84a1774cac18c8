package media

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/util"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DefaultNegotiationDelay is the window over which negotiation-needed events
// are coalesced.
const DefaultNegotiationDelay = 150 * time.Millisecond

// PeerOptions configures PeerSessions.
type PeerOptions struct {
	// ICEServers lists STUN/TURN hint servers. nil selects DefaultSTUNServers;
	// an empty, non-nil slice disables them.
	ICEServers []webrtc.ICEServer

	// NegotiationDelay overrides DefaultNegotiationDelay when positive.
	NegotiationDelay time.Duration

	// Echo sends every received track back to the remote peer.
	Echo bool

	// RecordDir, when set, receives one file per remote VP8 (.ivf) or
	// Opus (.ogg) track.
	RecordDir string
}

func (o PeerOptions) iceServers() []webrtc.ICEServer {
	if o.ICEServers == nil {
		return []webrtc.ICEServer{{URLs: DefaultSTUNServers}}
	}
	return o.ICEServers
}

// newAPI builds a pion API with the default codecs and pion's logging routed
// through our logger.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)), nil
}

// newPeerConnection creates a PeerConnection configured with the hint servers.
func newPeerConnection(opts PeerOptions) (*webrtc.PeerConnection, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: opts.iceServers(),
	})
}
