package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/config"
	"github.com/1ureka/rtcpeer/internal/engine"
	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/session"
	"github.com/1ureka/rtcpeer/internal/signaling"
	"github.com/1ureka/rtcpeer/internal/signaling/wamp"
	"github.com/1ureka/rtcpeer/internal/util"
)

// dialer returns the signaling transport factory for cfg.
func dialer(cfg config.Config) signaling.Dialer {
	if cfg.Transport == config.TransportWAMP {
		return wamp.Dialer(cfg.RelayURL, cfg.Realm, cfg.CallTimeout)
	}
	return signaling.WSDialer(cfg.RelayURL)
}

// iceServers converts the configured URLs. Credentials apply to TURN entries
// only. An empty list keeps the media defaults.
func iceServers(cfg config.Config) []webrtc.ICEServer {
	if len(cfg.ICEServers) == 0 {
		return nil
	}
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn") {
			s.Username = cfg.TURNUsername
			s.Credential = cfg.TURNCredential
		}
		servers = append(servers, s)
	}
	return servers
}

func peerOptions(cfg config.Config) media.PeerOptions {
	return media.PeerOptions{
		ICEServers: iceServers(cfg),
		Echo:       cfg.Echo,
		RecordDir:  cfg.RecordDir,
	}
}

func engineOptions(cfg config.Config) engine.Options {
	return engine.Options{
		Role:               cfg.Role,
		PollInterval:       cfg.PollInterval,
		CallTimeout:        cfg.CallTimeout,
		MaxReceiveFailures: cfg.MaxReceiveFailures,
	}
}

// capture plays the configured media files, or a test pattern without any.
func capture(cfg config.Config) media.Capture {
	if len(cfg.PlayFrom) > 0 {
		return media.FileCapture(cfg.PlayFrom...)
	}
	return media.TestPatternCapture
}

// RunPeer joins cfg.Room, publishes the local stream and keeps the session
// negotiated until ctx is cancelled or the remote peer leaves.
func RunPeer(ctx context.Context, cfg config.Config) error {
	factory := media.PeerFactory(peerOptions(cfg))
	return runPeer(ctx, cfg, factory, dialer(cfg), capture(cfg))
}

func runPeer(ctx context.Context, cfg config.Config, factory media.Factory, dial signaling.Dialer, capture media.Capture) error {
	e := engine.New(engineOptions(cfg), factory, dial)
	ctrl := session.NewController(e)
	defer ctrl.Close()

	util.LogInfo("joining room %s as %s peer", cfg.Room, cfg.Role)
	if _, err := ctrl.Start(ctx, cfg.Room, capture); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	for {
		select {
		case ev := <-ctrl.Events():
			switch ev.Kind {
			case session.EventConnected:
				role := "joined"
				if ev.Params.IsInitiator {
					role = "created"
				}
				util.LogSuccess("%s room %s as peer %s", role, ev.Params.RoomID, ev.Params.PeerID)
			case session.EventRemoteTrack:
				util.LogSuccess("receiving %s track %s (stream %s)", ev.Track.Kind(), ev.Track.ID(), ev.Track.StreamID())
			case session.EventError:
				util.LogWarning("%v", ev.Err)
			case session.EventClosed:
				msg, err := sessionEnded(ev.Err)
				if err != nil {
					return err
				}
				util.LogInfo("session ended: %s", msg)
				return nil
			}

		case <-ctx.Done():
			util.LogInfo("leaving room %s", cfg.Room)
			return ctrl.Stop()
		}
	}
}

// sessionEnded describes why the session closed. Only a failure is returned
// as an error; a nil reason is a local disconnect.
func sessionEnded(reason error) (string, error) {
	switch {
	case reason == nil:
		return "disconnected locally", nil
	case errors.Is(reason, engine.ErrRemoteBye):
		return "remote peer left", nil
	}
	return "", fmt.Errorf("session ended: %w", reason)
}
