// Package config holds the runtime configuration gathered from CLI flags or
// interactive prompts.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/relay"
)

// Mode selects what the process runs.
type Mode string

const (
	ModePeer  Mode = "peer"  // join a room and negotiate a media session
	ModeRelay Mode = "relay" // serve the signaling relay
)

// Transport selects how peers reach the relay.
type Transport string

const (
	TransportWS   Transport = "ws"
	TransportWAMP Transport = "wamp"
)

// Config stores all runtime parameters.
type Config struct {
	Mode      Mode
	Transport Transport
	Debug     bool

	// Peer
	Role               negotiation.Role
	Room               string
	RelayURL           string
	ICEServers         []string // stun: and turn: URLs
	TURNUsername       string
	TURNCredential     string
	PollInterval       time.Duration
	CallTimeout        time.Duration
	MaxReceiveFailures int
	StatsInterval      time.Duration
	Echo               bool     // send received tracks back
	RecordDir          string   // record received tracks; empty disables
	PlayFrom           []string // .ivf/.ogg files sent instead of the test pattern

	// Relay
	ListenAddr string
	Realm      string // WAMP only
}

// Default returns the configuration used when no flag overrides a field.
func Default() Config {
	return Config{
		Mode:          ModePeer,
		Transport:     TransportWS,
		Role:          negotiation.Polite,
		PollInterval:  time.Second,
		CallTimeout:   10 * time.Second,
		StatsInterval: 5 * time.Second,
		ListenAddr:    ":8080",
		Realm:         "rtcpeer",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportWS, TransportWAMP:
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q: must be ws or wamp", c.Transport))
	}

	switch c.Mode {
	case ModePeer:
		if !relay.ValidRoomID(c.Room) {
			errs = append(errs, fmt.Errorf("invalid room %q: 1-64 letters, digits, '_', '-' or '@'", c.Room))
		}
		if c.RelayURL == "" {
			errs = append(errs, errors.New("missing relay URL"))
		}
		for _, s := range c.ICEServers {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") &&
				!strings.HasPrefix(s, "stuns:") && !strings.HasPrefix(s, "turns:") {
				errs = append(errs, fmt.Errorf("invalid ICE server %q: must start with stun: or turn:", s))
			}
		}
		if c.PollInterval <= 0 {
			errs = append(errs, errors.New("poll interval must be positive"))
		}
		if c.CallTimeout <= 0 {
			errs = append(errs, errors.New("call timeout must be positive"))
		}
		for _, f := range c.PlayFrom {
			switch strings.ToLower(filepath.Ext(f)) {
			case ".ivf", ".ogg":
			default:
				errs = append(errs, fmt.Errorf("invalid media file %q: must be .ivf or .ogg", f))
			}
		}
		if c.MaxReceiveFailures < 0 {
			errs = append(errs, errors.New("max receive failures must not be negative"))
		}
	case ModeRelay:
		if c.ListenAddr == "" {
			errs = append(errs, errors.New("missing listen address"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q: must be peer or relay", c.Mode))
	}

	return errors.Join(errs...)
}

// NormalizeRelayURL validates a relay address and returns the URL a peer
// dials for transport t. A bare host defaults to a secure scheme.
func NormalizeRelayURL(raw string, t Transport) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "http" {
		scheme = "ws"
	}
	path := "/ws"
	if t == TransportWAMP {
		path = "/"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}
