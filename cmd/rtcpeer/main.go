// Rtcpeer is the CLI entry point.
//
// This tool joins a room on a signaling relay and keeps a WebRTC media
// session with the other peer of the room negotiated, using the perfect
// negotiation pattern. The same binary also serves the relay.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -room, -role, -relay, -transport, -listen, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtcpeer/internal/app"
	"github.com/1ureka/rtcpeer/internal/config"
	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/util"
)

var version = "dev"

const roomIDLength = 8

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	mode := flag.String("mode", "", "Mode: peer or relay")
	transport := flag.String("transport", string(cfg.Transport), "Signaling transport: ws or wamp")
	role := flag.String("role", cfg.Role.String(), "Negotiation role: polite or impolite (peer only)")
	flag.StringVar(&cfg.Room, "room", "", "Room to join; empty generates one (peer only)")
	relayURL := flag.String("relay", "", "Relay URL to connect to (peer only)")
	ice := flag.String("ice", "", "Comma-separated STUN/TURN URLs (peer only)")
	flag.StringVar(&cfg.TURNUsername, "turnUser", "", "TURN username (peer only)")
	flag.StringVar(&cfg.TURNCredential, "turnPass", "", "TURN credential (peer only)")
	flag.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Delay between relay receives (peer only)")
	flag.DurationVar(&cfg.CallTimeout, "timeout", cfg.CallTimeout, "Timeout of each relay call (peer only)")
	flag.IntVar(&cfg.MaxReceiveFailures, "maxFailures", 0, "Give up after this many failed receives in a row, 0 = never (peer only)")
	flag.DurationVar(&cfg.StatsInterval, "stats", cfg.StatsInterval, "Statistics reporting interval, 0 disables (peer only)")
	flag.BoolVar(&cfg.Echo, "echo", false, "Send received tracks back to the other peer (peer only)")
	flag.StringVar(&cfg.RecordDir, "record", "", "Directory to record received VP8/Opus tracks to (peer only)")
	play := flag.String("play", "", "Comma-separated .ivf (VP8) and .ogg (Opus) files to send instead of a test pattern (peer only)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Listen address (relay only)")
	flag.StringVar(&cfg.Realm, "realm", cfg.Realm, "WAMP realm")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Rtcpeer v%s", version))
	pterm.Println()

	cfg.Transport = config.Transport(*transport)
	if *ice != "" {
		cfg.ICEServers = strings.Split(*ice, ",")
	}
	if *play != "" {
		cfg.PlayFrom = strings.Split(*play, ",")
	}

	if *mode == "" {
		// No -mode flag → interactive mode.
		runInteractive(ctx, cfg)
		return
	}

	cfg.Mode = config.Mode(*mode)
	if cfg.Mode == config.ModePeer {
		r, err := negotiation.ParseRole(*role)
		if err != nil {
			fatal("%v", err)
		}
		cfg.Role = r

		if cfg.Room == "" {
			cfg.Room = util.GenerateRoomID(roomIDLength)
		}
		if *relayURL == "" {
			fatal("missing -relay for peer mode")
		}
		u, err := config.NormalizeRelayURL(*relayURL, cfg.Transport)
		if err != nil {
			fatal("%v", err)
		}
		cfg.RelayURL = u
	}

	run(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for the essential settings when no -mode flag is
// provided. Other settings keep their flag values.
func runInteractive(ctx context.Context, cfg config.Config) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Peer  - Join a call", "Relay - Serve signaling for peers"}).
		WithDefaultText("Select mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(mode, "Relay") {
		cfg.Mode = config.ModeRelay
		run(ctx, cfg)
		return
	}

	cfg.Mode = config.ModePeer
	cfg.RelayURL = askURL(cfg.Transport)
	cfg.Room = askRoom()

	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"polite", "impolite"}).
		WithDefaultText("Select negotiation role (the other peer must pick the opposite)").
		Show()
	cfg.Role, _ = negotiation.ParseRole(role)
	pterm.Println()

	run(ctx, cfg)
}

// run validates cfg and executes the selected mode.
func run(ctx context.Context, cfg config.Config) {
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration: %v", err)
	}

	switch cfg.Mode {
	case config.ModeRelay:
		if err := app.RunRelay(ctx, cfg); err != nil {
			fatal("relay failed: %v", err)
		}
		util.LogInfo("relay stopped")

	case config.ModePeer:
		util.LogInfo("room: %s (share it with the other peer)", cfg.Room)
		if err := app.RunPeer(ctx, cfg); err != nil {
			fatal("session failed: %v", err)
		}
		util.LogInfo("successfully closed session")
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func fatal(format string, args ...interface{}) {
	util.LogError(format, args...)
	os.Exit(1)
}

// askRoom prompts for a room id. An empty answer generates one.
func askRoom() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room (leave empty to create a new one)").
			Show()
		pterm.Println()

		room := strings.TrimSpace(raw)
		if room == "" {
			return util.GenerateRoomID(roomIDLength)
		}
		if relay.ValidRoomID(room) {
			return room
		}
		util.LogWarning("invalid room: use up to 64 letters, digits, '_', '-' or '@'")
	}
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL(t config.Transport) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com)").
			Show()

		u, err := config.NormalizeRelayURL(raw, t)
		if err == nil {
			pterm.Println()
			return u
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
