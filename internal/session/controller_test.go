package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/rtcpeer/internal/engine"
	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/media/mediatest"
	"github.com/1ureka/rtcpeer/internal/negotiation"
	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/signaling"
)

func newController(hub *relay.Hub, role negotiation.Role, s *mediatest.Session) *Controller {
	e := engine.New(engine.Options{Role: role, PollInterval: 20 * time.Millisecond}, mediatest.Factory(s), signaling.LocalDialer(hub))
	return NewController(e)
}

func nextEvent(t *testing.T, c *Controller, kind EventKind) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func capture(id string) media.Capture {
	return func(ctx context.Context) (*media.Stream, error) {
		return mediatest.NewStream(id), nil
	}
}

func TestStartPublishesStream(t *testing.T) {
	hub := relay.NewHub()
	a := newController(hub, negotiation.Impolite, mediatest.New("A"))
	b := newController(hub, negotiation.Polite, mediatest.New("B"))
	defer a.Stop()
	defer b.Stop()

	if _, err := b.Start(context.Background(), "call", nil); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	params, err := a.Start(context.Background(), "call", capture("cam"))
	if err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if params.RoomID != "call" {
		t.Fatalf("params = %+v", params)
	}
	if ev := nextEvent(t, a, EventConnected); ev.Params.PeerID != params.PeerID {
		t.Fatalf("connected event params %+v", ev.Params)
	}

	first := nextEvent(t, b, EventRemoteTrack)
	second := nextEvent(t, b, EventRemoteTrack)
	if first.Track.StreamID() != "cam" || second.Track.StreamID() != "cam" {
		t.Fatalf("remote tracks from streams %s and %s", first.Track.StreamID(), second.Track.StreamID())
	}
}

func TestCaptureFailure(t *testing.T) {
	hub := relay.NewHub()
	s := mediatest.New("A")
	c := newController(hub, negotiation.Impolite, s)

	failing := func(ctx context.Context) (*media.Stream, error) {
		return nil, errors.New("camera busy")
	}
	_, err := c.Start(context.Background(), "call", failing)
	if !errors.Is(err, media.ErrMediaDevice) {
		t.Fatalf("expected ErrMediaDevice, got %v", err)
	}
	if c.Engine().State() != engine.Disconnected {
		t.Fatalf("engine state = %s, want disconnected", c.Engine().State())
	}
	if !s.Closed() {
		t.Fatal("media session left open")
	}
	if hub.Rooms() != 0 {
		t.Fatal("relay room left open")
	}
}

func TestStartUnavailable(t *testing.T) {
	hub := relay.NewHub()
	c := newController(hub, negotiation.Impolite, mediatest.New("A"))

	_, err := c.Start(context.Background(), "bad room!", capture("cam"))
	if !errors.Is(err, signaling.ErrUnavailable) || !errors.Is(err, relay.ErrInvalidRoom) {
		t.Fatalf("expected ErrUnavailable/ErrInvalidRoom, got %v", err)
	}
}

func TestPeerByeSurfacesClosed(t *testing.T) {
	hub := relay.NewHub()
	a := newController(hub, negotiation.Impolite, mediatest.New("A"))
	b := newController(hub, negotiation.Polite, mediatest.New("B"))

	if _, err := a.Start(context.Background(), "call", nil); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if _, err := b.Start(context.Background(), "call", nil); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ev := nextEvent(t, a, EventClosed); ev.Err != nil {
		t.Fatalf("local close reason = %v", ev.Err)
	}
	if ev := nextEvent(t, b, EventClosed); !errors.Is(ev.Err, engine.ErrRemoteBye) {
		t.Fatalf("remote close reason = %v", ev.Err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCloseIsFinal(t *testing.T) {
	c := newController(relay.NewHub(), negotiation.Impolite, mediatest.New("A"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Start(context.Background(), "call", nil); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
