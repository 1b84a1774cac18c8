// Package session is the application-facing side of a negotiation engine: it
// joins a room, publishes the local stream and turns engine callbacks into a
// stream of events.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/rtcpeer/internal/engine"
	"github.com/1ureka/rtcpeer/internal/media"
	"github.com/1ureka/rtcpeer/internal/protocol"
	"github.com/1ureka/rtcpeer/internal/util"
)

// EventKind identifies an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventRemoteTrack
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventRemoteTrack:
		return "remote-track"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is something the application may want to show.
type Event struct {
	Kind   EventKind
	Params protocol.Params   // EventConnected
	Track  media.RemoteTrack // EventRemoteTrack
	Err    error             // EventError; the close reason for EventClosed
}

// eventBuffer is the capacity of the events channel. Events are dropped when
// the application falls this far behind.
const eventBuffer = 64

// Controller drives one Engine.
type Controller struct {
	engine *engine.Engine
	events chan Event
}

// NewController wraps e and takes over its observers.
func NewController(e *engine.Engine) *Controller {
	c := &Controller{
		engine: e,
		events: make(chan Event, eventBuffer),
	}
	e.OnRemoteTrack(func(t media.RemoteTrack) {
		c.emit(Event{Kind: EventRemoteTrack, Track: t})
	})
	e.OnError(func(err error) {
		c.emit(Event{Kind: EventError, Err: err})
	})
	e.OnClosed(func(reason error) {
		c.emit(Event{Kind: EventClosed, Err: reason})
	})
	return c
}

// Events returns the event stream. It is never closed.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Engine returns the controlled engine.
func (c *Controller) Engine() *engine.Engine {
	return c.engine
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		util.LogWarning("session: dropping %s event, consumer too slow", ev.Kind)
	}
}

// Start joins room and publishes the stream produced by capture. A nil
// capture joins receive-only. A capture failure disconnects the engine and
// is returned wrapping media.ErrMediaDevice.
func (c *Controller) Start(ctx context.Context, room string, capture media.Capture) (protocol.Params, error) {
	params, err := c.engine.Connect(ctx, room)
	if err != nil {
		return protocol.Params{}, err
	}

	if capture != nil {
		stream, err := capture(ctx)
		if err != nil {
			if !errors.Is(err, media.ErrMediaDevice) {
				err = fmt.Errorf("%w: %w", media.ErrMediaDevice, err)
			}
			return protocol.Params{}, errors.Join(err, c.engine.Disconnect())
		}
		if err := c.engine.AddLocalStream(stream); err != nil {
			return protocol.Params{}, errors.Join(err, c.engine.Disconnect())
		}
		util.LogInfo("publishing %d local tracks", len(stream.Tracks))
	}

	c.emit(Event{Kind: EventConnected, Params: params})
	return params, nil
}

// Stop disconnects the engine. It may be called repeatedly.
func (c *Controller) Stop() error {
	return c.engine.Disconnect()
}

// Close disconnects the engine for good.
func (c *Controller) Close() error {
	return c.engine.Close()
}
