// Package app contains the top-level orchestration for the peer and relay
// modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/1ureka/rtcpeer/internal/config"
	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/signaling"
	"github.com/1ureka/rtcpeer/internal/signaling/wamp"
	"github.com/1ureka/rtcpeer/internal/util"
)

const shutdownTimeout = 5 * time.Second

// server is the part of a relay front end RunRelay drives.
type server interface {
	Run() error
	Shutdown(ctx context.Context) error
}

// wsServer serves signaling.WSHandler under /ws.
type wsServer struct {
	http *http.Server
}

func newWSServer(address string, hub *relay.Hub) *wsServer {
	mux := http.NewServeMux()
	mux.Handle("/ws", signaling.NewWSHandler(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok rooms=%d\n", hub.Rooms())
	})
	return &wsServer{http: &http.Server{Addr: address, Handler: mux}}
}

func (s *wsServer) Run() error {
	util.LogInfo("websocket relay listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *wsServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func newServer(cfg config.Config, hub *relay.Hub) (server, error) {
	switch cfg.Transport {
	case config.TransportWAMP:
		return wamp.NewServer(cfg.ListenAddr, cfg.Realm, hub)
	default:
		return newWSServer(cfg.ListenAddr, hub), nil
	}
}

// RunRelay serves the signaling relay on cfg.ListenAddr until ctx is
// cancelled or the listener fails.
func RunRelay(ctx context.Context, cfg config.Config) error {
	hub := relay.NewHub()
	srv, err := newServer(cfg, hub)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay stopped: %w", err)
		}
		return nil

	case <-ctx.Done():
		util.LogInfo("shutting down relay (%d active rooms)", hub.Rooms())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay shutdown: %w", err)
		}
		return <-errCh
	}
}
