package wamp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/1ureka/rtcpeer/internal/relay"
	"github.com/1ureka/rtcpeer/internal/util"
)

// Server is a WAMP router whose signaling procedures are served by a relay
// Hub.
type Server struct {
	address    string
	hub        *relay.Hub
	router     router.Router
	callee     *client.Client
	httpServer *http.Server
}

// NewServer creates a router for realm with the signaling procedures
// registered. It listens on address once Run is called.
func NewServer(address, realm string, hub *relay.Hub) (*Server, error) {
	if realm == "" {
		realm = DefaultRealm
	}

	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
			},
		},
	}
	nxr, err := router.NewRouter(routerConfig, util.StdLogger{Scope: "wamp-router"})
	if err != nil {
		return nil, fmt.Errorf("failed to create WAMP router: %w", err)
	}

	callee, err := client.ConnectLocal(nxr, client.Config{
		Realm:  realm,
		Logger: util.StdLogger{Scope: "wamp-callee"},
	})
	if err != nil {
		nxr.Close()
		return nil, fmt.Errorf("failed to attach relay to WAMP router: %w", err)
	}

	s := &Server{
		address: address,
		hub:     hub,
		router:  nxr,
		callee:  callee,
	}

	handlers := map[string]client.InvocationHandler{
		opConnect: s.handleConnect,
		opSend:    s.handleSend,
		opReceive: s.handleReceive,
		opClose:   s.handleClose,
	}
	for op, fn := range handlers {
		if err := callee.Register(pattern(op), fn, wamp.Dict{"match": "wildcard"}); err != nil {
			callee.Close()
			nxr.Close()
			return nil, fmt.Errorf("failed to register %s: %w", pattern(op), err)
		}
	}

	s.httpServer = &http.Server{
		Addr:    address,
		Handler: router.NewWebsocketServer(nxr),
	}
	return s, nil
}

// Handler returns the websocket endpoint of the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.address
}

// Run serves websocket clients until Shutdown.
func (s *Server) Run() error {
	util.LogInfo("WAMP relay listening on %s", s.address)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, the callee session and the router.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.router.Close()
	defer s.callee.Close()
	return s.httpServer.Shutdown(ctx)
}

// room extracts the room from the procedure that was actually called.
func room(inv *wamp.Invocation, op string) string {
	var proc string
	switch v := inv.Details["procedure"].(type) {
	case wamp.URI:
		proc = string(v)
	case string:
		proc = v
	}
	return strings.TrimSuffix(proc, pattern(op))
}

// peerArg returns the caller's peer id.
func peerArg(inv *wamp.Invocation) string {
	if len(inv.Arguments) == 0 {
		return ""
	}
	peer, _ := wamp.AsString(inv.Arguments[0])
	return peer
}

func errResult(err error) client.InvokeResult {
	return client.InvokeResult{
		Err:  errorURI(err),
		Args: wamp.List{err.Error()},
	}
}

func (s *Server) handleConnect(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	params, err := s.hub.Join(room(inv, opConnect))
	if err != nil {
		return errResult(err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return errResult(err)
	}
	return client.InvokeResult{Args: wamp.List{string(raw)}}
}

func (s *Server) handleSend(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	if len(inv.Arguments) != 2 {
		return errResult(fmt.Errorf("send takes 2 arguments, not %d", len(inv.Arguments)))
	}
	data, ok := wamp.AsString(inv.Arguments[1])
	if !ok {
		return errResult(fmt.Errorf("send: message argument is not a string"))
	}
	if err := s.hub.Send(room(inv, opSend), peerArg(inv), []byte(data)); err != nil {
		return errResult(err)
	}
	return client.InvokeResult{}
}

func (s *Server) handleReceive(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	data, err := s.hub.Receive(room(inv, opReceive), peerArg(inv))
	if err != nil {
		return errResult(err)
	}
	if data == nil {
		return client.InvokeResult{}
	}
	return client.InvokeResult{Args: wamp.List{string(data)}}
}

func (s *Server) handleClose(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	s.hub.Leave(room(inv, opClose), peerArg(inv))
	return client.InvokeResult{}
}
