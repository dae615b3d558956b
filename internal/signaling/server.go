package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/drop/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Hub at /ws?user=<id> and, when configured, the relay
// credential endpoint at /relay-credentials.
type Server struct {
	hub   *Hub
	relay http.Handler
	srv   *http.Server
}

// NewServer creates a signaling server. relay may be nil.
func NewServer(hub *Hub, relay http.Handler) *Server {
	return &Server{hub: hub, relay: relay}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if s.relay != nil {
		mux.Handle("/relay-credentials", s.relay)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start begins listening on addr (":0" for a random port). Returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Close stops accepting connections and drops the established ones.
func (s *Server) Close() error {
	if s.srv == nil {
		s.hub.closeAll()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.hub.closeAll()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	out := newSender(conn)
	s.hub.join(user, out)

	stop := make(chan struct{})
	go keepAlive(out, stop)

	err = (&receiver{conn: conn}).watch(func(msg Message) {
		s.hub.route(user, msg)
	})

	util.LogDebug("%s: %v", user, err)

	close(stop)
	s.hub.leave(user, out)
	conn.Close()
}
