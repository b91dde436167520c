// Package server exposes the kernel over HTTP: the WebSocket command
// endpoint, health, and the hub-side cluster routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aetherhq/aether/internal/cluster"
	"github.com/aetherhq/aether/internal/config"
	"github.com/aetherhq/aether/internal/dispatch"
	"github.com/aetherhq/aether/internal/events"
)

// Server owns the listener and the set of live WS connections.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	hub        *cluster.Hub // nil unless hub role
	log        *slog.Logger

	httpServer *http.Server

	mu    sync.Mutex
	conns map[*dispatch.Conn]struct{}
}

func New(cfg *config.Config, d *dispatch.Dispatcher, bus *events.Bus, hub *cluster.Hub, log *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		bus:        bus,
		hub:        hub,
		log:        log,
		conns:      make(map[*dispatch.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	if hub != nil {
		mux.HandleFunc("POST /cluster/register", s.handleClusterRegister)
		mux.HandleFunc("POST /cluster/heartbeat", s.handleClusterHeartbeat)
	}
	if cfg.ClusterRole == config.RoleNode {
		mux.HandleFunc("POST /cluster/spawn", s.handleClusterSpawn)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Every bus event fans out to subscribed connections.
	bus.On("*", s.fanOut)
	return s
}

// ListenAndServe blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs on an existing listener, for tests.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[*dispatch.Conn]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) fanOut(evt events.Event) {
	s.mu.Lock()
	conns := make([]*dispatch.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.DeliverEvent(evt)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "role": s.cfg.ClusterRole})
}

// wsWriter adapts a websocket connection to the dispatcher's frame
// writer.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteFrame(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept", "err", err)
		return
	}
	wsConn.SetReadLimit(512 * 1024)
	defer wsConn.CloseNow()

	conn := dispatch.NewConn(wsWriter{conn: wsConn}, s.log)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	go conn.Run()

	ctx := r.Context()
	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			return
		}
		s.dispatcher.Dispatch(ctx, conn, data)
	}
}

func (s *Server) handleClusterRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	n, err := s.hub.Register(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(n)
}

func (s *Server) handleClusterHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.hub.Heartbeat(req.NodeID, req.Load); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClusterSpawn accepts a spawn command forwarded by the hub and
// runs it locally through the dispatcher's spawn path.
func (s *Server) handleClusterSpawn(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	data, err := s.dispatcher.SpawnLocal(r.Context(), raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
