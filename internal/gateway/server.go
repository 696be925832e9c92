// Package gateway streams bus events to external clients over a
// websocket and routes their permission answers back to the owning
// session. Clients pick the topics they want with subscribe frames;
// everything else is read-only.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/session"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

const shutdownGrace = 5 * time.Second

// Server is the websocket event gateway.
type Server struct {
	cfg      *config.Config
	bus      *bus.Bus
	sessions *session.Manager
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	baseCtx    context.Context
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway to the bus and the session manager.
func NewServer(cfg *config.Config, b *bus.Bus, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		bus:      b,
		sessions: sessions,
		logger:   logger,
		clients:  make(map[string]*client),
		baseCtx:  context.Background(),
	}
}

// Handler returns the HTTP mux serving /ws and /health.
func (s *Server) Handler() http.Handler {
	if s.mux == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/health", s.handleHealth)
		s.mux = mux
	}
	return s.mux
}

// Start listens until ctx is cancelled, then drains clients and shuts
// the listener down.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.logger.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.closeClients()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket runs one client connection to completion.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("gateway.auth_rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("gateway.accept_failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	c := newClient(conn, s)
	s.register(c)
	defer s.drop(c)

	c.run(r.Context())
}

// authorized checks the bearer token. An empty configured token leaves
// the gateway open, which is the local-development default.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if strings.TrimPrefix(h, "Bearer ") == token {
			return true
		}
	}
	return r.URL.Query().Get("token") == token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.logger.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.bus.UnsubscribeAll(c.id)
	s.logger.Info("gateway.client_disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// routePermission hands a permission answer to the session manager.
// It runs off the read loop: resuming can execute tools and model
// calls, and the outcome streams back over the session topic.
func (s *Server) routePermission(resp protocol.PermissionResponse, c *client) {
	if _, err := s.sessions.HandlePermissionResponse(s.baseCtx, resp); err != nil {
		s.logger.Warn("gateway.permission_rejected",
			"session", resp.SessionID,
			"request", resp.RequestID,
			"error", err)
		c.sendError(err.Error())
	}
}
