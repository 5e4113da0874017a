package verto

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/hub"
)

const defaultIdleTimeout = 60 * time.Minute

// CredentialStore resolves Verto logins. The auth package provides the
// default implementation; tests plug in a map.
type CredentialStore interface {
	// VertoLogin validates a login/password pair and returns the
	// normalized username, or false when the login is refused.
	VertoLogin(service, login, passwd string) (string, bool)
}

// Config carries the Verto adapter settings.
type Config struct {
	// ListenAddr, when set, runs a standalone HTTP listener; otherwise
	// the server is mounted on an outer router via ServeHTTP.
	ListenAddr string

	// Service is the tenant every Verto-originated object is scoped to.
	Service string

	// IdleTimeout closes connections with no inbound traffic.
	IdleTimeout time.Duration
}

// Server accepts Verto WebSocket connections and owns the registry of
// logged-in endpoints so calls can be routed back to them.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	creds    CredentialStore
	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpSrv *http.Server

	mu    sync.RWMutex
	conns map[string]*conn  // keyed by connection id
	users map[string]string // normalized user -> connection id

	legs *legTable
}

// NewServer creates a Verto server. The outbound dispatcher and the
// logged-in-user resolver are installed on the hub.
func NewServer(cfg Config, h *hub.Hub, creds CredentialStore, logger *slog.Logger) *Server {
	if cfg.Service == "" {
		cfg.Service = "default"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	s := &Server{
		cfg:   cfg,
		hub:   h,
		creds: creds,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "verto"),
		conns:  make(map[string]*conn),
		users:  make(map[string]string),
		legs:   newLegTable(),
	}

	h.Bus.RegisterHandler(fabric.KindVerto, event.HandlerFunc(s.observerEvent))
	h.Calls.RegisterDispatcher("verto", newDispatcher(s))
	h.Resolvers.Append("verto-users", s.userResolver())

	return s
}

// ServeHTTP upgrades the request and runs the connection until it dies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(s, ws)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.logger.Info("verto connection opened", "conn_id", c.id, "remote", r.RemoteAddr)
	c.readLoop()
	s.dropConn(c)
}

// Start runs the standalone listener when ListenAddr is configured.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		return nil
	}
	r := chi.NewRouter()
	r.Get("/", s.ServeHTTP)
	s.httpSrv = &http.Server{Addr: s.cfg.ListenAddr, Handler: r}

	go func() {
		s.logger.Info("verto listener starting", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("verto listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every connection.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// dropConn tears a dead connection's state down: every object it
// registered on dies through the lifetime sweep.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if c.user != "" && s.users[c.user] == c.id {
		delete(s.users, c.user)
	}
	s.mu.Unlock()

	for _, leg := range s.legs.dropConn(c.id) {
		s.failLeg(leg)
	}

	s.hub.LifetimeEnd(c.lifetime())
	s.logger.Info("verto connection closed", "conn_id", c.id, "user", c.user)
}

// bindUser points the user registry at a freshly logged-in connection.
// A second login for the same user replaces the previous binding.
func (s *Server) bindUser(user, connID string) {
	s.mu.Lock()
	s.users[user] = connID
	s.mu.Unlock()
}

func (s *Server) connByID(id string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

func (s *Server) connByUser(user string) *conn {
	s.mu.RLock()
	id, ok := s.users[user]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.connByID(id)
}

// observerEvent pushes core lifecycle events out to the owning
// connection as verto.* requests.
func (s *Server) observerEvent(entry fabric.Entry, ev event.Event) {
	link, ok := entry.Key.(fabric.VertoLink)
	if !ok {
		return
	}
	c := s.connByID(link.ConnID)
	if c == nil {
		return
	}
	c.coreEvent(link, ev)
}
