package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/hub"
)

// Config carries the API adapter settings.
type Config struct {
	// ListenAddr, when set, runs a standalone HTTP listener; otherwise
	// the server is mounted on an outer router via ServeHTTP.
	ListenAddr string

	// Secret signs and verifies client JWTs.
	Secret []byte

	// MsgRate and MsgBurst bound the per-connection command rate.
	MsgRate  rate.Limit
	MsgBurst int
}

// Server accepts API WebSocket clients, runs their command loops and
// pushes lifecycle events back to them.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpSrv *http.Server

	mu      sync.RWMutex
	clients map[string]*client // keyed by client id
	names   map[string]string  // token subject -> client id

	legs *legTable
}

// NewServer creates an API server and installs its event handler and
// out-leg dispatcher on the hub.
func NewServer(cfg Config, h *hub.Hub, logger *slog.Logger) *Server {
	if cfg.MsgRate <= 0 {
		cfg.MsgRate = rate.Limit(20)
	}
	if cfg.MsgBurst <= 0 {
		cfg.MsgBurst = 40
	}
	s := &Server{
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "api"),
		clients: make(map[string]*client),
		names:   make(map[string]string),
		legs:    newLegTable(),
	}

	h.Bus.RegisterHandler(fabric.KindAPI, event.HandlerFunc(s.observerEvent))
	h.Calls.RegisterDispatcher("api", newDispatcher(s))

	return s
}

// ServeHTTP authenticates the upgrade request against the JWT bearer
// token, then runs the client until its connection dies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("api auth refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(s, ws, claims)

	s.mu.Lock()
	s.clients[c.id] = c
	s.names[c.name] = c.id
	s.mu.Unlock()

	s.logger.Info("api client connected",
		"client_id", c.id,
		"subject", c.name,
		"service", c.service,
		"remote", r.RemoteAddr,
	)
	c.readLoop()
	s.dropClient(c)
}

// authenticate pulls the bearer token from the Authorization header,
// falling back to the token query parameter for browser clients.
func (s *Server) authenticate(r *http.Request) (*Claims, error) {
	tokenString := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenString = parts[1]
		}
	}
	return verifyToken(s.cfg.Secret, tokenString)
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
		s.logger.Info("api listener starting", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// dropClient tears a dead client down. The lifetime sweep stops every
// session and call the client registered on.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	if s.names[c.name] == c.id {
		delete(s.names, c.name)
	}
	s.mu.Unlock()

	c.closeSubs()
	for _, leg := range s.legs.dropClient(c.id) {
		s.failLeg(leg)
	}
	s.hub.LifetimeEnd(c.lifetime())
	s.logger.Info("api client disconnected", "client_id", c.id, "subject", c.name)
}

func (s *Server) clientByID(id string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

func (s *Server) clientByName(name string) *client {
	s.mu.RLock()
	id, ok := s.names[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.clientByID(id)
}

// failLeg reports a pending out-leg as rejected after its client died.
func (s *Server) failLeg(leg *apiLeg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hub.Calls.Rejected(ctx, leg.callID, fabric.SessionLink{ID: leg.sessionID}); err != nil {
		s.logger.Debug("leg rejection report dropped",
			"call_id", leg.callID,
			"error", err,
		)
	}
}

// observerEvent pushes a lifecycle event to the API client observing
// the subject. The registration payload rides along as the event body.
func (s *Server) observerEvent(entry fabric.Entry, ev event.Event) {
	link, ok := entry.Key.(fabric.APILink)
	if !ok {
		return
	}
	c := s.clientByID(link.ClientID)
	if c == nil {
		return
	}
	c.pushEvent(ev, entry.Payload)
}
