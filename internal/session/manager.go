package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/room"
)

// ManagerConfig carries the session defaults.
type ManagerConfig struct {
	// DefaultBackend pins the adapter used when a session does not name
	// one. Empty means chain over every adapter supporting the type.
	DefaultBackend string

	// WaitTimeout bounds the wait for an offer, ReadyTimeout the wait
	// for an answer.
	WaitTimeout  time.Duration
	ReadyTimeout time.Duration

	// TrickleWait bounds the hold for trickle candidates before a start
	// against a complete-SDP backend proceeds with whatever arrived.
	TrickleWait time.Duration

	// BackendTimeout bounds each backend operation.
	BackendTimeout time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 120 * time.Second
	}
	if c.TrickleWait <= 0 {
		c.TrickleWait = 2 * time.Second
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 10 * time.Second
	}
}

// Manager owns every live session. It is the backend event sink: engine
// callbacks are routed into the owning session's mailbox.
type Manager struct {
	cfg      ManagerConfig
	registry *fabric.Registry
	bus      *event.Bus
	backends *backend.Registry
	rooms    *room.Registry
	logger   *slog.Logger

	// OnStopped, when set, is called after a session fully stopped so
	// linked lifetimes (observers keyed to this session elsewhere) can
	// be swept. Set once during wiring, before any session starts.
	OnStopped func(id string, lifetime fabric.Lifetime)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, registry *fabric.Registry, bus *event.Bus, backends *backend.Registry, rooms *room.Registry, logger *slog.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		backends: backends,
		rooms:    rooms,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Start creates and starts a session, blocking until the backend accepted
// it (or, for a held trickle start, until gathering resolved). Returns
// the new session id.
func (m *Manager) Start(ctx context.Context, cfg Config) (string, error) {
	if !cfg.Type.Valid() {
		return "", fmt.Errorf("%w: unknown session type %q", errcode.ErrSessionError, cfg.Type)
	}

	backendName := cfg.Backend
	if backendName == "" {
		backendName = m.cfg.DefaultBackend
	}
	chain, err := m.backends.Chain(backendName, cfg.Type)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errcode.ErrBackendError, err)
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		mgr:       m,
		mailbox:   make(chan any, 64),
		done:      make(chan struct{}),
		state:     StateNew,
		typ:       cfg.Type,
		ext:       cfg.Ext,
		chain:     chain,
		createdAt: time.Now().UTC(),
	}
	if cfg.Offer != nil {
		offer := *cfg.Offer
		s.offer = &offer
	}
	s.logger = m.logger.With("session_id", s.id, "service", cfg.Service)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go s.run()

	if _, err := s.call(ctx, cmdStart{reply: make(chan response, 1)}); err != nil {
		return "", err
	}
	s.logger.Info("session started", "type", string(cfg.Type))
	return s.id, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errcode.ErrSessionNotFound
	}
	return s, nil
}

// SetOffer forwards an offer to a session by id.
func (m *Manager) SetOffer(ctx context.Context, id string, sdp model.SDP) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.SetOffer(ctx, sdp)
}

// SetAnswer forwards an answer to a session by id.
func (m *Manager) SetAnswer(ctx context.Context, id string, sdp model.SDP) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.SetAnswer(ctx, sdp)
}

// Stop stops a session by id. Stopping an unknown session is a no-op;
// stop must be idempotent across racing observers.
func (m *Manager) Stop(id, reason string) {
	if s, err := m.Get(id); err == nil {
		s.Stop(reason)
	}
}

// ObserverDown notifies a session that one of its observers died. The
// session decides the stop reason from the observer's class.
func (m *Manager) ObserverDown(subjectID string, entry fabric.Entry) {
	if s, err := m.Get(subjectID); err == nil {
		s.cast(cmdObserverDown{entry: entry})
	}
}

// EngineEvent implements backend.EventSink.
func (m *Manager) EngineEvent(ev backend.EngineEvent) {
	s, err := m.Get(ev.SessionID)
	if err != nil {
		m.logger.Debug("engine event for unknown session",
			"session_id", ev.SessionID,
			"kind", string(ev.Kind),
		)
		return
	}
	s.cast(cmdEngineEvent{ev: ev})
}

// List returns snapshots of every session of a service. An empty service
// lists all.
func (m *Manager) List(service string) []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if service == "" || s.cfg.Service == service {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountByType returns live session counts keyed by session type.
func (m *Manager) CountByType() map[model.SessionType]int {
	counts := make(map[model.SessionType]int)
	for _, info := range m.List("") {
		counts[info.Type]++
	}
	return counts
}

// Shutdown stops every session and waits for them to finish, bounded by
// the context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Stop(model.ReasonSessionStop)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}

// finalizeSession is called from the actor after the stop grace.
func (m *Manager) finalizeSession(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.logger.Info("session stopped",
		"session_id", s.id,
		"reason", s.stopReason,
	)
	if m.OnStopped != nil {
		m.OnStopped(s.id, s.LifetimeToken())
	}
}

var _ backend.EventSink = (*Manager)(nil)
