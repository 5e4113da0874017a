package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/resolver"
)

// ManagerConfig carries the call defaults.
type ManagerConfig struct {
	// DefRing is the ring bound applied when a destination does not
	// carry one; MaxRing caps every destination's bound.
	DefRing time.Duration
	MaxRing time.Duration

	// ResolveTimeout bounds the resolver chain, InviteTimeout each
	// dispatcher invite.
	ResolveTimeout time.Duration
	InviteTimeout  time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.DefRing <= 0 {
		c.DefRing = 30 * time.Second
	}
	if c.MaxRing <= 0 {
		c.MaxRing = 300 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 5 * time.Second
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = 10 * time.Second
	}
}

// Manager owns every live call and the dispatcher registry.
type Manager struct {
	cfg       ManagerConfig
	registry  *fabric.Registry
	bus       *event.Bus
	resolvers *resolver.Chain
	logger    *slog.Logger

	// OnStopped, when set, is called after a call fully stopped so its
	// lifetime can be swept. Set once during wiring.
	OnStopped func(id string, lifetime fabric.Lifetime)

	mu          sync.RWMutex
	calls       map[string]*Call
	dispatchers map[string]Dispatcher
}

// NewManager creates a call manager.
func NewManager(cfg ManagerConfig, registry *fabric.Registry, bus *event.Bus, resolvers *resolver.Chain, logger *slog.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:         cfg,
		registry:    registry,
		bus:         bus,
		resolvers:   resolvers,
		logger:      logger.With("component", "call"),
		calls:       make(map[string]*Call),
		dispatchers: make(map[string]Dispatcher),
	}
}

// RegisterDispatcher installs the invite dispatcher for one destination
// scheme ("sip", "verto", "api"). The empty scheme is the fallback for
// unprefixed destinations.
func (m *Manager) RegisterDispatcher(scheme string, d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchers[scheme] = d
}

// dispatcherFor selects the dispatcher by the destination's scheme
// prefix, falling back to the empty-scheme dispatcher.
func (m *Manager) dispatcherFor(dest string) Dispatcher {
	scheme := ""
	if i := strings.IndexByte(dest, ':'); i > 0 {
		scheme = dest[:i]
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.dispatchers[scheme]; ok {
		return d
	}
	return m.dispatchers[""]
}

// clampRing applies the default and the cap to a destination ring bound.
func (m *Manager) clampRing(ring time.Duration) time.Duration {
	if ring <= 0 {
		ring = m.cfg.DefRing
	}
	if ring > m.cfg.MaxRing {
		ring = m.cfg.MaxRing
	}
	return ring
}

// Start creates a call and kicks off resolution and invite fan-out.
// Returns the call id; with no destinations the call still exists
// briefly and hangs up with no_destination.
func (m *Manager) Start(ctx context.Context, cfg Config) (string, error) {
	c := &Call{
		id:      uuid.NewString(),
		cfg:     cfg,
		mgr:     m,
		mailbox: make(chan any, 64),
		done:    make(chan struct{}),
		state:   StateNew,
	}
	c.logger = m.logger.With("call_id", c.id, "service", cfg.Service)

	m.mu.Lock()
	m.calls[c.id] = c
	m.mu.Unlock()

	go c.run()

	if _, err := c.call(ctx, cmdStart{reply: make(chan response, 1)}); err != nil {
		return "", err
	}
	return c.id, nil
}

// Get returns a live call.
func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	c, ok := m.calls[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errcode.ErrCallNotFound
	}
	return c, nil
}

// Ringing forwards a ringing report to a call by id.
func (m *Manager) Ringing(ctx context.Context, id string, link fabric.Link, ans *model.SDP) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.Ringing(ctx, link, ans)
}

// Answered forwards an answer to a call by id.
func (m *Manager) Answered(ctx context.Context, id string, link fabric.Link, ans *model.SDP) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.Answered(ctx, link, ans)
}

// Rejected forwards a rejection to a call by id.
func (m *Manager) Rejected(ctx context.Context, id string, link fabric.Link) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.Rejected(ctx, link)
}

// Hangup hangs a call up by id. Unknown ids are ignored.
func (m *Manager) Hangup(id, reason string) {
	if c, err := m.Get(id); err == nil {
		c.Hangup(reason)
	}
}

// ObserverDown notifies a call that one of its observers died.
func (m *Manager) ObserverDown(subjectID string, entry fabric.Entry) {
	if c, err := m.Get(subjectID); err == nil {
		c.cast(cmdObserverDown{entry: entry})
	}
}

// List returns snapshots of every call of a service. An empty service
// lists all.
func (m *Manager) List(service string) []Info {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		if service == "" || c.cfg.Service == service {
			calls = append(calls, c)
		}
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(calls))
	for _, c := range calls {
		infos = append(infos, c.Info())
	}
	return infos
}

// Count returns the number of live calls.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Shutdown hangs every call up and waits, bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	for _, c := range calls {
		c.Hangup(model.ReasonSessionStop)
	}
	for _, c := range calls {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) finalizeCall(c *Call) {
	m.mu.Lock()
	delete(m.calls, c.id)
	m.mu.Unlock()

	m.logger.Info("call stopped", "call_id", c.id, "reason", c.reason)
	if m.OnStopped != nil {
		m.OnStopped(c.id, c.LifetimeToken())
	}
}
