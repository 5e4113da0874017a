// Package hub wires the orchestrator core together: the observer fabric,
// the event bus, the session and call managers, rooms and the resolver
// chain. It owns the cross-manager plumbing no single manager can do
// alone: lifetime sweeps, session-to-call event reactions and the
// destination shorthands signaling adapters share.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/resolver"
	"github.com/mediahub/mediahub/internal/room"
	"github.com/mediahub/mediahub/internal/sdputil"
	"github.com/mediahub/mediahub/internal/session"
)

// Hub is the composition root of the core.
type Hub struct {
	Registry  *fabric.Registry
	Bus       *event.Bus
	Backends  *backend.Registry
	Sessions  *session.Manager
	Calls     *call.Manager
	Rooms     *room.Registry
	Resolvers *resolver.Chain

	logger *slog.Logger
}

// Config carries the manager defaults the hub builds with.
type Config struct {
	Session session.ManagerConfig
	Call    call.ManagerConfig
}

// New builds a fully wired hub. Backend adapters still have to be
// registered on h.Backends and dispatchers on h.Calls before traffic.
func New(cfg Config, logger *slog.Logger) *Hub {
	registry := fabric.NewRegistry(logger)
	bus := event.NewBus(registry, logger)
	backends := backend.NewRegistry()
	rooms := room.NewRegistry(bus, logger)
	resolvers := resolver.NewChain(logger)

	h := &Hub{
		Registry:  registry,
		Bus:       bus,
		Backends:  backends,
		Rooms:     rooms,
		Resolvers: resolvers,
		logger:    logger.With("component", "hub"),
	}
	h.Sessions = session.NewManager(cfg.Session, registry, bus, backends, rooms, logger)
	h.Calls = call.NewManager(cfg.Call, registry, bus, resolvers, logger)

	h.Sessions.OnStopped = func(id string, lifetime fabric.Lifetime) { h.LifetimeEnd(lifetime) }
	h.Calls.OnStopped = func(id string, lifetime fabric.Lifetime) { h.LifetimeEnd(lifetime) }

	// Sessions and calls observe each other through the fabric; these
	// handlers turn delivered events into prompt reactions without
	// waiting for a lifetime sweep.
	bus.RegisterHandler(fabric.KindSession, event.HandlerFunc(h.sessionObserverEvent))
	bus.RegisterHandler(fabric.KindCall, event.HandlerFunc(h.callObserverEvent))

	return h
}

// LifetimeEnd sweeps every observer entry bound to the ended lifetime and
// notifies each orphaned subject. Adapters call this when a connection
// dies; managers call it when a session or call stops.
func (h *Hub) LifetimeEnd(lifetime fabric.Lifetime) {
	entries := h.Registry.EndLifetime(lifetime)
	for _, entry := range entries {
		// Subjects are session or call ids; the wrong manager ignores
		// the notification.
		h.Sessions.ObserverDown(entry.Subject, entry)
		h.Calls.ObserverDown(entry.Subject, entry)
	}
	if len(entries) > 0 {
		h.logger.Debug("lifetime ended",
			"lifetime", string(lifetime),
			"orphaned", len(entries),
		)
	}
}

// sessionObserverEvent handles events delivered to session-link
// observers: a session watching a call (bridge on answer, stop on
// hangup) or watching another session.
func (h *Hub) sessionObserverEvent(entry fabric.Entry, ev event.Event) {
	link := entry.Key.(fabric.SessionLink)

	switch ev.Tag {
	case event.TagAnswer:
		if ev.Subclass != event.SubclassCall {
			return
		}
		// The winning leg of the observed call is up; bridge the
		// watching session to it when the winner is a session.
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		winner, _ := payload["link"].(string)
		outID, ok := strings.CutPrefix(winner, "session:")
		if !ok {
			return
		}
		go h.bridge(link.ID, outID)

	case event.TagHangup:
		reason := ev.Reason
		if reason == "" {
			reason = model.ReasonPeerStop
		}
		go h.Sessions.Stop(link.ID, reason)

	case event.TagStop:
		go h.Sessions.Stop(link.ID, ev.Reason)
	}
}

// callObserverEvent handles events delivered to call-link observers: a
// call watching its linked session.
func (h *Hub) callObserverEvent(entry fabric.Entry, ev event.Event) {
	link := entry.Key.(fabric.CallLink)
	if ev.Tag == event.TagStop {
		go h.Calls.Hangup(link.ID, model.ReasonSessionStop)
	}
}

// bridge connects two ready sessions, the watcher as master.
func (h *Hub) bridge(masterID, slaveID string) {
	master, err := h.Sessions.Get(masterID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := master.Update(ctx, backend.UpdateSessionType, map[string]any{
		"session_type": string(model.SessionBridge),
		"peer_id":      slaveID,
	}); err != nil {
		h.logger.Error("bridge after call answer failed",
			"master", masterID,
			"slave", slaveID,
			"error", err,
		)
		h.Sessions.Stop(masterID, model.ReasonPeerStop)
	}
}

// InviteInput is a signaling adapter's inbound invite.
type InviteInput struct {
	Service string

	// Dest is the raw destination: a shorthand ("e", "p", "f<session>",
	// "mcu<room>") or a callee string for the resolver chain.
	Dest string

	Offer model.SDP

	// Register attaches the adapter's link to every object the invite
	// creates.
	Register *session.Registration

	Meta map[string]any
}

// InviteOutcome reports what an invite created.
type InviteOutcome struct {
	SessionID string
	// CallID is set when the destination required invite fan-out.
	CallID string
}

// SignalingInvite is the shared inbound-invite flow of the SIP and Verto
// adapters. Shorthand destinations map straight to a session type; any
// other destination parks the inbound leg and fans a call out to the
// resolved destinations, bridging on the first answer.
func (h *Hub) SignalingInvite(ctx context.Context, in InviteInput) (InviteOutcome, error) {
	offer := in.Offer
	if offer.Type == "" {
		offer.Type = sdputil.Classify(offer.Body)
	}
	if !offer.TrickleICE {
		offer.TrickleICE = sdputil.HasTrickle(offer.Body)
	}

	cfg := session.Config{
		Service:  in.Service,
		Offer:    &offer,
		Register: in.Register,
		Meta:     in.Meta,
	}

	switch {
	case in.Dest == "e":
		cfg.Type = model.SessionEcho

	case in.Dest == "p":
		cfg.Type = model.SessionPark

	case strings.HasPrefix(in.Dest, "mcu"):
		cfg.Type = model.SessionMCU
		cfg.Ext = model.TypeExt{RoomID: in.Dest, RoomType: model.DefaultRoomType}

	case strings.HasPrefix(in.Dest, "f") && len(in.Dest) > 1:
		peerID := in.Dest[1:]
		if _, err := h.Sessions.Get(peerID); err != nil {
			return InviteOutcome{}, fmt.Errorf("%w: bridge target %s", errcode.ErrSessionNotFound, peerID)
		}
		cfg.Type = model.SessionCall
		cfg.Peer = peerID

	default:
		return h.inviteViaCall(ctx, in, cfg)
	}

	id, err := h.Sessions.Start(ctx, cfg)
	if err != nil {
		return InviteOutcome{}, err
	}
	return InviteOutcome{SessionID: id}, nil
}

// inviteViaCall parks the inbound leg and starts the fan-out call linked
// to it.
func (h *Hub) inviteViaCall(ctx context.Context, in InviteInput, cfg session.Config) (InviteOutcome, error) {
	cfg.Type = model.SessionPark
	sessionID, err := h.Sessions.Start(ctx, cfg)
	if err != nil {
		return InviteOutcome{}, err
	}

	callCfg := call.Config{
		Service:   in.Service,
		Callee:    in.Dest,
		Offer:     cfg.Offer,
		SessionID: sessionID,
		Meta:      in.Meta,
	}
	if in.Register != nil {
		callCfg.Register = &call.Registration{
			Key:      in.Register.Key,
			Class:    in.Register.Class,
			Lifetime: in.Register.Lifetime,
			Payload:  in.Register.Payload,
		}
	}

	callID, err := h.Calls.Start(ctx, callCfg)
	if err != nil {
		h.Sessions.Stop(sessionID, model.ReasonNoDestination)
		return InviteOutcome{}, err
	}
	return InviteOutcome{SessionID: sessionID, CallID: callID}, nil
}

// Shutdown stops calls first so out-legs cancel cleanly, then sessions.
func (h *Hub) Shutdown(ctx context.Context) {
	h.Calls.Shutdown(ctx)
	h.Sessions.Shutdown(ctx)
}
