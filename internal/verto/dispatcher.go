package verto

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/resolver"
	"github.com/mediahub/mediahub/internal/session"
)

// vertoLeg is a server-initiated invite pushed to a logged-in endpoint,
// pending until the client answers or rejects it.
type vertoLeg struct {
	wire      string
	connID    string
	callID    string
	sessionID string
}

type legTable struct {
	mu        sync.Mutex
	byWire    map[string]*vertoLeg
	bySession map[string]*vertoLeg
}

func newLegTable() *legTable {
	return &legTable{
		byWire:    make(map[string]*vertoLeg),
		bySession: make(map[string]*vertoLeg),
	}
}

func (t *legTable) add(leg *vertoLeg) {
	t.mu.Lock()
	t.byWire[leg.wire] = leg
	t.bySession[leg.sessionID] = leg
	t.mu.Unlock()
}

// take removes and returns the pending leg for a wire call id.
func (t *legTable) take(wire string) *vertoLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	leg, ok := t.byWire[wire]
	if !ok {
		return nil
	}
	delete(t.byWire, wire)
	delete(t.bySession, leg.sessionID)
	return leg
}

func (t *legTable) takeBySession(sessionID string) *vertoLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	leg, ok := t.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(t.byWire, leg.wire)
	delete(t.bySession, sessionID)
	return leg
}

// dropConn removes and returns every pending leg owned by a connection.
func (t *legTable) dropConn(connID string) []*vertoLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*vertoLeg
	for wire, leg := range t.byWire {
		if leg.connID != connID {
			continue
		}
		delete(t.byWire, wire)
		delete(t.bySession, leg.sessionID)
		out = append(out, leg)
	}
	return out
}

func (t *legTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byWire)
}

// dispatcher launches out-legs toward logged-in Verto endpoints. The
// destination token is "verto:<user>".
type dispatcher struct {
	srv *Server
}

var _ call.Dispatcher = (*dispatcher)(nil)

func newDispatcher(s *Server) *dispatcher {
	return &dispatcher{srv: s}
}

// Invite pushes a verto.invite to the target endpoint. The engine
// generates the leg's offer; the client's verto.answer closes the loop
// through the connection handler.
func (d *dispatcher) Invite(ctx context.Context, req call.InviteRequest) (call.InviteResult, error) {
	s := d.srv
	user := strings.TrimPrefix(req.Dest, "verto:")
	c := s.connByUser(user)
	if c == nil {
		return call.InviteResult{Remove: true}, nil
	}

	wire := uuid.NewString()
	sessionID, err := s.hub.Sessions.Start(ctx, session.Config{
		Service: req.Service,
		Type:    model.SessionCall,
		Meta:    req.Meta,
		Register: &session.Registration{
			Key:      fabric.VertoLink{ConnID: c.id, WireCallID: wire},
			Class:    fabric.ClassRegistered,
			Lifetime: c.lifetime(),
		},
	})
	if err != nil {
		return call.InviteResult{Remove: true}, err
	}

	sess, err := s.hub.Sessions.Get(sessionID)
	if err != nil {
		return call.InviteResult{Remove: true}, err
	}
	offer, err := sess.GetOffer(ctx)
	if err != nil {
		s.hub.Sessions.Stop(sessionID, model.ReasonBackendStop)
		return call.InviteResult{Remove: true}, err
	}

	s.legs.add(&vertoLeg{wire: wire, connID: c.id, callID: req.CallID, sessionID: sessionID})
	c.track(wire, sessionID)

	callerID, _ := req.Meta["caller_id"].(string)
	c.push("verto.invite", sdpParams{
		SDP: offer.Body,
		Dialog: dialogParams{
			CallID:         wire,
			CallerIDNumber: callerID,
		},
	})
	s.logger.Info("verto out-leg launched",
		"user", user,
		"call_id", req.CallID,
		"session_id", sessionID,
		"wire_call_id", wire,
	)

	return call.InviteResult{
		Link:     fabric.SessionLink{ID: sessionID},
		Lifetime: fabric.Lifetime("session:" + sessionID),
	}, nil
}

// Cancel withdraws a pending out-leg: the endpoint gets a verto.bye and
// the leg's session is stopped.
func (d *dispatcher) Cancel(callID string, link fabric.Link) {
	s := d.srv
	sl, ok := link.(fabric.SessionLink)
	if !ok {
		return
	}
	leg := s.legs.takeBySession(sl.ID)
	if leg == nil {
		return
	}
	if c := s.connByID(leg.connID); c != nil {
		c.untrack(leg.wire)
		c.push("verto.bye", byeParams{
			Cause:  model.ReasonOriginatorStop,
			Dialog: dialogParams{CallID: leg.wire},
		})
	}
	s.hub.Sessions.Stop(leg.sessionID, model.ReasonOriginatorStop)
}

// failLeg reports a pending out-leg as rejected after its connection
// died. The leg's session goes down with the connection lifetime sweep.
func (s *Server) failLeg(leg *vertoLeg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hub.Calls.Rejected(ctx, leg.callID, fabric.SessionLink{ID: leg.sessionID}); err != nil {
		s.logger.Debug("leg rejection report dropped",
			"call_id", leg.callID,
			"error", err,
		)
	}
}

// userResolver contributes a "verto:<user>" destination when the callee
// is logged in over Verto.
func (s *Server) userResolver() resolver.Func {
	return func(ctx context.Context, service, callee string, acc []resolver.Descriptor) ([]resolver.Descriptor, error) {
		if s.connByUser(callee) == nil {
			return acc, nil
		}
		return append(acc, resolver.Descriptor{
			Dest:    "verto:" + callee,
			SDPType: model.SDPWebRTC,
		}), nil
	}
}
