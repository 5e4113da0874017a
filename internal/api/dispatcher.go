package api

import (
	"context"
	"strings"
	"sync"

	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/session"
)

// apiLeg is a call out-leg dispatched to an API client, pending until
// the client reports answered or rejected.
type apiLeg struct {
	callID    string
	clientID  string
	sessionID string
}

type legKey struct {
	clientID string
	callID   string
}

type legTable struct {
	mu        sync.Mutex
	legs      map[legKey]*apiLeg
	bySession map[string]*apiLeg
}

func newLegTable() *legTable {
	return &legTable{
		legs:      make(map[legKey]*apiLeg),
		bySession: make(map[string]*apiLeg),
	}
}

func (t *legTable) add(leg *apiLeg) {
	t.mu.Lock()
	t.legs[legKey{leg.clientID, leg.callID}] = leg
	t.bySession[leg.sessionID] = leg
	t.mu.Unlock()
}

func (t *legTable) get(clientID, callID string) *apiLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.legs[legKey{clientID, callID}]
}

func (t *legTable) take(clientID, callID string) *apiLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	leg, ok := t.legs[legKey{clientID, callID}]
	if !ok {
		return nil
	}
	delete(t.legs, legKey{clientID, callID})
	delete(t.bySession, leg.sessionID)
	return leg
}

func (t *legTable) takeBySession(sessionID string) *apiLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	leg, ok := t.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(t.legs, legKey{leg.clientID, leg.callID})
	delete(t.bySession, sessionID)
	return leg
}

// dropClient removes and returns every pending leg of a client.
func (t *legTable) dropClient(clientID string) []*apiLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*apiLeg
	for key, leg := range t.legs {
		if key.clientID != clientID {
			continue
		}
		delete(t.legs, key)
		delete(t.bySession, leg.sessionID)
		out = append(out, leg)
	}
	return out
}

// dispatcher launches call out-legs toward connected API clients. The
// destination token is "api:<subject>".
type dispatcher struct {
	srv *Server
}

var _ call.Dispatcher = (*dispatcher)(nil)

func newDispatcher(s *Server) *dispatcher {
	return &dispatcher{srv: s}
}

// Invite creates the leg's session, pushes an invite frame to the
// client and waits for its answered/rejected command to close the loop.
func (d *dispatcher) Invite(ctx context.Context, req call.InviteRequest) (call.InviteResult, error) {
	s := d.srv
	name := strings.TrimPrefix(req.Dest, "api:")
	c := s.clientByName(name)
	if c == nil {
		return call.InviteResult{Remove: true}, nil
	}

	sessionID, err := s.hub.Sessions.Start(ctx, session.Config{
		Service: req.Service,
		Type:    model.SessionCall,
		Meta:    req.Meta,
		Register: &session.Registration{
			Key:      fabric.APILink{ClientID: c.id},
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

	s.legs.add(&apiLeg{callID: req.CallID, clientID: c.id, sessionID: sessionID})

	c.write(reply{
		Class:    classMedia,
		Subclass: "call",
		Cmd:      "invite",
		Data: inviteData{
			CallID:  req.CallID,
			Dest:    req.Dest,
			SDP:     offer.Body,
			SDPType: string(offer.Type),
			Meta:    req.Meta,
		},
	})
	s.logger.Info("api out-leg launched",
		"subject", name,
		"call_id", req.CallID,
		"session_id", sessionID,
	)

	return call.InviteResult{
		Link:     fabric.SessionLink{ID: sessionID},
		Lifetime: fabric.Lifetime("session:" + sessionID),
	}, nil
}

// Cancel withdraws a pending out-leg: the client gets a cancel frame
// and the leg's session is stopped.
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
	if c := s.clientByID(leg.clientID); c != nil {
		c.write(reply{
			Class:    classMedia,
			Subclass: "call",
			Cmd:      "cancel",
			Data:     callSignalData{CallID: leg.callID, Reason: model.ReasonOriginatorStop},
		})
	}
	s.hub.Sessions.Stop(leg.sessionID, model.ReasonOriginatorStop)
}
