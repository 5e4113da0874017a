package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/resolver"
	"github.com/mediahub/mediahub/internal/session"
)

// fakeAdapter answers every offer and accepts the bridge types.
type fakeAdapter struct {
	mu      sync.Mutex
	updates []string
}

func (f *fakeAdapter) Name() string { return "fs" }

func (f *fakeAdapter) Supports(t model.SessionType) bool {
	switch t {
	case model.SessionPark, model.SessionEcho, model.SessionMCU,
		model.SessionBridge, model.SessionCall:
		return true
	}
	return false
}

func (f *fakeAdapter) Start(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	if op.Offer == nil {
		return &backend.Result{
			ExtOps: backend.ExtOps{Offer: &model.SDP{Body: "v=0 generated", Type: model.SDPWebRTC}},
			Reply:  "started",
		}, nil
	}
	return &backend.Result{
		ExtOps: backend.ExtOps{Answer: &model.SDP{Body: "v=0 answer", Type: op.Offer.Type}},
		Reply:  "started",
	}, nil
}

func (f *fakeAdapter) SetOffer(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	return &backend.Result{Reply: "ok"}, nil
}

func (f *fakeAdapter) SetAnswer(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	return &backend.Result{Reply: "answered"}, nil
}

func (f *fakeAdapter) Update(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	f.mu.Lock()
	f.updates = append(f.updates, op.UpdateKind)
	f.mu.Unlock()

	if op.UpdateKind != backend.UpdateSessionType {
		return &backend.Result{Reply: "updated"}, nil
	}
	next, _ := op.Opts["session_type"].(string)
	t := model.SessionType(next)
	ext := op.Ext
	if peer, ok := op.Opts["peer_id"].(string); ok {
		ext.PeerID = peer
	}
	if t == model.SessionPark {
		ext = model.TypeExt{}
	}
	return &backend.Result{
		ExtOps: backend.ExtOps{Type: t, Ext: &ext},
		Reply:  "updated",
	}, nil
}

func (f *fakeAdapter) Candidate(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	return &backend.Result{Reply: "added"}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context, op *backend.Op) error { return nil }

var _ backend.Adapter = (*fakeAdapter)(nil)

// sessionDispatcher launches each invite as an out-leg session and
// answers it immediately, the way an adapter would once its wire peer
// picked up.
type sessionDispatcher struct {
	h *Hub
}

func (d *sessionDispatcher) Invite(ctx context.Context, req call.InviteRequest) (call.InviteResult, error) {
	id, err := d.h.Sessions.Start(ctx, session.Config{
		Service: req.Service,
		Type:    model.SessionCall,
	})
	if err != nil {
		return call.InviteResult{}, err
	}
	go func() {
		s, err := d.h.Sessions.Get(id)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ans := model.SDP{Body: "v=0 callee answer", Type: model.SDPWebRTC}
		if err := s.SetAnswer(ctx, ans); err != nil {
			return
		}
		_ = d.h.Calls.Answered(ctx, req.CallID, fabric.SessionLink{ID: id}, &ans)
	}()
	return call.InviteResult{
		Link:     fabric.SessionLink{ID: id},
		Lifetime: fabric.Lifetime("session:" + id),
	}, nil
}

func (d *sessionDispatcher) Cancel(callID string, link fabric.Link) {
	if sl, ok := link.(fabric.SessionLink); ok {
		d.h.Sessions.Stop(sl.ID, model.ReasonOriginatorStop)
	}
}

func newHub(t *testing.T, table map[string][]resolver.Descriptor) (*Hub, *fakeAdapter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Config{}, logger)
	fake := &fakeAdapter{}
	h.Backends.Register(fake)
	h.Resolvers.Append("static", resolver.Static(table))
	h.Calls.RegisterDispatcher("", &sessionDispatcher{h: h})
	return h, fake
}

func register(client string) *session.Registration {
	return &session.Registration{
		Key:      fabric.APILink{ClientID: client},
		Lifetime: fabric.Lifetime("client:" + client),
	}
}

func TestInviteShorthandEcho(t *testing.T) {
	h, _ := newHub(t, nil)

	out, err := h.SignalingInvite(context.Background(), InviteInput{
		Service:  "tenant1",
		Dest:     "e",
		Offer:    model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC},
		Register: register("c1"),
	})
	if err != nil {
		t.Fatalf("SignalingInvite: %v", err)
	}
	if out.CallID != "" {
		t.Fatalf("echo shorthand created a call: %s", out.CallID)
	}

	s, err := h.Sessions.Get(out.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := s.Info().Type; got != model.SessionEcho {
		t.Fatalf("type = %s, want %s", got, model.SessionEcho)
	}
}

func TestInviteShorthandMCUJoinsRoom(t *testing.T) {
	h, _ := newHub(t, nil)

	out, err := h.SignalingInvite(context.Background(), InviteInput{
		Service: "tenant1",
		Dest:    "mcu1",
		Offer:   model.SDP{Body: "v=0 offer", Type: model.SDPRTP},
	})
	if err != nil {
		t.Fatalf("SignalingInvite: %v", err)
	}

	s, _ := h.Sessions.Get(out.SessionID)
	info := s.Info()
	if info.Type != model.SessionMCU || info.Ext.RoomID != "mcu1" {
		t.Fatalf("info = %+v", info)
	}
	if info.Ext.RoomType != model.DefaultRoomType {
		t.Fatalf("room type = %s, want %s", info.Ext.RoomType, model.DefaultRoomType)
	}

	roomInfo, ok := h.Rooms.Get("tenant1", "mcu1")
	if !ok {
		t.Fatal("room not created")
	}
	if roomInfo.Members != 1 {
		t.Fatalf("room members = %d, want 1", roomInfo.Members)
	}

	h.Sessions.Stop(out.SessionID, model.ReasonSessionStop)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.Rooms.Get("tenant1", "mcu1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("room not destroyed after last member left")
}

func TestInviteShorthandBridgeToExisting(t *testing.T) {
	h, _ := newHub(t, nil)

	first, err := h.SignalingInvite(context.Background(), InviteInput{
		Service: "tenant1",
		Dest:    "p",
		Offer:   model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC},
	})
	if err != nil {
		t.Fatalf("first invite: %v", err)
	}

	second, err := h.SignalingInvite(context.Background(), InviteInput{
		Service: "tenant1",
		Dest:    "f" + first.SessionID,
		Offer:   model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC},
	})
	if err != nil {
		t.Fatalf("second invite: %v", err)
	}

	a, _ := h.Sessions.Get(first.SessionID)
	b, _ := h.Sessions.Get(second.SessionID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ai, bi := a.Info(), b.Info()
		if ai.Type == model.SessionBridge && bi.Type == model.SessionBridge &&
			ai.Ext.PeerID == second.SessionID && bi.Ext.PeerID == first.SessionID {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bridge not symmetric: a=%+v b=%+v", a.Info(), b.Info())
}

func TestInviteUnknownBridgeTargetFails(t *testing.T) {
	h, _ := newHub(t, nil)

	_, err := h.SignalingInvite(context.Background(), InviteInput{
		Service: "tenant1",
		Dest:    "fdeadbeef",
		Offer:   model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC},
	})
	if !errors.Is(err, errcode.ErrSessionNotFound) {
		t.Fatalf("error = %v, want session_not_found", err)
	}
}

func TestInviteViaCallBridgesOnAnswer(t *testing.T) {
	table := map[string][]resolver.Descriptor{
		"alice": {{Dest: "alice-endpoint"}},
	}
	h, _ := newHub(t, table)

	out, err := h.SignalingInvite(context.Background(), InviteInput{
		Service:  "tenant1",
		Dest:     "alice",
		Offer:    model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC},
		Register: register("c1"),
	})
	if err != nil {
		t.Fatalf("SignalingInvite: %v", err)
	}
	if out.CallID == "" {
		t.Fatal("expected a call for a resolver destination")
	}

	inbound, _ := h.Sessions.Get(out.SessionID)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inbound.Info().Type == model.SessionBridge {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	info := inbound.Info()
	if info.Type != model.SessionBridge {
		t.Fatalf("inbound type = %s, want bridge", info.Type)
	}

	outLeg, err := h.Sessions.Get(info.Ext.PeerID)
	if err != nil {
		t.Fatalf("out-leg missing: %v", err)
	}
	if got := outLeg.Info().Type; got != model.SessionBridge {
		t.Fatalf("out-leg type = %s, want bridge", got)
	}
}

func TestInboundSessionStopHangsCallUp(t *testing.T) {
	// A destination that never answers keeps the call inviting.
	table := map[string][]resolver.Descriptor{
		"bob": {{Dest: "bob-endpoint", Ring: time.Hour}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Config{}, logger)
	fake := &fakeAdapter{}
	h.Backends.Register(fake)
	h.Resolvers.Append("static", resolver.Static(table))
	h.Calls.RegisterDispatcher("", &silentDispatcher{})

	sub := h.Bus.Subscribe(event.Topic{Service: "tenant1", Subclass: event.SubclassCall}, 8, nil)
	defer sub.Close()

	out, err := h.SignalingInvite(context.Background(), InviteInput{
		Service: "tenant1",
		Dest:    "bob",
		Offer:   model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC},
	})
	if err != nil {
		t.Fatalf("SignalingInvite: %v", err)
	}

	h.Sessions.Stop(out.SessionID, model.ReasonSIPBye)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-sub.C():
			if d.Event.Tag == event.TagHangup {
				if d.Event.Reason != model.ReasonSessionStop {
					t.Fatalf("hangup reason = %s, want %s", d.Event.Reason, model.ReasonSessionStop)
				}
				return
			}
		case <-deadline:
			t.Fatal("call did not hang up after inbound session stop")
		}
	}
}

// silentDispatcher launches invites that never progress.
type silentDispatcher struct {
	mu      sync.Mutex
	cancels int
}

func (d *silentDispatcher) Invite(ctx context.Context, req call.InviteRequest) (call.InviteResult, error) {
	return call.InviteResult{
		Link:     fabric.SIPOutLink{DestURI: req.Dest},
		Lifetime: fabric.Lifetime("leg:" + req.Dest),
	}, nil
}

func (d *silentDispatcher) Cancel(callID string, link fabric.Link) {
	d.mu.Lock()
	d.cancels++
	d.mu.Unlock()
}
