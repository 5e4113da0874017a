package fs

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []backend.EngineEvent
}

func (s *recordingSink) EngineEvent(ev backend.EngineEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []backend.EngineEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.EngineEventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestAdapter(t *testing.T) (*Adapter, *LoopbackEngine, *recordingSink) {
	t.Helper()
	engine := NewLoopbackEngine()
	sink := &recordingSink{}
	a := New(engine, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine.Notify = a.HandleEngineEvent
	return a, engine, sink
}

func webrtcOffer() *model.SDP {
	return &model.SDP{
		Body: "v=0\r\nm=audio 4000 RTP/AVP 0\r\na=ice-ufrag:x\r\n",
		Type: model.SDPWebRTC,
	}
}

func TestStartInboundPark(t *testing.T) {
	a, engine, _ := newTestAdapter(t)

	res, err := a.Start(t.Context(), &backend.Op{
		SessionID: "s1",
		Service:   "default",
		Type:      model.SessionPark,
		Offer:     webrtcOffer(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.ExtOps.Answer == nil || res.ExtOps.Answer.Body == "" {
		t.Fatal("inbound start should produce an answer")
	}
	if engine.LegCount() != 1 {
		t.Errorf("legs = %d, want 1", engine.LegCount())
	}
}

func TestStartOutboundDefersTransfer(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	res, err := a.Start(t.Context(), &backend.Op{
		SessionID: "s1",
		Service:   "default",
		Type:      model.SessionCall,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.ExtOps.Offer == nil || res.ExtOps.Offer.Body == "" {
		t.Fatal("outbound start should generate an offer")
	}

	res, err = a.SetAnswer(t.Context(), &backend.Op{
		SessionID: "s1",
		Service:   "default",
		Type:      model.SessionCall,
		Answer:    &model.SDP{Body: "v=0\r\n", Type: model.SDPWebRTC},
	})
	if err != nil {
		t.Fatalf("set answer: %v", err)
	}
	if res.Reply != "answered" {
		t.Errorf("reply = %v", res.Reply)
	}
}

func TestStartMCURequiresRoom(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	_, err := a.Start(t.Context(), &backend.Op{
		SessionID: "s1",
		Service:   "default",
		Type:      model.SessionMCU,
		Offer:     webrtcOffer(),
	})
	if err == nil || !strings.Contains(err.Error(), "fs_conference_error") {
		t.Fatalf("mcu without room_id should fail, got %v", err)
	}

	_, err = a.Start(t.Context(), &backend.Op{
		SessionID: "s2",
		Service:   "default",
		Type:      model.SessionMCU,
		Ext:       model.TypeExt{RoomID: "mcu-standup"},
		Offer:     webrtcOffer(),
	})
	if err != nil {
		t.Fatalf("mcu with room: %v", err)
	}
}

func TestBridgeTwoLegs(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	for _, id := range []string{"s1", "s2"} {
		if _, err := a.Start(t.Context(), &backend.Op{
			SessionID: id,
			Service:   "default",
			Type:      model.SessionPark,
			Offer:     webrtcOffer(),
		}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	res, err := a.Update(t.Context(), &backend.Op{
		SessionID:  "s1",
		Service:    "default",
		Type:       model.SessionPark,
		UpdateKind: backend.UpdateSessionType,
		Opts: map[string]any{
			"session_type": string(model.SessionBridge),
			"peer_id":      "s2",
		},
	})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if res.ExtOps.Type != model.SessionBridge {
		t.Errorf("type = %q", res.ExtOps.Type)
	}
	if res.ExtOps.Ext == nil || res.ExtOps.Ext.PeerID != "s2" {
		t.Errorf("ext = %+v", res.ExtOps.Ext)
	}
}

func TestUpdateUnknownKindFallsThrough(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	res, err := a.Update(t.Context(), &backend.Op{
		SessionID:  "s1",
		UpdateKind: "listen_switch",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Continue {
		t.Error("unhandled kind should fall through")
	}
}

func TestStopReleasesLeg(t *testing.T) {
	a, engine, _ := newTestAdapter(t)
	if _, err := a.Start(t.Context(), &backend.Op{
		SessionID: "s1",
		Service:   "default",
		Type:      model.SessionPark,
		Offer:     webrtcOffer(),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Stop(t.Context(), &backend.Op{SessionID: "s1"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if engine.LegCount() != 0 {
		t.Errorf("legs = %d, want 0", engine.LegCount())
	}
	// Stopping again is a no-op.
	if err := a.Stop(t.Context(), &backend.Op{SessionID: "s1"}); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestUnwaitedEngineEventReachesSink(t *testing.T) {
	a, _, sink := newTestAdapter(t)
	a.HandleEngineEvent(backend.EngineEvent{SessionID: "s9", Kind: backend.EventHangup})

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != backend.EventHangup {
		t.Fatalf("sink events = %v", kinds)
	}
}
