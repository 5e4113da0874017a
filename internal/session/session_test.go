package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/room"
)

// fakeAdapter is a scriptable backend for session tests.
type fakeAdapter struct {
	name  string
	types map[model.SessionType]bool

	// onStart customizes the Start result; nil answers the offer with a
	// canned body.
	onStart func(op *backend.Op) (*backend.Result, error)

	mu         sync.Mutex
	started    []string
	stopped    []string
	candidates []model.Candidate
	updates    []string
	offers     []model.SDP
}

func newFakeAdapter(name string, types ...model.SessionType) *fakeAdapter {
	m := make(map[model.SessionType]bool)
	for _, t := range types {
		m[t] = true
	}
	return &fakeAdapter{name: name, types: m}
}

func (f *fakeAdapter) Name() string                       { return f.name }
func (f *fakeAdapter) Supports(t model.SessionType) bool  { return f.types[t] }

func (f *fakeAdapter) Start(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	f.mu.Lock()
	f.started = append(f.started, op.SessionID)
	if op.Offer != nil {
		f.offers = append(f.offers, *op.Offer)
	}
	f.mu.Unlock()
	if f.onStart != nil {
		return f.onStart(op)
	}
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
	return &backend.Result{
		ExtOps: backend.ExtOps{Answer: &model.SDP{Body: "v=0 answer", Type: op.Offer.Type}},
		Reply:  "ok",
	}, nil
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
	f.mu.Lock()
	f.candidates = append(f.candidates, op.Candidate)
	f.mu.Unlock()
	return &backend.Result{Reply: "added"}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context, op *backend.Op) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, op.SessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) receivedCandidates() []model.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Candidate, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *fakeAdapter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

var _ backend.Adapter = (*fakeAdapter)(nil)

// collector gathers events delivered to observers of one link kind.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) HandleSubjectEvent(entry fabric.Entry, ev event.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) byTag(tag event.Tag) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, ev := range c.events {
		if ev.Tag == tag {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) waitFor(t *testing.T, tag event.Tag, want int) []event.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.byTag(tag); len(evs) >= want {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, have %d", want, tag, len(c.byTag(tag)))
	return nil
}

type env struct {
	registry *fabric.Registry
	bus      *event.Bus
	backends *backend.Registry
	rooms    *room.Registry
	mgr      *Manager
	events   *collector
}

func newEnv(t *testing.T, cfg ManagerConfig, adapters ...backend.Adapter) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := fabric.NewRegistry(logger)
	bus := event.NewBus(registry, logger)
	backends := backend.NewRegistry()
	for _, a := range adapters {
		backends.Register(a)
	}
	rooms := room.NewRegistry(bus, logger)
	mgr := NewManager(cfg, registry, bus, backends, rooms, logger)

	events := &collector{}
	bus.RegisterHandler(fabric.KindAPI, events)

	return &env{registry: registry, bus: bus, backends: backends, rooms: rooms, mgr: mgr, events: events}
}

func observe(client string) *Registration {
	return &Registration{
		Key:      fabric.APILink{ClientID: client},
		Lifetime: fabric.Lifetime("client:" + client),
	}
}

func webrtcOffer() *model.SDP {
	return &model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC}
}

func TestStartWithOfferReachesReady(t *testing.T) {
	fake := newFakeAdapter("fake", model.SessionEcho)
	e := newEnv(t, ManagerConfig{}, fake)

	id, err := e.mgr.Start(context.Background(), Config{
		Service:  "tenant1",
		Type:     model.SessionEcho,
		Offer:    webrtcOffer(),
		Register: observe("c1"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	s, err := e.mgr.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	info := s.Info()
	if info.State != StateReady {
		t.Fatalf("state = %s, want %s", info.State, StateReady)
	}
	if !info.HasAnswer {
		t.Fatal("expected an answer")
	}

	answers := e.events.waitFor(t, event.TagAnswer, 1)
	if answers[0].SubjectID != id {
		t.Fatalf("answer event subject = %s, want %s", answers[0].SubjectID, id)
	}
}

func TestSecondAnswerRejectedWithoutStop(t *testing.T) {
	fake := newFakeAdapter("fake", model.SessionPark)
	fake.onStart = func(op *backend.Op) (*backend.Result, error) {
		return &backend.Result{Reply: "started"}, nil
	}
	e := newEnv(t, ManagerConfig{}, fake)

	id, err := e.mgr.Start(context.Background(), Config{
		Service:  "tenant1",
		Type:     model.SessionPark,
		Offer:    webrtcOffer(),
		Register: observe("c1"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	answer := model.SDP{Body: "v=0 answer", Type: model.SDPWebRTC}
	if err := e.mgr.SetAnswer(context.Background(), id, answer); err != nil {
		t.Fatalf("first SetAnswer: %v", err)
	}
	err = e.mgr.SetAnswer(context.Background(), id, answer)
	if !errors.Is(err, errcode.ErrAlreadyAnswered) {
		t.Fatalf("second SetAnswer error = %v, want already_answered", err)
	}

	s, _ := e.mgr.Get(id)
	if got := s.Info().State; got != StateReady {
		t.Fatalf("state after duplicate answer = %s, want %s", got, StateReady)
	}
	if n := len(e.events.waitFor(t, event.TagAnswer, 1)); n != 1 {
		t.Fatalf("answer events = %d, want 1", n)
	}
}

func TestStopEmitsExactlyOneStopEvent(t *testing.T) {
	fake := newFakeAdapter("fake", model.SessionEcho)
	e := newEnv(t, ManagerConfig{}, fake)

	id, err := e.mgr.Start(context.Background(), Config{
		Service:  "tenant1",
		Type:     model.SessionEcho,
		Offer:    webrtcOffer(),
		Register: observe("c1"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s, _ := e.mgr.Get(id)

	s.Stop(model.ReasonSessionStop)
	s.Stop(model.ReasonCalleeStop)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish stopping")
	}

	stops := e.events.byTag(event.TagStop)
	if len(stops) != 1 {
		t.Fatalf("stop events = %d, want 1", len(stops))
	}
	if stops[0].Reason != model.ReasonSessionStop {
		t.Fatalf("stop reason = %s, want %s", stops[0].Reason, model.ReasonSessionStop)
	}
	if e.registry.Count() != 0 {
		t.Fatalf("observer entries after stop = %d, want 0", e.registry.Count())
	}
	if _, err := e.mgr.Get(id); !errors.Is(err, errcode.ErrSessionNotFound) {
		t.Fatalf("Get after stop = %v, want session_not_found", err)
	}
}

func TestCandidatesBufferedUntilBackendReady(t *testing.T) {
	fake := newFakeAdapter("fake", model.SessionEcho)
	e := newEnv(t, ManagerConfig{}, fake)

	id, err := e.mgr.Start(context.Background(), Config{
		Service: "tenant1",
		Type:    model.SessionEcho,
		Offer:   &model.SDP{Body: "v=0 offer", Type: model.SDPWebRTC, TrickleICE: true},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s, _ := e.mgr.Get(id)

	for i := 0; i < 3; i++ {
		c := model.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)}
		if err := s.Candidate(context.Background(), c); err != nil {
			t.Fatalf("Candidate %d: %v", i, err)
		}
	}
	if got := len(fake.receivedCandidates()); got != 0 {
		t.Fatalf("candidates forwarded before ready = %d, want 0", got)
	}

	e.mgr.EngineEvent(backend.EngineEvent{SessionID: id, Kind: backend.EventReady})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fake.receivedCandidates()) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	got := fake.receivedCandidates()
	if len(got) != 3 {
		t.Fatalf("flushed candidates = %d, want 3", len(got))
	}
	for i, c := range got {
		want := fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)
		if c.Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, c.Candidate, want)
		}
	}

	// The end-of-candidates sentinel is idempotent.
	if err := s.Candidate(context.Background(), model.Candidate{End: true}); err != nil {
		t.Fatalf("first end-of-candidates: %v", err)
	}
	if err := s.Candidate(context.Background(), model.Candidate{End: true}); err != nil {
		t.Fatalf("duplicate end-of-candidates: %v", err)
	}
}

func TestObserverDeathStopsWithClassReason(t *testing.T) {
	cases := []struct {
		class  fabric.Class
		reason string
	}{
		{fabric.ClassRegistered, model.ReasonRegisteredStop},
		{fabric.ClassSession, model.ReasonSessionStop},
		{fabric.ClassCallee, model.ReasonCalleeStop},
		{fabric.ClassMasterPeer, model.ReasonMasterStop},
	}
	for _, tc := range cases {
		t.Run(string(tc.class), func(t *testing.T) {
			fake := newFakeAdapter("fake", model.SessionEcho)
			e := newEnv(t, ManagerConfig{}, fake)

			id, err := e.mgr.Start(context.Background(), Config{
				Service: "tenant1",
				Type:    model.SessionEcho,
				Offer:   webrtcOffer(),
				Register: &Registration{
					Key:      fabric.APILink{ClientID: "watcher"},
					Class:    tc.class,
					Lifetime: "client:watcher",
				},
			})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			s, _ := e.mgr.Get(id)

			for _, entry := range e.registry.EndLifetime("client:watcher") {
				e.mgr.ObserverDown(entry.Subject, entry)
			}

			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session did not stop after observer death")
			}
			if got := s.Info().StopReason; got != tc.reason {
				t.Fatalf("stop reason = %s, want %s", got, tc.reason)
			}
		})
	}
}

func TestGetAnswerBlocksUntilAnswered(t *testing.T) {
	fake := newFakeAdapter("fake", model.SessionPark)
	fake.onStart = func(op *backend.Op) (*backend.Result, error) {
		return &backend.Result{Reply: "started"}, nil
	}
	e := newEnv(t, ManagerConfig{}, fake)

	id, err := e.mgr.Start(context.Background(), Config{
		Service: "tenant1",
		Type:    model.SessionPark,
		Offer:   webrtcOffer(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s, _ := e.mgr.Get(id)

	got := make(chan model.SDP, 1)
	errs := make(chan error, 1)
	go func() {
		sdp, err := s.GetAnswer(context.Background())
		if err != nil {
			errs <- err
			return
		}
		got <- sdp
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.SetAnswer(context.Background(), model.SDP{Body: "v=0 late answer", Type: model.SDPWebRTC}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	select {
	case sdp := <-got:
		if sdp.Body != "v=0 late answer" {
			t.Fatalf("answer body = %q", sdp.Body)
		}
	case err := <-errs:
		t.Fatalf("GetAnswer: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("GetAnswer did not return")
	}
}

func TestBridgePairAndPeerStopFallsBackToPark(t *testing.T) {
	fake := newFakeAdapter("fs", model.SessionPark, model.SessionBridge, model.SessionCall)
	e := newEnv(t, ManagerConfig{}, fake)

	start := func() string {
		t.Helper()
		id, err := e.mgr.Start(context.Background(), Config{
			Service:  "tenant1",
			Type:     model.SessionPark,
			Offer:    &model.SDP{Body: "v=0 offer", Type: model.SDPRTP},
			Register: observe("c1"),
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		return id
	}
	masterID := start()
	slaveID := start()

	master, _ := e.mgr.Get(masterID)
	if _, err := master.Update(context.Background(), backend.UpdateSessionType, map[string]any{
		"session_type": string(model.SessionBridge),
		"peer_id":      slaveID,
	}); err != nil {
		t.Fatalf("bridge update: %v", err)
	}

	// Both legs report the bridge.
	e.events.waitFor(t, event.TagUpdatedType, 2)

	mi := master.Info()
	if mi.Type != model.SessionBridge || mi.SlavePeer != slaveID {
		t.Fatalf("master info = %+v", mi)
	}
	slave, _ := e.mgr.Get(slaveID)
	si := slave.Info()
	if si.Type != model.SessionBridge || si.MasterPeer != masterID {
		t.Fatalf("slave info = %+v", si)
	}
	if si.Ext.PeerID != masterID {
		t.Fatalf("slave peer ext = %q, want %q", si.Ext.PeerID, masterID)
	}

	// Losing one leg parks the survivor instead of stopping it.
	master.Stop(model.ReasonSIPBye)
	select {
	case <-master.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("master did not stop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info := slave.Info(); info.Type == model.SessionPark {
			if info.State == StateStopping || info.State == StateStopped {
				t.Fatal("survivor stopped instead of parking")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("survivor type = %s, want %s", slave.Info().Type, model.SessionPark)
}

func TestTrickleHoldAggregatesBeforeStart(t *testing.T) {
	fake := newFakeAdapter("fs", model.SessionPark)
	fake.onStart = func(op *backend.Op) (*backend.Result, error) {
		return &backend.Result{Reply: "started"}, nil
	}
	e := newEnv(t, ManagerConfig{TrickleWait: 5 * time.Second}, fake)

	offer := `v=0
o=- 1 1 IN IP4 127.0.0.1
s=-
t=0 0
a=ice-options:trickle
m=audio 9 UDP/TLS/RTP/SAVPF 111
a=ice-ufrag:abcd
a=fingerprint:sha-256 AA:BB
`
	started := make(chan error, 1)
	go func() {
		_, err := e.mgr.Start(context.Background(), Config{
			Service: "tenant1",
			Type:    model.SessionPark,
			Offer:   &model.SDP{Body: offer, Type: model.SDPWebRTC, TrickleICE: true},
		})
		started <- err
	}()

	// The start is held; the session exists but the backend saw nothing.
	var held *Session
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && held == nil {
		if infos := e.mgr.List("tenant1"); len(infos) == 1 {
			held, _ = e.mgr.Get(infos[0].ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if held == nil {
		t.Fatal("held session not visible")
	}
	if got := fake.startCount(); got != 0 {
		t.Fatalf("backend started during hold = %d, want 0", got)
	}

	c := model.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", MLineIndex: 0}
	if err := held.Candidate(context.Background(), c); err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	if err := held.Candidate(context.Background(), model.Candidate{End: true}); err != nil {
		t.Fatalf("end-of-candidates: %v", err)
	}

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("held Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not resume after end-of-candidates")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.offers) != 1 {
		t.Fatalf("offers seen by backend = %d, want 1", len(fake.offers))
	}
	got := fake.offers[0]
	if got.TrickleICE {
		t.Fatal("aggregated offer still marked trickle")
	}
	if !strings.Contains(got.Body, "a=candidate:1 1 udp 1 10.0.0.1 5000 typ host") {
		t.Fatalf("aggregated offer missing candidate:\n%s", got.Body)
	}
	if !strings.Contains(got.Body, "a=end-of-candidates") {
		t.Fatalf("aggregated offer missing end-of-candidates:\n%s", got.Body)
	}
}

func TestAnswerPropagationToMaster(t *testing.T) {
	fake := newFakeAdapter("fs", model.SessionPark, model.SessionCall)
	fake.onStart = func(op *backend.Op) (*backend.Result, error) {
		return &backend.Result{Reply: "started"}, nil
	}
	e := newEnv(t, ManagerConfig{}, fake)

	masterID, err := e.mgr.Start(context.Background(), Config{
		Service: "tenant1",
		Type:    model.SessionPark,
		Offer:   webrtcOffer(),
	})
	if err != nil {
		t.Fatalf("master Start: %v", err)
	}

	legID, err := e.mgr.Start(context.Background(), Config{
		Service:    "tenant1",
		Type:       model.SessionCall,
		Offer:      webrtcOffer(),
		MasterPeer: masterID,
	})
	if err != nil {
		t.Fatalf("leg Start: %v", err)
	}

	leg, _ := e.mgr.Get(legID)
	if err := leg.SetAnswer(context.Background(), model.SDP{Body: "v=0 callee answer", Type: model.SDPWebRTC}); err != nil {
		t.Fatalf("leg SetAnswer: %v", err)
	}

	master, _ := e.mgr.Get(masterID)
	sdp, err := master.GetAnswer(context.Background())
	if err != nil {
		t.Fatalf("master GetAnswer: %v", err)
	}
	if sdp.Body != "v=0 callee answer" {
		t.Fatalf("propagated answer = %q", sdp.Body)
	}
}

func TestOfferTimeoutStopsSession(t *testing.T) {
	fake := newFakeAdapter("fake", model.SessionPark)
	fake.onStart = func(op *backend.Op) (*backend.Result, error) {
		return &backend.Result{Reply: "started"}, nil
	}
	e := newEnv(t, ManagerConfig{WaitTimeout: 30 * time.Millisecond}, fake)

	id, err := e.mgr.Start(context.Background(), Config{
		Service: "tenant1",
		Type:    model.SessionPark,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s, _ := e.mgr.Get(id)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on offer timeout")
	}
	if got := s.Info().StopReason; got != model.ReasonTimeout {
		t.Fatalf("stop reason = %s, want %s", got, model.ReasonTimeout)
	}
}
