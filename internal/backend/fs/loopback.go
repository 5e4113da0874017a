package fs

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/model"
)

// LoopbackEngine is the built-in engine used when no external FS engine
// is configured: it accepts every command, synthesizes descriptions and
// confirms transfers asynchronously, so the full signaling path can run
// without media. Development deployments and tests share it.
type LoopbackEngine struct {
	// Notify receives the engine events the loopback emits. Wired to
	// Adapter.HandleEngineEvent after construction.
	Notify func(backend.EngineEvent)

	mu   sync.Mutex
	legs map[string]bool
	seq  int
}

// NewLoopbackEngine creates an empty loopback engine.
func NewLoopbackEngine() *LoopbackEngine {
	return &LoopbackEngine{legs: make(map[string]bool)}
}

var _ EngineClient = (*LoopbackEngine)(nil)

// LegCount returns the number of live loopback legs.
func (e *LoopbackEngine) LegCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.legs)
}

func (e *LoopbackEngine) addLeg(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.legs[sessionID] = true
	e.seq++
	return e.seq
}

func (e *LoopbackEngine) emit(ev backend.EngineEvent) {
	if e.Notify != nil {
		go e.Notify(ev)
	}
}

// synthSDP fabricates a minimal description for a loopback leg.
func synthSDP(sessionID string, seq int, sdpType model.SDPType) string {
	body := fmt.Sprintf("v=0\r\no=mediahub %d %d IN IP4 127.0.0.1\r\ns=%s\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n", seq, seq, sessionID)
	if sdpType == model.SDPWebRTC {
		body += "a=ice-ufrag:loop\r\na=ice-pwd:loopbackloopbackloopback\r\na=fingerprint:sha-256 00:00\r\na=setup:actpass\r\n"
	}
	return body
}

func (e *LoopbackEngine) StartInbound(ctx context.Context, sessionID string, sdpType model.SDPType, offer string) (string, error) {
	seq := e.addLeg(sessionID)
	return synthSDP(sessionID, seq, sdpType), nil
}

func (e *LoopbackEngine) StartOutbound(ctx context.Context, sessionID string, sdpType model.SDPType) (string, error) {
	seq := e.addLeg(sessionID)
	return synthSDP(sessionID, seq, sdpType), nil
}

func (e *LoopbackEngine) CompleteOutbound(ctx context.Context, sessionID string, answer string) error {
	e.mu.Lock()
	ok := e.legs[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such leg %s", sessionID)
	}
	return nil
}

func (e *LoopbackEngine) Transfer(ctx context.Context, sessionID, dialplan string) error {
	e.mu.Lock()
	ok := e.legs[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such leg %s", sessionID)
	}

	// Conference joins confirm as bridged, everything else as parked.
	kind := backend.EventParked
	if len(dialplan) > 11 && dialplan[:11] == "conference:" {
		kind = backend.EventBridged
	}
	e.emit(backend.EngineEvent{SessionID: sessionID, Kind: kind})
	return nil
}

func (e *LoopbackEngine) Bridge(ctx context.Context, sessionID, peerID string) error {
	e.mu.Lock()
	ok := e.legs[sessionID] && e.legs[peerID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge needs two live legs")
	}
	e.emit(backend.EngineEvent{SessionID: sessionID, Kind: backend.EventBridged})
	e.emit(backend.EngineEvent{SessionID: peerID, Kind: backend.EventBridged})
	return nil
}

func (e *LoopbackEngine) SetVariable(ctx context.Context, sessionID, name, value string) error {
	return nil
}

func (e *LoopbackEngine) ConferenceCommand(ctx context.Context, roomID, command, arg string) error {
	return nil
}

func (e *LoopbackEngine) Hangup(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	delete(e.legs, sessionID)
	e.mu.Unlock()
	return nil
}
