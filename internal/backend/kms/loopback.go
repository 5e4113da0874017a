package kms

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediahub/mediahub/internal/model"
)

// LoopbackEngine is the built-in engine used when no external KMS engine
// is configured. Endpoints are in-memory records, descriptions are
// synthesized and connect/disconnect only validate their ends, so the
// signaling path runs end to end without media.
type LoopbackEngine struct {
	mu        sync.Mutex
	endpoints map[string]string          // session id -> endpoint kind
	links     map[string]map[string]bool // from -> to
	seq       int
}

// NewLoopbackEngine creates an empty loopback engine.
func NewLoopbackEngine() *LoopbackEngine {
	return &LoopbackEngine{
		endpoints: make(map[string]string),
		links:     make(map[string]map[string]bool),
	}
}

var _ EngineClient = (*LoopbackEngine)(nil)

// EndpointCount returns the number of live endpoints.
func (e *LoopbackEngine) EndpointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.endpoints)
}

// Connected reports whether media flows from one endpoint to another.
func (e *LoopbackEngine) Connected(fromID, toID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[fromID][toID]
}

func (e *LoopbackEngine) CreateEndpoint(ctx context.Context, sessionID, kind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.endpoints[sessionID]; ok {
		return fmt.Errorf("endpoint %s already exists", sessionID)
	}
	e.endpoints[sessionID] = kind
	return nil
}

func (e *LoopbackEngine) synth(sessionID string) string {
	e.seq++
	return fmt.Sprintf("v=0\r\no=mediahub %d %d IN IP4 127.0.0.1\r\ns=%s\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4002 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\na=ice-ufrag:loop\r\na=ice-pwd:loopbackloopbackloopback\r\n", e.seq, e.seq, sessionID)
}

func (e *LoopbackEngine) ProcessOffer(ctx context.Context, sessionID, offer string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.endpoints[sessionID]; !ok {
		return "", fmt.Errorf("no endpoint %s", sessionID)
	}
	return e.synth(sessionID), nil
}

func (e *LoopbackEngine) GenerateOffer(ctx context.Context, sessionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.endpoints[sessionID]; !ok {
		return "", fmt.Errorf("no endpoint %s", sessionID)
	}
	return e.synth(sessionID), nil
}

func (e *LoopbackEngine) ProcessAnswer(ctx context.Context, sessionID, answer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.endpoints[sessionID]; !ok {
		return fmt.Errorf("no endpoint %s", sessionID)
	}
	return nil
}

func (e *LoopbackEngine) AddICECandidate(ctx context.Context, sessionID string, c model.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.endpoints[sessionID]; !ok {
		return fmt.Errorf("no endpoint %s", sessionID)
	}
	return nil
}

func (e *LoopbackEngine) GatherCandidates(ctx context.Context, sessionID string) error {
	return nil
}

func (e *LoopbackEngine) Connect(ctx context.Context, fromID, toID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.endpoints[fromID]; !ok {
		return fmt.Errorf("no endpoint %s", fromID)
	}
	if _, ok := e.endpoints[toID]; !ok {
		return fmt.Errorf("no endpoint %s", toID)
	}
	if e.links[fromID] == nil {
		e.links[fromID] = make(map[string]bool)
	}
	e.links[fromID][toID] = true
	return nil
}

func (e *LoopbackEngine) Disconnect(ctx context.Context, fromID, toID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links[fromID], toID)
	return nil
}

func (e *LoopbackEngine) Release(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.endpoints, sessionID)
	delete(e.links, sessionID)
	for _, tos := range e.links {
		delete(tos, sessionID)
	}
	return nil
}
