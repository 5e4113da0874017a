package backend

import (
	"context"
	"fmt"

	"github.com/mediahub/mediahub/internal/model"
)

// P2P is the proxy-less adapter: no media work is done, both offer and
// answer must come from signaling peers and candidates are forwarded as
// events. It lives in this package because it touches no engine.
type P2P struct{}

// NewP2P creates the p2p adapter.
func NewP2P() *P2P { return &P2P{} }

// Name implements Adapter.
func (p *P2P) Name() string { return "p2p" }

// Supports implements Adapter.
func (p *P2P) Supports(t model.SessionType) bool {
	return t == model.SessionP2P
}

// Start implements Adapter. A p2p session needs an externally supplied
// offer; there is no engine to generate one.
func (p *P2P) Start(ctx context.Context, op *Op) (*Result, error) {
	if op.Offer == nil {
		return nil, fmt.Errorf("p2p session requires an offer")
	}
	return &Result{Reply: "started"}, nil
}

// SetOffer implements Adapter.
func (p *P2P) SetOffer(ctx context.Context, op *Op) (*Result, error) {
	return &Result{Reply: "ok"}, nil
}

// SetAnswer implements Adapter. The answer is forwarded by the session's
// event machinery; nothing to do here.
func (p *P2P) SetAnswer(ctx context.Context, op *Op) (*Result, error) {
	return &Result{Reply: "ok"}, nil
}

// Update implements Adapter. No backend state to transition.
func (p *P2P) Update(ctx context.Context, op *Op) (*Result, error) {
	return ResultContinue, nil
}

// Candidate implements Adapter. Candidates pass through to the signaling
// peer; the session emits them as events.
func (p *P2P) Candidate(ctx context.Context, op *Op) (*Result, error) {
	return &Result{Reply: "forwarded"}, nil
}

// Stop implements Adapter.
func (p *P2P) Stop(ctx context.Context, op *Op) error { return nil }

var _ Adapter = (*P2P)(nil)
