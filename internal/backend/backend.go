// Package backend defines the media-backend adapter contract. A session
// delegates every backend-specific operation to a chain of adapters; each
// adapter either handles the operation, fails it, or returns Continue to
// fall through to the next adapter in the chain.
package backend

import (
	"context"
	"fmt"

	"github.com/mediahub/mediahub/internal/model"
)

// Update kinds accepted by Adapter.Update.
const (
	UpdateSessionType  = "session_type"
	UpdateMedia        = "media"
	UpdateMCULayout    = "mcu_layout"
	UpdateListenSwitch = "listen_switch"
	UpdateDTMF         = "dtmf"
)

// Op carries the session attributes an adapter needs to perform one
// operation. It is a read-only view; adapters request attribute mutation
// through Result.ExtOps.
type Op struct {
	SessionID string
	Service   string
	Type      model.SessionType
	Ext       model.TypeExt

	Offer  *model.SDP
	Answer *model.SDP

	// UpdateKind and Opts apply to Update operations.
	UpdateKind string
	Opts       map[string]any

	// Candidate applies to Candidate operations.
	Candidate model.Candidate

	// Reason applies to Stop operations.
	Reason string
}

// ExtOps is an adapter's request to mutate session attributes atomically
// with the operation's reply. The session applies ExtOps before emitting
// any outbound event.
type ExtOps struct {
	Offer  *model.SDP
	Answer *model.SDP

	// Type, when non-empty, replaces the session type.
	Type model.SessionType

	// Ext, when non-nil, replaces the type-specific attributes.
	Ext *model.TypeExt
}

// IsZero reports whether the ExtOps requests no mutation.
func (e ExtOps) IsZero() bool {
	return e.Offer == nil && e.Answer == nil && e.Type == "" && e.Ext == nil
}

// Result is an adapter's reply to an operation.
type Result struct {
	// Continue means this adapter does not handle the operation and the
	// next adapter in the chain should be tried.
	Continue bool

	ExtOps ExtOps

	// Reply is an operation-specific payload returned to the caller.
	Reply any
}

// ResultContinue is the shared fall-through result.
var ResultContinue = &Result{Continue: true}

// EngineEventKind tags asynchronous notifications from a media engine.
type EngineEventKind string

const (
	// EventParked: the leg reached the neutral backend state.
	EventParked EngineEventKind = "parked"

	// EventBridged: a bridge between two legs completed.
	EventBridged EngineEventKind = "bridged"

	// EventHangup: the engine hung the leg up.
	EventHangup EngineEventKind = "hangup"

	// EventDestroyed: the engine released the leg's resources.
	EventDestroyed EngineEventKind = "destroyed"

	// EventDisconnected: the engine connection itself was lost.
	EventDisconnected EngineEventKind = "disconnected"

	// EventReady: the engine can accept trickled candidates; the session
	// flushes its buffer on receipt.
	EventReady EngineEventKind = "ready"

	// EventOffer / EventAnswer: an asynchronously generated description.
	EventOffer  EngineEventKind = "offer"
	EventAnswer EngineEventKind = "answer"

	// EventCandidate: an engine-side trickle candidate for the client.
	EventCandidate EngineEventKind = "candidate"

	// EventMCUInfo: conference composition changed.
	EventMCUInfo EngineEventKind = "mcu_info"
)

// EngineEvent is an asynchronous notification routed into the owning
// session's mailbox.
type EngineEvent struct {
	SessionID string
	Kind      EngineEventKind
	Reason    string
	SDP       *model.SDP
	Candidate *model.Candidate
	Detail    map[string]any
}

// EventSink receives engine events for routing to sessions. The session
// manager implements it.
type EventSink interface {
	EngineEvent(ev EngineEvent)
}

// Adapter is one media-backend plugin.
type Adapter interface {
	// Name returns the backend identifier used in session configs
	// ("fs", "kms", "p2p").
	Name() string

	// Supports reports whether the adapter can own sessions of type t.
	Supports(t model.SessionType) bool

	Start(ctx context.Context, op *Op) (*Result, error)
	SetOffer(ctx context.Context, op *Op) (*Result, error)
	SetAnswer(ctx context.Context, op *Op) (*Result, error)
	Update(ctx context.Context, op *Op) (*Result, error)
	Candidate(ctx context.Context, op *Op) (*Result, error)

	// Stop releases every backend resource held for the session. It must
	// be idempotent.
	Stop(ctx context.Context, op *Op) error
}

// Registry holds the ordered adapter chain.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an adapter to the chain. Registration order is
// dispatch order.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Get returns the adapter with the given name.
func (r *Registry) Get(name string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Chain returns the adapters to try for a session, in order. When a
// backend name is pinned, only that adapter is returned; otherwise every
// adapter supporting the type, in registration order.
func (r *Registry) Chain(backendName string, t model.SessionType) ([]Adapter, error) {
	if backendName != "" {
		a, ok := r.Get(backendName)
		if !ok {
			return nil, fmt.Errorf("unknown backend %q", backendName)
		}
		if !a.Supports(t) {
			return nil, fmt.Errorf("backend %q does not support type %q", backendName, t)
		}
		return []Adapter{a}, nil
	}

	var chain []Adapter
	for _, a := range r.adapters {
		if a.Supports(t) {
			chain = append(chain, a)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no backend supports type %q", t)
	}
	return chain, nil
}

// Dispatch invokes call on each adapter of the chain until one returns a
// non-Continue result. An error from any adapter aborts the dispatch.
func Dispatch(chain []Adapter, call func(a Adapter) (*Result, error)) (Adapter, *Result, error) {
	for _, a := range chain {
		res, err := call(a)
		if err != nil {
			return a, nil, err
		}
		if res == nil || res.Continue {
			continue
		}
		return a, res, nil
	}
	return nil, nil, fmt.Errorf("no adapter handled the operation")
}
