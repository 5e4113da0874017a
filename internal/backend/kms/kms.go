// Package kms implements the backend adapter for the KMS WebRTC media
// engine. Unlike FS the engine is fully asynchronous: offers and answers
// may be generated at any time and ICE candidates stream in both
// directions. The adapter signals readiness so the session can flush its
// client-side candidate buffer.
package kms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/model"
)

// Endpoint kinds created on the engine.
const (
	endpointWebRTC = "webrtc"
	endpointRTP    = "rtp"
)

// EngineClient is the operation surface the adapter needs from the KMS
// engine connection. The wire RPC behind it is out of scope; tests use an
// in-memory fake.
type EngineClient interface {
	CreateEndpoint(ctx context.Context, sessionID, kind string) error
	ProcessOffer(ctx context.Context, sessionID, offer string) (answer string, err error)
	GenerateOffer(ctx context.Context, sessionID string) (offer string, err error)
	ProcessAnswer(ctx context.Context, sessionID, answer string) error
	AddICECandidate(ctx context.Context, sessionID string, c model.Candidate) error
	GatherCandidates(ctx context.Context, sessionID string) error

	// Connect wires media from one endpoint into another; used for echo
	// (self), proxy pairs and the publish/listen topology.
	Connect(ctx context.Context, fromID, toID string) error
	Disconnect(ctx context.Context, fromID, toID string) error

	Release(ctx context.Context, sessionID string) error
}

// epState is the adapter's private per-session state.
type epState struct {
	created   bool
	publisher string // publisher endpoint a listen session consumes
}

// Adapter is the KMS backend adapter.
type Adapter struct {
	client EngineClient
	sink   backend.EventSink
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*epState
	// publishers indexes publish sessions by (service, publisher id) so
	// listen sessions can resolve their source.
	publishers map[string]string // publisher id -> session id
}

// New creates a KMS adapter.
func New(client EngineClient, sink backend.EventSink, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:     client,
		sink:       sink,
		logger:     logger.With("backend", "kms"),
		endpoints:  make(map[string]*epState),
		publishers: make(map[string]string),
	}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return "kms" }

// Supports implements backend.Adapter. KMS owns the SFU topology and the
// simple per-leg states; MCU mixing and engine bridging belong to FS.
func (a *Adapter) Supports(t model.SessionType) bool {
	switch t {
	case model.SessionPark, model.SessionEcho, model.SessionProxy,
		model.SessionPublish, model.SessionListen:
		return true
	}
	return false
}

// Start implements backend.Adapter. The endpoint is created immediately;
// with an offer present the engine processes it and returns the answer,
// otherwise the engine generates the offer. Candidate gathering starts
// right away and the session is signalled ready for its buffered
// candidates.
func (a *Adapter) Start(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	kind := endpointWebRTC
	if op.Offer != nil && op.Offer.Type == model.SDPRTP {
		kind = endpointRTP
	}
	if err := a.client.CreateEndpoint(ctx, op.SessionID, kind); err != nil {
		return nil, fmt.Errorf("kms_endpoint_error: %w", err)
	}
	a.mu.Lock()
	a.endpoints[op.SessionID] = &epState{created: true}
	a.mu.Unlock()

	ext := backend.ExtOps{}
	sdpType := model.SDPWebRTC
	if op.Offer != nil {
		sdpType = op.Offer.Type
		answer, err := a.client.ProcessOffer(ctx, op.SessionID, op.Offer.Body)
		if err != nil {
			return nil, fmt.Errorf("kms_answer_error: %w", err)
		}
		ext.Answer = &model.SDP{Body: answer, Type: sdpType, TrickleICE: true}
	} else {
		offer, err := a.client.GenerateOffer(ctx, op.SessionID)
		if err != nil {
			return nil, fmt.Errorf("kms_offer_error: %w", err)
		}
		ext.Offer = &model.SDP{Body: offer, Type: sdpType, TrickleICE: true}
	}

	if err := a.wire(ctx, op); err != nil {
		return nil, err
	}

	if err := a.client.GatherCandidates(ctx, op.SessionID); err != nil {
		return nil, fmt.Errorf("kms_candidate_error: %w", err)
	}
	// The endpoint accepts trickled candidates from here on.
	a.sink.EngineEvent(backend.EngineEvent{
		SessionID: op.SessionID,
		Kind:      backend.EventReady,
	})

	return &backend.Result{ExtOps: ext, Reply: "started"}, nil
}

// wire connects the endpoint's media per session type.
func (a *Adapter) wire(ctx context.Context, op *backend.Op) error {
	switch op.Type {
	case model.SessionPark:
		// Neutral state: nothing connected.
		return nil

	case model.SessionEcho:
		if err := a.client.Connect(ctx, op.SessionID, op.SessionID); err != nil {
			return fmt.Errorf("kms_connect_error: echo loop: %w", err)
		}
		return nil

	case model.SessionProxy:
		// The proxy pair is connected when the second leg updates with
		// its peer; a lone proxy leg starts parked.
		if op.Ext.PeerID == "" {
			return nil
		}
		if err := a.client.Connect(ctx, op.SessionID, op.Ext.PeerID); err != nil {
			return fmt.Errorf("kms_proxy_error: %w", err)
		}
		if err := a.client.Connect(ctx, op.Ext.PeerID, op.SessionID); err != nil {
			return fmt.Errorf("kms_proxy_error: %w", err)
		}
		return nil

	case model.SessionPublish:
		id := op.Ext.PublisherID
		if id == "" {
			id = op.SessionID
		}
		a.mu.Lock()
		a.publishers[publisherKey(op.Service, id)] = op.SessionID
		a.mu.Unlock()
		return nil

	case model.SessionListen:
		return a.attachListener(ctx, op, op.Ext.PublisherID)

	default:
		return fmt.Errorf("kms_session_error: type %q", op.Type)
	}
}

// attachListener connects a listen session to its publisher's endpoint.
func (a *Adapter) attachListener(ctx context.Context, op *backend.Op, publisherID string) error {
	if publisherID == "" {
		return fmt.Errorf("kms_publisher_unknown: missing publisher_id")
	}
	a.mu.Lock()
	src, ok := a.publishers[publisherKey(op.Service, publisherID)]
	ep := a.endpoints[op.SessionID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("kms_publisher_unknown: %s", publisherID)
	}
	if ep != nil && ep.publisher != "" && ep.publisher != src {
		if err := a.client.Disconnect(ctx, ep.publisher, op.SessionID); err != nil {
			a.logger.Warn("detaching previous publisher failed",
				"session_id", op.SessionID,
				"error", err,
			)
		}
	}
	if err := a.client.Connect(ctx, src, op.SessionID); err != nil {
		return fmt.Errorf("kms_connect_error: attaching listener: %w", err)
	}
	a.mu.Lock()
	if ep := a.endpoints[op.SessionID]; ep != nil {
		ep.publisher = src
	}
	a.mu.Unlock()
	return nil
}

// SetOffer implements backend.Adapter. A late offer is processed
// asynchronously; the generated answer is applied through ExtOps.
func (a *Adapter) SetOffer(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	if op.Offer == nil {
		return nil, fmt.Errorf("kms_offer_error: missing offer")
	}
	answer, err := a.client.ProcessOffer(ctx, op.SessionID, op.Offer.Body)
	if err != nil {
		return nil, fmt.Errorf("kms_answer_error: %w", err)
	}
	return &backend.Result{
		ExtOps: backend.ExtOps{
			Answer: &model.SDP{Body: answer, Type: op.Offer.Type, TrickleICE: true},
		},
	}, nil
}

// SetAnswer implements backend.Adapter. Completes a locally generated
// offer with the remote answer.
func (a *Adapter) SetAnswer(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	if op.Answer == nil {
		return nil, fmt.Errorf("kms_answer_error: missing answer")
	}
	if err := a.client.ProcessAnswer(ctx, op.SessionID, op.Answer.Body); err != nil {
		return nil, fmt.Errorf("kms_answer_error: %w", err)
	}
	return &backend.Result{Reply: "answered"}, nil
}

// Update implements backend.Adapter. listen_switch retargets a listener
// to another publisher without renegotiation.
func (a *Adapter) Update(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	switch op.UpdateKind {
	case backend.UpdateListenSwitch:
		publisherID, _ := op.Opts["publisher_id"].(string)
		if err := a.attachListener(ctx, op, publisherID); err != nil {
			return nil, err
		}
		ext := op.Ext
		ext.PublisherID = publisherID
		return &backend.Result{
			ExtOps: backend.ExtOps{Ext: &ext},
			Reply:  "switched",
		}, nil

	case backend.UpdateSessionType:
		next, _ := op.Opts["session_type"].(string)
		t := model.SessionType(next)
		if !a.Supports(t) {
			return backend.ResultContinue, nil
		}
		retarget := *op
		retarget.Type = t
		if v, ok := op.Opts["publisher_id"].(string); ok {
			retarget.Ext.PublisherID = v
		}
		if v, ok := op.Opts["peer_id"].(string); ok {
			retarget.Ext.PeerID = v
		}
		if err := a.wire(ctx, &retarget); err != nil {
			return nil, err
		}
		return &backend.Result{
			ExtOps: backend.ExtOps{Type: t, Ext: &retarget.Ext},
			Reply:  "updated",
		}, nil

	default:
		return backend.ResultContinue, nil
	}
}

// Candidate implements backend.Adapter. End-of-candidates is a no-op for
// the engine; it gathers independently.
func (a *Adapter) Candidate(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	if op.Candidate.End {
		return &backend.Result{Reply: "done"}, nil
	}
	if err := a.client.AddICECandidate(ctx, op.SessionID, op.Candidate); err != nil {
		return nil, fmt.Errorf("kms_candidate_error: %w", err)
	}
	return &backend.Result{Reply: "added"}, nil
}

// Stop implements backend.Adapter.
func (a *Adapter) Stop(ctx context.Context, op *backend.Op) error {
	a.mu.Lock()
	ep, ok := a.endpoints[op.SessionID]
	if ok {
		delete(a.endpoints, op.SessionID)
	}
	for key, sid := range a.publishers {
		if sid == op.SessionID {
			delete(a.publishers, key)
		}
	}
	a.mu.Unlock()
	if !ok || !ep.created {
		return nil
	}
	if err := a.client.Release(ctx, op.SessionID); err != nil {
		return fmt.Errorf("kms_release_error: %w", err)
	}
	return nil
}

// HandleEngineEvent forwards asynchronous engine notifications (generated
// descriptions, engine-side candidates, endpoint teardown) to the owning
// session.
func (a *Adapter) HandleEngineEvent(ev backend.EngineEvent) {
	a.logger.Debug("engine event",
		"session_id", ev.SessionID,
		"kind", string(ev.Kind),
	)
	a.sink.EngineEvent(ev)
}

func publisherKey(service, id string) string {
	return service + "/" + id
}

var _ backend.Adapter = (*Adapter)(nil)
