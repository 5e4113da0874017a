// Package fs implements the backend adapter for the FS conferencing
// engine. Park, echo and MCU are dialplan-inline transfers ("park",
// "echo", "conference:ROOM@TYPE") awaited against a parked or bridged
// engine event; bridging issues the engine bridge command with
// park_after_bridge pinned on both legs.
package fs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/model"
)

// parkWait bounds the wait for the engine to report a leg parked or
// bridged after a transfer.
const parkWait = 2 * time.Second

// EngineClient is the operation surface the adapter needs from the FS
// engine connection. The wire RPC behind it is out of scope; tests use an
// in-memory fake.
type EngineClient interface {
	// StartInbound answers an externally supplied offer, creating the
	// engine leg for the session.
	StartInbound(ctx context.Context, sessionID string, sdpType model.SDPType, offer string) (answer string, err error)

	// StartOutbound creates an engine leg and generates an offer.
	StartOutbound(ctx context.Context, sessionID string, sdpType model.SDPType) (offer string, err error)

	// CompleteOutbound finishes an outbound leg with the remote answer.
	CompleteOutbound(ctx context.Context, sessionID string, answer string) error

	// Transfer moves the leg to an inline dialplan application:
	// "park", "echo" or "conference:ROOM@TYPE".
	Transfer(ctx context.Context, sessionID, dialplan string) error

	// Bridge connects two engine legs.
	Bridge(ctx context.Context, sessionID, peerID string) error

	// SetVariable sets a channel variable on the leg.
	SetVariable(ctx context.Context, sessionID, name, value string) error

	// ConferenceCommand runs an online command against a conference room.
	ConferenceCommand(ctx context.Context, roomID, command, arg string) error

	// Hangup releases the engine leg.
	Hangup(ctx context.Context, sessionID string) error
}

// legState is the adapter's private per-session state.
type legState struct {
	started bool
	waiting map[backend.EngineEventKind]chan backend.EngineEvent
	// parkAfterBridge mirrors the channel variable pinned during bridge
	// setup so unexpected park events can be told apart from normal ones.
	parkAfterBridge bool
	bridged         bool
}

// Adapter is the FS backend adapter.
type Adapter struct {
	client EngineClient
	sink   backend.EventSink
	logger *slog.Logger

	mu   sync.Mutex
	legs map[string]*legState
}

// New creates an FS adapter. Engine events flow to sink after the adapter
// consumed the ones it is synchronously waiting on.
func New(client EngineClient, sink backend.EventSink, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: client,
		sink:   sink,
		logger: logger.With("backend", "fs"),
		legs:   make(map[string]*legState),
	}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return "fs" }

// Supports implements backend.Adapter. FS owns the conferencing types;
// the SFU publish/listen topology belongs to KMS.
func (a *Adapter) Supports(t model.SessionType) bool {
	switch t {
	case model.SessionPark, model.SessionEcho, model.SessionMCU,
		model.SessionBridge, model.SessionCall:
		return true
	}
	return false
}

// Start implements backend.Adapter. With an offer present the engine
// answers it (start_in); without one the engine generates the offer
// (start_out). Either way the leg is then transferred to the dialplan
// application matching the session type and awaited parked.
func (a *Adapter) Start(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	leg := a.leg(op.SessionID)
	mod := moduleFor(sdpTypeOf(op))

	ext := backend.ExtOps{}
	if op.Offer != nil {
		answer, err := mod.startIn(ctx, a.client, op.SessionID, op.Offer.Body)
		if err != nil {
			return nil, fmt.Errorf("fs_start_error: %w", err)
		}
		ext.Answer = &model.SDP{Body: answer, Type: sdpTypeOf(op)}
	} else {
		offer, err := mod.startOut(ctx, a.client, op.SessionID)
		if err != nil {
			return nil, fmt.Errorf("fs_start_error: %w", err)
		}
		ext.Offer = &model.SDP{Body: offer, Type: sdpTypeOf(op)}
		// The leg is not up until the remote answer arrives; the
		// transfer happens in SetAnswer.
		a.setStarted(op.SessionID, false)
		return &backend.Result{ExtOps: ext}, nil
	}

	if err := a.transferAndPark(ctx, leg, op); err != nil {
		return nil, err
	}
	a.setStarted(op.SessionID, true)
	return &backend.Result{ExtOps: ext, Reply: "started"}, nil
}

// SetOffer implements backend.Adapter. FS legs own their offer from
// Start; a late external offer is not supported.
func (a *Adapter) SetOffer(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	return nil, fmt.Errorf("fs_unknown_operation: offer is fixed at start")
}

// SetAnswer implements backend.Adapter. Completes an outbound leg with
// the remote answer and transfers it to its dialplan target.
func (a *Adapter) SetAnswer(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	if op.Answer == nil {
		return nil, fmt.Errorf("fs_sdp_error: missing answer")
	}
	if err := a.client.CompleteOutbound(ctx, op.SessionID, op.Answer.Body); err != nil {
		return nil, fmt.Errorf("fs_start_error: %w", err)
	}

	leg := a.leg(op.SessionID)
	if err := a.transferAndPark(ctx, leg, op); err != nil {
		return nil, err
	}
	a.setStarted(op.SessionID, true)
	return &backend.Result{Reply: "answered"}, nil
}

// Update implements backend.Adapter.
func (a *Adapter) Update(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	switch op.UpdateKind {
	case backend.UpdateSessionType:
		return a.updateSessionType(ctx, op)
	case backend.UpdateMCULayout:
		return a.updateLayout(ctx, op)
	case backend.UpdateDTMF:
		// DTMF relay into the conference; carried as an engine command.
		digits, _ := op.Opts["dtmf"].(string)
		if digits == "" {
			return nil, fmt.Errorf("fs_unknown_operation: empty dtmf")
		}
		if err := a.client.ConferenceCommand(ctx, op.Ext.RoomID, "dtmf", digits); err != nil {
			return nil, fmt.Errorf("fs_conference_error: %w", err)
		}
		return &backend.Result{Reply: "sent"}, nil
	default:
		return backend.ResultContinue, nil
	}
}

// updateSessionType retargets the leg: park, echo, mcu or bridge.
func (a *Adapter) updateSessionType(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	next, _ := op.Opts["session_type"].(string)
	t := model.SessionType(next)

	switch t {
	case model.SessionPark, model.SessionEcho, model.SessionMCU:
		retarget := &backend.Op{
			SessionID: op.SessionID,
			Service:   op.Service,
			Type:      t,
			Ext:       extFromOpts(op.Opts, op.Ext),
		}
		a.setParkAfterBridge(op.SessionID, false)
		a.setBridged(op.SessionID, false)
		if err := a.transferAndPark(ctx, a.leg(op.SessionID), retarget); err != nil {
			return nil, err
		}
		return &backend.Result{
			ExtOps: backend.ExtOps{Type: t, Ext: &retarget.Ext},
			Reply:  "updated",
		}, nil

	case model.SessionBridge:
		peerID, _ := op.Opts["peer_id"].(string)
		if peerID == "" {
			return nil, fmt.Errorf("fs_bridge_error: missing peer_id")
		}
		return a.bridge(ctx, op, peerID)

	default:
		return nil, fmt.Errorf("fs_unknown_operation: session_type %q", next)
	}
}

// bridge pins park_after_bridge on both legs, issues the bridge command
// and waits for the bridged engine event.
func (a *Adapter) bridge(ctx context.Context, op *backend.Op, peerID string) (*backend.Result, error) {
	for _, id := range []string{op.SessionID, peerID} {
		if err := a.client.SetVariable(ctx, id, "park_after_bridge", "true"); err != nil {
			return nil, fmt.Errorf("fs_bridge_error: pinning park_after_bridge on %s: %w", id, err)
		}
		a.setParkAfterBridge(id, true)
	}

	wait := a.expect(op.SessionID, backend.EventBridged)
	if err := a.client.Bridge(ctx, op.SessionID, peerID); err != nil {
		a.unexpect(op.SessionID, backend.EventBridged)
		return nil, fmt.Errorf("fs_bridge_error: %w", err)
	}
	if err := a.await(ctx, op.SessionID, backend.EventBridged, wait); err != nil {
		return nil, err
	}
	a.setBridged(op.SessionID, true)
	a.setBridged(peerID, true)

	ext := op.Ext
	ext.PeerID = peerID
	return &backend.Result{
		ExtOps: backend.ExtOps{Type: model.SessionBridge, Ext: &ext},
		Reply:  "bridged",
	}, nil
}

// updateLayout runs the MCU layout change as an online conference command.
func (a *Adapter) updateLayout(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	layout, _ := op.Opts["mcu_layout"].(string)
	if layout == "" {
		return nil, fmt.Errorf("fs_layout_error: missing mcu_layout")
	}
	if op.Ext.RoomID == "" {
		return nil, fmt.Errorf("fs_layout_error: session is not in a room")
	}
	if err := a.client.ConferenceCommand(ctx, op.Ext.RoomID, "vid-layout", layout); err != nil {
		return nil, fmt.Errorf("fs_layout_error: %w", err)
	}
	ext := op.Ext
	ext.Layout = layout
	return &backend.Result{
		ExtOps: backend.ExtOps{Ext: &ext},
		Reply:  "updated",
	}, nil
}

// Candidate implements backend.Adapter. FS consumes complete descriptions
// only; trickled candidates are aggregated by the session before Start,
// so anything arriving here is absorbed.
func (a *Adapter) Candidate(ctx context.Context, op *backend.Op) (*backend.Result, error) {
	return &backend.Result{Reply: "absorbed"}, nil
}

// Stop implements backend.Adapter.
func (a *Adapter) Stop(ctx context.Context, op *backend.Op) error {
	a.mu.Lock()
	leg, ok := a.legs[op.SessionID]
	if ok {
		delete(a.legs, op.SessionID)
	}
	a.mu.Unlock()
	if !ok || !leg.started {
		return nil
	}
	if err := a.client.Hangup(ctx, op.SessionID); err != nil {
		return fmt.Errorf("fs_channel_stop: %w", err)
	}
	return nil
}

// HandleEngineEvent routes an asynchronous engine notification. Events a
// pending operation is waiting on are consumed by that waiter; everything
// else is forwarded to the session via the sink. A parked event arriving
// with no waiter while the leg is bridged is the unexpected-park signal
// the session uses to fall back to park.
func (a *Adapter) HandleEngineEvent(ev backend.EngineEvent) {
	a.mu.Lock()
	leg, ok := a.legs[ev.SessionID]
	var waiter chan backend.EngineEvent
	if ok && leg.waiting != nil {
		waiter = leg.waiting[ev.Kind]
		delete(leg.waiting, ev.Kind)
	}
	a.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- ev:
		default:
		}
		return
	}

	a.logger.Debug("engine event",
		"session_id", ev.SessionID,
		"kind", string(ev.Kind),
	)
	a.sink.EngineEvent(ev)
}

// transferAndPark issues the dialplan transfer for the op's type and
// waits for the engine to confirm.
func (a *Adapter) transferAndPark(ctx context.Context, leg *legState, op *backend.Op) error {
	dialplan, confirm, err := dialplanFor(op)
	if err != nil {
		return err
	}

	wait := a.expect(op.SessionID, confirm)
	if err := a.client.Transfer(ctx, op.SessionID, dialplan); err != nil {
		a.unexpect(op.SessionID, confirm)
		return fmt.Errorf("fs_transfer_error: %w", err)
	}
	return a.await(ctx, op.SessionID, confirm, wait)
}

// dialplanFor maps a session type to its inline dialplan application and
// the engine event confirming it.
func dialplanFor(op *backend.Op) (string, backend.EngineEventKind, error) {
	switch op.Type {
	case model.SessionPark, model.SessionCall:
		return "park", backend.EventParked, nil
	case model.SessionEcho:
		return "echo", backend.EventParked, nil
	case model.SessionMCU:
		roomType := op.Ext.RoomType
		if roomType == "" {
			roomType = model.DefaultRoomType
		}
		if op.Ext.RoomID == "" {
			return "", "", fmt.Errorf("fs_conference_error: missing room_id")
		}
		return fmt.Sprintf("conference:%s@%s", op.Ext.RoomID, roomType), backend.EventBridged, nil
	case model.SessionBridge:
		// Bridge is reached through Update, never through a transfer.
		return "park", backend.EventParked, nil
	default:
		return "", "", fmt.Errorf("fs_unknown_operation: type %q", op.Type)
	}
}

// expect registers a one-shot waiter for an engine event.
func (a *Adapter) expect(sessionID string, kind backend.EngineEventKind) chan backend.EngineEvent {
	ch := make(chan backend.EngineEvent, 1)
	a.mu.Lock()
	leg := a.legLocked(sessionID)
	leg.waiting[kind] = ch
	a.mu.Unlock()
	return ch
}

func (a *Adapter) unexpect(sessionID string, kind backend.EngineEventKind) {
	a.mu.Lock()
	if leg, ok := a.legs[sessionID]; ok {
		delete(leg.waiting, kind)
	}
	a.mu.Unlock()
}

// await blocks until the expected event arrives, bounded by parkWait.
func (a *Adapter) await(ctx context.Context, sessionID string, kind backend.EngineEventKind, ch chan backend.EngineEvent) error {
	timer := time.NewTimer(parkWait)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		a.unexpect(sessionID, kind)
		return fmt.Errorf("fs_park_timeout: no %s event within %s", kind, parkWait)
	case <-ctx.Done():
		a.unexpect(sessionID, kind)
		return ctx.Err()
	}
}

func (a *Adapter) leg(sessionID string) *legState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.legLocked(sessionID)
}

func (a *Adapter) legLocked(sessionID string) *legState {
	leg, ok := a.legs[sessionID]
	if !ok {
		leg = &legState{waiting: make(map[backend.EngineEventKind]chan backend.EngineEvent)}
		a.legs[sessionID] = leg
	}
	return leg
}

func (a *Adapter) setStarted(sessionID string, started bool) {
	a.mu.Lock()
	a.legLocked(sessionID).started = started
	a.mu.Unlock()
}

func (a *Adapter) setParkAfterBridge(sessionID string, v bool) {
	a.mu.Lock()
	a.legLocked(sessionID).parkAfterBridge = v
	a.mu.Unlock()
}

func (a *Adapter) setBridged(sessionID string, v bool) {
	a.mu.Lock()
	a.legLocked(sessionID).bridged = v
	a.mu.Unlock()
}

// sdpTypeOf picks the SDP flavor the leg negotiates.
func sdpTypeOf(op *backend.Op) model.SDPType {
	if op.Offer != nil && op.Offer.Type != "" {
		return op.Offer.Type
	}
	return model.SDPWebRTC
}

func extFromOpts(opts map[string]any, base model.TypeExt) model.TypeExt {
	ext := base
	ext.PeerID = ""
	if v, ok := opts["room_id"].(string); ok && v != "" {
		ext.RoomID = v
	}
	if v, ok := opts["room_type"].(string); ok && v != "" {
		ext.RoomType = v
	}
	return ext
}

var _ backend.Adapter = (*Adapter)(nil)
