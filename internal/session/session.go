// Package session implements the per-leg state machine at the heart of
// the orchestrator. Every session runs as one goroutine owning all of its
// state; operations, backend callbacks, timer expiries and observer
// deaths enter through a single mailbox, so no session is ever touched by
// two threads at once.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/sdputil"
)

const (
	// stopGrace is the window between the final stop event and actor
	// exit, allowing non-blocking deliveries to drain.
	stopGrace = 100 * time.Millisecond

	// bridgePeerWait bounds the synchronous request into the peer leg
	// during bridge setup.
	bridgePeerWait = 2 * time.Second
)

// Session is one media leg. All exported methods are safe for concurrent
// use; they post into the session's mailbox.
type Session struct {
	id      string
	cfg     Config
	mgr     *Manager
	logger  *slog.Logger
	mailbox chan any
	done    chan struct{}

	// Everything below is owned by the actor goroutine.
	state       State
	typ         model.SessionType
	ext         model.TypeExt
	chain       []backend.Adapter
	adapter     backend.Adapter
	offer       *model.SDP
	answer      *model.SDP
	masterPeer  string
	slavePeer   string
	inRoom      string
	stopReason  string
	stopSent    bool
	createdAt   time.Time

	pending      []model.Candidate
	candEnd      bool
	backendReady bool

	gathering    bool
	pendingStart chan response

	offerWaiters  []chan response
	answerWaiters []chan response
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Service returns the tenant the session is scoped to.
func (s *Session) Service() string { return s.cfg.Service }

// LifetimeToken returns the fabric lifetime representing this session's
// liveness. It ends when the session stops.
func (s *Session) LifetimeToken() fabric.Lifetime {
	return fabric.Lifetime("session:" + s.id)
}

// Done is closed when the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// --- Public operations ---

// SetOffer supplies the remote offer to a session in offer-pending state.
func (s *Session) SetOffer(ctx context.Context, sdp model.SDP) error {
	_, err := s.call(ctx, cmdSetOffer{sdp: sdp, reply: make(chan response, 1)})
	return err
}

// SetAnswer supplies the remote answer. A second answer fails with
// already_answered and does not stop the session.
func (s *Session) SetAnswer(ctx context.Context, sdp model.SDP) error {
	_, err := s.call(ctx, cmdSetAnswer{sdp: sdp, reply: make(chan response, 1)})
	return err
}

// Update transitions backend state. kind is one of the backend update
// kinds; the reply is operation-specific.
func (s *Session) Update(ctx context.Context, kind string, opts map[string]any) (any, error) {
	return s.call(ctx, cmdUpdate{kind: kind, opts: opts, reply: make(chan response, 1)})
}

// Candidate submits a trickle-ICE candidate or the end-of-candidates
// sentinel. Candidates are buffered until the backend is ready and
// forwarded in arrival order.
func (s *Session) Candidate(ctx context.Context, c model.Candidate) error {
	_, err := s.call(ctx, cmdCandidate{cand: c, reply: make(chan response, 1)})
	return err
}

// Register attaches an observer.
func (s *Session) Register(ctx context.Context, reg Registration) error {
	_, err := s.call(ctx, cmdRegister{reg: reg, reply: make(chan response, 1)})
	return err
}

// Unregister detaches an observer.
func (s *Session) Unregister(ctx context.Context, key fabric.Link) error {
	_, err := s.call(ctx, cmdUnregister{key: key, reply: make(chan response, 1)})
	return err
}

// GetOffer returns the session's offer, blocking until it exists or the
// offer timer expires.
func (s *Session) GetOffer(ctx context.Context) (model.SDP, error) {
	v, err := s.call(ctx, cmdGetOffer{reply: make(chan response, 1)})
	if err != nil {
		return model.SDP{}, err
	}
	return v.(model.SDP), nil
}

// GetAnswer returns the session's answer, blocking until it exists or the
// ready timer expires.
func (s *Session) GetAnswer(ctx context.Context) (model.SDP, error) {
	v, err := s.call(ctx, cmdGetAnswer{reply: make(chan response, 1)})
	if err != nil {
		return model.SDP{}, err
	}
	return v.(model.SDP), nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	v, err := s.call(context.Background(), cmdInfo{reply: make(chan response, 1)})
	if err != nil {
		return Info{ID: s.id, Service: s.cfg.Service, State: StateStopped, StopReason: s.stopReason}
	}
	return v.(Info)
}

// Stop terminates the session. Idempotent; the final stop event is
// emitted exactly once.
func (s *Session) Stop(reason string) {
	s.cast(cmdStop{reason: reason})
}

// --- Mailbox plumbing ---

func (s *Session) call(ctx context.Context, cmd any) (any, error) {
	reply := replyChan(cmd)
	select {
	case s.mailbox <- cmd:
	case <-s.done:
		return nil, errcode.ErrSessionStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) cast(cmd any) {
	select {
	case s.mailbox <- cmd:
	case <-s.done:
	}
}

func replyChan(cmd any) chan response {
	switch c := cmd.(type) {
	case cmdStart:
		return c.reply
	case cmdSetOffer:
		return c.reply
	case cmdSetAnswer:
		return c.reply
	case cmdUpdate:
		return c.reply
	case cmdCandidate:
		return c.reply
	case cmdRegister:
		return c.reply
	case cmdUnregister:
		return c.reply
	case cmdGetOffer:
		return c.reply
	case cmdGetAnswer:
		return c.reply
	case cmdInfo:
		return c.reply
	case cmdBridgeRequest:
		return c.reply
	}
	return nil
}

// run is the actor loop. It exits after the stop grace elapsed.
func (s *Session) run() {
	for msg := range s.mailbox {
		switch cmd := msg.(type) {
		case cmdStart:
			s.handleStart(cmd)
		case cmdSetOffer:
			s.handleSetOffer(cmd)
		case cmdSetAnswer:
			s.handleSetAnswer(cmd)
		case cmdUpdate:
			s.handleUpdate(cmd)
		case cmdCandidate:
			s.handleCandidate(cmd)
		case cmdRegister:
			s.mgr.registry.Add(s.id, cmd.reg.Key, cmd.reg.Class, cmd.reg.Lifetime, cmd.reg.Payload)
			cmd.reply <- response{val: "ok"}
		case cmdUnregister:
			s.mgr.registry.Remove(s.id, cmd.key)
			cmd.reply <- response{val: "ok"}
		case cmdGetOffer:
			s.handleGetOffer(cmd)
		case cmdGetAnswer:
			s.handleGetAnswer(cmd)
		case cmdInfo:
			cmd.reply <- response{val: s.snapshot()}
		case cmdStop:
			s.handleStop(cmd.reason)
		case cmdObserverDown:
			s.handleObserverDown(cmd.entry)
		case cmdEngineEvent:
			s.handleEngineEvent(cmd.ev)
		case cmdBridgeRequest:
			s.handleBridgeRequest(cmd)
		case cmdBridgeConfirm:
			s.handleBridgeConfirm(cmd.peerID)
		case cmdBridgeStop:
			s.handleBridgeStop(cmd.peerID)
		case cmdTimeout:
			s.handleTimeout(cmd.which)
		case cmdFinalize:
			s.finalize()
			return
		default:
			s.logger.Error("unknown mailbox command", "command", fmt.Sprintf("%T", msg))
		}
	}
}

// --- Start ---

func (s *Session) handleStart(cmd cmdStart) {
	if s.cfg.Register != nil {
		r := *s.cfg.Register
		s.mgr.registry.Add(s.id, r.Key, r.Class, r.Lifetime, r.Payload)
	}
	s.masterPeer = s.cfg.MasterPeer

	// A trickle offer bound for an aggregate-only backend holds the
	// start until end-of-candidates or a bounded deadline, preserving
	// the caller's reply channel for the deferred resume.
	if s.offer != nil && s.offer.TrickleICE && s.needsCompleteSDP() {
		s.gathering = true
		s.pendingStart = cmd.reply
		s.state = StateWaitOffer
		s.scheduleTimeout("gather", s.mgr.cfg.TrickleWait)
		s.logger.Debug("holding start for trickle candidates", "session_id", s.id)
		return
	}

	s.doStart(cmd.reply)
}

// resumeStart re-emits the held start with the aggregated SDP.
func (s *Session) resumeStart() {
	s.gathering = false
	reply := s.pendingStart
	s.pendingStart = nil

	body, err := sdputil.AggregateCandidates(s.offer.Body, s.pending)
	if err != nil {
		s.logger.Warn("candidate aggregation failed, using original offer",
			"session_id", s.id,
			"error", err,
		)
	} else {
		s.offer.Body = body
		s.offer.TrickleICE = false
	}
	s.pending = nil

	s.doStart(reply)
}

func (s *Session) doStart(reply chan response) {
	op := s.op()
	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer cancel()

	adapter, res, err := backend.Dispatch(s.chain, func(a backend.Adapter) (*backend.Result, error) {
		return a.Start(ctx, op)
	})
	if err != nil {
		s.logger.Error("backend start failed",
			"session_id", s.id,
			"type", string(s.typ),
			"error", err,
		)
		reply <- response{err: fmt.Errorf("%w: %v", errcode.ErrBackendError, err)}
		s.handleStop(backendReason(err))
		return
	}
	s.adapter = adapter
	s.applyExtOps(res.ExtOps)

	switch {
	case s.answer != nil:
		s.toReady()
	case s.offer != nil:
		s.state = StateWaitAnswer
		s.scheduleTimeout("ready", s.readyTimeout())
	default:
		s.state = StateWaitOffer
		s.scheduleTimeout("wait", s.waitTimeout())
	}

	if s.typ == model.SessionMCU {
		s.joinRoom()
	}

	reply <- response{val: s.id}

	// An out-leg created to call an existing session bridges to it as
	// soon as the leg is up.
	if s.typ == model.SessionCall && s.cfg.Peer != "" && s.answer != nil {
		s.bridgeTo(s.cfg.Peer)
	}
}

// needsCompleteSDP reports whether the selected backend consumes only
// complete descriptions (FS), requiring trickle aggregation up front.
func (s *Session) needsCompleteSDP() bool {
	if len(s.chain) == 0 {
		return false
	}
	return s.chain[0].Name() == "fs"
}

// --- Offer / answer ---

func (s *Session) handleSetOffer(cmd cmdSetOffer) {
	if s.stopped() {
		cmd.reply <- response{err: errcode.ErrSessionStopped}
		return
	}
	if s.state != StateWaitOffer {
		cmd.reply <- response{err: fmt.Errorf("%w: offer not pending in state %s", errcode.ErrSessionError, s.state)}
		return
	}

	sdp := cmd.sdp
	s.offer = &sdp

	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer cancel()
	_, res, err := backend.Dispatch(s.dispatchChain(), func(a backend.Adapter) (*backend.Result, error) {
		return a.SetOffer(ctx, s.op())
	})
	if err != nil {
		s.offer = nil
		cmd.reply <- response{err: fmt.Errorf("%w: %v", errcode.ErrBackendError, err)}
		s.handleStop(backendReason(err))
		return
	}
	s.applyExtOps(res.ExtOps)
	s.notifyOfferWaiters()

	if s.answer != nil {
		s.toReady()
	} else {
		s.state = StateWaitAnswer
		s.scheduleTimeout("ready", s.readyTimeout())
	}
	cmd.reply <- response{val: "ok"}
}

func (s *Session) handleSetAnswer(cmd cmdSetAnswer) {
	if s.stopped() {
		cmd.reply <- response{err: errcode.ErrSessionStopped}
		return
	}
	if s.answer != nil {
		cmd.reply <- response{err: errcode.ErrAlreadyAnswered}
		return
	}
	if s.offer == nil {
		cmd.reply <- response{err: fmt.Errorf("%w: no offer to answer", errcode.ErrSessionError)}
		return
	}

	sdp := cmd.sdp
	op := s.op()
	op.Answer = &sdp

	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer cancel()
	_, res, err := backend.Dispatch(s.dispatchChain(), func(a backend.Adapter) (*backend.Result, error) {
		return a.SetAnswer(ctx, op)
	})
	if err != nil {
		cmd.reply <- response{err: fmt.Errorf("%w: %v", errcode.ErrBackendError, err)}
		s.handleStop(backendReason(err))
		return
	}

	s.answer = &sdp
	s.applyExtOps(res.ExtOps)
	s.toReady()
	cmd.reply <- response{val: "ok"}
}

// toReady finalizes the answer: state, waiters, the answer event, master
// propagation and any pending immediate bridge.
func (s *Session) toReady() {
	s.state = StateReady
	s.notifyAnswerWaiters()

	ev := s.newEvent(event.TagAnswer)
	ev.Payload = *s.answer
	s.mgr.bus.Publish(ev)

	// A call-type out-leg propagates its answer to the master session.
	if s.typ == model.SessionCall && s.masterPeer != "" {
		master := s.masterPeer
		answer := *s.answer
		mgr := s.mgr
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mgr.SetAnswer(ctx, master, answer); err != nil {
				mgr.logger.Warn("answer propagation to master failed",
					"master_peer", master,
					"error", err,
				)
			}
		}()
	}
}

// --- Update / bridge ---

func (s *Session) handleUpdate(cmd cmdUpdate) {
	if s.stopped() {
		cmd.reply <- response{err: errcode.ErrSessionStopped}
		return
	}

	if cmd.kind == backend.UpdateSessionType {
		if next, _ := cmd.opts["session_type"].(string); model.SessionType(next) == model.SessionBridge {
			peerID, _ := cmd.opts["peer_id"].(string)
			if peerID == "" {
				cmd.reply <- response{err: fmt.Errorf("%w: missing peer_id", errcode.ErrSessionError)}
				return
			}
			cmd.reply <- s.doBridge(peerID)
			return
		}
	}

	oldRoom := s.roomID()
	op := s.op()
	op.UpdateKind = cmd.kind
	op.Opts = cmd.opts

	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer cancel()
	_, res, err := backend.Dispatch(s.dispatchChain(), func(a backend.Adapter) (*backend.Result, error) {
		return a.Update(ctx, op)
	})
	if err != nil {
		// Update failures return to the caller; they do not stop the
		// session.
		cmd.reply <- response{err: fmt.Errorf("%w: %v", errcode.ErrBackendError, err)}
		return
	}

	changed := res.ExtOps.Type != "" || res.ExtOps.Ext != nil
	s.applyExtOps(res.ExtOps)
	s.syncRoom(oldRoom)
	if cmd.kind == backend.UpdateMCULayout && s.ext.RoomID != "" {
		s.mgr.rooms.SetLayout(s.cfg.Service, s.ext.RoomID, s.ext.Layout)
	}
	if changed {
		s.emitUpdatedType()
	}
	cmd.reply <- response{val: res.Reply}
}

// bridgeTo is the immediate-bridge path for call-type legs; errors stop
// the session since the leg exists only to reach its peer.
func (s *Session) bridgeTo(peerID string) {
	if r := s.doBridge(peerID); r.err != nil {
		s.logger.Error("immediate bridge failed",
			"session_id", s.id,
			"peer_id", peerID,
			"error", r.err,
		)
		s.handleStop(model.ReasonPeerStop)
	}
}

// doBridge coordinates the bridge with the peer session, then drives the
// backend. This session is the master of the pair.
func (s *Session) doBridge(peerID string) response {
	peer, err := s.mgr.Get(peerID)
	if err != nil {
		return response{err: fmt.Errorf("%w: bridge peer %s", errcode.ErrSessionNotFound, peerID)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), bridgePeerWait)
	defer cancel()
	if _, err := peer.call(ctx, cmdBridgeRequest{masterID: s.id, reply: make(chan response, 1)}); err != nil {
		return response{err: fmt.Errorf("%w: peer refused bridge: %v", errcode.ErrSessionError, err)}
	}

	op := s.op()
	op.UpdateKind = backend.UpdateSessionType
	op.Opts = map[string]any{"session_type": string(model.SessionBridge), "peer_id": peerID}

	bctx, bcancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer bcancel()
	_, res, err := backend.Dispatch(s.dispatchChain(), func(a backend.Adapter) (*backend.Result, error) {
		return a.Update(bctx, op)
	})
	if err != nil {
		return response{err: fmt.Errorf("%w: %v", errcode.ErrBackendError, err)}
	}

	s.slavePeer = peerID
	s.applyExtOps(res.ExtOps)
	s.emitUpdatedType()
	peer.cast(cmdBridgeConfirm{peerID: s.id})
	return response{val: res.Reply}
}

func (s *Session) handleBridgeRequest(cmd cmdBridgeRequest) {
	if s.stopped() {
		cmd.reply <- response{err: errcode.ErrSessionStopped}
		return
	}
	s.masterPeer = cmd.masterID
	cmd.reply <- response{val: "ok"}
}

func (s *Session) handleBridgeConfirm(peerID string) {
	if s.stopped() {
		return
	}
	s.typ = model.SessionBridge
	s.ext.PeerID = peerID
	s.emitUpdatedType()
}

// handleBridgeStop resets the surviving leg of a broken bridge to park.
func (s *Session) handleBridgeStop(peerID string) {
	if s.stopped() || s.typ != model.SessionBridge {
		return
	}
	if s.masterPeer != peerID && s.slavePeer != peerID {
		return
	}
	s.resetToPark()
}

func (s *Session) resetToPark() {
	s.masterPeer = ""
	s.slavePeer = ""

	op := s.op()
	op.UpdateKind = backend.UpdateSessionType
	op.Opts = map[string]any{"session_type": string(model.SessionPark)}

	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer cancel()
	if _, _, err := backend.Dispatch(s.dispatchChain(), func(a backend.Adapter) (*backend.Result, error) {
		return a.Update(ctx, op)
	}); err != nil {
		s.logger.Warn("park fallback failed", "session_id", s.id, "error", err)
	}

	s.typ = model.SessionPark
	s.ext = model.TypeExt{}
	s.emitUpdatedType()
}

// --- Candidates ---

func (s *Session) handleCandidate(cmd cmdCandidate) {
	if s.stopped() {
		cmd.reply <- response{err: errcode.ErrSessionStopped}
		return
	}

	c := cmd.cand
	if c.End {
		if s.candEnd {
			// Duplicate sentinel is accepted and ignored.
			cmd.reply <- response{val: "ok"}
			return
		}
		s.candEnd = true
	}

	// A p2p session forwards candidates to the signaling peer as events.
	if s.typ == model.SessionP2P {
		ev := s.newEvent(event.TagCandidate)
		ev.Payload = c
		s.mgr.bus.Publish(ev)
		cmd.reply <- response{val: "ok"}
		return
	}

	if s.gathering {
		if c.End {
			cmd.reply <- response{val: "ok"}
			s.resumeStart()
			return
		}
		s.pending = append(s.pending, c)
		cmd.reply <- response{val: "ok"}
		return
	}

	if !s.backendReady {
		s.pending = append(s.pending, c)
		cmd.reply <- response{val: "ok"}
		return
	}

	if err := s.forwardCandidate(c); err != nil {
		cmd.reply <- response{err: fmt.Errorf("%w: %v", errcode.ErrBackendError, err)}
		return
	}
	cmd.reply <- response{val: "ok"}
}

func (s *Session) forwardCandidate(c model.Candidate) error {
	op := s.op()
	op.Candidate = c
	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	defer cancel()
	_, _, err := backend.Dispatch(s.dispatchChain(), func(a backend.Adapter) (*backend.Result, error) {
		return a.Candidate(ctx, op)
	})
	return err
}

// flushCandidates forwards the buffer in arrival order once the backend
// signalled readiness.
func (s *Session) flushCandidates() {
	for _, c := range s.pending {
		if err := s.forwardCandidate(c); err != nil {
			s.logger.Warn("candidate flush failed", "session_id", s.id, "error", err)
		}
	}
	s.pending = nil
}

// --- Engine events ---

func (s *Session) handleEngineEvent(ev backend.EngineEvent) {
	if s.stopped() {
		return
	}

	switch ev.Kind {
	case backend.EventReady:
		s.backendReady = true
		s.flushCandidates()

	case backend.EventOffer:
		if ev.SDP == nil || s.offer != nil {
			return
		}
		s.offer = ev.SDP
		s.notifyOfferWaiters()
		if s.state == StateWaitOffer {
			s.state = StateWaitAnswer
			s.scheduleTimeout("ready", s.readyTimeout())
		}

	case backend.EventAnswer:
		if ev.SDP == nil || s.answer != nil {
			return
		}
		s.answer = ev.SDP
		s.toReady()

	case backend.EventCandidate:
		if ev.Candidate == nil {
			return
		}
		out := s.newEvent(event.TagCandidate)
		out.Payload = *ev.Candidate
		s.mgr.bus.Publish(out)

	case backend.EventParked:
		// An unexpected park while bridged means the peer leg went
		// away on the engine; fall back to park.
		if s.typ == model.SessionBridge {
			s.logger.Info("unexpected park while bridged, resetting",
				"session_id", s.id,
			)
			s.resetToPark()
		}

	case backend.EventMCUInfo:
		out := s.newEvent(event.TagUpdatedType)
		out.Payload = map[string]any{"type": s.typ, "type_ext": s.ext, "mcu_info": ev.Detail}
		s.mgr.bus.Publish(out)

	case backend.EventHangup, backend.EventDestroyed, backend.EventDisconnected:
		reason := ev.Reason
		if reason == "" {
			reason = model.ReasonBackendStop
		}
		s.handleStop(reason)
	}
}

// --- Observers / timers / waiters ---

func (s *Session) handleObserverDown(entry fabric.Entry) {
	if s.stopped() {
		return
	}
	s.logger.Info("observer died, stopping session",
		"session_id", s.id,
		"observer", entry.Key.String(),
		"class", string(entry.Class),
	)
	s.handleStop(entry.Class.StopReason())
}

func (s *Session) handleTimeout(which string) {
	switch which {
	case "gather":
		if s.gathering {
			s.logger.Debug("trickle deadline elapsed, resuming start", "session_id", s.id)
			s.resumeStart()
		}
	case "wait":
		if s.state == StateWaitOffer && !s.gathering {
			s.handleStop(model.ReasonTimeout)
		}
	case "ready":
		if s.state == StateWaitAnswer {
			s.handleStop(model.ReasonTimeout)
		}
	}
}

func (s *Session) scheduleTimeout(which string, d time.Duration) {
	if d <= 0 {
		return
	}
	time.AfterFunc(d, func() {
		s.cast(cmdTimeout{which: which})
	})
}

func (s *Session) handleGetOffer(cmd cmdGetOffer) {
	switch {
	case s.offer != nil:
		cmd.reply <- response{val: *s.offer}
	case s.stopped():
		cmd.reply <- response{err: errcode.ErrSessionStopped}
	default:
		s.offerWaiters = append(s.offerWaiters, cmd.reply)
	}
}

func (s *Session) handleGetAnswer(cmd cmdGetAnswer) {
	switch {
	case s.answer != nil:
		cmd.reply <- response{val: *s.answer}
	case s.stopped():
		cmd.reply <- response{err: errcode.ErrSessionStopped}
	default:
		s.answerWaiters = append(s.answerWaiters, cmd.reply)
	}
}

func (s *Session) notifyOfferWaiters() {
	if s.offer == nil {
		return
	}
	for _, w := range s.offerWaiters {
		w <- response{val: *s.offer}
	}
	s.offerWaiters = nil
}

func (s *Session) notifyAnswerWaiters() {
	if s.answer == nil {
		return
	}
	for _, w := range s.answerWaiters {
		w <- response{val: *s.answer}
	}
	s.answerWaiters = nil
}

func (s *Session) failWaiters(err error) {
	for _, w := range s.offerWaiters {
		w <- response{err: err}
	}
	s.offerWaiters = nil
	for _, w := range s.answerWaiters {
		w <- response{err: err}
	}
	s.answerWaiters = nil
}

// --- Stop ---

func (s *Session) handleStop(reason string) {
	if s.stopSent {
		return
	}
	s.stopSent = true
	s.stopReason = reason
	s.state = StateStopping

	s.logger.Info("session stopping",
		"session_id", s.id,
		"type", string(s.typ),
		"reason", reason,
	)

	// Tell the bridge peer it lost this leg.
	if s.typ == model.SessionBridge || s.typ == model.SessionCall {
		for _, peerID := range []string{s.masterPeer, s.slavePeer, s.ext.PeerID} {
			if peerID == "" {
				continue
			}
			if peer, err := s.mgr.Get(peerID); err == nil {
				peer.cast(cmdBridgeStop{peerID: s.id})
			}
		}
	}

	if s.inRoom != "" {
		s.mgr.rooms.Leave(s.cfg.Service, s.inRoom, s.id)
		s.inRoom = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.mgr.cfg.BackendTimeout)
	op := s.op()
	op.Reason = reason
	for _, a := range s.dispatchChain() {
		if err := a.Stop(ctx, op); err != nil {
			s.logger.Warn("backend stop failed",
				"session_id", s.id,
				"backend", a.Name(),
				"error", err,
			)
		}
	}
	cancel()

	waiterErr := error(errcode.ErrSessionStopped)
	if reason == model.ReasonTimeout {
		waiterErr = errcode.ErrTimeout
	}
	s.failWaiters(waiterErr)
	if s.pendingStart != nil {
		s.pendingStart <- response{err: errcode.ErrSessionStopped}
		s.pendingStart = nil
	}

	// The observer set is swept before the stop event so nothing can
	// re-register against a dying session; the event is delivered to
	// the swept snapshot.
	observers := s.mgr.registry.RemoveSubject(s.id)
	ev := s.newEvent(event.TagStop)
	ev.Reason = reason
	s.mgr.bus.PublishTo(observers, ev)

	time.AfterFunc(stopGrace, func() {
		select {
		case s.mailbox <- cmdFinalize{}:
		default:
		}
	})
}

// finalize completes the stop after the grace window.
func (s *Session) finalize() {
	s.state = StateStopped
	s.mgr.finalizeSession(s)
	close(s.done)
}

// --- Helpers owned by the actor ---

func (s *Session) stopped() bool {
	return s.state == StateStopping || s.state == StateStopped
}

func (s *Session) op() *backend.Op {
	op := &backend.Op{
		SessionID: s.id,
		Service:   s.cfg.Service,
		Type:      s.typ,
		Ext:       s.ext,
		Offer:     s.offer,
		Answer:    s.answer,
	}
	return op
}

// dispatchChain orders the chain so the adapter that handled Start is
// tried first for subsequent operations.
func (s *Session) dispatchChain() []backend.Adapter {
	if s.adapter == nil {
		return s.chain
	}
	chain := make([]backend.Adapter, 0, len(s.chain))
	chain = append(chain, s.adapter)
	for _, a := range s.chain {
		if a != s.adapter {
			chain = append(chain, a)
		}
	}
	return chain
}

func (s *Session) applyExtOps(e backend.ExtOps) {
	if e.Offer != nil {
		s.offer = e.Offer
		s.notifyOfferWaiters()
	}
	if e.Answer != nil && s.answer == nil {
		s.answer = e.Answer
	}
	if e.Type != "" {
		s.typ = e.Type
	}
	if e.Ext != nil {
		s.ext = *e.Ext
	}
}

func (s *Session) emitUpdatedType() {
	ev := s.newEvent(event.TagUpdatedType)
	ev.Payload = map[string]any{"type": s.typ, "type_ext": s.ext}
	s.mgr.bus.Publish(ev)
}

func (s *Session) newEvent(tag event.Tag) event.Event {
	return event.New(s.cfg.Service, event.SubclassSession, s.id, tag)
}

func (s *Session) roomID() string {
	if s.typ == model.SessionMCU {
		return s.ext.RoomID
	}
	return ""
}

// joinRoom registers the session in its MCU room.
func (s *Session) joinRoom() {
	if s.ext.RoomID == "" {
		return
	}
	s.mgr.rooms.Join(s.cfg.Service, s.ext.RoomID, s.ext.RoomType, s.id, "")
	s.inRoom = s.ext.RoomID
}

// syncRoom reconciles room membership after a type or ext change.
func (s *Session) syncRoom(oldRoom string) {
	newRoom := s.roomID()
	if oldRoom == newRoom {
		return
	}
	if oldRoom != "" {
		s.mgr.rooms.Leave(s.cfg.Service, oldRoom, s.id)
		s.inRoom = ""
	}
	if newRoom != "" {
		s.joinRoom()
	}
}

func (s *Session) waitTimeout() time.Duration {
	if s.cfg.WaitTimeout > 0 {
		return s.cfg.WaitTimeout
	}
	return s.mgr.cfg.WaitTimeout
}

func (s *Session) readyTimeout() time.Duration {
	if s.cfg.ReadyTimeout > 0 {
		return s.cfg.ReadyTimeout
	}
	return s.mgr.cfg.ReadyTimeout
}

func (s *Session) snapshot() Info {
	return Info{
		ID:         s.id,
		Service:    s.cfg.Service,
		Type:       s.typ,
		Ext:        s.ext,
		Backend:    s.backendName(),
		State:      s.state,
		HasOffer:   s.offer != nil,
		HasAnswer:  s.answer != nil,
		MasterPeer: s.masterPeer,
		SlavePeer:  s.slavePeer,
		CreatedAt:  s.createdAt,
		StopReason: s.stopReason,
		Meta:       s.cfg.Meta,
	}
}

func (s *Session) backendName() string {
	if s.adapter != nil {
		return s.adapter.Name()
	}
	if len(s.chain) == 1 {
		return s.chain[0].Name()
	}
	return s.cfg.Backend
}

// backendReason extracts the reason atom from a backend error string
// shaped "kind: detail".
func backendReason(err error) string {
	msg := err.Error()
	for i := 0; i < len(msg); i++ {
		if msg[i] == ':' {
			return msg[:i]
		}
	}
	return model.ReasonBackendStop
}
