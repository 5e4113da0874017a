package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/resolver"
	"github.com/mediahub/mediahub/internal/sdputil"
	"github.com/mediahub/mediahub/internal/session"
)

// legSignalTimeout bounds the core calls made from the response loop.
const legSignalTimeout = 5 * time.Second

// outboundLeg is one out-leg INVITE in flight or established.
type outboundLeg struct {
	callID    string
	sessionID string
	dest      string
	cancel    context.CancelFunc

	mu       sync.Mutex
	req      *sip.Request
	res      *sip.Response
	answered bool
}

// outboundDispatcher launches SIP out-legs for the call coordinator.
// Each leg gets its own media session whose generated offer rides the
// INVITE; the remote answer closes the session so the coordinator can
// bridge it to the inbound leg.
type outboundDispatcher struct {
	srv    *Server
	logger *slog.Logger

	mu   sync.Mutex
	legs map[string]*outboundLeg // keyed by out session id
}

var _ call.Dispatcher = (*outboundDispatcher)(nil)

func newOutboundDispatcher(s *Server) *outboundDispatcher {
	d := &outboundDispatcher{
		srv:    s,
		logger: s.logger.With("subsystem", "outbound"),
		legs:   make(map[string]*outboundLeg),
	}
	// Core-side session stops reach the leg through its observer entry.
	s.hub.Bus.RegisterHandler(fabric.KindSIPOut, event.HandlerFunc(d.observerEvent))
	return d
}

func legLifetime(sessionID string) fabric.Lifetime {
	return fabric.Lifetime("sipleg:" + sessionID)
}

// Invite creates the out-leg session and launches the INVITE. The leg is
// identified to the coordinator by its session link so the first answer
// can be bridged directly.
func (d *outboundDispatcher) Invite(ctx context.Context, req call.InviteRequest) (call.InviteResult, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(req.Dest, &recipient); err != nil {
		d.logger.Warn("unparseable destination dropped",
			"call_id", req.CallID,
			"dest", req.Dest,
			"error", err,
		)
		return call.InviteResult{Remove: true}, nil
	}

	sessionID, err := d.srv.hub.Sessions.Start(ctx, session.Config{
		Service: req.Service,
		Type:    model.SessionCall,
		Meta:    req.Meta,
	})
	if err != nil {
		return call.InviteResult{}, fmt.Errorf("starting out-leg session: %w", err)
	}

	sess, err := d.srv.hub.Sessions.Get(sessionID)
	if err != nil {
		return call.InviteResult{}, err
	}
	offer, err := sess.GetOffer(ctx)
	if err != nil {
		d.srv.hub.Sessions.Stop(sessionID, model.ReasonBackendStop)
		return call.InviteResult{}, fmt.Errorf("out-leg offer: %w", err)
	}

	if err := sess.Register(ctx, session.Registration{
		Key:      fabric.SIPOutLink{DestURI: req.Dest},
		Class:    fabric.ClassRegistered,
		Lifetime: legLifetime(sessionID),
		Payload:  sessionID,
	}); err != nil {
		d.srv.hub.Sessions.Stop(sessionID, model.ReasonBackendStop)
		return call.InviteResult{}, err
	}

	legCtx, cancel := context.WithCancel(context.Background())
	leg := &outboundLeg{
		callID:    req.CallID,
		sessionID: sessionID,
		dest:      req.Dest,
		cancel:    cancel,
	}
	d.mu.Lock()
	d.legs[sessionID] = leg
	d.mu.Unlock()

	go d.runLeg(legCtx, leg, recipient, offer)

	return call.InviteResult{
		Link:     fabric.SessionLink{ID: sessionID},
		Lifetime: fabric.Lifetime("session:" + sessionID),
	}, nil
}

// Cancel aborts a launched leg; the coordinator calls this for losers
// and on hangup.
func (d *outboundDispatcher) Cancel(callID string, link fabric.Link) {
	sl, ok := link.(fabric.SessionLink)
	if !ok {
		return
	}
	leg := d.take(sl.ID)
	if leg == nil {
		return
	}
	d.logger.Info("cancelling out-leg",
		"call_id", callID,
		"dest", leg.dest,
		"session_id", leg.sessionID,
	)
	leg.cancel()
	d.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonOriginatorStop)
	d.srv.hub.LifetimeEnd(legLifetime(leg.sessionID))
}

// runLeg sends the INVITE and pumps the transaction's responses into the
// call coordinator.
func (d *outboundDispatcher) runLeg(ctx context.Context, leg *outboundLeg, recipient sip.Uri, offer model.SDP) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if offer.Body != "" {
		req.SetBody([]byte(offer.Body))
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	leg.mu.Lock()
	leg.req = req
	leg.mu.Unlock()

	tx, err := d.srv.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		d.logger.Error("out-leg invite failed to send",
			"call_id", leg.callID,
			"dest", leg.dest,
			"error", err,
		)
		d.failLeg(leg)
		return
	}
	defer tx.Terminate()

	link := fabric.SessionLink{ID: leg.sessionID}
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			// Cancelled from our side; the leg bookkeeping is already
			// torn down by the canceller.
			d.sendCancel(req)
			return
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				d.logger.Warn("out-leg transaction error",
					"call_id", leg.callID,
					"dest", leg.dest,
					"error", txErr,
				)
			}
			d.failLeg(leg)
			return
		case res = <-tx.Responses():
		}

		d.logger.Debug("out-leg response",
			"call_id", leg.callID,
			"dest", leg.dest,
			"status", res.StatusCode,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			var early *model.SDP
			if res.StatusCode == 183 && len(res.Body()) > 0 {
				early = &model.SDP{Body: string(res.Body()), Type: sdputil.Classify(string(res.Body()))}
			}
			sctx, cancel := context.WithTimeout(context.Background(), legSignalTimeout)
			if err := d.srv.hub.Calls.Ringing(sctx, leg.callID, link, early); err != nil {
				d.logger.Debug("ringing report dropped",
					"call_id", leg.callID,
					"error", err,
				)
			}
			cancel()

		case res.StatusCode >= 200 && res.StatusCode < 300:
			d.answerLeg(leg, req, res, link)
			return

		case res.StatusCode >= 300:
			d.logger.Info("out-leg rejected",
				"call_id", leg.callID,
				"dest", leg.dest,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			d.failLeg(leg)
			return
		}
	}
}

// answerLeg completes the 2xx: ACK on the wire, answer into the media
// session, winner report to the coordinator. A lost answer race tears
// the leg down again with a BYE.
func (d *outboundDispatcher) answerLeg(leg *outboundLeg, req *sip.Request, res *sip.Response, link fabric.SessionLink) {
	ack := ackFor2xx(req, res)
	if err := d.srv.client.WriteRequest(ack); err != nil {
		d.logger.Error("failed to ack out-leg answer",
			"call_id", leg.callID,
			"dest", leg.dest,
			"error", err,
		)
		d.failLeg(leg)
		return
	}

	leg.mu.Lock()
	leg.res = res
	leg.answered = true
	leg.mu.Unlock()

	answer := model.SDP{Body: string(res.Body()), Type: sdputil.Classify(string(res.Body()))}

	ctx, cancel := context.WithTimeout(context.Background(), legSignalTimeout)
	defer cancel()

	if err := d.srv.hub.Sessions.SetAnswer(ctx, leg.sessionID, answer); err != nil {
		d.logger.Warn("out-leg answer apply failed",
			"call_id", leg.callID,
			"session_id", leg.sessionID,
			"error", err,
		)
		d.hangupLeg(leg)
		return
	}

	if err := d.srv.hub.Calls.Answered(ctx, leg.callID, link, &answer); err != nil {
		// Another leg won the race; this one is no longer wanted.
		d.logger.Info("out-leg answered too late",
			"call_id", leg.callID,
			"dest", leg.dest,
			"error", err,
		)
		d.hangupLeg(leg)
		return
	}

	d.logger.Info("out-leg answered",
		"call_id", leg.callID,
		"dest", leg.dest,
		"session_id", leg.sessionID,
	)
}

// failLeg reports a rejection and drops the leg's session.
func (d *outboundDispatcher) failLeg(leg *outboundLeg) {
	if d.take(leg.sessionID) == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), legSignalTimeout)
	defer cancel()
	if err := d.srv.hub.Calls.Rejected(ctx, leg.callID, fabric.SessionLink{ID: leg.sessionID}); err != nil {
		d.logger.Debug("rejection report dropped",
			"call_id", leg.callID,
			"error", err,
		)
	}
	d.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonNoAnswer)
	d.srv.hub.LifetimeEnd(legLifetime(leg.sessionID))
}

// hangupLeg terminates an answered leg we no longer want.
func (d *outboundDispatcher) hangupLeg(leg *outboundLeg) {
	if d.take(leg.sessionID) != nil {
		d.sendByeOut(leg)
	}
	d.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonOriginatorStop)
	d.srv.hub.LifetimeEnd(legLifetime(leg.sessionID))
}

// observerEvent reacts to core stops of a leg's session: an established
// leg gets a BYE, a pending one a CANCEL via its context.
func (d *outboundDispatcher) observerEvent(entry fabric.Entry, ev event.Event) {
	if ev.Tag != event.TagStop && ev.Tag != event.TagHangup {
		return
	}
	sessionID, ok := entry.Payload.(string)
	if !ok {
		return
	}
	leg := d.take(sessionID)
	if leg == nil {
		return
	}

	leg.mu.Lock()
	answered := leg.answered
	leg.mu.Unlock()

	d.logger.Info("tearing out-leg down after session stop",
		"call_id", leg.callID,
		"dest", leg.dest,
		"answered", answered,
		"reason", ev.Reason,
	)
	if answered {
		d.sendByeOut(leg)
	} else {
		leg.cancel()
	}
}

func (d *outboundDispatcher) take(sessionID string) *outboundLeg {
	d.mu.Lock()
	defer d.mu.Unlock()
	leg, ok := d.legs[sessionID]
	if !ok {
		return nil
	}
	delete(d.legs, sessionID)
	return leg
}

// sendCancel aborts a pending INVITE on the wire.
func (d *outboundDispatcher) sendCancel(inviteReq *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SetTransport(inviteReq.Transport())

	// CANCEL must carry the INVITE's dialog-forming headers.
	for _, name := range []string{"Via", "From", "To", "Call-ID"} {
		if h := inviteReq.GetHeader(name); h != nil {
			cancelReq.AppendHeader(sip.HeaderClone(h))
		}
	}
	if cseq := inviteReq.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}

	if err := d.srv.client.WriteRequest(cancelReq); err != nil {
		d.logger.Debug("failed to send cancel", "error", err)
	}
}

// sendByeOut terminates the remote side of an established out-leg.
func (d *outboundDispatcher) sendByeOut(leg *outboundLeg) {
	leg.mu.Lock()
	req, res := leg.req, leg.res
	leg.mu.Unlock()
	if req == nil || res == nil {
		return
	}

	recipient := req.Recipient
	if contact := res.Contact(); contact != nil && !contact.Address.Wildcard {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport(req.Transport())

	if from := req.From(); from != nil {
		bye.AppendHeader(sip.HeaderClone(from))
	}
	// To carries the remote tag from the answer.
	if to := res.To(); to != nil {
		bye.AppendHeader(sip.HeaderClone(to))
	}
	if cid := req.CallID(); cid != nil {
		bye.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq := req.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}

	ctx, cancel := context.WithTimeout(context.Background(), legSignalTimeout)
	defer cancel()
	tx, err := d.srv.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		d.logger.Error("failed to send bye to out-leg",
			"dest", leg.dest,
			"error", err,
		)
		return
	}
	tx.Terminate()
}

// ackFor2xx creates the ACK for a 2xx response. Per RFC 3261 §13.2.2.4
// it is generated by the UAC core and written straight to the transport.
func ackFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response, carrying the remote tag.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetTransport(inviteReq.Transport())
	return ack
}

// registrarResolver resolves callees to their live registrar bindings.
// Contact URIs carry the sip scheme, so the fan-out lands back on the
// SIP dispatcher.
func registrarResolver(reg *Registrar) resolver.Func {
	return func(ctx context.Context, service, callee string, acc []resolver.Descriptor) ([]resolver.Descriptor, error) {
		for _, b := range reg.Lookup(callee) {
			acc = append(acc, resolver.Descriptor{
				Dest:    b.ContactURI,
				SDPType: model.SDPRTP,
			})
		}
		return acc, nil
	}
}
