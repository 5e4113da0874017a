package sip

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/hub"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/session"
)

// answerWait caps how long an inbound INVITE waits for a media answer.
// The session's own ready timeout fires first under normal configuration.
const answerWait = 5 * time.Minute

// InviteHandler processes inbound INVITE, CANCEL, BYE and INFO. Each
// INVITE becomes a core session (directly for shorthand destinations,
// via a fan-out call otherwise); the handler blocks until the answer
// description is available and completes the dialog with it.
type InviteHandler struct {
	srv    *Server
	logger *slog.Logger
}

func newInviteHandler(s *Server) *InviteHandler {
	h := &InviteHandler{
		srv:    s,
		logger: s.logger.With("subsystem", "invite"),
	}
	// Core-side stops reach the SIP leg through its observer entry.
	s.hub.Bus.RegisterHandler(fabric.KindSIPIn, event.HandlerFunc(h.observerEvent))
	return h
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDValue(req)

	h.logger.Info("invite received",
		"call_id", sipCallID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// In-dialog INVITE (To-tag present). Renegotiation is not offered
	// over SIP; the endpoint keeps its original description.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			h.respondError(req, tx, 603, "Decline")
			return
		}
	}

	// Send 100 Trying immediately to stop UAC retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying",
			"call_id", sipCallID,
			"error", err,
		)
		return
	}

	dest := req.To().Address.User
	if user := req.Recipient.User; user != "" {
		dest = user
	}

	if !h.destinationAllowed(dest) {
		h.logger.Info("invite to unregistered destination refused",
			"call_id", sipCallID,
			"dest", dest,
		)
		h.respondError(req, tx, 404, "Not Found")
		return
	}

	p := &pendingInvite{
		reqHandle: uuid.NewString(),
		req:       req,
		tx:        tx,
	}
	h.srv.dialogs.addPending(sipCallID, p)

	lifetime := dialogLifetime(sipCallID)
	ctx, cancel := context.WithTimeout(context.Background(), answerWait)
	defer cancel()

	out, err := h.srv.hub.SignalingInvite(ctx, hub.InviteInput{
		Service: h.srv.cfg.Service,
		Dest:    dest,
		Offer:   model.SDP{Body: string(req.Body())},
		Register: &session.Registration{
			Key:      fabric.SIPInLink{RequestHandle: p.reqHandle, DialogHandle: sipCallID},
			Class:    fabric.ClassRegistered,
			Lifetime: lifetime,
		},
		Meta: map[string]any{
			"sip_call_id": sipCallID,
			"from":        req.From().Address.User,
		},
	})
	if err != nil {
		h.srv.dialogs.takePending(sipCallID)
		h.logger.Warn("invite rejected",
			"call_id", sipCallID,
			"dest", dest,
			"error", err,
		)
		code, reason := inviteFailureCode(err)
		h.respondError(req, tx, code, reason)
		return
	}
	h.srv.dialogs.bindSession(sipCallID, out.SessionID, out.CallID)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		h.logger.Error("failed to send 180 ringing",
			"call_id", sipCallID,
			"error", err,
		)
	}

	sess, err := h.srv.hub.Sessions.Get(out.SessionID)
	if err != nil {
		h.failPending(sipCallID, err)
		return
	}
	answer, err := sess.GetAnswer(ctx)
	if err != nil {
		h.failPending(sipCallID, err)
		return
	}

	p, cancelled := h.srv.dialogs.takePending(sipCallID)
	if p == nil || cancelled {
		// The CANCEL path already sent 487 and tore the session down.
		return
	}

	ok := sip.NewResponseFromRequest(req, 200, "OK", []byte(answer.Body))
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	ok.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: dest, Host: h.srv.cfg.Domain},
	})
	if err := tx.Respond(ok); err != nil {
		h.logger.Error("failed to send 200 ok",
			"call_id", sipCallID,
			"error", err,
		)
		h.srv.hub.Sessions.Stop(out.SessionID, model.ReasonSIPBye)
		h.srv.hub.LifetimeEnd(lifetime)
		return
	}

	h.srv.dialogs.addDialog(sipCallID, &dialog{
		handle:    sipCallID,
		sessionID: out.SessionID,
		callID:    out.CallID,
		req:       req,
		res:       ok,
		created:   time.Now(),
	})

	h.logger.Info("invite answered",
		"call_id", sipCallID,
		"session_id", out.SessionID,
		"core_call_id", out.CallID,
	)
}

// failPending answers a held INVITE with a failure unless CANCEL got
// there first, and tears the created objects down.
func (h *InviteHandler) failPending(sipCallID string, cause error) {
	p, cancelled := h.srv.dialogs.takePending(sipCallID)
	if p == nil || cancelled {
		return
	}
	h.logger.Warn("invite failed before answer",
		"call_id", sipCallID,
		"error", cause,
	)
	code, reason := inviteFailureCode(cause)
	h.respondError(p.req, p.tx, code, reason)
	if p.callID != "" {
		h.srv.hub.Calls.Hangup(p.callID, model.ReasonSIPBye)
	}
	if p.sessionID != "" {
		h.srv.hub.Sessions.Stop(p.sessionID, model.ReasonSIPBye)
	}
	h.srv.hub.LifetimeEnd(dialogLifetime(sipCallID))
}

// HandleCancel aborts a pending INVITE.
func (h *InviteHandler) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDValue(req)

	p := h.srv.dialogs.cancelPending(sipCallID)
	if p == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to cancel", "error", err)
	}

	terminated := sip.NewResponseFromRequest(p.req, 487, "Request Terminated", nil)
	if err := p.tx.Respond(terminated); err != nil {
		h.logger.Error("failed to send 487",
			"call_id", sipCallID,
			"error", err,
		)
	}

	h.logger.Info("invite cancelled",
		"call_id", sipCallID,
		"session_id", p.sessionID,
	)

	if p.callID != "" {
		h.srv.hub.Calls.Hangup(p.callID, model.ReasonSIPCancel)
	}
	if p.sessionID != "" {
		h.srv.hub.Sessions.Stop(p.sessionID, model.ReasonSIPCancel)
	}
	h.srv.hub.LifetimeEnd(dialogLifetime(sipCallID))
}

// HandleBye tears an established dialog down.
func (h *InviteHandler) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDValue(req)

	d := h.srv.dialogs.removeDialog(sipCallID)
	if d == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to bye", "error", err)
	}

	h.logger.Info("bye received",
		"call_id", sipCallID,
		"session_id", d.sessionID,
	)

	h.srv.hub.Sessions.Stop(d.sessionID, model.ReasonSIPBye)
	h.srv.hub.LifetimeEnd(dialogLifetime(sipCallID))
}

// HandleInfo forwards in-dialog DTMF to the session's media backend.
func (h *InviteHandler) HandleInfo(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDValue(req)

	d := h.srv.dialogs.getDialog(sipCallID)
	if d == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	digit := parseDTMF(req)
	if digit == "" {
		h.respondError(req, tx, 415, "Unsupported Media Type")
		return
	}

	sess, err := h.srv.hub.Sessions.Get(d.sessionID)
	if err != nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.Update(ctx, backend.UpdateDTMF, map[string]any{"dtmf": digit}); err != nil {
		h.logger.Warn("dtmf forward failed",
			"call_id", sipCallID,
			"digit", digit,
			"error", err,
		)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to info", "error", err)
	}
}

// parseDTMF extracts the digit from an application/dtmf-relay or
// application/dtmf INFO body.
func parseDTMF(req *sip.Request) string {
	ct := ""
	if h := req.ContentType(); h != nil {
		ct = h.Value()
	}
	body := strings.TrimSpace(string(req.Body()))
	switch ct {
	case "application/dtmf":
		return body
	case "application/dtmf-relay":
		for _, line := range strings.Split(body, "\n") {
			key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
			if ok && strings.EqualFold(key, "Signal") {
				return strings.TrimSpace(val)
			}
		}
	}
	return ""
}

// observerEvent reacts to core events delivered to a SIP leg's observer
// entry. When the session or call behind a leg stops from the core side,
// the pending transaction gets 487 and an established dialog gets a BYE.
func (h *InviteHandler) observerEvent(entry fabric.Entry, ev event.Event) {
	link, ok := entry.Key.(fabric.SIPInLink)
	if !ok {
		return
	}
	if ev.Tag != event.TagStop && ev.Tag != event.TagHangup {
		return
	}
	sipCallID := link.DialogHandle

	if p, cancelled := h.srv.dialogs.takePending(sipCallID); p != nil {
		if !cancelled {
			terminated := sip.NewResponseFromRequest(p.req, 487, "Request Terminated", nil)
			if err := p.tx.Respond(terminated); err != nil {
				h.logger.Error("failed to terminate pending invite",
					"call_id", sipCallID,
					"error", err,
				)
			}
		}
		return
	}

	if d := h.srv.dialogs.removeDialog(sipCallID); d != nil {
		h.logger.Info("sending bye for stopped session",
			"call_id", sipCallID,
			"session_id", d.sessionID,
			"reason", ev.Reason,
		)
		h.sendBye(d)
	}
}

// sendBye terminates the remote side of an established inbound dialog.
func (h *InviteHandler) sendBye(d *dialog) {
	recipient := d.req.From().Address
	if contact := d.req.Contact(); contact != nil && !contact.Address.Wildcard {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport(d.req.Transport())
	bye.AppendHeader(sip.NewHeader("Call-ID", d.handle))

	// Dialog direction reverses: our To (tagged in the 200) becomes
	// From, the caller's From becomes To.
	if to := d.res.To(); to != nil {
		bye.AppendHeader(&sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if from := d.req.From(); from != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params,
		})
	}
	if cseq := d.req.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := h.srv.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		h.logger.Error("failed to send bye",
			"call_id", d.handle,
			"error", err,
		)
		return
	}
	tx.Terminate()
}

// destinationAllowed applies the registrar invite policy. Shorthand
// destinations bypass it; they never have registrar bindings.
func (h *InviteHandler) destinationAllowed(dest string) bool {
	if h.srv.cfg.InviteNotRegistered || !h.srv.cfg.Registrar {
		return true
	}
	if isShorthandDest(dest) {
		return true
	}
	return h.srv.registrar.Registered(dest)
}

func isShorthandDest(dest string) bool {
	switch {
	case dest == "e", dest == "p":
		return true
	case strings.HasPrefix(dest, "mcu"):
		return true
	case strings.HasPrefix(dest, "f") && len(dest) > 1:
		return true
	}
	return false
}

// inviteFailureCode maps a core error to a SIP final response.
func inviteFailureCode(err error) (int, string) {
	switch {
	case errors.Is(err, errcode.ErrSessionNotFound), errors.Is(err, errcode.ErrUserNotFound):
		return 404, "Not Found"
	case errors.Is(err, errcode.ErrNoDestination):
		return 404, "Not Found"
	case errors.Is(err, errcode.ErrNoAnswer), errors.Is(err, errcode.ErrTimeout):
		return 480, "Temporarily Unavailable"
	case errors.Is(err, errcode.ErrSessionStopped):
		return 480, "Temporarily Unavailable"
	case errors.Is(err, errcode.ErrBackendError):
		return 503, "Service Unavailable"
	}
	return 500, "Internal Server Error"
}

func dialogLifetime(sipCallID string) fabric.Lifetime {
	return fabric.Lifetime("sipdlg:" + sipCallID)
}

func callIDValue(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
