package verto

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/hub"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/sdputil"
	"github.com/mediahub/mediahub/internal/session"
)

const inviteTimeout = 10 * time.Second

// authRequired is the JSON-RPC error for commands before login.
var authRequired = &rpcError{Code: errcode.Lookup("verto_login_failed").Code, Message: "Authentication Required"}

// conn is one Verto endpoint connection. Reads are serial, so handlers
// run one at a time; pushes from the event bus only touch the write
// side and the session index.
type conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	user string // set by login, read by the server after the read loop exits

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu       sync.Mutex
	sessions map[string]string // wire call id -> session id
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	c := &conn{
		id:       uuid.NewString(),
		srv:      s,
		ws:       ws,
		sessions: make(map[string]string),
	}
	c.logger = s.logger.With("conn_id", c.id)
	return c
}

// lifetime is the fabric token every object this connection registers
// on is bound to; the connection dying sweeps them all.
func (c *conn) lifetime() fabric.Lifetime {
	return fabric.Lifetime("vertoconn:" + c.id)
}

func (c *conn) close() {
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("unparseable frame dropped", "error", err)
			continue
		}
		if req.Method == "" {
			continue
		}
		c.dispatch(req)
	}
}

func (c *conn) dispatch(req request) {
	if c.user == "" && req.Method != "login" {
		c.replyError(req.ID, authRequired)
		return
	}

	switch req.Method {
	case "login":
		c.handleLogin(req)
	case "verto.invite":
		c.handleInvite(req)
	case "verto.answer":
		c.handleAnswer(req)
	case "verto.bye":
		c.handleBye(req)
	case "verto.info":
		c.handleInfo(req)
	case "echo", "verto.ping":
		c.reply(req.ID, map[string]any{"message": "pong"})
	default:
		code := errcode.Lookup("verto_bad_request")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
	}
}

func (c *conn) handleLogin(req request) {
	var p loginParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Login == "" {
		code := errcode.Lookup("verto_bad_request")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}

	user, ok := c.srv.creds.VertoLogin(c.srv.cfg.Service, p.Login, p.Passwd)
	if !ok {
		c.logger.Warn("verto login refused", "login", p.Login)
		code := errcode.Lookup("verto_login_failed")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}

	c.user = user
	c.srv.bindUser(user, c.id)
	c.logger.Info("verto login", "user", user)
	c.reply(req.ID, map[string]any{"message": "logged in", "sessid": c.id})
}

func (c *conn) handleInvite(req request) {
	var p sdpParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Dialog.CallID == "" || p.Dialog.DestinationNumber == "" {
		code := errcode.Lookup("verto_bad_request")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	wire := p.Dialog.CallID

	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	out, err := c.srv.hub.SignalingInvite(ctx, hub.InviteInput{
		Service: c.srv.cfg.Service,
		Dest:    p.Dialog.DestinationNumber,
		Offer:   model.SDP{Body: p.SDP, Type: model.SDPWebRTC, TrickleICE: sdputil.HasTrickle(p.SDP)},
		Register: &session.Registration{
			Key:      fabric.VertoLink{ConnID: c.id, WireCallID: wire},
			Class:    fabric.ClassRegistered,
			Lifetime: c.lifetime(),
		},
		Meta: map[string]any{
			"verto_user": c.user,
			"caller_id":  p.Dialog.CallerIDNumber,
		},
	})
	if err != nil {
		c.logger.Warn("verto invite rejected",
			"dest", p.Dialog.DestinationNumber,
			"error", err,
		)
		code := errcode.FromError(err)
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}

	c.track(wire, out.SessionID)
	c.logger.Info("verto invite accepted",
		"user", c.user,
		"dest", p.Dialog.DestinationNumber,
		"wire_call_id", wire,
		"session_id", out.SessionID,
	)
	c.reply(req.ID, map[string]any{
		"message": "CALL CREATED",
		"callID":  wire,
		"sessid":  c.id,
	})
}

// handleAnswer applies the client's SDP answer: to the out-leg of a call
// routed to this endpoint, or as the async answer of its own session.
func (c *conn) handleAnswer(req request) {
	var p sdpParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Dialog.CallID == "" || p.SDP == "" {
		code := errcode.Lookup("verto_bad_request")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	wire := p.Dialog.CallID
	answer := model.SDP{Body: p.SDP, Type: model.SDPWebRTC}

	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	if leg := c.srv.legs.take(wire); leg != nil {
		if err := c.srv.hub.Sessions.SetAnswer(ctx, leg.sessionID, answer); err != nil {
			code := errcode.FromError(err)
			c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
			return
		}
		if err := c.srv.hub.Calls.Answered(ctx, leg.callID, fabric.SessionLink{ID: leg.sessionID}, &answer); err != nil {
			c.logger.Info("verto answer lost the race", "wire_call_id", wire, "error", err)
			c.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonOriginatorStop)
			c.untrack(wire)
			code := errcode.FromError(err)
			c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
			return
		}
		c.reply(req.ID, map[string]any{"method": "verto.answer", "callID": wire})
		return
	}

	sessionID, ok := c.lookup(wire)
	if !ok {
		code := errcode.Lookup("session_not_found")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	if err := c.srv.hub.Sessions.SetAnswer(ctx, sessionID, answer); err != nil {
		code := errcode.FromError(err)
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	c.reply(req.ID, map[string]any{"method": "verto.answer", "callID": wire})
}

func (c *conn) handleBye(req request) {
	var p byeParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Dialog.CallID == "" {
		code := errcode.Lookup("verto_bad_request")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	wire := p.Dialog.CallID

	// A bye for a not-yet-answered out-leg is a rejection.
	if leg := c.srv.legs.take(wire); leg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
		if err := c.srv.hub.Calls.Rejected(ctx, leg.callID, fabric.SessionLink{ID: leg.sessionID}); err != nil {
			c.logger.Debug("rejection report dropped", "error", err)
		}
		cancel()
		c.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonVertoBye)
		c.untrack(wire)
		c.reply(req.ID, map[string]any{"message": "CALL ENDED", "callID": wire})
		return
	}

	sessionID, ok := c.lookup(wire)
	if !ok {
		code := errcode.Lookup("session_not_found")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	c.untrack(wire)
	c.srv.hub.Sessions.Stop(sessionID, model.ReasonVertoBye)
	c.reply(req.ID, map[string]any{
		"message": "CALL ENDED",
		"callID":  wire,
		"cause":   "NORMAL_CLEARING",
	})
}

func (c *conn) handleInfo(req request) {
	var p infoParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Dialog.CallID == "" || p.DTMF == "" {
		code := errcode.Lookup("verto_bad_request")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}

	sessionID, ok := c.lookup(p.Dialog.CallID)
	if !ok {
		code := errcode.Lookup("session_not_found")
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	sess, err := c.srv.hub.Sessions.Get(sessionID)
	if err != nil {
		code := errcode.FromError(err)
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()
	if _, err := sess.Update(ctx, backend.UpdateDTMF, map[string]any{"dtmf": p.DTMF}); err != nil {
		code := errcode.FromError(err)
		c.replyError(req.ID, &rpcError{Code: code.Code, Message: code.Text})
		return
	}
	c.reply(req.ID, map[string]any{"message": "SENT"})
}

// coreEvent pushes a core lifecycle event out as a verto.* request.
func (c *conn) coreEvent(link fabric.VertoLink, ev event.Event) {
	dialog := dialogParams{CallID: link.WireCallID}

	switch ev.Tag {
	case event.TagAnswer:
		if ev.Subclass != event.SubclassSession {
			return
		}
		sdp, ok := ev.Payload.(model.SDP)
		if !ok {
			return
		}
		c.push("verto.answer", sdpParams{SDP: sdp.Body, Dialog: dialog})

	case event.TagRinging:
		if sdp, ok := ev.Payload.(model.SDP); ok && sdp.Body != "" {
			c.push("verto.media", sdpParams{SDP: sdp.Body, Dialog: dialog})
			return
		}
		c.push("verto.ringing", sdpParams{Dialog: dialog})

	case event.TagStop, event.TagHangup:
		c.untrack(link.WireCallID)
		c.srv.legs.take(link.WireCallID)
		c.push("verto.bye", byeParams{Cause: ev.Reason, Dialog: dialog})
	}
}

func (c *conn) track(wire, sessionID string) {
	c.mu.Lock()
	c.sessions[wire] = sessionID
	c.mu.Unlock()
}

func (c *conn) untrack(wire string) {
	c.mu.Lock()
	delete(c.sessions, wire)
	c.mu.Unlock()
}

func (c *conn) lookup(wire string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessions[wire]
	return id, ok
}

func (c *conn) reply(id any, result any) {
	c.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (c *conn) replyError(id any, e *rpcError) {
	c.write(response{JSONRPC: "2.0", ID: id, Error: e})
}

func (c *conn) push(method string, params any) {
	c.write(outbound{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params})
}

func (c *conn) write(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(v); err != nil {
		c.logger.Debug("write failed", "error", err)
	}
}
