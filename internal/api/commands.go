package api

import (
	"context"
	"encoding/json"

	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/sdputil"
	"github.com/mediahub/mediahub/internal/session"
)

var errBadRequest = errcode.Code{Code: 4000, Text: "Malformed command data"}

func (c *client) sessionCmd(f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	switch f.Cmd {
	case "start":
		var d sessionStartData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.Type == "" {
			c.replyError(f, errBadRequest)
			return
		}
		cfg := session.Config{
			Service: c.service,
			Type:    model.SessionType(d.Type),
			Backend: d.Backend,
			Ext: model.TypeExt{
				RoomID:      d.RoomID,
				RoomType:    d.RoomType,
				PublisherID: d.Publisher,
			},
			Peer:       d.Peer,
			MasterPeer: d.MasterPeer,
			Meta:       d.Meta,
		}
		if d.SDP != "" {
			cfg.Offer = c.parseSDP(d.SDP, d.SDPType)
		}
		if d.wanted() {
			cfg.Register = &session.Registration{
				Key:      fabric.APILink{ClientID: c.id},
				Class:    fabric.ClassRegistered,
				Lifetime: c.lifetime(),
				Payload:  d.EventsBody,
			}
		}
		id, err := c.srv.hub.Sessions.Start(ctx, cfg)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"session_id": id})

	case "stop":
		var d sessionRefData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.SessionID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		reason := d.Reason
		if reason == "" {
			reason = model.ReasonAPIStop
		}
		c.srv.hub.Sessions.Stop(d.SessionID, reason)
		c.replyOK(f, map[string]any{"session_id": d.SessionID})

	case "set_answer":
		var d sessionAnswerData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.SessionID == "" || d.SDP == "" {
			c.replyError(f, errBadRequest)
			return
		}
		if err := c.srv.hub.Sessions.SetAnswer(ctx, d.SessionID, *c.parseSDP(d.SDP, d.SDPType)); err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"session_id": d.SessionID})

	case "set_candidate", "set_candidate_end":
		var d sessionCandidateData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.SessionID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		sess, err := c.srv.hub.Sessions.Get(d.SessionID)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		cand := model.Candidate{
			Candidate:  d.Candidate,
			Mid:        d.Mid,
			MLineIndex: d.MLineIndex,
			End:        f.Cmd == "set_candidate_end",
		}
		if err := sess.Candidate(ctx, cand); err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"session_id": d.SessionID})

	case "update":
		var d sessionUpdateData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.SessionID == "" || d.Kind == "" {
			c.replyError(f, errBadRequest)
			return
		}
		sess, err := c.srv.hub.Sessions.Get(d.SessionID)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		result, err := sess.Update(ctx, d.Kind, d.Options)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"session_id": d.SessionID, "result": result})

	case "info":
		var d sessionRefData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.SessionID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		sess, err := c.srv.hub.Sessions.Get(d.SessionID)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, sess.Info())

	case "list":
		c.replyOK(f, map[string]any{"sessions": c.srv.hub.Sessions.List(c.service)})

	default:
		c.replyError(f, errcode.Lookup("unknown_command"))
	}
}

func (c *client) callCmd(f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	switch f.Cmd {
	case "start":
		var d callStartData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.Callee == "" {
			c.replyError(f, errBadRequest)
			return
		}
		cfg := call.Config{
			Service:   c.service,
			Callee:    d.Callee,
			SessionID: d.SessionID,
			Meta:      d.Meta,
		}
		if d.SDP != "" {
			cfg.Offer = c.parseSDP(d.SDP, d.SDPType)
		}
		if d.wanted() {
			cfg.Register = &call.Registration{
				Key:      fabric.APILink{ClientID: c.id},
				Class:    fabric.ClassRegistered,
				Lifetime: c.lifetime(),
				Payload:  d.EventsBody,
			}
		}
		id, err := c.srv.hub.Calls.Start(ctx, cfg)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"call_id": id})

	case "ringing":
		var d callSignalData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.CallID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		leg := c.srv.legs.get(c.id, d.CallID)
		if leg == nil {
			c.replyError(f, errcode.Lookup("invite_not_found"))
			return
		}
		var early *model.SDP
		if d.SDP != "" {
			early = c.parseSDP(d.SDP, d.SDPType)
		}
		if err := c.srv.hub.Calls.Ringing(ctx, d.CallID, fabric.SessionLink{ID: leg.sessionID}, early); err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"call_id": d.CallID})

	case "answered":
		var d callSignalData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.CallID == "" || d.SDP == "" {
			c.replyError(f, errBadRequest)
			return
		}
		leg := c.srv.legs.take(c.id, d.CallID)
		if leg == nil {
			c.replyError(f, errcode.Lookup("invite_not_found"))
			return
		}
		answer := c.parseSDP(d.SDP, d.SDPType)
		if err := c.srv.hub.Sessions.SetAnswer(ctx, leg.sessionID, *answer); err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		if err := c.srv.hub.Calls.Answered(ctx, d.CallID, fabric.SessionLink{ID: leg.sessionID}, answer); err != nil {
			c.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonOriginatorStop)
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"call_id": d.CallID})

	case "rejected":
		var d callSignalData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.CallID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		leg := c.srv.legs.take(c.id, d.CallID)
		if leg == nil {
			c.replyError(f, errcode.Lookup("invite_not_found"))
			return
		}
		if err := c.srv.hub.Calls.Rejected(ctx, d.CallID, fabric.SessionLink{ID: leg.sessionID}); err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.srv.hub.Sessions.Stop(leg.sessionID, model.ReasonCalleeStop)
		c.replyOK(f, map[string]any{"call_id": d.CallID})

	case "hangup":
		var d callSignalData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.CallID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		reason := d.Reason
		if reason == "" {
			reason = model.ReasonAPIStop
		}
		c.srv.hub.Calls.Hangup(d.CallID, reason)
		c.replyOK(f, map[string]any{"call_id": d.CallID})

	default:
		c.replyError(f, errcode.Lookup("unknown_command"))
	}
}

func (c *client) roomCmd(f frame) {
	switch f.Cmd {
	case "create":
		var d roomData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.RoomID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		info, err := c.srv.hub.Rooms.Create(c.service, d.RoomID, d.RoomType)
		if err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		if d.wanted() {
			sub := c.srv.hub.Bus.Subscribe(event.Topic{
				Service:   c.service,
				Subclass:  event.SubclassRoom,
				SubjectID: d.RoomID,
			}, 16, d.EventsBody)
			c.addSub(sub)
			go c.forwardSub(sub)
		}
		c.replyOK(f, info)

	case "destroy":
		var d roomData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.RoomID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		if err := c.srv.hub.Rooms.Destroy(c.service, d.RoomID); err != nil {
			c.replyError(f, errcode.FromError(err))
			return
		}
		c.replyOK(f, map[string]any{"room_id": d.RoomID})

	case "list":
		c.replyOK(f, map[string]any{"rooms": c.srv.hub.Rooms.List(c.service)})

	case "info":
		var d roomData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.RoomID == "" {
			c.replyError(f, errBadRequest)
			return
		}
		info, ok := c.srv.hub.Rooms.Get(c.service, d.RoomID)
		if !ok {
			c.replyError(f, errcode.Code{Code: 4040, Text: "Room not found"})
			return
		}
		c.replyOK(f, info)

	default:
		c.replyError(f, errcode.Lookup("unknown_command"))
	}
}

// parseSDP wraps a raw description, classifying it when the caller did
// not name a type.
func (c *client) parseSDP(body, sdpType string) *model.SDP {
	sdp := model.SDP{Body: body, Type: model.SDPType(sdpType)}
	if sdp.Type == "" {
		sdp.Type = sdputil.Classify(body)
	}
	sdp.TrickleICE = sdputil.HasTrickle(body)
	return &sdp
}
