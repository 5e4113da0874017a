// Package api is the external WebSocket API: JSON frames carrying
// commands against sessions, calls and rooms, with lifecycle events
// pushed back on the same connection. Clients authenticate with a JWT
// bearer token at upgrade time.
package api

import "encoding/json"

// classMedia is the command class every request carries; event frames
// use classEvent.
const (
	classMedia = "media"
	classEvent = "event"
)

// frame is one client request. Subclass selects the object kind
// (session, call, room), Cmd the operation; tid is echoed on the reply
// so clients can correlate.
type frame struct {
	Class    string          `json:"class"`
	Subclass string          `json:"subclass"`
	Cmd      string          `json:"cmd"`
	Data     json.RawMessage `json:"data,omitempty"`
	TID      string          `json:"tid,omitempty"`
}

// reply mirrors the request envelope with the result or error in Data.
type reply struct {
	Class    string `json:"class"`
	Subclass string `json:"subclass,omitempty"`
	Cmd      string `json:"cmd,omitempty"`
	Data     any    `json:"data,omitempty"`
	TID      string `json:"tid,omitempty"`
}

// errorData is the error payload of a failed command.
type errorData struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// eventData is the payload of a pushed lifecycle event frame.
type eventData struct {
	Service  string `json:"srv_id"`
	Class    string `json:"class"`
	Subclass string `json:"subclass"`
	Type     string `json:"type"`
	ObjID    string `json:"obj_id"`
	Reason   string `json:"reason,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// subscribeOpts is embedded in every object-creating command.
type subscribeOpts struct {
	// Subscribe defaults to true; nil means subscribe.
	Subscribe  *bool `json:"subscribe,omitempty"`
	EventsBody any   `json:"events_body,omitempty"`
}

func (o subscribeOpts) wanted() bool {
	return o.Subscribe == nil || *o.Subscribe
}

type sessionStartData struct {
	subscribeOpts
	Type       string         `json:"type"`
	Backend    string         `json:"backend,omitempty"`
	SDP        string         `json:"sdp,omitempty"`
	SDPType    string         `json:"sdp_type,omitempty"`
	RoomID     string         `json:"room_id,omitempty"`
	RoomType   string         `json:"room_type,omitempty"`
	Publisher  string         `json:"publisher_id,omitempty"`
	Peer       string         `json:"peer_id,omitempty"`
	MasterPeer string         `json:"master_peer,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type sessionRefData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type sessionAnswerData struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	SDPType   string `json:"sdp_type,omitempty"`
}

type sessionCandidateData struct {
	SessionID  string `json:"session_id"`
	Candidate  string `json:"candidate,omitempty"`
	Mid        string `json:"sdpMid,omitempty"`
	MLineIndex int    `json:"sdpMLineIndex,omitempty"`
}

type sessionUpdateData struct {
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Options   map[string]any `json:"options,omitempty"`
}

type callStartData struct {
	subscribeOpts
	Callee    string         `json:"callee"`
	SessionID string         `json:"session_id,omitempty"`
	SDP       string         `json:"sdp,omitempty"`
	SDPType   string         `json:"sdp_type,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// callSignalData reports an out-leg outcome back from the client for
// invites this API connection was dispatched.
type callSignalData struct {
	CallID  string `json:"call_id"`
	SDP     string `json:"sdp,omitempty"`
	SDPType string `json:"sdp_type,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type roomData struct {
	subscribeOpts
	RoomID   string `json:"room_id"`
	RoomType string `json:"room_type,omitempty"`
}

// inviteData is pushed to a client when a call fans out to it.
type inviteData struct {
	CallID  string         `json:"call_id"`
	Dest    string         `json:"dest"`
	SDP     string         `json:"sdp,omitempty"`
	SDPType string         `json:"sdp_type,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}
