// Package model defines the domain types shared by the signaling core:
// session types, SDP descriptions, trickle-ICE candidates and the reason
// atoms carried by lifecycle events.
package model

// SessionType identifies the media operation a session performs.
type SessionType string

const (
	// SessionP2P forwards SDP between two signaling peers with no backend.
	SessionP2P SessionType = "p2p"

	// SessionProxy relays media through the KMS engine without mixing.
	SessionProxy SessionType = "proxy"

	// SessionPark holds the leg on the backend in a neutral state.
	SessionPark SessionType = "park"

	// SessionEcho loops the leg's media back to itself.
	SessionEcho SessionType = "echo"

	// SessionMCU mixes the leg into a multipoint conference room.
	SessionMCU SessionType = "mcu"

	// SessionBridge connects the leg to a peer leg on the backend.
	SessionBridge SessionType = "bridge"

	// SessionPublish emits the leg's media as a named SFU publisher.
	SessionPublish SessionType = "publish"

	// SessionListen consumes a named publisher's stream.
	SessionListen SessionType = "listen"

	// SessionCall is an out-leg created to reach another session; its
	// answer, once set, is propagated to the master peer.
	SessionCall SessionType = "call"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case SessionP2P, SessionProxy, SessionPark, SessionEcho, SessionMCU,
		SessionBridge, SessionPublish, SessionListen, SessionCall:
		return true
	}
	return false
}

// SDPType classifies a session description payload.
type SDPType string

const (
	// SDPWebRTC is a description produced by a WebRTC endpoint (ICE,
	// DTLS fingerprints, possibly trickle).
	SDPWebRTC SDPType = "webrtc"

	// SDPRTP is a plain RTP/AVP description as produced by SIP phones.
	SDPRTP SDPType = "rtp"
)

// SDP is one half of an offer/answer exchange.
type SDP struct {
	// Body is the raw session description.
	Body string `json:"sdp"`

	// Type classifies the description (webrtc or rtp).
	Type SDPType `json:"sdp_type"`

	// TrickleICE is true when the description advertises trickle and
	// candidates will arrive incrementally after the exchange.
	TrickleICE bool `json:"trickle_ice,omitempty"`
}

// Candidate is one trickle-ICE candidate, or the end-of-candidates
// sentinel when End is true.
type Candidate struct {
	Candidate  string `json:"candidate,omitempty"`
	Mid        string `json:"sdpMid,omitempty"`
	MLineIndex int    `json:"sdpMLineIndex,omitempty"`

	// End marks the end-of-candidates sentinel. A sentinel carries no
	// candidate line.
	End bool `json:"end,omitempty"`
}

// TypeExt carries the type-specific attributes of a session.
type TypeExt struct {
	// RoomID and RoomType apply to mcu sessions.
	RoomID   string `json:"room_id,omitempty"`
	RoomType string `json:"room_type,omitempty"`

	// Layout is the active MCU layout name.
	Layout string `json:"layout,omitempty"`

	// PeerID is the bridged peer session for bridge and call sessions.
	PeerID string `json:"peer_id,omitempty"`

	// PublisherID names the publisher a listen session consumes.
	PublisherID string `json:"publisher_id,omitempty"`
}

// IsZero reports whether no extension attribute is set.
func (e TypeExt) IsZero() bool {
	return e == TypeExt{}
}

// Reason atoms carried by hangup and stop events. Adapters translate
// these to wire-level {code, text} pairs via the errcode table.
const (
	ReasonNormal         = "normal"
	ReasonTimeout        = "timeout"
	ReasonNoDestination  = "no_destination"
	ReasonNoAnswer       = "no_answer"
	ReasonOriginatorStop = "originator_stop"
	ReasonCalleeStop     = "callee_stop"
	ReasonSessionStop    = "session_stop"
	ReasonMasterStop     = "master_peer_stop"
	ReasonRegisteredStop = "registered_stop"
	ReasonPeerStop       = "peer_stop"
	ReasonBackendStop    = "backend_stop"
	ReasonSIPBye         = "sip_bye"
	ReasonSIPCancel      = "sip_cancel"
	ReasonVertoBye       = "verto_bye"
	ReasonAPIStop        = "api_stop"
)

// DefaultRoomType is applied to MCU rooms created without an explicit
// room type.
const DefaultRoomType = "video-mcu-stereo"
