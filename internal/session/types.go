package session

import (
	"time"

	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
)

// State is the lifecycle state of a session.
type State string

const (
	StateNew        State = "new"
	StateWaitOffer  State = "wait_offer"
	StateWaitAnswer State = "wait_answer"
	StateReady      State = "ready"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Registration describes one observer to attach to a session.
type Registration struct {
	Key      fabric.Link
	Class    fabric.Class
	Lifetime fabric.Lifetime
	Payload  any
}

// Config describes a session to start.
type Config struct {
	// Service scopes the session to a logical tenant.
	Service string

	// Type is the media operation; required.
	Type model.SessionType

	// Backend pins a backend adapter by name. Empty selects the first
	// registered adapter supporting the type.
	Backend string

	// Offer, when set, is the externally supplied offer the backend
	// answers. When nil the backend generates the offer.
	Offer *model.SDP

	// Ext carries the type-specific attributes (room, publisher, peer).
	Ext model.TypeExt

	// Register attaches an initial observer before any event is emitted.
	Register *Registration

	// MasterPeer links an out-leg (type call) back to the session its
	// answer must be propagated to.
	MasterPeer string

	// Peer requests an immediate bridge to an existing session once the
	// leg is up; only meaningful for type call on the FS backend.
	Peer string

	// WaitTimeout bounds the wait for an offer, ReadyTimeout the wait
	// for an answer. Zero selects the manager defaults.
	WaitTimeout  time.Duration
	ReadyTimeout time.Duration

	// Meta is opaque caller data echoed in Info.
	Meta map[string]any
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID         string            `json:"session_id"`
	Service    string            `json:"srv_id"`
	Type       model.SessionType `json:"type"`
	Ext        model.TypeExt     `json:"type_ext,omitempty"`
	Backend    string            `json:"backend,omitempty"`
	State      State             `json:"state"`
	HasOffer   bool              `json:"has_offer"`
	HasAnswer  bool              `json:"has_answer"`
	MasterPeer string            `json:"master_peer,omitempty"`
	SlavePeer  string            `json:"slave_peer,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StopReason string            `json:"stop_reason,omitempty"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

// Mailbox commands. Each variant carries exactly what its handler needs;
// commands expecting a result carry a reply channel.
type response struct {
	val any
	err error
}

type cmdStart struct {
	reply chan response
}

type cmdSetOffer struct {
	sdp   model.SDP
	reply chan response
}

type cmdSetAnswer struct {
	sdp   model.SDP
	reply chan response
}

type cmdUpdate struct {
	kind  string
	opts  map[string]any
	reply chan response
}

type cmdCandidate struct {
	cand  model.Candidate
	reply chan response
}

type cmdRegister struct {
	reg   Registration
	reply chan response
}

type cmdUnregister struct {
	key   fabric.Link
	reply chan response
}

type cmdGetOffer struct {
	reply chan response
}

type cmdGetAnswer struct {
	reply chan response
}

type cmdInfo struct {
	reply chan response
}

type cmdStop struct {
	reason string
}

type cmdObserverDown struct {
	entry fabric.Entry
}

type cmdEngineEvent struct {
	ev backend.EngineEvent
}

// cmdBridgeRequest is the synchronous half of bridge setup: the master
// asks this session to become its slave leg.
type cmdBridgeRequest struct {
	masterID string
	reply    chan response
}

// cmdBridgeConfirm is cast to the slave once the engine reported the
// bridge up.
type cmdBridgeConfirm struct {
	peerID string
}

// cmdBridgeStop is cast to the surviving leg when its bridge peer went
// away; the survivor resets to park.
type cmdBridgeStop struct {
	peerID string
}

type cmdTimeout struct {
	which string // "wait", "ready", "gather"
}

type cmdFinalize struct{}
