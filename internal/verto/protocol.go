// Package verto is the Verto signaling adapter: JSON-RPC 2.0 over
// WebSocket, speaking the dialect WebRTC clients of the FS engine use.
// Inbound invites run through the hub's shared invite flow; answers,
// ringing and teardown are pushed back as server-initiated requests.
package verto

import "encoding/json"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// outbound is a server-initiated request frame.
type outbound struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// dialogParams is the per-call envelope shared by every verto.* method.
// The client chooses callID; the server preserves it on every frame of
// the dialog.
type dialogParams struct {
	CallID            string `json:"callID"`
	DestinationNumber string `json:"destination_number,omitempty"`
	CallerIDName      string `json:"caller_id_name,omitempty"`
	CallerIDNumber    string `json:"caller_id_number,omitempty"`
}

type loginParams struct {
	Login  string `json:"login"`
	Passwd string `json:"passwd"`
	Sessid string `json:"sessid,omitempty"`
}

type sdpParams struct {
	SDP    string       `json:"sdp,omitempty"`
	Dialog dialogParams `json:"dialogParams"`
}

type byeParams struct {
	Cause  string       `json:"cause,omitempty"`
	Dialog dialogParams `json:"dialogParams"`
}

type infoParams struct {
	DTMF   string       `json:"dtmf,omitempty"`
	Dialog dialogParams `json:"dialogParams"`
}
