// Package errcode defines the error kinds the core returns to its callers
// and the numeric wire taxonomy the protocol adapters expose to users.
package errcode

import "errors"

// Sentinel error kinds. Operation failures return one of these (possibly
// wrapped); adapters convert them to {code, text} pairs with Lookup.
var (
	ErrSessionNotFound = errors.New("session_not_found")
	ErrCallNotFound    = errors.New("call_not_found")
	ErrInviteNotFound  = errors.New("invite_not_found")
	ErrAlreadyAnswered = errors.New("already_answered")
	ErrNoDestination   = errors.New("no_destination")
	ErrNoAnswer        = errors.New("no_answer")
	ErrUserNotFound    = errors.New("user_not_found")
	ErrSessionStopped  = errors.New("session_stopped")
	ErrSessionError    = errors.New("session_error")
	ErrCallError       = errors.New("call_error")
	ErrBackendError    = errors.New("backend_error")
	ErrTimeout         = errors.New("timeout")
	ErrUnknownCommand  = errors.New("unknown_command")
)

// Code is a user-visible error with a stable numeric code.
type Code struct {
	Code int    `json:"code"`
	Text string `json:"error"`
}

// Numeric ranges: 2110-2115 SIP layer, 2130-2131 Verto layer,
// 2300-2311 FS backend, 2400-2412 KMS backend. 2000-2009 cover the
// generic core kinds.
var table = map[string]Code{
	"session_not_found": {2000, "Session not found"},
	"call_not_found":    {2001, "Call not found"},
	"invite_not_found":  {2002, "Invite not found"},
	"already_answered":  {2003, "Already answered"},
	"no_destination":    {2004, "No destination"},
	"no_answer":         {2005, "No answer"},
	"user_not_found":    {2006, "User not found"},
	"session_stopped":   {2007, "Session stopped"},
	"timeout":           {2008, "Operation timeout"},
	"unknown_command":   {2009, "Unknown command"},

	"sip_registrar_disabled": {2110, "SIP registrar disabled"},
	"sip_invalid_domain":     {2111, "Invalid SIP domain"},
	"sip_not_registered":     {2112, "SIP user not registered"},
	"sip_invite_rejected":    {2113, "SIP invite rejected"},
	"sip_transport_error":    {2114, "SIP transport error"},
	"sip_dialog_not_found":   {2115, "SIP dialog not found"},

	"verto_login_failed": {2130, "Verto login failed"},
	"verto_bad_request":  {2131, "Verto bad request"},

	"fs_not_available":    {2300, "FS backend not available"},
	"fs_start_error":      {2301, "FS channel start error"},
	"fs_transfer_error":   {2302, "FS transfer error"},
	"fs_bridge_error":     {2303, "FS bridge error"},
	"fs_conference_error": {2304, "FS conference error"},
	"fs_park_timeout":     {2305, "FS park timeout"},
	"fs_channel_stop":     {2306, "FS channel stopped"},
	"fs_hangup":           {2307, "FS hangup"},
	"fs_layout_error":     {2308, "FS layout error"},
	"fs_sdp_error":        {2309, "FS SDP error"},
	"fs_disconnected":     {2310, "FS disconnected"},
	"fs_unknown_operation": {2311, "FS unknown operation"},

	"kms_not_available":     {2400, "KMS backend not available"},
	"kms_endpoint_error":    {2401, "KMS endpoint error"},
	"kms_offer_error":       {2402, "KMS offer error"},
	"kms_answer_error":      {2403, "KMS answer error"},
	"kms_candidate_error":   {2404, "KMS candidate error"},
	"kms_connect_error":     {2405, "KMS connect error"},
	"kms_publisher_unknown": {2406, "KMS publisher not found"},
	"kms_room_error":        {2407, "KMS room error"},
	"kms_release_error":     {2408, "KMS release error"},
	"kms_update_error":      {2409, "KMS update error"},
	"kms_proxy_error":       {2410, "KMS proxy error"},
	"kms_session_error":     {2411, "KMS session error"},
	"kms_disconnected":      {2412, "KMS disconnected"},
}

// Lookup converts an internal reason atom or error kind into a wire code.
// Unknown atoms map to a generic internal error so a failure is never
// silently dropped on the wire.
func Lookup(kind string) Code {
	if c, ok := table[kind]; ok {
		return c
	}
	return Code{2099, "Internal error: " + kind}
}

// FromError converts an error (usually one of the sentinels above, possibly
// wrapped) into a wire code.
func FromError(err error) Code {
	if err == nil {
		return Code{}
	}
	for kind := range table {
		if err.Error() == kind {
			return table[kind]
		}
	}
	// Walk the wrap chain looking for a sentinel.
	for _, sentinel := range []error{
		ErrSessionNotFound, ErrCallNotFound, ErrInviteNotFound,
		ErrAlreadyAnswered, ErrNoDestination, ErrNoAnswer,
		ErrUserNotFound, ErrSessionStopped, ErrTimeout, ErrUnknownCommand,
	} {
		if errors.Is(err, sentinel) {
			return table[sentinel.Error()]
		}
	}
	return Code{2099, "Internal error: " + err.Error()}
}
