package fabric

import "fmt"

// Kind identifies the concrete variant of a Link.
type Kind string

const (
	KindSession Kind = "session"
	KindCall    Kind = "call"
	KindSIPIn   Kind = "sip_in"
	KindSIPOut  Kind = "sip_out"
	KindVerto   Kind = "verto"
	KindAPI     Kind = "api"
)

// Link is the identity token used as an observer key. Every variant is a
// small comparable struct so links can key maps directly. A Link names
// who is observing; the Lifetime attached at registration time names the
// handle whose death ends the relationship.
type Link interface {
	// Kind returns the variant tag.
	Kind() Kind

	// String renders the link for logging and wire echo.
	String() string
}

// SessionLink identifies a session observer.
type SessionLink struct {
	ID string
}

func (l SessionLink) Kind() Kind     { return KindSession }
func (l SessionLink) String() string { return "session:" + l.ID }

// CallLink identifies a call observer.
type CallLink struct {
	ID string
}

func (l CallLink) Kind() Kind     { return KindCall }
func (l CallLink) String() string { return "call:" + l.ID }

// SIPInLink identifies an inbound SIP leg: the transaction awaiting a
// final response (CANCEL correlation) and the dialog (BYE correlation).
type SIPInLink struct {
	RequestHandle string
	DialogHandle  string
}

func (l SIPInLink) Kind() Kind { return KindSIPIn }
func (l SIPInLink) String() string {
	return fmt.Sprintf("sip_in:%s/%s", l.RequestHandle, l.DialogHandle)
}

// SIPOutLink identifies an outbound SIP leg by its destination URI.
type SIPOutLink struct {
	DestURI string
}

func (l SIPOutLink) Kind() Kind     { return KindSIPOut }
func (l SIPOutLink) String() string { return "sip_out:" + l.DestURI }

// VertoLink identifies a Verto endpoint leg: the WebSocket connection and
// the wire call id the client chose.
type VertoLink struct {
	ConnID     string
	WireCallID string
}

func (l VertoLink) Kind() Kind     { return KindVerto }
func (l VertoLink) String() string { return fmt.Sprintf("verto:%s/%s", l.ConnID, l.WireCallID) }

// APILink identifies an external API client session.
type APILink struct {
	ClientID string
}

func (l APILink) Kind() Kind     { return KindAPI }
func (l APILink) String() string { return "api:" + l.ClientID }
