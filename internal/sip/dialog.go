package sip

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// pendingInvite is an inbound INVITE between 100 Trying and the final
// response; CANCEL correlates by SIP Call-ID.
type pendingInvite struct {
	reqHandle string
	req       *sip.Request
	tx        sip.ServerTransaction
	sessionID string
	callID    string // core call id, set for fan-out invites
	cancelled bool
}

// dialog is an established inbound leg; BYE correlates by SIP Call-ID.
type dialog struct {
	handle    string
	sessionID string
	callID    string
	req       *sip.Request
	res       *sip.Response
	created   time.Time
}

// dialogTable tracks pending transactions and established dialogs.
type dialogTable struct {
	mu       sync.Mutex
	pending  map[string]*pendingInvite // keyed by SIP Call-ID
	dialogs  map[string]*dialog        // keyed by SIP Call-ID
	bySessID map[string]string         // session id -> SIP Call-ID
}

func newDialogTable() *dialogTable {
	return &dialogTable{
		pending:  make(map[string]*pendingInvite),
		dialogs:  make(map[string]*dialog),
		bySessID: make(map[string]string),
	}
}

func (t *dialogTable) addPending(sipCallID string, p *pendingInvite) {
	t.mu.Lock()
	t.pending[sipCallID] = p
	if p.sessionID != "" {
		t.bySessID[p.sessionID] = sipCallID
	}
	t.mu.Unlock()
}

func (t *dialogTable) bindSession(sipCallID, sessionID, callID string) {
	t.mu.Lock()
	if p, ok := t.pending[sipCallID]; ok {
		p.sessionID = sessionID
		p.callID = callID
		t.bySessID[sessionID] = sipCallID
	}
	t.mu.Unlock()
}

// takePending removes and returns the pending invite, reporting whether
// it had already been cancelled.
func (t *dialogTable) takePending(sipCallID string) (*pendingInvite, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[sipCallID]
	if !ok {
		return nil, false
	}
	delete(t.pending, sipCallID)
	return p, p.cancelled
}

// cancelPending marks a pending invite cancelled and returns it.
func (t *dialogTable) cancelPending(sipCallID string) *pendingInvite {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[sipCallID]
	if !ok {
		return nil
	}
	p.cancelled = true
	return p
}

func (t *dialogTable) addDialog(sipCallID string, d *dialog) {
	t.mu.Lock()
	t.dialogs[sipCallID] = d
	t.bySessID[d.sessionID] = sipCallID
	t.mu.Unlock()
}

func (t *dialogTable) getDialog(sipCallID string) *dialog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialogs[sipCallID]
}

func (t *dialogTable) removeDialog(sipCallID string) *dialog {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dialogs[sipCallID]
	if !ok {
		return nil
	}
	delete(t.dialogs, sipCallID)
	delete(t.bySessID, d.sessionID)
	return d
}

// removeBySession drops whatever leg a session is bound to, returning
// the established dialog if there was one.
func (t *dialogTable) removeBySession(sessionID string) *dialog {
	t.mu.Lock()
	defer t.mu.Unlock()
	sipCallID, ok := t.bySessID[sessionID]
	if !ok {
		return nil
	}
	delete(t.bySessID, sessionID)
	d, ok := t.dialogs[sipCallID]
	if !ok {
		return nil
	}
	delete(t.dialogs, sipCallID)
	return d
}

func (t *dialogTable) count() (pending, established int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending), len(t.dialogs)
}
