package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func inviteWithDialogHeaders(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@10.0.0.5:5060", &uri); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("Call-ID", "out-leg-1"))
	from := &sip.FromHeader{Address: sip.Uri{User: "mediahub", Host: "example.org"}}
	from.Params = sip.NewParams()
	from.Params.Add("tag", "local-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func TestAckFor2xx(t *testing.T) {
	req := inviteWithDialogHeaders(t)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if to := res.To(); to != nil {
		to.Params = sip.NewParams()
		to.Params.Add("tag", "remote-tag")
	}
	contactURI := sip.Uri{User: "bob", Host: "192.168.1.20", Port: 5080}
	res.AppendHeader(&sip.ContactHeader{Address: contactURI})

	ack := ackFor2xx(req, res)

	if ack.Method != sip.ACK {
		t.Fatalf("method = %s, want ACK", ack.Method)
	}
	// Request-URI refreshes to the Contact from the 200.
	if ack.Recipient.Host != "192.168.1.20" || ack.Recipient.Port != 5080 {
		t.Errorf("recipient = %s, want contact target", ack.Recipient.String())
	}
	if cid := ack.CallID(); cid == nil || cid.Value() != "out-leg-1" {
		t.Errorf("call-id not preserved: %v", ack.CallID())
	}
	cseq := ack.CSeq()
	if cseq == nil || cseq.SeqNo != 1 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %v, want 1 ACK", cseq)
	}
	to := ack.To()
	if to == nil {
		t.Fatal("ack missing To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag" {
		t.Errorf("to tag = %q, want remote-tag", tag)
	}
}

func TestLegLifetime(t *testing.T) {
	if got := legLifetime("s1"); string(got) != "sipleg:s1" {
		t.Errorf("legLifetime = %q", got)
	}
}
