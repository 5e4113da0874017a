package sip

import (
	"fmt"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/mediahub/mediahub/internal/errcode"
)

func infoRequest(t *testing.T, contentType, body string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:alice@example.org", &uri); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	req := sip.NewRequest(sip.INFO, uri)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.SetBody([]byte(body))
	return req
}

func TestParseDTMF(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{
			name:        "dtmf relay",
			contentType: "application/dtmf-relay",
			body:        "Signal=5\r\nDuration=160\r\n",
			want:        "5",
		},
		{
			name:        "dtmf relay star",
			contentType: "application/dtmf-relay",
			body:        "Signal=*\r\nDuration=100",
			want:        "*",
		},
		{
			name:        "bare dtmf",
			contentType: "application/dtmf",
			body:        "#",
			want:        "#",
		},
		{
			name:        "relay without signal line",
			contentType: "application/dtmf-relay",
			body:        "Duration=160",
			want:        "",
		},
		{
			name:        "unsupported content type",
			contentType: "text/plain",
			body:        "Signal=1",
			want:        "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDTMF(infoRequest(t, tt.contentType, tt.body))
			if got != tt.want {
				t.Errorf("parseDTMF = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsShorthandDest(t *testing.T) {
	tests := []struct {
		dest string
		want bool
	}{
		{"e", true},
		{"p", true},
		{"mcu", true},
		{"mcu-standup", true},
		{"f3f2c1aa", true},
		{"f", false},
		{"alice", false},
		{"1001", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isShorthandDest(tt.dest); got != tt.want {
			t.Errorf("isShorthandDest(%q) = %v, want %v", tt.dest, got, tt.want)
		}
	}
}

func TestInviteFailureCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errcode.ErrSessionNotFound, 404},
		{fmt.Errorf("%w: bridge target x", errcode.ErrSessionNotFound), 404},
		{errcode.ErrNoDestination, 404},
		{errcode.ErrNoAnswer, 480},
		{errcode.ErrTimeout, 480},
		{errcode.ErrSessionStopped, 480},
		{errcode.ErrBackendError, 503},
		{fmt.Errorf("boom"), 500},
	}
	for _, tt := range tests {
		code, _ := inviteFailureCode(tt.err)
		if code != tt.code {
			t.Errorf("inviteFailureCode(%v) = %d, want %d", tt.err, code, tt.code)
		}
	}
}

func TestDialogLifetime(t *testing.T) {
	if got := dialogLifetime("abc@host"); string(got) != "sipdlg:abc@host" {
		t.Errorf("dialogLifetime = %q", got)
	}
}
