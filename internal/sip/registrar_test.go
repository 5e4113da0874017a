package sip

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mapCreds map[string]string

func (m mapCreds) SIPPassword(service, username string) (string, bool) {
	pw, ok := m[username]
	return pw, ok
}

func newTestRegistrar(t *testing.T) *Registrar {
	t.Helper()
	auth := NewAuthenticator("example.org", mapCreds{"alice": "secret"}, testLogger())
	return NewRegistrar(true, "example.org", false, auth, testLogger())
}

func TestRegistrarLookupFiltersExpired(t *testing.T) {
	r := newTestRegistrar(t)

	now := time.Now()
	r.bindings["alice"] = []Binding{
		{ContactURI: "sip:alice@10.0.0.1:5060", Expires: now.Add(time.Hour)},
		{ContactURI: "sip:alice@10.0.0.2:5060", Expires: now.Add(-time.Minute)},
	}

	live := r.Lookup("alice")
	if len(live) != 1 {
		t.Fatalf("Lookup returned %d bindings, want 1", len(live))
	}
	if live[0].ContactURI != "sip:alice@10.0.0.1:5060" {
		t.Errorf("surviving binding = %q", live[0].ContactURI)
	}
	if !r.Registered("alice") {
		t.Error("alice should be registered")
	}
	if r.Registered("bob") {
		t.Error("bob should not be registered")
	}
}

func TestRegistrarLookupNewestFirst(t *testing.T) {
	r := newTestRegistrar(t)

	now := time.Now()
	r.bindings["alice"] = []Binding{
		{ContactURI: "sip:alice@10.0.0.1:5060", Expires: now.Add(30 * time.Minute)},
		{ContactURI: "sip:alice@10.0.0.2:5060", Expires: now.Add(2 * time.Hour)},
		{ContactURI: "sip:alice@10.0.0.3:5060", Expires: now.Add(time.Hour)},
	}

	live := r.Lookup("alice")
	if len(live) != 3 {
		t.Fatalf("Lookup returned %d bindings, want 3", len(live))
	}
	want := []string{
		"sip:alice@10.0.0.2:5060",
		"sip:alice@10.0.0.3:5060",
		"sip:alice@10.0.0.1:5060",
	}
	for i, uri := range want {
		if live[i].ContactURI != uri {
			t.Errorf("binding[%d] = %q, want %q", i, live[i].ContactURI, uri)
		}
	}
}

func TestRegistrarResolverAppendsBindings(t *testing.T) {
	r := newTestRegistrar(t)
	r.bindings["alice"] = []Binding{
		{ContactURI: "sip:alice@10.0.0.1:5060", Expires: time.Now().Add(time.Hour)},
	}

	fn := registrarResolver(r)

	descs, err := fn(t.Context(), "default", "alice", nil)
	if err != nil {
		t.Fatalf("resolver failed: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("resolver returned %d descriptors, want 1", len(descs))
	}
	if descs[0].Dest != "sip:alice@10.0.0.1:5060" {
		t.Errorf("dest = %q", descs[0].Dest)
	}

	// Unknown callees pass the accumulator through untouched.
	descs, err = fn(t.Context(), "default", "nobody", descs)
	if err != nil {
		t.Fatalf("resolver failed: %v", err)
	}
	if len(descs) != 1 {
		t.Errorf("accumulator grew to %d for unknown callee", len(descs))
	}
}
