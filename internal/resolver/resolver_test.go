package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/mediahub/mediahub/internal/model"
)

func TestChainAccumulates(t *testing.T) {
	c := NewChain(slog.Default())
	c.Append("static", Static(map[string][]Descriptor{
		"1000": {{Dest: "sip:alice@host"}},
	}))
	c.Append("mirror", func(ctx context.Context, service, callee string, acc []Descriptor) ([]Descriptor, error) {
		return append(acc, Descriptor{Dest: "verto:" + callee, SDPType: model.SDPWebRTC}), nil
	})

	got := c.Resolve(t.Context(), "srv", "1000")
	if len(got) != 2 {
		t.Fatalf("resolved %d descriptors, want 2", len(got))
	}
	if got[0].Dest != "sip:alice@host" || got[1].Dest != "verto:1000" {
		t.Errorf("descriptors = %+v", got)
	}
	if got[1].SDPType != model.SDPWebRTC {
		t.Errorf("sdp type = %q", got[1].SDPType)
	}
}

func TestChainSkipsFailingResolver(t *testing.T) {
	c := NewChain(slog.Default())
	c.Append("first", Static(map[string][]Descriptor{
		"1000": {{Dest: "sip:alice@host", Ring: 20 * time.Second}},
	}))
	c.Append("broken", func(ctx context.Context, service, callee string, acc []Descriptor) ([]Descriptor, error) {
		return nil, fmt.Errorf("lookup down")
	})
	c.Append("last", func(ctx context.Context, service, callee string, acc []Descriptor) ([]Descriptor, error) {
		return append(acc, Descriptor{Dest: "api:fallback", Wait: time.Second}), nil
	})

	got := c.Resolve(t.Context(), "srv", "1000")
	if len(got) != 2 {
		t.Fatalf("resolved %d descriptors, want 2 (failing link skipped)", len(got))
	}
	if got[0].Ring != 20*time.Second || got[1].Wait != time.Second {
		t.Errorf("descriptors = %+v", got)
	}
}

func TestChainEmptyAndUnknownCallee(t *testing.T) {
	c := NewChain(slog.Default())
	if got := c.Resolve(t.Context(), "srv", "1000"); len(got) != 0 {
		t.Fatalf("empty chain resolved %d descriptors", len(got))
	}

	c.Append("static", Static(map[string][]Descriptor{"1000": {{Dest: "sip:a@h"}}}))
	if got := c.Resolve(t.Context(), "srv", "2000"); len(got) != 0 {
		t.Fatalf("unknown callee resolved %d descriptors", len(got))
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}
