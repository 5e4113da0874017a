package fabric

import (
	"log/slog"
	"testing"
)

func TestAddIdempotentOnKey(t *testing.T) {
	r := NewRegistry(slog.Default())
	key := APILink{ClientID: "c1"}

	r.Add("s1", key, ClassRegistered, "life-a", "first")
	r.Add("s1", key, ClassCallee, "life-b", "second")

	obs := r.Observers("s1")
	if len(obs) != 1 {
		t.Fatalf("expected 1 observer after re-add, got %d", len(obs))
	}
	if obs[0].Class != ClassCallee {
		t.Errorf("expected class to be replaced, got %s", obs[0].Class)
	}
	if obs[0].Payload != "second" {
		t.Errorf("expected payload to be replaced, got %v", obs[0].Payload)
	}

	// The stale lifetime must no longer reach the entry.
	if ended := r.EndLifetime("life-a"); len(ended) != 0 {
		t.Errorf("stale lifetime returned %d entries", len(ended))
	}
	if ended := r.EndLifetime("life-b"); len(ended) != 1 {
		t.Errorf("current lifetime returned %d entries, want 1", len(ended))
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry(slog.Default())
	key := SessionLink{ID: "peer"}

	r.Add("s1", key, ClassSession, "life", nil)
	r.Remove("s1", key)
	r.Remove("s1", key) // absent removal is a no-op

	if got := r.Observers("s1"); len(got) != 0 {
		t.Fatalf("expected no observers, got %d", len(got))
	}
	if ended := r.EndLifetime("life"); len(ended) != 0 {
		t.Errorf("removed entry still indexed by lifetime")
	}
}

func TestFoldSnapshot(t *testing.T) {
	r := NewRegistry(slog.Default())
	for _, id := range []string{"a", "b", "c"} {
		r.Add("subj", APILink{ClientID: id}, ClassRegistered, Lifetime("life-"+id), nil)
	}

	// Mutating during the fold must not affect the snapshot being iterated.
	seen := 0
	r.Fold("subj", func(acc any, e Entry) any {
		seen++
		r.Remove("subj", APILink{ClientID: "b"})
		r.Add("subj", APILink{ClientID: "d"}, ClassRegistered, "life-d", nil)
		return acc
	}, nil)

	if seen != 3 {
		t.Errorf("fold saw %d entries, want the 3-entry snapshot", seen)
	}
}

func TestEndLifetimeSweepsAcrossSubjects(t *testing.T) {
	r := NewRegistry(slog.Default())
	key := VertoLink{ConnID: "conn1", WireCallID: "w1"}
	key2 := VertoLink{ConnID: "conn1", WireCallID: "w2"}

	r.Add("s1", key, ClassRegistered, "verto:conn1", nil)
	r.Add("s2", key2, ClassRegistered, "verto:conn1", nil)
	r.Add("s3", APILink{ClientID: "other"}, ClassRegistered, "api:other", nil)

	ended := r.EndLifetime("verto:conn1")
	if len(ended) != 2 {
		t.Fatalf("expected 2 swept entries, got %d", len(ended))
	}
	subjects := map[string]bool{}
	for _, e := range ended {
		subjects[e.Subject] = true
	}
	if !subjects["s1"] || !subjects["s2"] {
		t.Errorf("sweep missed a subject: %v", subjects)
	}
	if got := r.Observers("s3"); len(got) != 1 {
		t.Errorf("unrelated subject affected by sweep")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", r.Count())
	}
}

func TestClassStopReason(t *testing.T) {
	cases := map[Class]string{
		ClassSession:    "session_stop",
		ClassCallee:     "callee_stop",
		ClassMasterPeer: "master_peer_stop",
		ClassRegistered: "registered_stop",
		Class("other"):  "registered_stop",
	}
	for class, want := range cases {
		if got := class.StopReason(); got != want {
			t.Errorf("StopReason(%s) = %s, want %s", class, got, want)
		}
	}
}
