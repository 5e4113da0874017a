package sip

import (
	"fmt"
	"testing"
	"time"
)

func TestGuardBlocksAfterThreshold(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "203.0.113.7:5060"

	for i := 0; i < maxFailedAttempts-1; i++ {
		g.RecordFailure(source)
		if g.IsBlocked(source) {
			t.Fatalf("blocked after %d failures", i+1)
		}
	}
	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("not blocked after reaching the threshold")
	}

	// Port does not matter, the block is per IP.
	if !g.IsBlocked("203.0.113.7:49152") {
		t.Error("block should cover the whole IP")
	}
	if g.IsBlocked("203.0.113.8:5060") {
		t.Error("other IPs are unaffected")
	}
}

func TestGuardSuccessResetsFailures(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "203.0.113.7:5060"

	for i := 0; i < maxFailedAttempts-1; i++ {
		g.RecordFailure(source)
	}
	g.RecordSuccess(source)
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("success should have reset the failure count")
	}
}

func TestGuardProgressiveBackoff(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "203.0.113.7"

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure(source)
	}

	g.mu.Lock()
	e := g.entries[source]
	firstUntil := e.blockedUntil
	if e.blockFor != 2*blockDuration {
		t.Errorf("next block = %v, want %v", e.blockFor, 2*blockDuration)
	}
	// Expire the block, then trip the guard again.
	e.blockedUntil = time.Now().Add(-time.Second)
	g.mu.Unlock()

	for i := 0; i < maxFailedAttempts; i++ {
		g.RecordFailure(source)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.entries[source].blockedUntil.After(firstUntil) {
		t.Error("second block should last longer")
	}
}

func TestGuardBackoffCapped(t *testing.T) {
	g := NewBruteForceGuard(testLogger())
	source := "203.0.113.7"

	for round := 0; round < 12; round++ {
		for i := 0; i < maxFailedAttempts; i++ {
			g.RecordFailure(source)
		}
		g.mu.Lock()
		g.entries[source].blockedUntil = time.Now().Add(-time.Second)
		g.mu.Unlock()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if got := g.entries[source].blockFor; got > maxBlockDuration {
		t.Errorf("blockFor = %v, want <= %v", got, maxBlockDuration)
	}
}

func TestGuardCleanup(t *testing.T) {
	g := NewBruteForceGuard(testLogger())

	for i := 0; i < 5; i++ {
		g.RecordFailure(fmt.Sprintf("198.51.100.%d:5060", i))
	}
	g.mu.Lock()
	for _, e := range g.entries {
		e.firstFailure = time.Now().Add(-2 * failureWindow)
	}
	g.mu.Unlock()

	g.Cleanup()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.entries) != 0 {
		t.Errorf("entries = %d, want 0", len(g.entries))
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"203.0.113.7:5060", "203.0.113.7"},
		{"203.0.113.7", "203.0.113.7"},
		{"[2001:db8::1]:5060", "2001:db8::1"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractIP(tt.source); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}
