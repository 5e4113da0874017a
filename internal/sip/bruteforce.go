package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxFailedAttempts is the number of failed auth attempts within
	// failureWindow before a source IP is blocked.
	maxFailedAttempts = 10

	// blockDuration is the initial block length. It doubles on repeat
	// offences up to maxBlockDuration.
	blockDuration    = 5 * time.Minute
	maxBlockDuration = 24 * time.Hour

	failureWindow = 10 * time.Minute
)

// guardEntry is the per-IP failure state.
type guardEntry struct {
	failures     int
	firstFailure time.Time
	blockedUntil time.Time
	blockFor     time.Duration
}

// BruteForceGuard blocks source IPs that keep failing SIP digest
// authentication, fail2ban style with progressive backoff.
type BruteForceGuard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	logger  *slog.Logger
}

func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		entries: make(map[string]*guardEntry),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether the source address ("ip:port" or bare IP)
// is currently blocked.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ip]
	if !ok {
		return false
	}
	return time.Now().Before(e.blockedUntil)
}

// RecordFailure counts a failed authentication attempt and blocks the
// IP once it crosses the threshold.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	e, ok := g.entries[ip]
	if !ok {
		e = &guardEntry{blockFor: blockDuration}
		g.entries[ip] = e
	}
	if now.Before(e.blockedUntil) {
		return
	}

	// Restart the count when the window has passed.
	if e.failures == 0 || now.Sub(e.firstFailure) > failureWindow {
		e.failures = 0
		e.firstFailure = now
	}
	e.failures++

	if e.failures >= maxFailedAttempts {
		e.blockedUntil = now.Add(e.blockFor)
		e.failures = 0
		g.logger.Warn("ip blocked after repeated sip auth failures",
			"ip", ip,
			"block_duration", e.blockFor.String(),
		)
		e.blockFor *= 2
		if e.blockFor > maxBlockDuration {
			e.blockFor = maxBlockDuration
		}
	}
}

// RecordSuccess clears the failure count for the IP. The escalated
// block duration is kept so repeat offenders stay penalized.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[ip]; ok {
		e.failures = 0
	}
}

// Cleanup drops entries whose block has expired and that have no
// recent failures. Runs alongside nonce cleanup.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, e := range g.entries {
		if now.Before(e.blockedUntil) {
			continue
		}
		if e.failures == 0 || now.Sub(e.firstFailure) > failureWindow {
			delete(g.entries, ip)
		}
	}
}

// extractIP strips the port from a "host:port" source address.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
