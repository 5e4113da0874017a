package sip

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	defaultExpiry       = 3600
	minExpiry           = 60
	maxExpiry           = 86400
	expiryCleanupPeriod = 30 * time.Second
)

// Binding is one registered contact of a SIP user.
type Binding struct {
	ContactURI string
	Transport  string
	Source     string
	UserAgent  string
	Expires    time.Time
}

// Registrar handles SIP REGISTER requests and keeps the in-memory
// location table the invite path and the resolver consult.
type Registrar struct {
	enabled     bool
	domain      string
	forceDomain bool
	auth        *Authenticator
	logger      *slog.Logger

	mu       sync.RWMutex
	bindings map[string][]Binding // keyed by user
}

// NewRegistrar creates a REGISTER handler. When enabled is false every
// REGISTER is refused; forceDomain rewrites the To-domain to domain
// before the binding is stored.
func NewRegistrar(enabled bool, domain string, forceDomain bool, auth *Authenticator, logger *slog.Logger) *Registrar {
	return &Registrar{
		enabled:     enabled,
		domain:      domain,
		forceDomain: forceDomain,
		auth:        auth,
		logger:      logger.With("subsystem", "registrar"),
		bindings:    make(map[string][]Binding),
	}
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	if !r.enabled {
		r.respondError(req, tx, 403, "Forbidden")
		return
	}

	to := req.To()
	if to == nil {
		r.respondError(req, tx, 400, "Bad Request")
		return
	}
	domain := to.Address.Host
	if r.forceDomain {
		domain = r.domain
	} else if r.domain != "" && !strings.EqualFold(domain, r.domain) {
		r.logger.Warn("register for foreign domain refused",
			"domain", domain,
			"source", req.Source(),
		)
		r.respondError(req, tx, 403, "Forbidden")
		return
	}

	user := r.auth.Authenticate(domain, req, tx)
	if user == "" {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	expiry := r.parseExpiry(req)
	if expiry == 0 || contact.Address.Wildcard {
		r.unregister(req, tx, user, contact)
		return
	}
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	b := Binding{
		ContactURI: contact.Address.String(),
		Transport:  r.parseTransport(req),
		Source:     req.Source(),
		Expires:    time.Now().Add(time.Duration(expiry) * time.Second),
	}
	if ua := req.GetHeader("User-Agent"); ua != nil {
		b.UserAgent = ua.Value()
	}

	r.mu.Lock()
	kept := r.bindings[user][:0]
	for _, old := range r.bindings[user] {
		if old.ContactURI != b.ContactURI {
			kept = append(kept, old)
		}
	}
	r.bindings[user] = append(kept, b)
	r.mu.Unlock()

	r.logger.Info("user registered",
		"user", user,
		"domain", domain,
		"contact", b.ContactURI,
		"transport", b.Transport,
		"expires", expiry,
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

func (r *Registrar) unregister(req *sip.Request, tx sip.ServerTransaction, user string, contact *sip.ContactHeader) {
	r.mu.Lock()
	if contact.Address.Wildcard {
		delete(r.bindings, user)
	} else {
		uri := contact.Address.String()
		kept := r.bindings[user][:0]
		for _, b := range r.bindings[user] {
			if b.ContactURI != uri {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(r.bindings, user)
		} else {
			r.bindings[user] = kept
		}
	}
	r.mu.Unlock()

	r.logger.Info("user unregistered", "user", user)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

// Lookup returns the live bindings of a user, newest first.
func (r *Registrar) Lookup(user string) []Binding {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for _, b := range r.bindings[user] {
		if b.Expires.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expires.After(out[j].Expires) })
	return out
}

// Registered reports whether a user has at least one live binding.
func (r *Registrar) Registered(user string) bool {
	return len(r.Lookup(user)) > 0
}

// RunExpiryCleanup periodically drops expired bindings and stale auth
// nonces.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			removed := 0
			r.mu.Lock()
			for user, bs := range r.bindings {
				kept := bs[:0]
				for _, b := range bs {
					if b.Expires.After(now) {
						kept = append(kept, b)
					} else {
						removed++
					}
				}
				if len(kept) == 0 {
					delete(r.bindings, user)
				} else {
					r.bindings[user] = kept
				}
			}
			r.mu.Unlock()
			if removed > 0 {
				r.logger.Info("expired registrations cleaned", "count", removed)
			}
			r.auth.CleanExpiredNonces()
		}
	}
}

func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

func (r *Registrar) parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if t := strings.ToLower(via.Transport); t != "" {
			return t
		}
	}
	return "udp"
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
