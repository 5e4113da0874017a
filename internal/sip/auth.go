package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// CredentialStore resolves SIP digest credentials. The auth package
// provides the default implementation; tests plug in a map.
type CredentialStore interface {
	// SIPPassword returns the digest password for a username within a
	// service, or false when the user is unknown.
	SIPPassword(service, username string) (string, bool)
}

// Authenticator handles SIP digest authentication against a credential
// store.
type Authenticator struct {
	realm  string
	creds  CredentialStore
	logger *slog.Logger
	nonces sync.Map // map[string]time.Time
	guard  *BruteForceGuard
}

// NewAuthenticator creates a SIP digest authenticator. realm is the
// digest realm presented in challenges. Sources that keep failing are
// blocked by the built-in brute-force guard.
func NewAuthenticator(realm string, creds CredentialStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		realm:  realm,
		creds:  creds,
		logger: logger.With("subsystem", "auth"),
		guard:  NewBruteForceGuard(logger),
	}
}

// Challenge sends a 401 Unauthorized response with a WWW-Authenticate
// header.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header. Returns the
// authenticated username, or empty when authentication is pending or
// failed; the appropriate SIP response has been sent in that case.
func (a *Authenticator) Authenticate(service string, req *sip.Request, tx sip.ServerTransaction) string {
	if a.guard.IsBlocked(req.Source()) {
		a.logger.Warn("sip auth rejected, source blocked",
			"source", req.Source(),
		)
		a.respondError(req, tx, 403, "Forbidden")
		return ""
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return ""
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", req.Source(),
		)
		a.guard.RecordFailure(req.Source())
		a.respondError(req, tx, 400, "Bad Request")
		return ""
	}

	// An unknown or expired nonce forces a fresh challenge.
	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.Challenge(req, tx)
		return ""
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.Challenge(req, tx)
		return ""
	}

	password, ok := a.creds.SIPPassword(service, cred.Username)
	if !ok {
		a.logger.Warn("unknown sip username",
			"username", cred.Username,
			"source", req.Source(),
		)
		a.guard.RecordFailure(req.Source())
		a.respondError(req, tx, 403, "Forbidden")
		return ""
	}

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		a.logger.Error("failed to compute digest",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return ""
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", req.Source(),
		)
		a.guard.RecordFailure(req.Source())
		a.Challenge(req, tx)
		return ""
	}

	// The nonce is single-use.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(req.Source())

	a.logger.Debug("digest auth successful", "username", cred.Username)
	return cred.Username
}

// CleanExpiredNonces removes nonces older than the expiry window and
// lets the brute-force guard drop expired blocks.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
