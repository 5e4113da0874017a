package auth

import (
	"fmt"
	"strings"
	"sync"
)

type userKey struct {
	service  string
	username string
}

type userRecord struct {
	// hash is the argon2id encoding checked on Verto logins.
	hash string

	// password is the plaintext kept for SIP digest, which cannot work
	// from a one-way hash.
	password string
}

// Store is the in-memory user table. It satisfies the SIP and Verto
// credential interfaces.
type Store struct {
	mu    sync.RWMutex
	users map[userKey]userRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{users: make(map[userKey]userRecord)}
}

// AddUser registers a user under a service.
func (s *Store) AddUser(service, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("empty username or password")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[userKey{service, username}] = userRecord{hash: hash, password: password}
	s.mu.Unlock()
	return nil
}

// LoadUsers parses a "user:pass,user2:pass2" list into the store.
func (s *Store) LoadUsers(service, list string) error {
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, pass, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("malformed user entry %q", pair)
		}
		if err := s.AddUser(service, user, pass); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of users across all services.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// SIPPassword returns the plaintext password digest auth is computed
// against.
func (s *Store) SIPPassword(service, username string) (string, bool) {
	s.mu.RLock()
	rec, ok := s.users[userKey{service, username}]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return rec.password, true
}

// VertoLogin validates a login/password pair. Logins may carry a domain
// ("alice@example.org"); the normalized bare username is returned.
func (s *Store) VertoLogin(service, login, passwd string) (string, bool) {
	user, _, _ := strings.Cut(login, "@")
	s.mu.RLock()
	rec, ok := s.users[userKey{service, user}]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	match, err := CheckPassword(passwd, rec.hash)
	if err != nil || !match {
		return "", false
	}
	return user, true
}
