// Package fabric implements the observer registry shared by sessions,
// calls and protocol adapters. Each entry records that a party (Link) is
// interested in a subject, under which class, and which lifetime token
// keeps the relationship alive. When a lifetime ends the registry returns
// every affected entry so the subjects can tear down.
package fabric

import (
	"log/slog"
	"sync"
)

// Lifetime is an opaque token representing a liveness handle: a connection
// id, a session id, a call id. The token's owner calls Registry.EndLifetime
// exactly once when the handle dies.
type Lifetime string

// Class labels why an observer is registered. It determines the stop
// reason the subject emits when the observer's lifetime ends.
type Class string

const (
	// ClassRegistered is the default class for externally registered
	// observers (API clients, signaling endpoints).
	ClassRegistered Class = "registered"

	// ClassSession marks a linked session observing another subject.
	ClassSession Class = "session"

	// ClassCallee marks the winning destination of a call.
	ClassCallee Class = "callee"

	// ClassMasterPeer marks the master side of a bridged session pair.
	ClassMasterPeer Class = "master_peer"
)

// StopReason returns the reason atom a subject emits when an observer of
// this class dies.
func (c Class) StopReason() string {
	switch c {
	case ClassSession:
		return "session_stop"
	case ClassCallee:
		return "callee_stop"
	case ClassMasterPeer:
		return "master_peer_stop"
	default:
		return "registered_stop"
	}
}

// Entry is one observer registration.
type Entry struct {
	Subject  string
	Key      Link
	Class    Class
	Lifetime Lifetime
	Payload  any
}

// Registry is the process-wide observer fabric. All methods are safe for
// concurrent use; Fold iterates a snapshot so concurrent add/remove never
// corrupts an in-progress fold.
type Registry struct {
	mu       sync.RWMutex
	subjects map[string]map[Link]Entry
	byLife   map[Lifetime]map[lifeKey]struct{}
	logger   *slog.Logger
}

type lifeKey struct {
	subject string
	key     Link
}

// NewRegistry creates an empty observer registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		subjects: make(map[string]map[Link]Entry),
		byLife:   make(map[Lifetime]map[lifeKey]struct{}),
		logger:   logger.With("subsystem", "fabric"),
	}
}

// Add registers key as an observer of subject. Re-adding an existing key
// replaces its class, lifetime and payload (idempotent on key).
func (r *Registry) Add(subject string, key Link, class Class, lifetime Lifetime, payload any) {
	if class == "" {
		class = ClassRegistered
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	obs, ok := r.subjects[subject]
	if !ok {
		obs = make(map[Link]Entry)
		r.subjects[subject] = obs
	}

	// Drop a stale lifetime index entry when re-registering.
	if prev, ok := obs[key]; ok && prev.Lifetime != lifetime {
		r.unindexLocked(prev.Lifetime, lifeKey{subject, key})
	}

	obs[key] = Entry{
		Subject:  subject,
		Key:      key,
		Class:    class,
		Lifetime: lifetime,
		Payload:  payload,
	}

	if lifetime != "" {
		idx, ok := r.byLife[lifetime]
		if !ok {
			idx = make(map[lifeKey]struct{})
			r.byLife[lifetime] = idx
		}
		idx[lifeKey{subject, key}] = struct{}{}
	}

	r.logger.Debug("observer added",
		"subject", subject,
		"key", key.String(),
		"class", string(class),
	)
}

// Remove unregisters key from subject. Removing an absent key is a no-op.
func (r *Registry) Remove(subject string, key Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs, ok := r.subjects[subject]
	if !ok {
		return
	}
	entry, ok := obs[key]
	if !ok {
		return
	}

	delete(obs, key)
	if len(obs) == 0 {
		delete(r.subjects, subject)
	}
	r.unindexLocked(entry.Lifetime, lifeKey{subject, key})

	r.logger.Debug("observer removed",
		"subject", subject,
		"key", key.String(),
	)
}

// RemoveSubject drops every observer of subject, typically when the
// subject itself is destroyed. Returns the removed entries.
func (r *Registry) RemoveSubject(subject string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs, ok := r.subjects[subject]
	if !ok {
		return nil
	}

	entries := make([]Entry, 0, len(obs))
	for key, entry := range obs {
		entries = append(entries, entry)
		r.unindexLocked(entry.Lifetime, lifeKey{subject, key})
	}
	delete(r.subjects, subject)
	return entries
}

// Fold iterates a snapshot of subject's observers, threading acc through
// f. Entries added or removed while the fold runs are not observed by it.
func (r *Registry) Fold(subject string, f func(acc any, e Entry) any, init any) any {
	acc := init
	for _, e := range r.Observers(subject) {
		acc = f(acc, e)
	}
	return acc
}

// Observers returns a snapshot of subject's observer entries. The order
// is unspecified; observers are logically unordered.
func (r *Registry) Observers(subject string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obs, ok := r.subjects[subject]
	if !ok {
		return nil
	}
	entries := make([]Entry, 0, len(obs))
	for _, e := range obs {
		entries = append(entries, e)
	}
	return entries
}

// Lookup returns the entry for (subject, key), if registered.
func (r *Registry) Lookup(subject string, key Link) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obs, ok := r.subjects[subject]
	if !ok {
		return Entry{}, false
	}
	e, ok := obs[key]
	return e, ok
}

// EndLifetime removes and returns every entry whose lifetime just ended.
// The caller is responsible for notifying each affected subject.
func (r *Registry) EndLifetime(lifetime Lifetime) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byLife[lifetime]
	if !ok {
		return nil
	}
	delete(r.byLife, lifetime)

	entries := make([]Entry, 0, len(idx))
	for lk := range idx {
		obs, ok := r.subjects[lk.subject]
		if !ok {
			continue
		}
		entry, ok := obs[lk.key]
		if !ok {
			continue
		}
		entries = append(entries, entry)
		delete(obs, lk.key)
		if len(obs) == 0 {
			delete(r.subjects, lk.subject)
		}
	}

	if len(entries) > 0 {
		r.logger.Debug("lifetime ended",
			"lifetime", string(lifetime),
			"entries", len(entries),
		)
	}
	return entries
}

// Count returns the total number of registered observer entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, obs := range r.subjects {
		n += len(obs)
	}
	return n
}

// unindexLocked removes one lifetime index entry. Caller holds r.mu.
func (r *Registry) unindexLocked(lifetime Lifetime, lk lifeKey) {
	if lifetime == "" {
		return
	}
	idx, ok := r.byLife[lifetime]
	if !ok {
		return
	}
	delete(idx, lk)
	if len(idx) == 0 {
		delete(r.byLife, lifetime)
	}
}
