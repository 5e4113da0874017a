// Package resolver expands a callee string into destination descriptors.
// Resolvers form an ordered chain; each link sees the descriptors gathered
// so far and may contribute more, so plugins can add destinations without
// knowing about each other.
package resolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mediahub/mediahub/internal/model"
)

// Descriptor is one destination a call can be fanned out to.
type Descriptor struct {
	// Dest is the destination token, usually scheme-prefixed
	// ("sip:alice@host", "verto:bob", "api:client7").
	Dest string

	// Wait delays the launch of this invite.
	Wait time.Duration

	// Ring bounds how long the invite may ring. Zero selects the call
	// manager's default.
	Ring time.Duration

	// SDPType, when set, overrides the offer's SDP type for this leg.
	SDPType model.SDPType
}

// Func is one resolver. It receives the descriptors accumulated by the
// chain so far and returns the full accumulated list.
type Func func(ctx context.Context, service, callee string, acc []Descriptor) ([]Descriptor, error)

// Chain is an ordered resolver list, safe for concurrent use.
type Chain struct {
	logger *slog.Logger

	mu    sync.RWMutex
	funcs []namedFunc
}

type namedFunc struct {
	name string
	fn   Func
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	return &Chain{logger: logger.With("component", "resolver")}
}

// Append adds a resolver to the end of the chain. name is used in logs.
func (c *Chain) Append(name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, namedFunc{name: name, fn: fn})
}

// Resolve runs the chain. A failing resolver is skipped; the chain keeps
// what earlier links contributed.
func (c *Chain) Resolve(ctx context.Context, service, callee string) []Descriptor {
	c.mu.RLock()
	funcs := make([]namedFunc, len(c.funcs))
	copy(funcs, c.funcs)
	c.mu.RUnlock()

	var acc []Descriptor
	for _, nf := range funcs {
		next, err := nf.fn(ctx, service, callee, acc)
		if err != nil {
			c.logger.Warn("resolver failed, skipping",
				"resolver", nf.name,
				"service", service,
				"callee", callee,
				"error", err,
			)
			continue
		}
		acc = next
	}
	return acc
}

// Len returns the number of resolvers in the chain.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.funcs)
}

// Static builds a resolver serving a fixed callee table. Useful for
// dialplans configured up front and for tests.
func Static(table map[string][]Descriptor) Func {
	return func(ctx context.Context, service, callee string, acc []Descriptor) ([]Descriptor, error) {
		return append(acc, table[callee]...), nil
	}
}
