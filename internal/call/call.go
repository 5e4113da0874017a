// Package call implements the multi-leg invite coordinator. A call
// resolves its callee to destinations, fans invites out with per-invite
// ring timers, declares the first answer the winner and cancels the rest.
// Like sessions, every call runs as one mailbox-driven goroutine.
package call

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
	"github.com/mediahub/mediahub/internal/model"
	"github.com/mediahub/mediahub/internal/resolver"
)

// hangupGrace is the window between the hangup event and actor exit.
const hangupGrace = 100 * time.Millisecond

// State is the lifecycle state of a call.
type State string

const (
	StateNew      State = "new"
	StateInviting State = "inviting"
	StateAnswered State = "answered"
	StateStopped  State = "stopped"
)

// Registration describes one observer to attach to a call.
type Registration struct {
	Key      fabric.Link
	Class    fabric.Class
	Lifetime fabric.Lifetime
	Payload  any
}

// Config describes a call to start.
type Config struct {
	// Service scopes the call to a logical tenant.
	Service string

	// Callee is the free-form destination string handed to the resolver
	// chain.
	Callee string

	// Offer, when set, is shared by every out-leg.
	Offer *model.SDP

	// Register attaches the initiating adapter before any event fires.
	Register *Registration

	// SessionID links the call to the inbound session it answers for.
	// The session is attached as a session-class observer so either
	// side's death ends the other.
	SessionID string

	// Meta is opaque caller data passed through to invites.
	Meta map[string]any
}

// Info is a point-in-time snapshot of a call.
type Info struct {
	ID       string `json:"call_id"`
	Service  string `json:"srv_id"`
	Callee   string `json:"callee"`
	State    State  `json:"state"`
	Invites  int    `json:"invites"`
	Launched int    `json:"launched"`
	Winner   string `json:"winner,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// InviteRequest is handed to a dispatcher to launch one out-leg.
type InviteRequest struct {
	CallID  string
	Service string
	Dest    string
	Offer   *model.SDP
	Meta    map[string]any
}

// InviteResult is a dispatcher's verdict on an invite launch. Exactly one
// of Link, RetryAfter or Remove is meaningful.
type InviteResult struct {
	// Link identifies the launched leg; ringing, answered and rejected
	// must carry it back.
	Link fabric.Link

	// Lifetime is the leg's liveness token, registered with the winner.
	Lifetime fabric.Lifetime

	// RetryAfter, when positive, reschedules the launch.
	RetryAfter time.Duration

	// Remove drops the invite entirely.
	Remove bool
}

// Dispatcher launches and cancels wire invites for one destination
// scheme. Adapters register themselves with the call manager.
type Dispatcher interface {
	Invite(ctx context.Context, req InviteRequest) (InviteResult, error)
	Cancel(callID string, link fabric.Link)
}

type inviteState int

const (
	invScheduled inviteState = iota
	invLaunched
	invDone
)

type invite struct {
	pos      int
	desc     resolver.Descriptor
	state    inviteState
	link     fabric.Link
	lifetime fabric.Lifetime
}

// Call is one invite coordinator.
type Call struct {
	id      string
	cfg     Config
	mgr     *Manager
	logger  *slog.Logger
	mailbox chan any
	done    chan struct{}

	// Owned by the actor goroutine.
	state    State
	invites  []*invite
	winner   *invite
	reason   string
	stopSent bool
}

// ID returns the call id.
func (c *Call) ID() string { return c.id }

// LifetimeToken returns the fabric lifetime representing this call's
// liveness.
func (c *Call) LifetimeToken() fabric.Lifetime {
	return fabric.Lifetime("call:" + c.id)
}

// Done is closed when the call has fully stopped.
func (c *Call) Done() <-chan struct{} { return c.done }

// Ringing reports a launched invite ringing; ans optionally carries an
// early answer for preview media.
func (c *Call) Ringing(ctx context.Context, link fabric.Link, ans *model.SDP) error {
	_, err := c.call(ctx, cmdSignal{kind: sigRinging, link: link, answer: ans, reply: make(chan response, 1)})
	return err
}

// Answered declares a launched invite the winner.
func (c *Call) Answered(ctx context.Context, link fabric.Link, ans *model.SDP) error {
	_, err := c.call(ctx, cmdSignal{kind: sigAnswered, link: link, answer: ans, reply: make(chan response, 1)})
	return err
}

// Rejected drops a launched invite. When it was the last one the call
// hangs up with no_answer.
func (c *Call) Rejected(ctx context.Context, link fabric.Link) error {
	_, err := c.call(ctx, cmdSignal{kind: sigRejected, link: link, reply: make(chan response, 1)})
	return err
}

// Hangup terminates the call. Idempotent; the hangup event is emitted
// exactly once.
func (c *Call) Hangup(reason string) {
	c.cast(cmdHangup{reason: reason})
}

// Register attaches an observer.
func (c *Call) Register(ctx context.Context, reg Registration) error {
	_, err := c.call(ctx, cmdRegister{reg: reg, reply: make(chan response, 1)})
	return err
}

// Unregister detaches an observer.
func (c *Call) Unregister(ctx context.Context, key fabric.Link) error {
	_, err := c.call(ctx, cmdUnregister{key: key, reply: make(chan response, 1)})
	return err
}

// Info returns a snapshot of the call.
func (c *Call) Info() Info {
	v, err := c.call(context.Background(), cmdInfo{reply: make(chan response, 1)})
	if err != nil {
		return Info{ID: c.id, Service: c.cfg.Service, Callee: c.cfg.Callee, State: StateStopped, Reason: c.reason}
	}
	return v.(Info)
}

// --- Mailbox commands ---

type response struct {
	val any
	err error
}

type cmdStart struct {
	reply chan response
}

type signalKind int

const (
	sigRinging signalKind = iota
	sigAnswered
	sigRejected
)

type cmdSignal struct {
	kind   signalKind
	link   fabric.Link
	answer *model.SDP
	reply  chan response
}

type cmdHangup struct {
	reason string
}

type cmdRegister struct {
	reg   Registration
	reply chan response
}

type cmdUnregister struct {
	key   fabric.Link
	reply chan response
}

type cmdInfo struct {
	reply chan response
}

type cmdLaunch struct {
	pos int
}

type cmdRingExpired struct {
	pos int
}

type cmdObserverDown struct {
	entry fabric.Entry
}

type cmdFinalize struct{}

func (c *Call) call(ctx context.Context, cmd any) (any, error) {
	reply := callReplyChan(cmd)
	select {
	case c.mailbox <- cmd:
	case <-c.done:
		return nil, errcode.ErrCallNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) cast(cmd any) {
	select {
	case c.mailbox <- cmd:
	case <-c.done:
	}
}

func callReplyChan(cmd any) chan response {
	switch v := cmd.(type) {
	case cmdStart:
		return v.reply
	case cmdSignal:
		return v.reply
	case cmdRegister:
		return v.reply
	case cmdUnregister:
		return v.reply
	case cmdInfo:
		return v.reply
	}
	return nil
}

func (c *Call) run() {
	for msg := range c.mailbox {
		switch cmd := msg.(type) {
		case cmdStart:
			c.handleStart(cmd)
		case cmdSignal:
			c.handleSignal(cmd)
		case cmdHangup:
			c.handleHangup(cmd.reason)
		case cmdRegister:
			c.mgr.registry.Add(c.id, cmd.reg.Key, cmd.reg.Class, cmd.reg.Lifetime, cmd.reg.Payload)
			cmd.reply <- response{val: "ok"}
		case cmdUnregister:
			c.mgr.registry.Remove(c.id, cmd.key)
			cmd.reply <- response{val: "ok"}
		case cmdInfo:
			cmd.reply <- response{val: c.snapshot()}
		case cmdLaunch:
			c.handleLaunch(cmd.pos)
		case cmdRingExpired:
			c.handleRingExpired(cmd.pos)
		case cmdObserverDown:
			c.handleObserverDown(cmd.entry)
		case cmdFinalize:
			c.finalize()
			return
		default:
			c.logger.Error("unknown mailbox command", "command", fmt.Sprintf("%T", msg))
		}
	}
}

// --- Start / launch ---

func (c *Call) handleStart(cmd cmdStart) {
	if c.cfg.Register != nil {
		r := *c.cfg.Register
		c.mgr.registry.Add(c.id, r.Key, r.Class, r.Lifetime, r.Payload)
	}
	if c.cfg.SessionID != "" {
		c.mgr.registry.Add(c.id,
			fabric.SessionLink{ID: c.cfg.SessionID},
			fabric.ClassSession,
			fabric.Lifetime("session:"+c.cfg.SessionID),
			nil,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.mgr.cfg.ResolveTimeout)
	descs := c.mgr.resolvers.Resolve(ctx, c.cfg.Service, c.cfg.Callee)
	cancel()

	if len(descs) == 0 {
		c.logger.Info("no destination resolved", "call_id", c.id, "callee", c.cfg.Callee)
		cmd.reply <- response{val: c.id}
		// The hangup is delayed so the caller can attach its event
		// subscription before the only event this call will ever emit.
		time.AfterFunc(hangupGrace, func() {
			c.cast(cmdHangup{reason: model.ReasonNoDestination})
		})
		return
	}

	c.state = StateInviting
	for i, d := range descs {
		inv := &invite{pos: i, desc: d}
		c.invites = append(c.invites, inv)
		pos := i
		if d.Wait > 0 {
			time.AfterFunc(d.Wait, func() { c.cast(cmdLaunch{pos: pos}) })
		} else {
			c.cast(cmdLaunch{pos: pos})
		}
	}
	c.logger.Info("call inviting",
		"call_id", c.id,
		"callee", c.cfg.Callee,
		"destinations", len(descs),
	)
	cmd.reply <- response{val: c.id}
}

func (c *Call) handleLaunch(pos int) {
	if c.state != StateInviting {
		return
	}
	inv := c.invites[pos]
	if inv.state != invScheduled {
		return
	}

	offer := c.cfg.Offer
	if offer != nil && inv.desc.SDPType != "" && inv.desc.SDPType != offer.Type {
		o := *offer
		o.Type = inv.desc.SDPType
		offer = &o
	}

	d := c.mgr.dispatcherFor(inv.desc.Dest)
	if d == nil {
		c.logger.Warn("no dispatcher for destination", "call_id", c.id, "dest", inv.desc.Dest)
		c.dropInvite(inv)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.mgr.cfg.InviteTimeout)
	res, err := d.Invite(ctx, InviteRequest{
		CallID:  c.id,
		Service: c.cfg.Service,
		Dest:    inv.desc.Dest,
		Offer:   offer,
		Meta:    c.cfg.Meta,
	})
	cancel()

	switch {
	case err != nil:
		c.logger.Warn("invite launch failed",
			"call_id", c.id,
			"dest", inv.desc.Dest,
			"error", err,
		)
		c.dropInvite(inv)

	case res.Remove:
		c.dropInvite(inv)

	case res.RetryAfter > 0:
		time.AfterFunc(res.RetryAfter, func() { c.cast(cmdLaunch{pos: pos}) })

	default:
		inv.state = invLaunched
		inv.link = res.Link
		inv.lifetime = res.Lifetime
		ring := c.mgr.clampRing(inv.desc.Ring)
		time.AfterFunc(ring, func() { c.cast(cmdRingExpired{pos: pos}) })
		c.logger.Debug("invite launched",
			"call_id", c.id,
			"dest", inv.desc.Dest,
			"ring", ring.String(),
		)
	}
}

// dropInvite removes an invite from play; losing the last one hangs the
// call up with no_answer.
func (c *Call) dropInvite(inv *invite) {
	inv.state = invDone
	if c.state == StateInviting && !c.anyLive() {
		c.handleHangup(model.ReasonNoAnswer)
	}
}

func (c *Call) anyLive() bool {
	for _, inv := range c.invites {
		if inv.state != invDone {
			return true
		}
	}
	return false
}

// --- Signals ---

func (c *Call) handleSignal(cmd cmdSignal) {
	if c.state == StateStopped {
		cmd.reply <- response{err: errcode.ErrCallNotFound}
		return
	}

	inv := c.inviteByLink(cmd.link)
	if inv == nil {
		cmd.reply <- response{err: errcode.ErrInviteNotFound}
		return
	}

	switch cmd.kind {
	case sigRinging:
		ev := c.newEvent(event.TagRinging)
		if cmd.answer != nil {
			ev.Payload = *cmd.answer
		}
		c.mgr.bus.Publish(ev)
		cmd.reply <- response{val: "ok"}

	case sigAnswered:
		if c.winner != nil {
			cmd.reply <- response{err: errcode.ErrAlreadyAnswered}
			return
		}
		c.winner = inv
		inv.state = invDone
		c.state = StateAnswered

		// Losers are cancelled through their dispatchers.
		for _, other := range c.invites {
			if other == inv || other.state != invLaunched {
				other.state = invDone
				continue
			}
			other.state = invDone
			if d := c.mgr.dispatcherFor(other.desc.Dest); d != nil {
				d.Cancel(c.id, other.link)
			}
		}

		// The winning leg becomes a callee-class observer so its death
		// hangs the call up.
		c.mgr.registry.Add(c.id, inv.link, fabric.ClassCallee, c.winnerLifetime(inv), nil)

		ev := c.newEvent(event.TagAnswer)
		payload := map[string]any{"dest": inv.desc.Dest, "link": inv.link.String()}
		if cmd.answer != nil {
			payload["answer"] = *cmd.answer
		}
		ev.Payload = payload
		c.mgr.bus.Publish(ev)

		c.logger.Info("call answered", "call_id", c.id, "dest", inv.desc.Dest)
		cmd.reply <- response{val: "ok"}

	case sigRejected:
		if inv.state != invLaunched {
			cmd.reply <- response{err: errcode.ErrInviteNotFound}
			return
		}
		cmd.reply <- response{val: "ok"}
		c.dropInvite(inv)
	}
}

func (c *Call) winnerLifetime(inv *invite) fabric.Lifetime {
	if inv.lifetime != "" {
		return inv.lifetime
	}
	// Session links carry their own liveness token.
	if sl, ok := inv.link.(fabric.SessionLink); ok {
		return fabric.Lifetime("session:" + sl.ID)
	}
	return fabric.Lifetime(inv.link.String())
}

func (c *Call) handleRingExpired(pos int) {
	inv := c.invites[pos]
	if inv.state != invLaunched || c.state != StateInviting {
		return
	}
	c.logger.Info("invite ring timeout", "call_id", c.id, "dest", inv.desc.Dest)
	if d := c.mgr.dispatcherFor(inv.desc.Dest); d != nil {
		d.Cancel(c.id, inv.link)
	}
	c.dropInvite(inv)
}

func (c *Call) inviteByLink(link fabric.Link) *invite {
	for _, inv := range c.invites {
		if inv.link == link {
			return inv
		}
	}
	return nil
}

// --- Observers / teardown ---

func (c *Call) handleObserverDown(entry fabric.Entry) {
	if c.state == StateStopped || c.stopSent {
		return
	}
	c.logger.Info("observer died, hanging up",
		"call_id", c.id,
		"observer", entry.Key.String(),
		"class", string(entry.Class),
	)
	c.handleHangup(entry.Class.StopReason())
}

func (c *Call) handleHangup(reason string) {
	if c.stopSent {
		return
	}
	c.stopSent = true
	c.reason = reason

	// Outstanding invites are cancelled on the wire.
	for _, inv := range c.invites {
		if inv.state == invLaunched && inv != c.winner {
			if d := c.mgr.dispatcherFor(inv.desc.Dest); d != nil {
				d.Cancel(c.id, inv.link)
			}
		}
		inv.state = invDone
	}

	c.logger.Info("call hangup", "call_id", c.id, "reason", reason)

	observers := c.mgr.registry.RemoveSubject(c.id)
	ev := c.newEvent(event.TagHangup)
	ev.Reason = reason
	c.mgr.bus.PublishTo(observers, ev)

	c.state = StateStopped
	time.AfterFunc(hangupGrace, func() {
		select {
		case c.mailbox <- cmdFinalize{}:
		default:
		}
	})
}

func (c *Call) finalize() {
	c.mgr.finalizeCall(c)
	close(c.done)
}

func (c *Call) newEvent(tag event.Tag) event.Event {
	return event.New(c.cfg.Service, event.SubclassCall, c.id, tag)
}

func (c *Call) snapshot() Info {
	info := Info{
		ID:      c.id,
		Service: c.cfg.Service,
		Callee:  c.cfg.Callee,
		State:   c.state,
		Invites: len(c.invites),
		Reason:  c.reason,
	}
	for _, inv := range c.invites {
		if inv.state == invLaunched || inv == c.winner {
			info.Launched++
		}
	}
	if c.winner != nil {
		info.Winner = c.winner.desc.Dest
	}
	return info
}
