// Package event implements the lifecycle event bus. Every subject event is
// dispatched twice: directly to the subject's registered observers through
// per-link-kind handlers, and to topic subscribers keyed by
// (service, class, subclass, id).
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediahub/mediahub/internal/fabric"
)

// Subclass groups subjects on the broadcast topic.
type Subclass string

const (
	SubclassSession Subclass = "session"
	SubclassCall    Subclass = "call"
	SubclassRoom    Subclass = "room"
)

// Tag is the lifecycle event kind.
type Tag string

const (
	TagRinging     Tag = "ringing"
	TagAnswer      Tag = "answer"
	TagHangup      Tag = "hangup"
	TagStop        Tag = "stop"
	TagUpdatedType Tag = "updated_type"
	TagCandidate   Tag = "candidate"
	TagCreated     Tag = "created"
	TagDestroyed   Tag = "destroyed"
	TagMemberJoin  Tag = "member_joined"
	TagMemberLeave Tag = "member_left"
	TagInvite      Tag = "invite"
	TagCancel      Tag = "cancel"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string    `json:"event_id"`
	Service   string    `json:"srv_id"`
	Subclass  Subclass  `json:"subclass"`
	SubjectID string    `json:"obj_id"`
	Tag       Tag       `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Payload   any       `json:"body,omitempty"`
	Time      time.Time `json:"time"`
}

// New builds an event with id and timestamp populated.
func New(service string, subclass Subclass, subjectID string, tag Tag) Event {
	return Event{
		ID:        uuid.New().String(),
		Service:   service,
		Subclass:  subclass,
		SubjectID: subjectID,
		Tag:       tag,
		Time:      time.Now().UTC(),
	}
}

// Topic identifies a broadcast subscription target.
type Topic struct {
	Service  string
	Subclass Subclass
	// SubjectID may be empty to subscribe to every subject of the subclass.
	SubjectID string
}

// Delivery is one event delivered to a topic subscriber, carrying the
// subscriber's attached body, if any.
type Delivery struct {
	Event Event
	// Body is the opaque payload the subscriber attached at subscribe
	// time; it is echoed on every delivery.
	Body any
}

// Handler delivers an event directly to one observer entry. Adapters
// register a handler per link kind; delivery must not block.
type Handler interface {
	HandleSubjectEvent(entry fabric.Entry, ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(entry fabric.Entry, ev Event)

// HandleSubjectEvent calls f.
func (f HandlerFunc) HandleSubjectEvent(entry fabric.Entry, ev Event) { f(entry, ev) }

// Subscription is an active topic subscription. Receive deliveries from C;
// call Close when done.
type Subscription struct {
	bus   *Bus
	topic Topic
	body  any
	ch    chan Delivery
	once  sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Close cancels the subscription and closes the delivery channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans lifecycle events out to observers and topic subscribers.
type Bus struct {
	registry *fabric.Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[fabric.Kind]Handler
	topics   map[Topic]map[*Subscription]struct{}
}

// NewBus creates a bus bound to the observer registry.
func NewBus(registry *fabric.Registry, logger *slog.Logger) *Bus {
	return &Bus{
		registry: registry,
		logger:   logger.With("subsystem", "eventbus"),
		handlers: make(map[fabric.Kind]Handler),
		topics:   make(map[Topic]map[*Subscription]struct{}),
	}
}

// RegisterHandler installs the direct-delivery handler for one link kind.
// Later registrations replace earlier ones.
func (b *Bus) RegisterHandler(kind fabric.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Subscribe attaches a topic subscriber. body, when non-nil, is echoed on
// every delivery. The channel holds up to buffer deliveries; when full,
// the oldest delivery is dropped so a slow subscriber never blocks a
// subject.
func (b *Bus) Subscribe(topic Topic, buffer int, body any) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{
		bus:   b,
		topic: topic,
		body:  body,
		ch:    make(chan Delivery, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish dispatches ev to every observer of its subject and to every
// matching topic subscriber. Direct dispatch runs synchronously in the
// caller's goroutine; handlers must hand off without blocking.
func (b *Bus) Publish(ev Event) {
	for _, entry := range b.registry.Observers(ev.SubjectID) {
		b.deliver(entry, ev)
	}
	b.broadcast(ev)
}

// PublishTo dispatches ev to an explicit observer snapshot instead of the
// registry's current set. Subjects use this during teardown, after their
// fabric entries have already been swept.
func (b *Bus) PublishTo(observers []fabric.Entry, ev Event) {
	for _, entry := range observers {
		b.deliver(entry, ev)
	}
	b.broadcast(ev)
}

func (b *Bus) deliver(entry fabric.Entry, ev Event) {
	b.mu.RLock()
	h, ok := b.handlers[entry.Key.Kind()]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("no handler for observer kind",
			"kind", string(entry.Key.Kind()),
			"subject", ev.SubjectID,
			"tag", string(ev.Tag),
		)
		return
	}
	h.HandleSubjectEvent(entry, ev)
}

func (b *Bus) broadcast(ev Event) {
	exact := Topic{Service: ev.Service, Subclass: ev.Subclass, SubjectID: ev.SubjectID}
	wild := Topic{Service: ev.Service, Subclass: ev.Subclass}

	b.mu.RLock()
	targets := make([]*Subscription, 0, 4)
	for sub := range b.topics[exact] {
		targets = append(targets, sub)
	}
	for sub := range b.topics[wild] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		d := Delivery{Event: ev, Body: sub.body}
		select {
		case sub.ch <- d:
		default:
			// Drop the oldest delivery to make room for the new one.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- d:
			default:
			}
			b.logger.Warn("slow topic subscriber, dropped delivery",
				"service", ev.Service,
				"subclass", string(ev.Subclass),
				"subject", ev.SubjectID,
			)
		}
	}
}
