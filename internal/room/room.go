// Package room tracks MCU and SFU rooms in memory. Rooms are created
// explicitly through the API or implicitly by the first session joining;
// membership follows session lifecycles and every change is published on
// the room topic of the event bus.
package room

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/model"
)

// Role of a member inside a room.
type Role string

const (
	RoleMember    Role = "member"
	RolePublisher Role = "publisher"
	RoleListener  Role = "listener"
)

// Room is one conference room.
type Room struct {
	ID        string          `json:"room_id"`
	Service   string          `json:"srv_id"`
	Type      string          `json:"room_type"`
	Layout    string          `json:"layout,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Members   map[string]Role `json:"members"`
}

// Info is a snapshot of a room safe to hand out.
type Info struct {
	ID         string    `json:"room_id"`
	Service    string    `json:"srv_id"`
	Type       string    `json:"room_type"`
	Layout     string    `json:"layout,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Members    int       `json:"members"`
	SessionIDs []string  `json:"session_ids"`
}

// Registry is the in-memory room store.
type Registry struct {
	bus    *event.Bus
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room // keyed by service/room id
}

// NewRegistry creates an empty room registry.
func NewRegistry(bus *event.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		bus:    bus,
		logger: logger.With("component", "room"),
		rooms:  make(map[string]*Room),
	}
}

// Create registers a room. Creating an existing room fails.
func (r *Registry) Create(service, id, roomType string) (Info, error) {
	if id == "" {
		return Info{}, fmt.Errorf("room id required")
	}
	if roomType == "" {
		roomType = model.DefaultRoomType
	}

	r.mu.Lock()
	key := roomKey(service, id)
	if _, ok := r.rooms[key]; ok {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("room %q already exists", id)
	}
	room := &Room{
		ID:        id,
		Service:   service,
		Type:      roomType,
		CreatedAt: time.Now().UTC(),
		Members:   make(map[string]Role),
	}
	r.rooms[key] = room
	info := snapshot(room)
	r.mu.Unlock()

	r.logger.Info("room created", "service", service, "room_id", id, "room_type", roomType)
	ev := event.New(service, event.SubclassRoom, id, event.TagCreated)
	ev.Payload = info
	r.bus.Publish(ev)
	return info, nil
}

// Destroy removes a room. Destroying an absent room fails.
func (r *Registry) Destroy(service, id string) error {
	r.mu.Lock()
	key := roomKey(service, id)
	room, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("room %q not found", id)
	}
	delete(r.rooms, key)
	members := len(room.Members)
	r.mu.Unlock()

	r.logger.Info("room destroyed", "service", service, "room_id", id, "members", members)
	r.bus.Publish(event.New(service, event.SubclassRoom, id, event.TagDestroyed))
	return nil
}

// Join adds a session to a room, creating the room on first join.
func (r *Registry) Join(service, id, roomType, sessionID string, role Role) {
	if role == "" {
		role = RoleMember
	}

	r.mu.Lock()
	key := roomKey(service, id)
	room, ok := r.rooms[key]
	created := false
	if !ok {
		if roomType == "" {
			roomType = model.DefaultRoomType
		}
		room = &Room{
			ID:        id,
			Service:   service,
			Type:      roomType,
			CreatedAt: time.Now().UTC(),
			Members:   make(map[string]Role),
		}
		r.rooms[key] = room
		created = true
	}
	room.Members[sessionID] = role
	info := snapshot(room)
	r.mu.Unlock()

	if created {
		r.logger.Info("room auto-created", "service", service, "room_id", id)
		ev := event.New(service, event.SubclassRoom, id, event.TagCreated)
		ev.Payload = info
		r.bus.Publish(ev)
	}
	ev := event.New(service, event.SubclassRoom, id, event.TagMemberJoin)
	ev.Payload = map[string]any{"session_id": sessionID, "role": role}
	r.bus.Publish(ev)
}

// Leave removes a session from a room. The room is destroyed when its
// last member leaves.
func (r *Registry) Leave(service, id, sessionID string) {
	r.mu.Lock()
	key := roomKey(service, id)
	room, ok := r.rooms[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := room.Members[sessionID]; !member {
		r.mu.Unlock()
		return
	}
	delete(room.Members, sessionID)
	empty := len(room.Members) == 0
	if empty {
		delete(r.rooms, key)
	}
	r.mu.Unlock()

	ev := event.New(service, event.SubclassRoom, id, event.TagMemberLeave)
	ev.Payload = map[string]any{"session_id": sessionID}
	r.bus.Publish(ev)

	if empty {
		r.logger.Info("room emptied, destroying", "service", service, "room_id", id)
		r.bus.Publish(event.New(service, event.SubclassRoom, id, event.TagDestroyed))
	}
}

// SetLayout records the active layout after a successful MCU layout
// update.
func (r *Registry) SetLayout(service, id, layout string) {
	r.mu.Lock()
	if room, ok := r.rooms[roomKey(service, id)]; ok {
		room.Layout = layout
	}
	r.mu.Unlock()
}

// Get returns a room snapshot.
func (r *Registry) Get(service, id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomKey(service, id)]
	if !ok {
		return Info{}, false
	}
	return snapshot(room), true
}

// List returns snapshots of every room of a service, ordered by id.
func (r *Registry) List(service string) []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.Service == service {
			infos = append(infos, snapshot(room))
		}
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func snapshot(room *Room) Info {
	ids := make([]string, 0, len(room.Members))
	for id := range room.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Info{
		ID:         room.ID,
		Service:    room.Service,
		Type:       room.Type,
		Layout:     room.Layout,
		CreatedAt:  room.CreatedAt,
		Members:    len(room.Members),
		SessionIDs: ids,
	}
}

func roomKey(service, id string) string {
	return service + "/" + id
}
