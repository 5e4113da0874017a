package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mediahub/mediahub/internal/errcode"
	"github.com/mediahub/mediahub/internal/event"
	"github.com/mediahub/mediahub/internal/fabric"
)

const cmdTimeout = 10 * time.Second

// client is one authenticated API connection. Commands run serially on
// the read loop; event pushes only touch the write side.
type client struct {
	id      string
	name    string
	service string

	srv     *Server
	ws      *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu   sync.Mutex
	subs []*event.Subscription
}

func newClient(s *Server, ws *websocket.Conn, claims *Claims) *client {
	c := &client{
		id:      uuid.NewString(),
		name:    claims.Subject,
		service: claims.Service,
		srv:     s,
		ws:      ws,
		limiter: rate.NewLimiter(s.cfg.MsgRate, s.cfg.MsgBurst),
	}
	if c.service == "" {
		c.service = "default"
	}
	c.logger = s.logger.With("client_id", c.id, "subject", c.name)
	return c
}

// lifetime is the fabric token every registration made by this client
// is bound to.
func (c *client) lifetime() fabric.Lifetime {
	return fabric.Lifetime("client:" + c.id)
}

func (c *client) close() {
	_ = c.ws.Close()
}

// closeSubs cancels the client's topic subscriptions. Called once from
// dropClient after the read loop exited.
func (c *client) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (c *client) addSub(sub *event.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

func (c *client) readLoop() {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("unparseable frame dropped", "error", err)
			continue
		}
		if !c.limiter.Allow() {
			c.replyError(f, errcode.Code{Code: 4290, Text: "Rate limited"})
			continue
		}
		c.dispatch(f)
	}
}

func (c *client) dispatch(f frame) {
	if f.Class != classMedia {
		c.replyError(f, errcode.Lookup("unknown_command"))
		return
	}
	switch f.Subclass {
	case "session":
		c.sessionCmd(f)
	case "call":
		c.callCmd(f)
	case "room":
		c.roomCmd(f)
	default:
		c.replyError(f, errcode.Lookup("unknown_command"))
	}
}

// pushEvent sends a lifecycle event frame. body is the opaque payload
// the client attached when it subscribed.
func (c *client) pushEvent(ev event.Event, body any) {
	c.write(reply{
		Class: classEvent,
		Data: eventData{
			Service:  ev.Service,
			Class:    classMedia,
			Subclass: string(ev.Subclass),
			Type:     string(ev.Tag),
			ObjID:    ev.SubjectID,
			Reason:   ev.Reason,
			Payload:  ev.Payload,
			Body:     body,
		},
	})
}

// forwardSub pumps a topic subscription into the connection until the
// subscription closes.
func (c *client) forwardSub(sub *event.Subscription) {
	for d := range sub.C() {
		c.pushEvent(d.Event, d.Body)
	}
}

func (c *client) replyOK(f frame, data any) {
	c.write(reply{Class: f.Class, Subclass: f.Subclass, Cmd: f.Cmd, Data: data, TID: f.TID})
}

func (c *client) replyError(f frame, code errcode.Code) {
	c.write(reply{
		Class:    f.Class,
		Subclass: f.Subclass,
		Cmd:      f.Cmd,
		Data:     errorData{Code: code.Code, Error: code.Text},
		TID:      f.TID,
	})
}

func (c *client) write(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(v); err != nil {
		c.logger.Debug("write failed", "error", err)
	}
}
