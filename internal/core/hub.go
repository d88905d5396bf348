package core

import (
	"log/slog"
	"sync"
	"time"

	"dicochat/server/internal/protocol"

	"github.com/google/uuid"
)

// Conn is one live transport connection. Transports drain Send and close the
// underlying socket once Kicked fires.
type Conn struct {
	ID         string
	RemoteAddr string

	send chan protocol.Event

	kickOnce sync.Once
	kicked   chan struct{}
	gone     sync.Once

	mu       sync.Mutex
	nickname string
}

// Send returns the outbound event queue. It is closed after disconnect.
func (c *Conn) Send() <-chan protocol.Event {
	return c.send
}

// Kicked is closed when a moderator forcibly disconnects the connection.
func (c *Conn) Kicked() <-chan struct{} {
	return c.kicked
}

// Nickname returns the joined nickname, or "" before a successful join.
func (c *Conn) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

func (c *Conn) clearNickname(nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nickname == nickname {
		c.nickname = ""
	}
}

func (c *Conn) kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

// Hub delivers events to one connection, every joined participant, or the
// admin subscriber group.
type Hub struct {
	presence *Registry
	sendBuf  int

	mu     sync.RWMutex
	conns  map[string]*Conn
	admins map[string]*Conn
}

// NewHub returns a hub broadcasting to the participants in presence.
func NewHub(presence *Registry, sendBuf int) *Hub {
	if presence == nil {
		presence = NewRegistry()
	}
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuffer
	}
	return &Hub{
		presence: presence,
		sendBuf:  sendBuf,
		conns:    make(map[string]*Conn),
		admins:   make(map[string]*Conn),
	}
}

// Presence returns the registry backing this hub.
func (h *Hub) Presence() *Registry {
	return h.presence
}

// Connect registers a new transport connection that has not joined yet.
func (h *Hub) Connect(remoteAddr string) *Conn {
	c := &Conn{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		send:       make(chan protocol.Event, h.sendBuf),
		kicked:     make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	count := len(h.conns)
	h.mu.Unlock()

	slog.Debug("connection opened", "conn_id", c.ID, "remote", remoteAddr, "total_conns", count)
	return c
}

// Disconnect forgets c and closes its outbound queue. Safe to call twice.
func (h *Hub) Disconnect(c *Conn) {
	c.gone.Do(func() {
		h.mu.Lock()
		delete(h.conns, c.ID)
		delete(h.admins, c.ID)
		count := len(h.conns)
		close(c.send)
		h.mu.Unlock()

		slog.Debug("connection closed", "conn_id", c.ID, "remaining_conns", count)
	})
}

// SubscribeAdmin adds c to the admin subscriber group.
func (h *Hub) SubscribeAdmin(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	h.admins[c.ID] = c
	slog.Debug("admin subscribed", "conn_id", c.ID, "admins", len(h.admins))
}

// ConnCount returns the number of open transport connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// AdminCount returns the size of the admin subscriber group.
func (h *Hub) AdminCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.admins)
}

// Broadcast sends ev to every joined participant except except (may be nil).
func (h *Hub) Broadcast(ev protocol.Event, except *Conn) {
	targets := h.presence.AllHandles()
	sent := 0
	for _, c := range targets {
		if c == except {
			continue
		}
		if trySend(c.send, ev) {
			sent++
		}
	}
	slog.Debug("broadcast", "type", ev.Type, "recipients", sent, "total", len(targets))
}

// NotifyAdmins sends ev to the admin subscriber group.
func (h *Hub) NotifyAdmins(ev protocol.Event) {
	h.mu.RLock()
	targets := make([]chan protocol.Event, 0, len(h.admins))
	for _, c := range h.admins {
		targets = append(targets, c.send)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		trySend(ch, ev)
	}
}

// SendTo sends one event to one connection.
func (h *Hub) SendTo(c *Conn, ev protocol.Event) bool {
	return trySend(c.send, ev)
}

// Kick queues a final event for c and signals its transport to close.
func (h *Hub) Kick(c *Conn, reason string) {
	trySend(c.send, protocol.Event{Type: protocol.TypeKicked, Data: reason})
	c.kick()
}

func trySend(ch chan protocol.Event, ev protocol.Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- ev:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", ev.Type)
		return false
	}
}
