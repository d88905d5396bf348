package core

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry is the authoritative in-memory map of joined participants. It is
// the single source of truth for nickname uniqueness and the online count.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Conn
}

// NewRegistry returns an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Conn)}
}

// TryRegister inserts nickname -> c unless the nickname is already present
// or c already holds a nickname. The check and the insert happen in one
// critical section.
func (r *Registry) TryRegister(nickname string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.entries[nickname]; taken {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nickname != "" {
		return false
	}
	c.nickname = nickname
	r.entries[nickname] = c
	return true
}

// Unregister removes the entry for nickname if present.
func (r *Registry) Unregister(nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.entries[nickname]
	if !ok {
		return
	}
	delete(r.entries, nickname)
	c.clearNickname(nickname)
}

// Release removes the entry for nickname only if it still belongs to c.
// It reports whether an entry was removed.
func (r *Registry) Release(nickname string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[nickname]
	if !ok || cur != c {
		return false
	}
	delete(r.entries, nickname)
	c.clearNickname(nickname)
	return true
}

// IsRegistered reports whether nickname is currently present.
func (r *Registry) IsRegistered(nickname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[nickname]
	return ok
}

// Lookup returns the live connection for nickname.
func (r *Registry) Lookup(nickname string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[nickname]
	return c, ok
}

// Count returns the number of present participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// AllHandles returns a snapshot of every present participant's connection.
func (r *Registry) AllHandles() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.entries)
}

// Nicknames returns the present nicknames in sorted order.
func (r *Registry) Nicknames() []string {
	r.mu.RLock()
	out := lo.Keys(r.entries)
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
