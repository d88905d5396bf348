package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"dicochat/server/internal/protocol"
	"dicochat/server/internal/store"
)

// memStore is an in-memory Store with per-operation failure injection.
type memStore struct {
	mu         sync.Mutex
	identities map[string]store.Identity
	messages   []store.MessageRecord
	activities []store.ActivityRecord
	fail       map[string]error
	upserts    int
}

func newMemStore() *memStore {
	return &memStore{
		identities: make(map[string]store.Identity),
		fail:       make(map[string]error),
	}
}

func (m *memStore) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

func (m *memStore) FindIdentity(_ context.Context, nickname string) (store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["find"]; err != nil {
		return store.Identity{}, err
	}
	id, ok := m.identities[nickname]
	if !ok {
		return store.Identity{}, store.ErrIdentityNotFound
	}
	return id, nil
}

func (m *memStore) UpsertIdentity(_ context.Context, nickname string, patch store.IdentityPatch) (store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["upsert"]; err != nil {
		return store.Identity{}, err
	}
	m.upserts++
	id, ok := m.identities[nickname]
	if !ok {
		id = store.Identity{Nickname: nickname}
	}
	id = applyPatch(id, patch)
	m.identities[nickname] = id
	return id, nil
}

func (m *memStore) UpdateIdentity(_ context.Context, nickname string, patch store.IdentityPatch) (store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["update"]; err != nil {
		return store.Identity{}, err
	}
	id, ok := m.identities[nickname]
	if !ok {
		return store.Identity{}, store.ErrIdentityNotFound
	}
	id = applyPatch(id, patch)
	m.identities[nickname] = id
	return id, nil
}

func applyPatch(id store.Identity, p store.IdentityPatch) store.Identity {
	if p.IsOnline != nil {
		id.IsOnline = *p.IsOnline
	}
	if p.LastActive != nil {
		id.LastActive = *p.LastActive
	}
	if p.IsMuted != nil {
		id.IsMuted = *p.IsMuted
	}
	if p.Reputation != nil {
		id.Reputation = *p.Reputation
	}
	id.Reputation = max(0, id.Reputation+p.ReputationDelta)
	id.MessageCount += p.MessageCountDelta
	if p.LastMessageAt != nil {
		id.LastMessageAt = *p.LastMessageAt
	}
	return id
}

func (m *memStore) AppendMessage(_ context.Context, msg store.MessageRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["message"]; err != nil {
		return 0, err
	}
	msg.ID = int64(len(m.messages) + 1)
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

func (m *memStore) RecentMessages(_ context.Context, limit int) ([]store.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["recent"]; err != nil {
		return nil, err
	}
	var out []store.MessageRecord
	for i := len(m.messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.messages[i])
	}
	return out, nil
}

func (m *memStore) AppendActivity(_ context.Context, rec store.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail["activity"]; err != nil {
		return err
	}
	m.activities = append(m.activities, rec)
	return nil
}

func (m *memStore) RecentActivities(_ context.Context, limit int) ([]store.ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ActivityRecord
	for i := len(m.activities) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.activities[i])
	}
	return out, nil
}

func (m *memStore) CountIdentities(_ context.Context, filter store.IdentityFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range m.identities {
		if filter.Online != nil && id.IsOnline != *filter.Online {
			continue
		}
		if filter.Muted != nil && id.IsMuted != *filter.Muted {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memStore) TopIdentities(_ context.Context, n int, _ store.SortKey) ([]store.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].Nickname < out[j].Nickname
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *memStore) identity(nickname string) store.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identities[nickname]
}

func (m *memStore) activityCount(nickname, action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.activities {
		if a.Nickname == nickname && a.Action == action {
			n++
		}
	}
	return n
}

func (m *memStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// drain returns every event currently queued for c.
func drain(c *Conn) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case ev, ok := <-c.Send():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []protocol.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func countType(evs []protocol.Event, typ string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func findType(evs []protocol.Event, typ string) (protocol.Event, bool) {
	for _, ev := range evs {
		if ev.Type == typ {
			return ev, true
		}
	}
	return protocol.Event{}, false
}
