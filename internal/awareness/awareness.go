// Package awareness tracks ephemeral per-user presence for a single
// document: display name, color, cursor/selection, and a heartbeat. None of
// it is ever durable — it lives only as long as the process and the
// attached clients, grounded in the TTL-keyed in-memory cache the teacher
// uses for its storage layer (nodestorage/v2/cache.MemoryCache), adapted
// from a generic cache to a presence table.
package awareness

import (
	"encoding/json"
	"sync"
	"time"
)

// State is the presence record broadcast for one userId.
type State struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	Selection   json.RawMessage `json:"selection,omitempty"`
	heartbeatAt time.Time
}

// Table holds the presence states for every user currently attached to one
// document. Zero value is not usable; construct with NewTable.
type Table struct {
	mu     sync.RWMutex
	states map[string]State
	ttl    time.Duration
}

// NewTable creates an empty presence table with the given eviction TTL.
func NewTable(ttl time.Duration) *Table {
	return &Table{
		states: make(map[string]State),
		ttl:    ttl,
	}
}

// Upsert records or refreshes a user's presence, stamping the heartbeat at
// now, and reports whether the recorded state actually changed (so callers
// can decide whether a broadcast is warranted).
func (t *Table) Upsert(userID string, displayName, color string, cursor, selection json.RawMessage, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := State{
		UserID:      userID,
		DisplayName: displayName,
		Color:       color,
		Cursor:      cursor,
		Selection:   selection,
		heartbeatAt: now,
	}

	prev, existed := t.states[userID]
	t.states[userID] = next
	if !existed {
		return true
	}
	return prev.DisplayName != next.DisplayName ||
		prev.Color != next.Color ||
		string(prev.Cursor) != string(next.Cursor) ||
		string(prev.Selection) != string(next.Selection)
}

// Heartbeat refreshes a user's last-seen time without changing its record.
// Reports false if the user has no recorded state (it must Upsert first).
func (t *Table) Heartbeat(userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[userID]
	if !ok {
		return false
	}
	state.heartbeatAt = now
	t.states[userID] = state
	return true
}

// Remove evicts a user's presence immediately, used on clean disconnect.
func (t *Table) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, userID)
}

// EvictStale drops every entry whose heartbeat is older than the table's
// TTL as of now, returning the userIds evicted so the caller can announce
// their departure to remaining clients.
func (t *Table) EvictStale(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for userID, state := range t.states {
		if now.Sub(state.heartbeatAt) > t.ttl {
			delete(t.states, userID)
			evicted = append(evicted, userID)
		}
	}
	return evicted
}

// Snapshot returns every current presence record, stable for JSON encoding
// as a full awareness broadcast.
func (t *Table) Snapshot() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]State, 0, len(t.states))
	for _, state := range t.states {
		out = append(out, state)
	}
	return out
}

// Len reports how many users currently hold presence.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}
