// Package chat holds the message timeline of the active conversation and
// the components that feed it: the outbound pipeline with its optimistic
// entries, and the sync protocol that backfills messages missed during a
// disconnect.
package chat

import (
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/chatcore/internal/models"
)

// Timeline is the id-deduplicated, timestamp-ordered message list of one
// conversation. Entries are keyed by relay id, or by local id for
// optimistic entries that have no relay id yet. Safe for concurrent use.
type Timeline struct {
	mu             sync.RWMutex
	conversationID string
	entries        map[string]models.Message
}

// NewTimeline returns an empty timeline with no active conversation.
func NewTimeline() *Timeline {
	return &Timeline{entries: make(map[string]models.Message)}
}

// Reset drops every entry and makes conversationID the active one.
func (t *Timeline) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationID = conversationID
	t.entries = make(map[string]models.Message)
}

// ConversationID returns the conversation the timeline currently shows.
func (t *Timeline) ConversationID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.conversationID
}

// Upsert inserts msg or replaces the entry with the same key.
func (t *Timeline) Upsert(msg models.Message) {
	key := msg.Key()
	if key == "" {
		return
	}

	t.mu.Lock()
	t.entries[key] = msg
	t.mu.Unlock()
}

// Merge upserts every message and returns how many were not present
// before. Merging the same batch twice leaves the timeline unchanged.
func (t *Timeline) Merge(msgs []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0

	for _, msg := range msgs {
		key := msg.Key()
		if key == "" {
			continue
		}

		if _, ok := t.entries[key]; !ok {
			added++
		}

		t.entries[key] = msg
	}

	return added
}

// Remove deletes the entry with key and reports whether it existed.
func (t *Timeline) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; !ok {
		return false
	}

	delete(t.entries, key)

	return true
}

// Get returns the entry with key.
func (t *Timeline) Get(key string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.entries[key]

	return msg, ok
}

// Demote clears the temporary flag of an optimistic entry without
// removing it.
func (t *Timeline) Demote(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.entries[key]
	if !ok {
		return false
	}

	msg.Temporary = false
	t.entries[key] = msg

	return true
}

// LastMessageID returns the relay id of the newest entry by timestamp.
// Optimistic entries are skipped since the relay does not know their
// local ids. Returns "" when no relay message is present.
func (t *Timeline) LastMessageID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		newest models.Message
		found  bool
	)

	for _, msg := range t.entries {
		if msg.ID == "" || msg.Temporary {
			continue
		}

		if !found || msg.Timestamp.After(newest.Timestamp) ||
			(msg.Timestamp.Equal(newest.Timestamp) && msg.ID > newest.ID) {
			newest = msg
			found = true
		}
	}

	return newest.ID
}

// Snapshot returns the entries sorted by timestamp ascending. Ties are
// broken by key so the order is stable across calls.
func (t *Timeline) Snapshot() []models.Message {
	t.mu.RLock()
	out := make([]models.Message, 0, len(t.entries))
	for _, msg := range t.entries {
		out = append(out, msg)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, compareMessages)

	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

func compareMessages(a, b models.Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}

	return strings.Compare(a.Key(), b.Key())
}

// Recent returns at most n of the newest entries, oldest first.
func (t *Timeline) Recent(n int) []models.Message {
	all := t.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}

	return all[len(all)-n:]
}
