package merger

import (
	"sort"
	"time"

	"github.com/leonletto/threadview/internal/types"
)

// DefaultTypingTTL is how long a typing signal lives without a refresh.
// Stop events get lost on flaky links; the TTL clears them anyway.
const DefaultTypingTTL = 8 * time.Second

type typingEntry struct {
	typist  types.Typist
	expires time.Time
}

// TypingTracker holds the actors currently composing in one conversation.
type TypingTracker struct {
	ttl     time.Duration
	entries map[string]typingEntry
}

// NewTypingTracker creates a tracker. A non-positive ttl uses DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{ttl: ttl, entries: make(map[string]typingEntry)}
}

// Start records or refreshes a typist. It reports whether the set of
// visible typists changed.
func (t *TypingTracker) Start(typist types.Typist, now time.Time) bool {
	prev, ok := t.entries[typist.ActorID]
	t.entries[typist.ActorID] = typingEntry{typist: typist, expires: now.Add(t.ttl)}
	return !ok || !prev.expires.After(now) || prev.typist != typist
}

// Stop clears a typist.
func (t *TypingTracker) Stop(actorID string) bool {
	if _, ok := t.entries[actorID]; !ok {
		return false
	}
	delete(t.entries, actorID)
	return true
}

// Expire drops entries past their TTL and reports whether any were dropped.
func (t *TypingTracker) Expire(now time.Time) bool {
	changed := false
	for id, e := range t.entries {
		if !e.expires.After(now) {
			delete(t.entries, id)
			changed = true
		}
	}
	return changed
}

// Active returns the live typists ordered by actor id.
func (t *TypingTracker) Active(now time.Time) []types.Typist {
	var out []types.Typist
	for _, e := range t.entries {
		if e.expires.After(now) {
			out = append(out, e.typist)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Clear drops every typist.
func (t *TypingTracker) Clear() {
	clear(t.entries)
}
