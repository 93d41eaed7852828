// Package pagestore holds the durable, cursor-addressable history of one
// conversation.
//
// The store keeps messages by id in insertion order and never sorts them;
// the projection computes the rendered order. History only grows on the
// older side (AppendOlder); live events and reconciliation upsert in place.
package pagestore

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/types"
)

// Record is a stored message with its bookkeeping.
type Record struct {
	Message types.Message
	// Live is true when the message arrived by push before any page covered it.
	Live bool
}

type entry struct {
	msg  types.Message
	peak types.Status
	live bool
}

// StatusPatch is an in-place status update for a durable message.
type StatusPatch struct {
	Status types.Status
	At     time.Time
	Reason string
}

// Limits for status patches that arrive before their message.
const (
	DefaultParkedLimit = 256
	DefaultParkedTTL   = 2 * time.Minute
	maxParkedPerID     = 4
)

type parkedPatches struct {
	patches []StatusPatch
	since   time.Time
}

// Store is the page store of a single conversation. It is not safe for
// concurrent use; the engine loop owns it.
type Store struct {
	conversationID string
	entries        map[string]*entry
	order          []string
	cursor         string
	hasMore        bool
	loaded         bool
	pages          int
	lastCacheHit   bool
	parked         map[string]*parkedPatches
	now            func() time.Time
	log            zerolog.Logger
}

// New creates an empty store for a conversation. Until the first page is
// appended HasMore reports true so the initial load can run.
func New(conversationID string, log zerolog.Logger) *Store {
	return &Store{
		conversationID: conversationID,
		entries:        make(map[string]*entry),
		hasMore:        true,
		parked:         make(map[string]*parkedPatches),
		now:            time.Now,
		log:            log.With().Str("component", "pagestore").Str("conversation_id", conversationID).Logger(),
	}
}

// SetClock replaces the clock used to age parked status patches.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string { return s.conversationID }

// Cursor returns the cursor for the next older page ("" before the first page).
func (s *Store) Cursor() string { return s.cursor }

// HasMore reports whether older history remains on the server.
func (s *Store) HasMore() bool { return s.hasMore }

// Loaded reports whether at least one page was appended.
func (s *Store) Loaded() bool { return s.loaded }

// Pages returns how many pages were appended.
func (s *Store) Pages() int { return s.pages }

// LastCacheHit reports whether the most recent page came from a cache.
func (s *Store) LastCacheHit() bool { return s.lastCacheHit }

// Len returns the number of held messages.
func (s *Store) Len() int { return len(s.order) }

// Get returns the message with the given id.
func (s *Store) Get(id string) (types.Message, bool) {
	e, ok := s.entries[id]
	if !ok {
		return types.Message{}, false
	}
	return e.msg, true
}

// Records returns copies of all held messages in insertion order.
func (s *Store) Records() []Record {
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		out = append(out, Record{Message: e.msg, Live: e.live})
	}
	return out
}

// AppendOlder inserts a fetched page behind the oldest held message.
//
// Ids already held, or repeated within the page, are skipped and logged as
// identity conflicts; the rest are inserted. A fully overlapping page adds
// nothing but still advances the cursor. Previously held messages are never
// touched.
func (s *Store) AppendOlder(page types.Page) (int, error) {
	older := make([]string, 0, len(page.Messages))
	for _, msg := range page.Messages {
		if err := s.checkMessage(msg); err != nil {
			s.log.Warn().Err(err).Msg("skipping invalid message in page")
			continue
		}
		if e, dup := s.entries[msg.ID]; dup {
			conflict := &types.IdentityConflict{ID: msg.ID, LocalID: e.msg.LocalID}
			s.log.Warn().Err(conflict).Msg("page overlaps held messages")
			continue
		}
		e := &entry{msg: msg, peak: types.MaxStatus("", msg.Status)}
		s.entries[msg.ID] = e
		s.unpark(e)
		older = append(older, msg.ID)
	}

	// Older messages go in front of the insertion order so Records() stays
	// oldest-first for history; live inserts keep appending at the tail.
	s.order = append(older, s.order...)

	s.cursor = page.NextCursor
	s.hasMore = page.HasMore && page.NextCursor != ""
	s.loaded = true
	s.pages++
	s.lastCacheHit = page.CacheHit

	s.log.Debug().
		Int("added", len(older)).
		Int("received", len(page.Messages)).
		Bool("has_more", s.hasMore).
		Bool("cache_hit", page.CacheHit).
		Msg("appended older page")

	return len(older), nil
}

// ApplyStatusPatch updates a durable message's status in place.
//
// A patch that would move the status backward on the lattice is a no-op;
// failed is accepted from any state but failed itself. The returned bool
// reports whether anything changed. A patch for an id the store does not
// hold yet is parked and folded in when the message arrives; the call still
// reports ErrUnknownMessage.
func (s *Store) ApplyStatusPatch(id string, patch StatusPatch) (bool, error) {
	if !patch.Status.Valid() {
		return false, fmt.Errorf("apply status to %s: invalid status %q", id, patch.Status)
	}
	e, ok := s.entries[id]
	if !ok {
		s.park(id, patch)
		return false, fmt.Errorf("apply %s to %s: %w", patch.Status, id, types.ErrUnknownMessage)
	}
	return applyPatch(e, patch), nil
}

func applyPatch(e *entry, patch StatusPatch) bool {
	prev := e.msg
	status, peak := types.MergeStatus(e.msg.Status, e.peak, patch.Status)
	if patch.Status.InLattice() && patch.Status.Rank() < e.peak.Rank() && status == prev.Status {
		// Stale update, e.g. sent arriving after read.
		return false
	}
	e.peak = peak
	e.msg.Status = status
	stampStatus(&e.msg, patch)

	return !sameStatusFields(prev, e.msg)
}

// Parked returns how many ids have status patches waiting for their message.
func (s *Store) Parked() int { return len(s.parked) }

// ExpireParked drops parked patches older than ttl and returns how many ids
// were dropped.
func (s *Store) ExpireParked(ttl time.Duration) int {
	now := s.now()
	dropped := 0
	for id, p := range s.parked {
		if now.Sub(p.since) >= ttl {
			delete(s.parked, id)
			dropped++
		}
	}
	if dropped > 0 {
		s.log.Debug().Int("dropped", dropped).Msg("expired parked status patches")
	}
	return dropped
}

func (s *Store) park(id string, patch StatusPatch) {
	p, ok := s.parked[id]
	if !ok {
		if len(s.parked) >= DefaultParkedLimit {
			s.evictOldestParked()
		}
		p = &parkedPatches{since: s.now()}
		s.parked[id] = p
	}
	if len(p.patches) == maxParkedPerID {
		p.patches = p.patches[1:]
	}
	p.patches = append(p.patches, patch)
	s.log.Debug().Str("id", id).Str("status", string(patch.Status)).Msg("parked status for unknown message")
}

func (s *Store) evictOldestParked() {
	var oldest string
	var since time.Time
	for id, p := range s.parked {
		if oldest == "" || p.since.Before(since) {
			oldest, since = id, p.since
		}
	}
	delete(s.parked, oldest)
}

// unpark folds patches that arrived before the entry's message.
func (s *Store) unpark(e *entry) {
	p, ok := s.parked[e.msg.ID]
	if !ok {
		return
	}
	delete(s.parked, e.msg.ID)
	for _, patch := range p.patches {
		applyPatch(e, patch)
	}
	s.log.Debug().Str("id", e.msg.ID).Str("status", string(e.msg.Status)).Msg("folded parked status patches")
}

// UpsertFromLiveEvent inserts a durable message seen on the live transport,
// or refreshes the held copy. Status is merged on the lattice so duplicate
// or late deliveries are harmless. The returned bool reports an insert.
func (s *Store) UpsertFromLiveEvent(msg types.Message) (bool, error) {
	if err := s.checkMessage(msg); err != nil {
		return false, err
	}

	e, ok := s.entries[msg.ID]
	if !ok {
		e := &entry{msg: msg, peak: types.MaxStatus("", msg.Status), live: true}
		s.entries[msg.ID] = e
		s.unpark(e)
		s.order = append(s.order, msg.ID)
		return true, nil
	}

	e.msg = mergeMessage(e.msg, msg, &e.peak)
	return false, nil
}

// Reconcile upserts a freshly fetched latest page, used after the live
// transport reconnects. It returns how many messages were new. The older
// side cursor is only taken from the page when nothing was loaded yet.
func (s *Store) Reconcile(page types.Page) int {
	added := 0
	for _, msg := range page.Messages {
		inserted, err := s.UpsertFromLiveEvent(msg)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping invalid message in reconcile page")
			continue
		}
		if inserted {
			added++
		}
	}
	if !s.loaded {
		s.cursor = page.NextCursor
		s.hasMore = page.HasMore && page.NextCursor != ""
		s.loaded = true
		s.pages++
	}
	return added
}

// Refresh merges a refetched copy of a page that was already appended.
// Only held messages are touched and statuses merge on the lattice; the
// cursor stays where it is. It returns how many messages changed.
func (s *Store) Refresh(page types.Page) int {
	changed := 0
	for _, msg := range page.Messages {
		e, ok := s.entries[msg.ID]
		if !ok || s.checkMessage(msg) != nil {
			continue
		}
		prev := e.msg
		e.msg = mergeMessage(e.msg, msg, &e.peak)
		if !sameStatusFields(prev, e.msg) {
			changed++
		}
	}
	s.log.Debug().Int("changed", changed).Int("received", len(page.Messages)).Msg("refreshed page")
	return changed
}

func (s *Store) checkMessage(msg types.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("durable message without id (local %q)", msg.LocalID)
	}
	if msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		return fmt.Errorf("message %s belongs to %s: %w", msg.ID, msg.ConversationID, types.ErrWrongConversation)
	}
	return nil
}

// mergeMessage folds an incoming copy of a message into the held one.
// Content comes from the incoming copy; status is merged on the lattice and
// identity fields set by promotion are kept.
func mergeMessage(held, incoming types.Message, peak *types.Status) types.Message {
	out := incoming
	out.Status, *peak = types.MergeStatus(held.Status, *peak, incoming.Status)
	if out.LocalID == "" {
		out.LocalID = held.LocalID
		out.ClientSeq = held.ClientSeq
	}
	if out.CorrelationID == "" {
		out.CorrelationID = held.CorrelationID
	}
	if out.CreatedAtClient.IsZero() {
		out.CreatedAtClient = held.CreatedAtClient
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = held.Timestamp
	}
	if out.Body == nil {
		out.Body = held.Body
	}
	out.DeliveredAt = laterOf(held.DeliveredAt, incoming.DeliveredAt)
	out.ReadAt = laterOf(held.ReadAt, incoming.ReadAt)
	if out.Status != types.StatusFailed {
		out.FailedAt = held.FailedAt
		out.FailureReason = held.FailureReason
	}
	return out
}

func stampStatus(m *types.Message, patch StatusPatch) {
	if patch.At.IsZero() {
		return
	}
	switch patch.Status {
	case types.StatusDelivered:
		if m.DeliveredAt.IsZero() {
			m.DeliveredAt = patch.At
		}
	case types.StatusRead:
		if m.ReadAt.IsZero() {
			m.ReadAt = patch.At
		}
		if m.DeliveredAt.IsZero() {
			m.DeliveredAt = patch.At
		}
	case types.StatusFailed:
		m.FailedAt = patch.At
		m.FailureReason = patch.Reason
	}
}

func sameStatusFields(a, b types.Message) bool {
	return a.Status == b.Status &&
		a.DeliveredAt.Equal(b.DeliveredAt) &&
		a.ReadAt.Equal(b.ReadAt) &&
		a.FailedAt.Equal(b.FailedAt) &&
		a.FailureReason == b.FailureReason
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
