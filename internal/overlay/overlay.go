// Package overlay holds locally originated messages that the server has not
// confirmed yet.
package overlay

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/identity"
	"github.com/leonletto/threadview/internal/pagestore"
	"github.com/leonletto/threadview/internal/types"
)

// DefaultMaxPending bounds the overlay when no limit is configured.
const DefaultMaxPending = 50

// Entry is one optimistic message.
type Entry struct {
	LocalID         string
	CorrelationID   string
	Draft           types.Message
	CreatedAtClient time.Time
	Attempts        int
	LastError       string
	LastAttemptAt   time.Time
}

// Options configures an overlay.
type Options struct {
	MaxPending int
	SenderRole types.SenderRole
	SenderID   string
	Now        func() time.Time
	Generator  *identity.Generator
}

// Overlay is the optimistic overlay of one conversation. Entries are keyed
// by local id. Like the page store it is owned by the engine loop and not
// safe for concurrent use.
type Overlay struct {
	conversationID string
	store          *pagestore.Store
	entries        map[string]*Entry
	order          []string
	opts           Options
	log            zerolog.Logger
}

// New creates an overlay that promotes into store.
func New(store *pagestore.Store, opts Options, log zerolog.Logger) *Overlay {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.SenderRole == "" {
		opts.SenderRole = types.RoleAgent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Generator == nil {
		opts.Generator = identity.NewGenerator()
	}
	return &Overlay{
		conversationID: store.ConversationID(),
		store:          store,
		entries:        make(map[string]*Entry),
		opts:           opts,
		log:            log.With().Str("component", "overlay").Str("conversation_id", store.ConversationID()).Logger(),
	}
}

// Add creates a sending entry for body and returns its local id. The entry
// is visible in the next projection.
func (o *Overlay) Add(body types.Body) (string, error) {
	if body == nil {
		return "", fmt.Errorf("add optimistic message: empty body")
	}
	if len(o.entries) >= o.opts.MaxPending {
		return "", fmt.Errorf("add optimistic message (%d pending): %w", len(o.entries), types.ErrOverlayFull)
	}

	localID, seq := o.opts.Generator.NextLocalID()
	now := o.opts.Now()
	e := &Entry{
		LocalID:       localID,
		CorrelationID: identity.NewCorrelationID(),
		Draft: types.Message{
			LocalID:         localID,
			ClientSeq:       seq,
			ConversationID:  o.conversationID,
			Direction:       types.DirectionOutbound,
			SenderRole:      o.opts.SenderRole,
			SenderID:        o.opts.SenderID,
			Body:            body,
			Status:          types.StatusSending,
			CreatedAtClient: now,
		},
		CreatedAtClient: now,
		LastAttemptAt:   now,
	}
	e.Draft.CorrelationID = e.CorrelationID

	o.entries[localID] = e
	o.order = append(o.order, localID)
	return localID, nil
}

// Promote replaces an entry with its server-confirmed record: the entry is
// removed and serverMsg is upserted into the page store by id. The durable
// record keeps the entry's local id, client counter and client creation time
// so it renders in the same place under the same key.
//
// An unknown local id (already promoted or dismissed) makes this a no-op,
// which absorbs duplicate acknowledgements.
func (o *Overlay) Promote(localID string, serverMsg types.Message) bool {
	e, ok := o.entries[localID]
	if !ok {
		o.log.Debug().Str("local_id", localID).Str("id", serverMsg.ID).Msg("promote for unknown local id ignored")
		return false
	}
	if serverMsg.ID == "" {
		o.log.Warn().Str("local_id", localID).Msg("promote without durable id ignored")
		return false
	}

	durable := serverMsg
	durable.LocalID = e.LocalID
	durable.ClientSeq = e.Draft.ClientSeq
	durable.CorrelationID = e.CorrelationID
	durable.CreatedAtClient = e.CreatedAtClient
	if durable.ConversationID == "" {
		durable.ConversationID = o.conversationID
	}
	if durable.Direction == "" {
		durable.Direction = e.Draft.Direction
	}
	if durable.SenderRole == "" {
		durable.SenderRole = e.Draft.SenderRole
	}
	if durable.Body == nil {
		durable.Body = e.Draft.Body
	}
	if !durable.Status.Valid() || durable.Status == types.StatusSending {
		durable.Status = types.StatusSent
	}

	if _, err := o.store.UpsertFromLiveEvent(durable); err != nil {
		o.log.Warn().Err(err).Str("local_id", localID).Msg("promote rejected by page store")
		return false
	}
	o.remove(localID)
	return true
}

// Fail marks a sending or sent entry failed. The entry stays visible so the
// user can retry it.
func (o *Overlay) Fail(localID, reason string) bool {
	e, ok := o.entries[localID]
	if !ok {
		return false
	}
	switch e.Draft.Status {
	case types.StatusSending, types.StatusSent:
	default:
		return false
	}
	e.Draft.Status = types.StatusFailed
	e.Draft.FailedAt = o.opts.Now()
	e.Draft.FailureReason = reason
	e.LastError = reason
	return true
}

// Retry moves a failed entry back to sending and returns a copy of it for
// the engine to re-issue.
func (o *Overlay) Retry(localID string) (Entry, error) {
	e, ok := o.entries[localID]
	if !ok {
		return Entry{}, fmt.Errorf("retry %s: %w", localID, types.ErrUnknownLocalID)
	}
	if e.Draft.Status != types.StatusFailed {
		return Entry{}, fmt.Errorf("retry %s: entry is %s, not failed", localID, e.Draft.Status)
	}
	e.Draft.Status = types.StatusSending
	e.Draft.FailedAt = time.Time{}
	e.Draft.FailureReason = ""
	e.Attempts = 0
	e.LastAttemptAt = o.opts.Now()
	return *e, nil
}

// MarkAttempt records a send attempt for the entry.
func (o *Overlay) MarkAttempt(localID string) {
	if e, ok := o.entries[localID]; ok {
		e.Attempts++
		e.LastAttemptAt = o.opts.Now()
	}
}

// Dismiss drops an entry the user gave up on.
func (o *Overlay) Dismiss(localID string) bool {
	if _, ok := o.entries[localID]; !ok {
		return false
	}
	o.remove(localID)
	return true
}

// MatchCorrelation finds the entry a live echo belongs to. Failed entries
// match too: a send that timed out locally may still have reached the server.
func (o *Overlay) MatchCorrelation(correlationID string) (string, bool) {
	if correlationID == "" {
		return "", false
	}
	for _, id := range o.order {
		if o.entries[id].CorrelationID == correlationID {
			return id, true
		}
	}
	return "", false
}

// Expired returns the local ids of entries still sending after timeout
// since their last attempt.
func (o *Overlay) Expired(now time.Time, timeout time.Duration) []string {
	var out []string
	for _, id := range o.order {
		e := o.entries[id]
		if e.Draft.Status == types.StatusSending && now.Sub(e.LastAttemptAt) >= timeout {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the entry.
func (o *Overlay) Get(localID string) (Entry, bool) {
	e, ok := o.entries[localID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in creation order.
func (o *Overlay) Entries() []Entry {
	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.entries[id])
	}
	return out
}

// Len returns the number of entries.
func (o *Overlay) Len() int { return len(o.order) }

func (o *Overlay) remove(localID string) {
	delete(o.entries, localID)
	for i, id := range o.order {
		if id == localID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}
