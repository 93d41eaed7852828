// Package merger folds live transport events into the page store, the
// optimistic overlay and the scroll policy of one conversation.
package merger

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/metrics"
	"github.com/leonletto/threadview/internal/overlay"
	"github.com/leonletto/threadview/internal/pagestore"
	"github.com/leonletto/threadview/internal/scroll"
	"github.com/leonletto/threadview/internal/types"
)

// Connection is the live transport state shown to the user.
type Connection string

const (
	Online  Connection = "online"
	Offline Connection = "offline"
)

// Outcome describes what applying one event did.
type Outcome struct {
	// Changed is true when the projection must be recomputed.
	Changed bool
	// Reconcile asks the engine to refetch the latest page instead of
	// trusting events buffered across a disconnect.
	Reconcile bool
	// Promoted is set to the local id of an overlay entry the event confirmed.
	Promoted string
	Scroll   scroll.Command
}

// Options configures a Merger.
type Options struct {
	TypingTTL time.Duration
	Now       func() time.Time
	Metrics   *metrics.Collectors
}

// Merger applies live events for a single conversation. It is owned by the
// engine loop and not safe for concurrent use.
type Merger struct {
	conversationID string
	store          *pagestore.Store
	overlay        *overlay.Overlay
	policy         *scroll.Policy
	typing         *TypingTracker
	conn           Connection
	now            func() time.Time
	metrics        *metrics.Collectors
	log            zerolog.Logger
}

// New creates a merger over the conversation's components.
func New(store *pagestore.Store, ov *overlay.Overlay, policy *scroll.Policy, opts Options, log zerolog.Logger) *Merger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Merger{
		conversationID: store.ConversationID(),
		store:          store,
		overlay:        ov,
		policy:         policy,
		typing:         NewTypingTracker(opts.TypingTTL),
		conn:           Online,
		now:            opts.Now,
		metrics:        opts.Metrics,
		log:            log.With().Str("component", "merger").Str("conversation_id", store.ConversationID()).Logger(),
	}
}

// Connection returns the current transport state.
func (m *Merger) Connection() Connection { return m.conn }

// Typing returns the active typists.
func (m *Merger) Typing() []types.Typist { return m.typing.Active(m.now()) }

// ExpireTyping drops stale typing signals and reports whether any were dropped.
func (m *Merger) ExpireTyping() bool { return m.typing.Expire(m.now()) }

// Apply merges one event. Malformed events are dropped and logged; a panic
// in a handler is recovered so the caller's loop keeps running.
func (m *Merger) Apply(ev types.Event) (out Outcome) {
	if ev == nil {
		m.drop("nil", "protocol_violation", &types.ProtocolViolation{Reason: "nil event"})
		return Outcome{}
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("event", string(ev.Type())).Interface("panic", r).Msg("recovered from panic applying live event")
			m.metrics.EventDropped("panic")
			out = Outcome{}
		}
	}()

	if ev.Conversation() != m.conversationID {
		m.log.Debug().Str("event", string(ev.Type())).Str("event_conversation", ev.Conversation()).Msg("dropping event for another conversation")
		m.metrics.EventDropped("foreign_conversation")
		return Outcome{}
	}

	var err error
	switch e := ev.(type) {
	case types.MessageCreated:
		out, err = m.messageCreated(e)
	case types.StatusChanged:
		out, err = m.statusChanged(e)
	case types.TypingStarted:
		out, err = m.typingStarted(e)
	case types.TypingStopped:
		out, err = m.typingStopped(e)
	case types.ConnectionLost:
		out = m.connectionLost(e)
	case types.ConnectionRestored:
		out = m.connectionRestored()
	default:
		err = &types.ProtocolViolation{EventType: string(ev.Type()), Reason: fmt.Sprintf("unsupported event %T", ev)}
	}

	if err != nil {
		var pv *types.ProtocolViolation
		switch {
		case errors.As(err, &pv):
			m.drop(string(ev.Type()), "protocol_violation", err)
		case errors.Is(err, types.ErrUnknownMessage):
			// The store parks the patch until the message arrives.
			m.log.Debug().Err(err).Str("event", string(ev.Type())).Msg("status for unknown message parked")
			m.metrics.StatusParked()
		default:
			m.drop(string(ev.Type()), "rejected", err)
		}
		return Outcome{}
	}

	m.metrics.EventApplied(string(ev.Type()))
	return out
}

func (m *Merger) drop(eventType, reason string, err error) {
	m.log.Warn().Err(err).Str("event", eventType).Msg("dropping live event")
	m.metrics.EventDropped(reason)
}

func (m *Merger) messageCreated(e types.MessageCreated) (Outcome, error) {
	msg := e.Message
	if msg.ID == "" {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: "message without id"}
	}
	if !msg.Direction.Valid() {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: fmt.Sprintf("message %s has direction %q", msg.ID, msg.Direction)}
	}
	if msg.Status != "" && !msg.Status.Valid() {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: fmt.Sprintf("message %s has status %q", msg.ID, msg.Status)}
	}
	if msg.ConversationID == "" {
		msg.ConversationID = m.conversationID
	}

	// The author just finished; their indicator goes with the message.
	if msg.SenderID != "" {
		m.typing.Stop(msg.SenderID)
	}

	if msg.Direction == types.DirectionOutbound {
		if localID, ok := m.matchEcho(msg); ok {
			if m.overlay.Promote(localID, msg) {
				m.metrics.Promoted()
				m.metrics.AddPending(-1)
				return Outcome{Changed: true, Promoted: localID}, nil
			}
		}
	}

	inserted, err := m.store.UpsertFromLiveEvent(msg)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Changed: true}
	if inserted {
		out.Scroll = m.policy.OnMessageAppended(msg.Direction == types.DirectionInbound, msg.ID)
	}
	return out, nil
}

// matchEcho finds the overlay entry an outbound echo confirms, by
// correlation id first and by local id when the transport echoes that.
func (m *Merger) matchEcho(msg types.Message) (string, bool) {
	if localID, ok := m.overlay.MatchCorrelation(msg.CorrelationID); ok {
		return localID, true
	}
	if msg.LocalID != "" {
		if _, ok := m.overlay.Get(msg.LocalID); ok {
			return msg.LocalID, true
		}
	}
	return "", false
}

func (m *Merger) statusChanged(e types.StatusChanged) (Outcome, error) {
	if e.MessageID == "" {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: "status change without message id"}
	}
	if !e.Status.Valid() {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: fmt.Sprintf("unknown status %q for %s", e.Status, e.MessageID)}
	}
	changed, err := m.store.ApplyStatusPatch(e.MessageID, pagestore.StatusPatch{Status: e.Status, At: e.At, Reason: e.Reason})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Changed: changed}, nil
}

func (m *Merger) typingStarted(e types.TypingStarted) (Outcome, error) {
	if e.Typist.ActorID == "" {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: "typing without actor id"}
	}
	return Outcome{Changed: m.typing.Start(e.Typist, m.now())}, nil
}

func (m *Merger) typingStopped(e types.TypingStopped) (Outcome, error) {
	if e.ActorID == "" {
		return Outcome{}, &types.ProtocolViolation{EventType: string(e.Type()), Reason: "typing stop without actor id"}
	}
	return Outcome{Changed: m.typing.Stop(e.ActorID)}, nil
}

func (m *Merger) connectionLost(e types.ConnectionLost) Outcome {
	if m.conn == Offline {
		return Outcome{}
	}
	m.conn = Offline
	// Typing signals cannot be trusted across a gap.
	m.typing.Clear()
	m.log.Info().Str("reason", e.Reason).Msg("live connection lost")
	return Outcome{Changed: true}
}

func (m *Merger) connectionRestored() Outcome {
	m.conn = Online
	m.log.Info().Msg("live connection restored, reconciling")
	return Outcome{Changed: true, Reconcile: true}
}
