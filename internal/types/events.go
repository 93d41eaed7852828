package types

import "time"

// EventType is the wire name of a live event.
type EventType string

const (
	EventMessageCreated     EventType = "message.created"
	EventStatusChanged      EventType = "message.status_changed"
	EventTypingStarted      EventType = "typing.started"
	EventTypingStopped      EventType = "typing.stopped"
	EventConnectionLost     EventType = "connection.lost"
	EventConnectionRestored EventType = "connection.restored"
)

// Event is a live transport event after it has been parsed at the adapter
// boundary. The set of implementations is closed; the merge pipeline never
// sees loosely typed payloads.
type Event interface {
	Type() EventType
	Conversation() string
	event()
}

// EventMeta carries the fields shared by every event.
type EventMeta struct {
	ConversationID string
	ReceivedAt     time.Time
}

func (m EventMeta) Conversation() string { return m.ConversationID }

// MessageCreated announces a new durable message, or the echo of one the
// local user just sent.
type MessageCreated struct {
	EventMeta
	Message Message
}

func (MessageCreated) Type() EventType { return EventMessageCreated }
func (MessageCreated) event()          {}

// StatusChanged moves a durable message along the status lattice or to failed.
type StatusChanged struct {
	EventMeta
	MessageID string
	Status    Status
	At        time.Time
	Reason    string
}

func (StatusChanged) Type() EventType { return EventStatusChanged }
func (StatusChanged) event()          {}

// Typist is an actor currently composing a message (a human or the AI assistant).
type Typist struct {
	ActorID string
	Role    SenderRole
	Name    string
}

// TypingStarted signals that an actor started typing or that the AI
// assistant is producing a reply.
type TypingStarted struct {
	EventMeta
	Typist Typist
}

func (TypingStarted) Type() EventType { return EventTypingStarted }
func (TypingStarted) event()          {}

// TypingStopped clears an actor's typing signal.
type TypingStopped struct {
	EventMeta
	ActorID string
}

func (TypingStopped) Type() EventType { return EventTypingStopped }
func (TypingStopped) event()          {}

// ConnectionLost is emitted by the transport adapter when the live
// connection drops.
type ConnectionLost struct {
	EventMeta
	Reason string
}

func (ConnectionLost) Type() EventType { return EventConnectionLost }
func (ConnectionLost) event()          {}

// ConnectionRestored is emitted once the transport is subscribed again.
// Events buffered while disconnected are not trusted; the engine refetches.
type ConnectionRestored struct {
	EventMeta
}

func (ConnectionRestored) Type() EventType { return EventConnectionRestored }
func (ConnectionRestored) event()          {}
