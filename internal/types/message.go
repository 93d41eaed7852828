package types

import "time"

// Direction tells whether a message was received from or sent to the customer.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleCustomer    SenderRole = "customer"
	RoleAgent       SenderRole = "agent"
	RoleAIAssistant SenderRole = "ai_assistant"
	RoleSystem      SenderRole = "system"
)

// Valid reports whether r is a known sender role.
func (r SenderRole) Valid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleAIAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is the canonical unit rendered by a conversation view.
//
// A message is optimistic while ID is empty and LocalID is set. Once the
// server confirms it, the durable record carries both: ID for identity and
// LocalID/ClientSeq/CreatedAtClient so its rendered position and list key do
// not change.
type Message struct {
	ID             string
	LocalID        string
	ClientSeq      uint64
	CorrelationID  string
	ConversationID string
	Direction      Direction
	SenderRole     SenderRole
	SenderID       string
	Body           Body
	Status         Status

	// Timestamp is the authoritative ordering key; zero until the server
	// produced it.
	Timestamp       time.Time
	CreatedAtClient time.Time

	DeliveredAt   time.Time
	ReadAt        time.Time
	FailedAt      time.Time
	FailureReason string
}

// IsDurable reports whether the message has a server-assigned id.
func (m Message) IsDurable() bool {
	return m.ID != ""
}

// IsOptimistic reports whether the message only exists locally.
func (m Message) IsOptimistic() bool {
	return m.ID == "" && m.LocalID != ""
}

// Page is one fetched slice of durable history, oldest message first.
type Page struct {
	Messages   []Message
	NextCursor string
	HasMore    bool
	CacheHit   bool
}

// SendRequest is what the engine hands to a Sender. CorrelationID must be
// echoed back in the live message.created event for the same message.
type SendRequest struct {
	ConversationID string
	LocalID        string
	CorrelationID  string
	SenderRole     SenderRole
	Body           Body
}
