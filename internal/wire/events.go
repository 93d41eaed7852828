package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/threadview/internal/types"
)

// MessageCreatedParams is the payload of message.created.
type MessageCreatedParams struct {
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

// StatusChangedParams is the payload of message.status_changed.
type StatusChangedParams struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status"`
	At             string `json:"at,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// TypingParams is the payload of typing.started and typing.stopped.
type TypingParams struct {
	ConversationID string `json:"conversation_id"`
	ActorID        string `json:"actor_id"`
	Role           string `json:"role,omitempty"`
	Name           string `json:"name,omitempty"`
}

// ConnectionParams is the payload of connection.lost and connection.restored.
type ConnectionParams struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

// ParseEvent converts a notification into a typed event. Any failure is a
// *types.ProtocolViolation; the caller drops the event.
func ParseEvent(method string, params json.RawMessage, receivedAt time.Time) (types.Event, error) {
	violation := func(reason string, err error) error {
		return &types.ProtocolViolation{EventType: method, Reason: reason, Err: err}
	}

	switch types.EventType(method) {
	case types.EventMessageCreated:
		var p MessageCreatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, violation("malformed payload", err)
		}
		msg, err := DecodeMessage(p.Message)
		if err != nil {
			return nil, violation("invalid message", err)
		}
		conv := p.ConversationID
		if conv == "" {
			conv = msg.ConversationID
		}
		if conv == "" {
			return nil, violation("missing conversation id", nil)
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conv
		}
		return types.MessageCreated{EventMeta: types.EventMeta{ConversationID: conv, ReceivedAt: receivedAt}, Message: msg}, nil

	case types.EventStatusChanged:
		var p StatusChangedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, violation("malformed payload", err)
		}
		if p.ConversationID == "" || p.MessageID == "" {
			return nil, violation("missing conversation or message id", nil)
		}
		status := types.Status(p.Status)
		if !status.Valid() {
			return nil, violation(fmt.Sprintf("unknown status %q", p.Status), nil)
		}
		at, err := parseTime(p.At)
		if err != nil {
			return nil, violation("invalid time", err)
		}
		return types.StatusChanged{
			EventMeta: types.EventMeta{ConversationID: p.ConversationID, ReceivedAt: receivedAt},
			MessageID: p.MessageID,
			Status:    status,
			At:        at,
			Reason:    p.Reason,
		}, nil

	case types.EventTypingStarted, types.EventTypingStopped:
		var p TypingParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, violation("malformed payload", err)
		}
		if p.ConversationID == "" || p.ActorID == "" {
			return nil, violation("missing conversation or actor id", nil)
		}
		meta := types.EventMeta{ConversationID: p.ConversationID, ReceivedAt: receivedAt}
		if method == string(types.EventTypingStopped) {
			return types.TypingStopped{EventMeta: meta, ActorID: p.ActorID}, nil
		}
		return types.TypingStarted{EventMeta: meta, Typist: types.Typist{ActorID: p.ActorID, Role: types.SenderRole(p.Role), Name: p.Name}}, nil

	case types.EventConnectionLost, types.EventConnectionRestored:
		var p ConnectionParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, violation("malformed payload", err)
			}
		}
		meta := types.EventMeta{ConversationID: p.ConversationID, ReceivedAt: receivedAt}
		if method == string(types.EventConnectionLost) {
			return types.ConnectionLost{EventMeta: meta, Reason: p.Reason}, nil
		}
		return types.ConnectionRestored{EventMeta: meta}, nil
	}

	return nil, violation("unknown event type", nil)
}

// EncodeEvent converts a typed event back to its method and payload. It is
// used to record streams and by test servers.
func EncodeEvent(ev types.Event) (string, json.RawMessage, error) {
	var params any
	switch e := ev.(type) {
	case types.MessageCreated:
		params = MessageCreatedParams{ConversationID: e.ConversationID, Message: EncodeMessage(e.Message)}
	case types.StatusChanged:
		params = StatusChangedParams{ConversationID: e.ConversationID, MessageID: e.MessageID, Status: string(e.Status), At: formatTime(e.At), Reason: e.Reason}
	case types.TypingStarted:
		params = TypingParams{ConversationID: e.ConversationID, ActorID: e.Typist.ActorID, Role: string(e.Typist.Role), Name: e.Typist.Name}
	case types.TypingStopped:
		params = TypingParams{ConversationID: e.ConversationID, ActorID: e.ActorID}
	case types.ConnectionLost:
		params = ConnectionParams{ConversationID: e.ConversationID, Reason: e.Reason}
	case types.ConnectionRestored:
		params = ConnectionParams{ConversationID: e.ConversationID}
	default:
		return "", nil, fmt.Errorf("encode event: unsupported %T", ev)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return string(ev.Type()), data, nil
}
