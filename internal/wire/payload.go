// Package wire converts JSON payloads of the chat backend into the closed
// types of the engine. Everything loosely typed stops here.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/threadview/internal/types"
)

// RPC method names.
const (
	MethodList      = "message.list"
	MethodSend      = "message.send"
	MethodSubscribe = "subscribe"
)

// Page orders a backend may use.
const (
	OrderNewestFirst = "newest_first"
	OrderOldestFirst = "oldest_first"
)

// BodyPayload is the JSON form of a message body, discriminated by type.
type BodyPayload struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Name     string   `json:"name,omitempty"`
	Language string   `json:"language,omitempty"`
	Params   []string `json:"params,omitempty"`
	Code     string   `json:"code,omitempty"`
}

// MessagePayload is the JSON form of a message.
type MessagePayload struct {
	ID             string      `json:"id"`
	LocalID        string      `json:"local_id,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Direction      string      `json:"direction"`
	SenderRole     string      `json:"sender_role"`
	SenderID       string      `json:"sender_id,omitempty"`
	Body           BodyPayload `json:"body"`
	Status         string      `json:"status"`
	Timestamp      string      `json:"timestamp"`
	DeliveredAt    string      `json:"delivered_at,omitempty"`
	ReadAt         string      `json:"read_at,omitempty"`
	FailedAt       string      `json:"failed_at,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
}

// ListParams are the parameters of message.list.
type ListParams struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
	Before         string `json:"before,omitempty"`
}

// ListResult is the result of message.list.
type ListResult struct {
	Messages   []MessagePayload `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
	Order      string           `json:"order,omitempty"`
}

// SendParams are the parameters of message.send.
type SendParams struct {
	ConversationID string      `json:"conversation_id"`
	LocalID        string      `json:"local_id"`
	CorrelationID  string      `json:"correlation_id"`
	SenderRole     string      `json:"sender_role,omitempty"`
	Body           BodyPayload `json:"body"`
}

// SubscribeParams are the parameters of subscribe.
type SubscribeParams struct {
	ConversationID string `json:"conversation_id"`
}

// EncodeBody converts a body to its JSON form.
func EncodeBody(b types.Body) BodyPayload {
	switch v := b.(type) {
	case types.TextBody:
		return BodyPayload{Type: string(types.BodyText), Text: v.Text}
	case types.MediaBody:
		return BodyPayload{Type: string(types.BodyMedia), URL: v.URL, MimeType: v.MimeType, Filename: v.Filename, Caption: v.Caption}
	case types.TemplateBody:
		return BodyPayload{Type: string(types.BodyTemplate), Name: v.Name, Language: v.Language, Params: v.Params}
	case types.SystemBody:
		return BodyPayload{Type: string(types.BodySystem), Code: v.Code, Text: v.Text}
	}
	return BodyPayload{}
}

// DecodeBody converts a JSON body into one of the closed body types.
func DecodeBody(p BodyPayload) (types.Body, error) {
	switch types.BodyKind(p.Type) {
	case types.BodyText:
		return types.TextBody{Text: p.Text}, nil
	case types.BodyMedia:
		if p.URL == "" {
			return nil, fmt.Errorf("media body without url")
		}
		return types.MediaBody{URL: p.URL, MimeType: p.MimeType, Filename: p.Filename, Caption: p.Caption}, nil
	case types.BodyTemplate:
		if p.Name == "" {
			return nil, fmt.Errorf("template body without name")
		}
		return types.TemplateBody{Name: p.Name, Language: p.Language, Params: p.Params}, nil
	case types.BodySystem:
		return types.SystemBody{Code: p.Code, Text: p.Text}, nil
	}
	return nil, fmt.Errorf("unknown body type %q", p.Type)
}

// EncodeMessage converts a message to its JSON form.
func EncodeMessage(m types.Message) MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		LocalID:        m.LocalID,
		CorrelationID:  m.CorrelationID,
		ConversationID: m.ConversationID,
		Direction:      string(m.Direction),
		SenderRole:     string(m.SenderRole),
		SenderID:       m.SenderID,
		Body:           EncodeBody(m.Body),
		Status:         string(m.Status),
		Timestamp:      formatTime(m.Timestamp),
		DeliveredAt:    formatTime(m.DeliveredAt),
		ReadAt:         formatTime(m.ReadAt),
		FailedAt:       formatTime(m.FailedAt),
		FailureReason:  m.FailureReason,
	}
}

// DecodeMessage validates a JSON message and converts it. Durable
// messages need an id, a known direction and a parseable timestamp.
func DecodeMessage(p MessagePayload) (types.Message, error) {
	if p.ID == "" {
		return types.Message{}, fmt.Errorf("message without id")
	}
	dir := types.Direction(p.Direction)
	if !dir.Valid() {
		return types.Message{}, fmt.Errorf("message %s: unknown direction %q", p.ID, p.Direction)
	}
	role := types.SenderRole(p.SenderRole)
	if p.SenderRole != "" && !role.Valid() {
		return types.Message{}, fmt.Errorf("message %s: unknown sender role %q", p.ID, p.SenderRole)
	}
	status := types.Status(p.Status)
	if p.Status != "" && !status.Valid() {
		return types.Message{}, fmt.Errorf("message %s: unknown status %q", p.ID, p.Status)
	}
	body, err := DecodeBody(p.Body)
	if err != nil {
		return types.Message{}, fmt.Errorf("message %s: %w", p.ID, err)
	}

	m := types.Message{
		ID:             p.ID,
		LocalID:        p.LocalID,
		CorrelationID:  p.CorrelationID,
		ConversationID: p.ConversationID,
		Direction:      dir,
		SenderRole:     role,
		SenderID:       p.SenderID,
		Body:           body,
		Status:         status,
		FailureReason:  p.FailureReason,
	}
	if m.Timestamp, err = parseTime(p.Timestamp); err != nil {
		return types.Message{}, fmt.Errorf("message %s timestamp: %w", p.ID, err)
	}
	if m.Timestamp.IsZero() {
		return types.Message{}, fmt.Errorf("message %s without timestamp", p.ID)
	}
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{{p.DeliveredAt, &m.DeliveredAt}, {p.ReadAt, &m.ReadAt}, {p.FailedAt, &m.FailedAt}} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return types.Message{}, fmt.Errorf("message %s: %w", p.ID, err)
		}
	}
	return m, nil
}

// DecodePage converts a message.list result into a page ordered oldest
// first. Invalid messages fail the whole page.
func DecodePage(raw json.RawMessage) (types.Page, error) {
	var res ListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return types.Page{}, fmt.Errorf("decode page: %w", err)
	}
	page := types.Page{NextCursor: res.NextCursor, HasMore: res.HasMore}
	for _, p := range res.Messages {
		m, err := DecodeMessage(p)
		if err != nil {
			return types.Page{}, fmt.Errorf("decode page: %w", err)
		}
		page.Messages = append(page.Messages, m)
	}
	if newestFirst(res.Order, page.Messages) {
		for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
			page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
		}
	}
	return page, nil
}

// newestFirst trusts the declared order and otherwise compares the ends.
func newestFirst(order string, msgs []types.Message) bool {
	switch order {
	case OrderNewestFirst:
		return true
	case OrderOldestFirst:
		return false
	}
	return len(msgs) > 1 && msgs[0].Timestamp.After(msgs[len(msgs)-1].Timestamp)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}
