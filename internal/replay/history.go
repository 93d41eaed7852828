package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/jsonl"
	"github.com/leonletto/threadview/internal/ordering"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// History serves recorded messages as paginated history. It implements
// engine.Fetcher; cursors are offsets into the conversation.
type History struct {
	byConversation map[string][]types.Message
}

// LoadHistory reads a JSONL file of message payloads.
func LoadHistory(path string) (*History, error) {
	r, err := jsonl.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	lines, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	msgs := make([]types.Message, 0, len(lines))
	for _, l := range lines {
		var p wire.MessagePayload
		if err := json.Unmarshal(l.Data, &p); err != nil {
			return nil, fmt.Errorf("history line %d: %w", l.N, err)
		}
		m, err := wire.DecodeMessage(p)
		if err != nil {
			return nil, fmt.Errorf("history line %d: %w", l.N, err)
		}
		msgs = append(msgs, m)
	}
	return NewHistory(msgs), nil
}

// NewHistory builds a history from messages in any order.
func NewHistory(msgs []types.Message) *History {
	h := &History{byConversation: make(map[string][]types.Message)}
	for _, m := range msgs {
		h.byConversation[m.ConversationID] = append(h.byConversation[m.ConversationID], m)
	}
	for _, list := range h.byConversation {
		ordering.Sort(list)
	}
	return h
}

// GetPage returns up to req.Limit messages older than the cursor.
func (h *History) GetPage(ctx context.Context, req engine.PageRequest) (types.Page, error) {
	if err := ctx.Err(); err != nil {
		return types.Page{}, err
	}
	list := h.byConversation[req.ConversationID]

	end := len(list)
	if req.Before != "" {
		n, err := strconv.Atoi(req.Before)
		if err != nil || n < 0 || n > len(list) {
			return types.Page{}, fmt.Errorf("invalid cursor %q", req.Before)
		}
		end = n
	}
	limit := req.Limit
	if limit <= 0 {
		limit = engine.DefaultPageSize
	}
	start := max(0, end-limit)

	page := types.Page{Messages: append([]types.Message(nil), list[start:end]...)}
	if start > 0 {
		page.NextCursor = strconv.Itoa(start)
		page.HasMore = true
	}
	return page, nil
}

// Sender acknowledges sends locally during a replay. The durable id is
// derived from the local id.
type Sender struct{}

// Send returns a durable copy of the request.
func (Sender) Send(ctx context.Context, req types.SendRequest) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}
	return types.Message{
		ID:             "replay_" + req.LocalID,
		CorrelationID:  req.CorrelationID,
		ConversationID: req.ConversationID,
		Direction:      types.DirectionOutbound,
		SenderRole:     req.SenderRole,
		Body:           req.Body,
		Status:         types.StatusSent,
	}, nil
}
