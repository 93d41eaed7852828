package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// API serves history and sends over a session. It implements
// engine.Fetcher and engine.Sender.
type API struct {
	session *Session
}

// NewAPI creates an API over session.
func NewAPI(session *Session) *API {
	return &API{session: session}
}

// GetPage calls message.list. The backend never caches, so Fresh needs no
// special handling here.
func (a *API) GetPage(ctx context.Context, req engine.PageRequest) (types.Page, error) {
	var raw json.RawMessage
	params := wire.ListParams{ConversationID: req.ConversationID, Limit: req.Limit, Before: req.Before}
	if err := a.session.Call(ctx, wire.MethodList, params, &raw); err != nil {
		return types.Page{}, err
	}
	page, err := wire.DecodePage(raw)
	if err != nil {
		return types.Page{}, fmt.Errorf("%s for %s: %w", wire.MethodList, req.ConversationID, err)
	}
	return page, nil
}

// Send calls message.send and returns the durable record.
func (a *API) Send(ctx context.Context, req types.SendRequest) (types.Message, error) {
	params := wire.SendParams{
		ConversationID: req.ConversationID,
		LocalID:        req.LocalID,
		CorrelationID:  req.CorrelationID,
		SenderRole:     string(req.SenderRole),
		Body:           wire.EncodeBody(req.Body),
	}
	var res wire.MessagePayload
	if err := a.session.Call(ctx, wire.MethodSend, params, &res); err != nil {
		return types.Message{}, err
	}
	msg, err := wire.DecodeMessage(res)
	if err != nil {
		return types.Message{}, fmt.Errorf("%s result: %w", wire.MethodSend, err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = req.CorrelationID
	}
	return msg, nil
}
