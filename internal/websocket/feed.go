package websocket

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// Reconnect backoff defaults.
const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// FeedOptions configures a Feed.
type FeedOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// Feed turns session notifications into typed live events. It implements
// engine.Subscriber and emits connection.lost and connection.restored
// around redials.
type Feed struct {
	session *Session
	opts    FeedOptions
	log     zerolog.Logger
}

// NewFeed creates a feed over session.
func NewFeed(session *Session, opts FeedOptions) *Feed {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.MinBackoff)
	}
	return &Feed{session: session, opts: opts, log: opts.Logger.With().Str("component", "feed").Logger()}
}

// Subscribe connects and subscribes to conversationID. The first
// subscription must succeed; later drops are retried until ctx is done.
func (f *Feed) Subscribe(ctx context.Context, conversationID string) (<-chan types.Event, error) {
	client, notes, stop, err := f.subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make(chan types.Event, 64)
	go f.run(ctx, conversationID, client, notes, stop, out)
	return out, nil
}

func (f *Feed) subscribe(ctx context.Context, conversationID string) (*Client, <-chan Notification, func(), error) {
	client, err := f.session.Connect(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	// Listen before subscribing so nothing pushed in between is lost.
	notes, stop := client.Listen()
	if err := client.Call(ctx, wire.MethodSubscribe, wire.SubscribeParams{ConversationID: conversationID}, nil); err != nil {
		stop()
		return nil, nil, nil, err
	}
	return client, notes, stop, nil
}

func (f *Feed) run(ctx context.Context, conversationID string, client *Client, notes <-chan Notification, stop func(), out chan<- types.Event) {
	defer close(out)
	log := f.log.With().Str("conversation_id", conversationID).Logger()

	for {
		f.pump(ctx, conversationID, notes, out)
		stop()
		if ctx.Err() != nil {
			return
		}

		reason := "connection closed"
		if err := client.Err(); err != nil {
			reason = err.Error()
		}
		log.Warn().Str("reason", reason).Msg("live feed lost")
		lost := types.ConnectionLost{EventMeta: types.EventMeta{ConversationID: conversationID, ReceivedAt: time.Now()}, Reason: reason}
		if !emit(ctx, out, lost) {
			return
		}

		delay := f.opts.MinBackoff
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			var err error
			client, notes, stop, err = f.subscribe(ctx, conversationID)
			if err == nil {
				break
			}
			log.Debug().Err(err).Dur("backoff", delay).Msg("resubscribe failed")
			delay = min(delay*2, f.opts.MaxBackoff)
		}

		log.Info().Msg("live feed restored")
		restored := types.ConnectionRestored{EventMeta: types.EventMeta{ConversationID: conversationID, ReceivedAt: time.Now()}}
		if !emit(ctx, out, restored) {
			stop()
			return
		}
	}
}

func (f *Feed) pump(ctx context.Context, conversationID string, notes <-chan Notification, out chan<- types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			ev, err := wire.ParseEvent(n.Method, n.Params, n.ReceivedAt)
			if err != nil {
				f.log.Warn().Err(err).Msg("dropping malformed notification")
				continue
			}
			if ev.Conversation() != conversationID {
				continue
			}
			if !emit(ctx, out, ev) {
				return
			}
		}
	}
}

func emit(ctx context.Context, out chan<- types.Event, ev types.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
