package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/jsonl"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// StreamOptions configures a Stream.
type StreamOptions struct {
	// Delay is waited before each event; zero replays as fast as the
	// engine consumes.
	Delay time.Duration
	// Gate, when set, holds the stream back until it is closed.
	Gate   <-chan struct{}
	Logger zerolog.Logger
}

// Stream replays a recording as a live event feed. It implements
// engine.Subscriber.
type Stream struct {
	reader *jsonl.Reader
	opts   StreamOptions
	log    zerolog.Logger
	done   chan struct{}

	started atomic.Bool
}

// NewStream opens a recording.
func NewStream(path string, opts StreamOptions) (*Stream, error) {
	r, err := jsonl.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return &Stream{
		reader: r,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "replay").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Done is closed once every event was handed over or the stream stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Subscribe starts the replay of conversationID's events. Connection
// events without a conversation are attributed to it. Malformed lines are
// skipped, like malformed live notifications. A stream plays once.
func (s *Stream) Subscribe(ctx context.Context, conversationID string) (<-chan types.Event, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.New("replay stream already subscribed")
	}
	out := make(chan types.Event)
	go func() {
		defer close(s.done)
		defer close(out)

		if s.opts.Gate != nil {
			select {
			case <-s.opts.Gate:
			case <-ctx.Done():
				return
			}
		}

		lines, errc := s.reader.Stream(ctx)
		for line := range lines {
			ev, err := decode(line.Data, conversationID)
			if err != nil {
				s.log.Warn().Err(err).Int("line", line.N).Msg("skipping recorded event")
				continue
			}
			if ev.Conversation() != conversationID {
				continue
			}
			if s.opts.Delay > 0 {
				select {
				case <-time.After(s.opts.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := <-errc; err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("reading recording failed")
		}
	}()
	return out, nil
}

func decode(data json.RawMessage, conversationID string) (types.Event, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	var ts time.Time
	if rec.ReceivedAt != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339Nano, rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("decode record time: %w", err)
		}
	}
	ev, err := wire.ParseEvent(rec.Type, rec.Params, ts)
	if err != nil {
		return nil, err
	}
	switch e := ev.(type) {
	case types.ConnectionLost:
		if e.ConversationID == "" {
			e.ConversationID = conversationID
			return e, nil
		}
	case types.ConnectionRestored:
		if e.ConversationID == "" {
			e.ConversationID = conversationID
			return e, nil
		}
	}
	return ev, nil
}
