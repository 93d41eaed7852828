package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/render"
	"github.com/leonletto/threadview/internal/replay"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// settle is how long the engine must stay quiet before a replay is
// considered finished.
const settle = 100 * time.Millisecond

func replayCmd() *cobra.Command {
	var (
		flagHistory      string
		flagConversation string
		flagDelay        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Replay a recorded event stream and print the resulting view",
		Long: `Replay a recorded event stream through a fresh engine and print the
final projection.

The optional history file holds one message per line in the wire format
and serves as the paginated backend. Sends during a replay are
acknowledged locally.

Examples:
  threadview replay events.jsonl --conversation conv_123
  threadview replay events.jsonl -c conv_123 --history history.jsonl --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ec, err := cfg.Engine()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			history := replay.NewHistory(nil)
			if flagHistory != "" {
				if history, err = replay.LoadHistory(flagHistory); err != nil {
					return err
				}
			}

			items, err := runReplay(cmd.Context(), args[0], flagConversation, flagDelay, ec, history, log)
			if err != nil {
				return err
			}
			return printItems(os.Stdout, items, ec.Location)
		},
	}

	cmd.Flags().StringVar(&flagHistory, "history", "", "JSONL file of history messages")
	cmd.Flags().StringVarP(&flagConversation, "conversation", "c", "", "Conversation to replay")
	cmd.Flags().DurationVar(&flagDelay, "delay", 0, "Wait between events")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

// runReplay loads the first history page, then plays the recording and
// returns the projection once the engine is idle.
func runReplay(ctx context.Context, eventsPath, conversationID string, delay time.Duration, cfg engine.Config, history engine.Fetcher, log zerolog.Logger) ([]projection.Item, error) {
	gate := make(chan struct{})
	stream, err := replay.NewStream(eventsPath, replay.StreamOptions{Delay: delay, Gate: gate, Logger: log})
	if err != nil {
		return nil, err
	}

	e, err := engine.New(conversationID, cfg, engine.Deps{
		Fetcher:    history,
		Sender:     replay.Sender{},
		Subscriber: stream,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	updates := e.Subscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()
	defer func() { _ = e.Close() }()

	select {
	case <-e.Ready():
	case err := <-runErr:
		return nil, err
	}
	close(gate)

	select {
	case <-stream.Done():
	case err := <-runErr:
		return nil, err
	}

	// Reconciles triggered by recorded reconnects complete asynchronously.
	timer := time.NewTimer(settle)
	defer timer.Stop()
	for idle := false; !idle; {
		select {
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			timer.Reset(settle)
		case <-timer.C:
			idle = true
		case err := <-runErr:
			if err == nil {
				err = types.ErrEngineClosed
			}
			return nil, err
		}
	}

	items, err := e.GetProjection()
	if err != nil {
		return nil, fmt.Errorf("read projection: %w", err)
	}
	return items, nil
}

type itemJSON struct {
	Kind        string               `json:"kind"`
	Key         string               `json:"key"`
	Day         string               `json:"day,omitempty"`
	UnreadCount int                  `json:"unread_count,omitempty"`
	Message     *wire.MessagePayload `json:"message,omitempty"`
	Optimistic  bool                 `json:"optimistic,omitempty"`
	New         bool                 `json:"new,omitempty"`
	Typists     []string             `json:"typists,omitempty"`
}

func printItems(out io.Writer, items []projection.Item, loc *time.Location) error {
	if !flagJSON {
		for _, l := range render.Lines(items, render.Options{Width: 120, Location: loc, Plain: true}) {
			if _, err := fmt.Fprintln(out, l); err != nil {
				return err
			}
		}
		return nil
	}

	dump := make([]itemJSON, 0, len(items))
	for _, it := range items {
		j := itemJSON{
			Kind:        it.Kind.String(),
			Key:         it.Key,
			Day:         it.Day,
			UnreadCount: it.UnreadCount,
			Optimistic:  it.IsOptimistic,
			New:         it.IsNew,
		}
		if it.Kind == projection.KindMessage {
			p := wire.EncodeMessage(it.Message)
			j.Message = &p
		}
		for _, t := range it.Typists {
			j.Typists = append(j.Typists, t.ActorID)
		}
		dump = append(dump, j)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	return nil
}
