package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/pagecache"
	"github.com/leonletto/threadview/internal/render"
	"github.com/leonletto/threadview/internal/replay"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/websocket"
)

const watchHelp = `Commands:
  <text>            send a message
  /older            load older history
  /up [n]           scroll toward older messages
  /down [n]         scroll toward newer messages
  /bottom           jump to the newest message
  /retry <local>    retry a failed send
  /dismiss <local>  drop a failed send
  /open <conv>      switch conversation
  /quit             exit`

func watchCmd() *cobra.Command {
	var (
		flagURL    string
		flagRecord string
	)

	cmd := &cobra.Command{
		Use:   "watch <conversation>",
		Short: "Open a live conversation view",
		Long: `Open a live view of a conversation.

Lines typed on stdin are sent as messages; lines starting with / are
view commands.

` + watchHelp + `

Examples:
  threadview watch conv_123
  threadview watch conv_123 --url ws://localhost:8080/rpc --record events.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagURL != "" {
				cfg.Server.URL = flagURL
			}
			if cfg.Server.URL == "" {
				return errors.New("server url not set: use --url, server.url or THREADVIEW_SERVER__URL")
			}
			ec, err := cfg.Engine()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			m, err := startMetrics(ctx, cfg.Metrics.Addr, log)
			if err != nil {
				return err
			}

			header := http.Header{}
			if cfg.Server.Token != "" {
				header.Set("Authorization", "Bearer "+cfg.Server.Token)
			}
			session := websocket.NewSession(cfg.Server.URL, websocket.Options{Header: header, Logger: log})
			defer func() { _ = session.Close() }()

			api := websocket.NewAPI(session)
			deps := engine.Deps{
				Fetcher:    api,
				Sender:     api,
				Subscriber: websocket.NewFeed(session, websocket.FeedOptions{Logger: log}),
				Logger:     log,
				Metrics:    m,
			}

			if cfg.Cache.Path != "" {
				cache, err := pagecache.Open(cfg.Cache.Path, pagecache.Options{TTL: cfg.Cache.TTL, Logger: log})
				if err != nil {
					return err
				}
				defer func() { _ = cache.Close() }()
				if n, err := cache.Prune(ctx); err != nil {
					log.Warn().Err(err).Msg("pruning page cache failed")
				} else if n > 0 {
					log.Debug().Int64("pages", n).Msg("pruned page cache")
				}
				deps.Fetcher = pagecache.Wrap(api, cache)
			}

			if flagRecord != "" {
				rec, err := replay.NewRecorder(flagRecord)
				if err != nil {
					return err
				}
				defer func() { _ = rec.Close() }()
				deps.Recorder = rec
			}

			view := engine.NewView(ctx, ec, deps)
			defer func() { _ = view.Close() }()

			fd := int(os.Stdout.Fd())
			width, height := render.TerminalSize(fd)
			win := render.NewWindow(render.Options{
				Width:    width,
				Height:   height,
				Location: ec.Location,
				Plain:    !term.IsTerminal(fd),
			})

			return watch(ctx, view, args[0], win, os.Stdin, os.Stdout, log)
		},
	}

	cmd.Flags().StringVar(&flagURL, "url", "", "Backend websocket URL (overrides server.url)")
	cmd.Flags().StringVar(&flagRecord, "record", "", "Append live events to a JSONL file for replay")
	return cmd
}

// watch drives one view: engine updates redraw the window, input lines
// become sends or view commands.
func watch(ctx context.Context, view *engine.View, conversationID string, win *render.Window, in io.Reader, out io.Writer, log zerolog.Logger) error {
	e, err := view.Open(conversationID)
	if err != nil {
		return err
	}
	updates := e.Subscribe()
	lines := readLines(ctx, in)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-view.Done():
			if err != nil && !engine.IsClosed(err) {
				return err
			}
			return nil

		case u, ok := <-updates:
			if !ok {
				// Closed when the engine stops or is replaced.
				updates = nil
				continue
			}
			win.Apply(u)
			if err := win.Draw(out); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			next, quit, err := handleInput(e, win, line)
			if quit {
				return nil
			}
			if err != nil {
				log.Debug().Err(err).Str("input", line).Msg("command failed")
			}
			if next != "" && next != e.ConversationID() {
				if e, err = view.Open(next); err != nil {
					return err
				}
				updates = e.Subscribe()
				win.ScrollToBottom()
			}
			if err := win.Draw(out); err != nil {
				return err
			}
		}
	}
}

// handleInput runs one input line. It returns a conversation to switch to,
// if any, and whether the user asked to quit.
func handleInput(e *engine.Engine, win *render.Window, line string) (next string, quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := e.AddOptimisticMessage(types.TextBody{Text: line})
		if err == nil {
			win.ScrollToBottom()
		}
		return "", false, err
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/q":
		return "", true, nil

	case "/older":
		return "", false, e.RequestOlderPage()

	case "/up":
		atTop := win.ScrollUp(count(arg))
		if err := e.NotifyUserScrolledAway(); err != nil {
			return "", false, err
		}
		if err := e.NotifyViewport(win.Viewport()); err != nil {
			return "", false, err
		}
		if atTop {
			err := e.RequestOlderPage()
			if errors.Is(err, types.ErrNoMoreHistory) || errors.Is(err, types.ErrFetchInFlight) {
				return "", false, nil
			}
			return "", false, err
		}
		return "", false, nil

	case "/down":
		if win.ScrollDown(count(arg)) {
			return "", false, e.NotifyScrolledToBottom()
		}
		return "", false, e.NotifyViewport(win.Viewport())

	case "/bottom":
		win.ScrollToBottom()
		return "", false, e.JumpToLatest()

	case "/retry":
		return "", false, e.Retry(arg)

	case "/dismiss":
		return "", false, e.Dismiss(arg)

	case "/open":
		if arg == "" {
			return "", false, errors.New("usage: /open <conversation>")
		}
		return arg, false, nil
	}
	return "", false, fmt.Errorf("unknown command %s\n%s", fields[0], watchHelp)
}

func count(arg string) int {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 5
	}
	return n
}

// readLines forwards input lines until EOF or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
