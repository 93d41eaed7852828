// Package engine runs the message stream of one conversation view.
//
// An Engine owns the page store, optimistic overlay, live event merger and
// scroll policy of a conversation. Every mutation runs on the goroutine
// started by Run, one at a time and to completion; network calls run in
// their own goroutines and post their results back to that loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leonletto/threadview/internal/merger"
	"github.com/leonletto/threadview/internal/metrics"
	"github.com/leonletto/threadview/internal/overlay"
	"github.com/leonletto/threadview/internal/pagestore"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/scroll"
	"github.com/leonletto/threadview/internal/types"
)

// PageRequest asks a Fetcher for one page of history. An empty Before
// means the latest page. Fresh pages must bypass any cache.
type PageRequest struct {
	ConversationID string
	Limit          int
	Before         string
	Fresh          bool
}

// Fetcher loads history pages, oldest message first.
type Fetcher interface {
	GetPage(ctx context.Context, req PageRequest) (types.Page, error)
}

// Sender delivers an outbound message and returns the durable record.
type Sender interface {
	Send(ctx context.Context, req types.SendRequest) (types.Message, error)
}

// Subscriber opens the live event stream of a conversation. The channel is
// closed when ctx is done or the stream ends for good.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan types.Event, error)
}

// Recorder receives every live event before it is merged.
type Recorder interface {
	Record(ev types.Event) error
}

// Deps are the collaborators of an engine.
type Deps struct {
	Fetcher    Fetcher
	Sender     Sender
	Subscriber Subscriber // optional
	Recorder   Recorder   // optional
	Logger     zerolog.Logger
	Metrics    *metrics.Collectors
	Now        func() time.Time
}

// Update is pushed to subscribers after every change.
type Update struct {
	Items      []projection.Item
	Scroll     scroll.State
	Command    scroll.Command
	Connection merger.Connection
	HasMore    bool
	Loading    bool
	// PaginationError is the last failed older-page fetch, cleared when a
	// new fetch starts. Local state is untouched by the failure.
	PaginationError error
}

type op func(ctx context.Context)

type viewport struct {
	topKey string
	offset int
}

// Engine is the reconciliation engine of one conversation.
type Engine struct {
	conversationID string
	cfg            Config
	deps           Deps
	log            zerolog.Logger

	store   *pagestore.Store
	overlay *overlay.Overlay
	policy  *scroll.Policy
	merger  *merger.Merger

	sendLimiter      *rate.Limiter
	reconcileLimiter *rate.Limiter

	ops       chan op
	quit      chan struct{}
	done      chan struct{}
	ready     chan struct{}
	quitOnce  sync.Once
	doneOnce  sync.Once
	readyOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
	subsMu    sync.Mutex
	subs      []chan Update
	subClosed bool

	// Loop state.
	items        []projection.Item
	fetchSeq     uint64
	fetching     bool
	reconcileSeq uint64
	pagErr       error
	view         viewport
	// sendGen tells the current send attempt of an entry from responses
	// of attempts it superseded.
	sendGen      map[string]uint64
	sendSeq      uint64
}

// New creates an engine for conversationID. Call Run to start it.
func New(conversationID string, cfg Config, deps Deps) (*Engine, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("new engine: empty conversation id")
	}
	if deps.Fetcher == nil || deps.Sender == nil {
		return nil, fmt.Errorf("new engine for %s: fetcher and sender are required", conversationID)
	}
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}

	log := deps.Logger.With().Str("component", "engine").Str("conversation_id", conversationID).Logger()
	store := pagestore.New(conversationID, deps.Logger)
	store.SetClock(deps.Now)
	ov := overlay.New(store, overlay.Options{
		MaxPending: cfg.MaxPending,
		SenderRole: cfg.SenderRole,
		SenderID:   cfg.SenderID,
		Now:        deps.Now,
	}, deps.Logger)
	policy := scroll.New(cfg.FirstUnreadID)

	e := &Engine{
		conversationID:   conversationID,
		cfg:              cfg,
		deps:             deps,
		log:              log,
		store:            store,
		overlay:          ov,
		policy:           policy,
		merger:           merger.New(store, ov, policy, merger.Options{TypingTTL: cfg.TypingTTL, Now: deps.Now, Metrics: deps.Metrics}, deps.Logger),
		sendLimiter:      rate.NewLimiter(rate.Every(cfg.SendRetryInterval), 1),
		reconcileLimiter: rate.NewLimiter(rate.Every(cfg.ReconcileInterval), 1),
		ops:              make(chan op, 64),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
		ready:            make(chan struct{}),
		sendGen:          make(map[string]uint64),
	}
	e.recompute()
	return e, nil
}

// Ready is closed once the initial history load finished, successfully or
// not.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// ConversationID returns the conversation the engine serves.
func (e *Engine) ConversationID() string { return e.conversationID }

// Run starts the live subscription and the initial history load, then
// processes operations until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine for %s already running", e.conversationID)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer e.shutdown(cancel)

	select {
	case <-e.quit:
		return types.ErrEngineClosed
	default:
	}

	var events <-chan types.Event
	if e.deps.Subscriber != nil {
		ch, err := e.deps.Subscriber.Subscribe(ctx, e.conversationID)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", e.conversationID, err)
		}
		events = ch
	}

	if err := e.requestOlder(ctx); err != nil {
		e.log.Warn().Err(err).Msg("initial load not started")
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quit:
			return nil
		case fn := <-e.ops:
			fn(ctx)
		case ev, ok := <-events:
			if !ok {
				e.log.Info().Msg("live event stream ended")
				events = nil
				continue
			}
			e.applyEvent(ctx, ev)
		case <-ticker.C:
			e.tick()
		}
	}
}

// Close stops the engine. In-flight network results are discarded. It is
// safe to call more than once.
func (e *Engine) Close() error {
	e.quitOnce.Do(func() { close(e.quit) })
	if !e.started.Load() {
		e.finish()
		return nil
	}
	<-e.done
	return nil
}

func (e *Engine) shutdown(cancel context.CancelFunc) {
	cancel()
	e.finish()
	e.readyOnce.Do(func() { close(e.ready) })
	e.wg.Wait()
	e.deps.Metrics.AddPending(-e.overlay.Len())

	e.subsMu.Lock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subClosed = true
	e.subsMu.Unlock()
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(ctx context.Context) {
		fn(ctx)
		close(finished)
	}
	select {
	case e.ops <- wrapped:
	case <-e.done:
		return types.ErrEngineClosed
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return types.ErrEngineClosed
	}
}

// post hands a network completion to the loop. It is dropped once the
// engine stopped.
func (e *Engine) post(fn op) {
	select {
	case e.ops <- fn:
	case <-e.done:
	case <-e.quit:
	}
}

func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Subscribe returns a channel of updates. Slow readers miss intermediate
// updates, never the latest one. The channel closes when the engine stops.
func (e *Engine) Subscribe() <-chan Update {
	ch := make(chan Update, 16)
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if e.subClosed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// GetProjection returns the current item list.
func (e *Engine) GetProjection() ([]projection.Item, error) {
	var items []projection.Item
	err := e.do(func(context.Context) {
		items = append([]projection.Item(nil), e.items...)
	})
	return items, err
}

// ScrollState returns the scroll policy state.
func (e *Engine) ScrollState() (scroll.State, error) {
	var s scroll.State
	err := e.do(func(context.Context) { s = e.policy.State() })
	return s, err
}

// Connection returns the live transport state.
func (e *Engine) Connection() (merger.Connection, error) {
	var c merger.Connection
	err := e.do(func(context.Context) { c = e.merger.Connection() })
	return c, err
}

// AddOptimisticMessage renders body immediately and sends it.
func (e *Engine) AddOptimisticMessage(body types.Body) (string, error) {
	var (
		localID string
		addErr  error
	)
	err := e.do(func(ctx context.Context) {
		localID, addErr = e.overlay.Add(body)
		if addErr != nil {
			return
		}
		e.deps.Metrics.AddPending(1)
		cmd := e.policy.OnLocalSend()
		e.recompute()
		e.publish(cmd)
		e.startSend(ctx, localID)
	})
	if err != nil {
		return "", err
	}
	return localID, addErr
}

// Retry re-sends a failed message.
func (e *Engine) Retry(localID string) error {
	var retryErr error
	err := e.do(func(ctx context.Context) {
		if _, retryErr = e.overlay.Retry(localID); retryErr != nil {
			return
		}
		e.recompute()
		e.publish(scroll.Command{})
		e.startSend(ctx, localID)
	})
	if err != nil {
		return err
	}
	return retryErr
}

// Dismiss drops a pending or failed message.
func (e *Engine) Dismiss(localID string) error {
	var dismissErr error
	err := e.do(func(context.Context) {
		if !e.overlay.Dismiss(localID) {
			dismissErr = fmt.Errorf("dismiss %s: %w", localID, types.ErrUnknownLocalID)
			return
		}
		delete(e.sendGen, localID)
		e.deps.Metrics.AddPending(-1)
		e.recompute()
		e.publish(scroll.Command{})
	})
	if err != nil {
		return err
	}
	return dismissErr
}

// NotifyScrolledToBottom reports that the user reached the tail.
func (e *Engine) NotifyScrolledToBottom() error {
	return e.do(func(context.Context) {
		e.publish(e.policy.OnScrolledToBottom())
	})
}

// NotifyUserScrolledAway reports an explicit scroll gesture away from the tail.
func (e *Engine) NotifyUserScrolledAway() error {
	return e.do(func(context.Context) {
		e.publish(e.policy.OnUserScrolledAway())
	})
}

// JumpToLatest handles the "new messages" affordance.
func (e *Engine) JumpToLatest() error {
	return e.do(func(context.Context) {
		e.publish(e.policy.OnJumpToLatest())
	})
}

// NotifyViewport records the topmost visible item and its offset; it is
// the anchor kept stationary when older history is prepended.
func (e *Engine) NotifyViewport(topKey string, offset int) error {
	return e.do(func(context.Context) {
		e.view = viewport{topKey: topKey, offset: offset}
	})
}

// RequestOlderPage fetches the next older page. It returns
// ErrFetchInFlight while a fetch runs and ErrNoMoreHistory at the start of
// the conversation.
func (e *Engine) RequestOlderPage() error {
	var reqErr error
	err := e.do(func(ctx context.Context) { reqErr = e.requestOlder(ctx) })
	if err != nil {
		return err
	}
	return reqErr
}

func (e *Engine) requestOlder(ctx context.Context) error {
	if e.fetching {
		return types.ErrFetchInFlight
	}
	if e.store.Loaded() && !e.store.HasMore() {
		return types.ErrNoMoreHistory
	}

	e.fetchSeq++
	seq := e.fetchSeq
	e.fetching = true
	e.pagErr = nil
	anchor := e.anchor()
	req := PageRequest{ConversationID: e.conversationID, Limit: e.cfg.PageSize, Before: e.store.Cursor()}
	e.publish(scroll.Command{})

	e.spawn(ctx, func(ctx context.Context) {
		page, err := e.deps.Fetcher.GetPage(ctx, req)
		e.post(func(ctx context.Context) { e.olderPageDone(ctx, seq, req, anchor, page, err) })
	})
	return nil
}

// anchor picks the item to hold still across a prepend: the reported
// viewport top, else the oldest message currently rendered.
func (e *Engine) anchor() scroll.Anchor {
	if e.view.topKey != "" {
		return scroll.Anchor{Key: e.view.topKey, Offset: e.view.offset}
	}
	for _, it := range e.items {
		if it.Kind == projection.KindMessage {
			return scroll.Anchor{Key: it.Key}
		}
	}
	return scroll.Anchor{}
}

func (e *Engine) olderPageDone(ctx context.Context, seq uint64, req PageRequest, anchor scroll.Anchor, page types.Page, err error) {
	if seq != e.fetchSeq || req.ConversationID != e.conversationID {
		e.log.Debug().Uint64("seq", seq).Msg("dropping stale page response")
		return
	}
	e.fetching = false
	defer e.readyOnce.Do(func() { close(e.ready) })

	if err != nil {
		e.pagErr = &types.FetchFailure{Op: "page", ConversationID: e.conversationID, Err: err}
		e.log.Warn().Err(err).Str("before", req.Before).Msg("older page fetch failed")
		e.publish(scroll.Command{})
		return
	}

	first := !e.store.Loaded()
	added, _ := e.store.AppendOlder(page)
	e.deps.Metrics.PageLoaded(page.CacheHit)
	if first {
		e.recompute()
	} else {
		// A prepend leaves the scroll state alone; the marker latches on
		// the next mutation.
		e.project()
	}

	var cmd scroll.Command
	switch {
	case first:
		cmd = scroll.Command{Kind: scroll.ScrollToBottom}
	case added > 0 && anchor.Key != "":
		anchor.Index = projection.IndexOf(e.items, anchor.Key)
		if anchor.Index >= 0 {
			cmd = e.policy.OnPrepend(anchor)
		}
	}
	e.publish(cmd)

	if page.CacheHit {
		e.refreshPage(ctx, req)
	}
}

// refreshPage refetches a page that was served from a cache so statuses
// that moved since it was stored catch up.
func (e *Engine) refreshPage(ctx context.Context, req PageRequest) {
	req.Fresh = true
	e.spawn(ctx, func(ctx context.Context) {
		page, err := e.deps.Fetcher.GetPage(ctx, req)
		e.post(func(context.Context) { e.refreshDone(req, page, err) })
	})
}

func (e *Engine) refreshDone(req PageRequest, page types.Page, err error) {
	if req.ConversationID != e.conversationID {
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Str("before", req.Before).Msg("refreshing cached page failed")
		return
	}
	if e.store.Refresh(page) == 0 {
		return
	}
	e.recompute()
	e.publish(scroll.Command{})
}

func (e *Engine) startSend(ctx context.Context, localID string) {
	entry, ok := e.overlay.Get(localID)
	if !ok {
		return
	}
	e.overlay.MarkAttempt(localID)
	attempt := entry.Attempts + 1
	e.sendSeq++
	gen := e.sendSeq
	e.sendGen[localID] = gen
	req := types.SendRequest{
		ConversationID: e.conversationID,
		LocalID:        localID,
		CorrelationID:  entry.CorrelationID,
		SenderRole:     entry.Draft.SenderRole,
		Body:           entry.Draft.Body,
	}

	e.spawn(ctx, func(ctx context.Context) {
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		msg, err := e.deps.Sender.Send(sendCtx, req)
		cancel()
		e.post(func(ctx context.Context) { e.sendDone(ctx, localID, gen, attempt, msg, err) })
	})
}

func (e *Engine) sendDone(ctx context.Context, localID string, gen uint64, attempt int, msg types.Message, err error) {
	entry, pending := e.overlay.Get(localID)

	if err == nil {
		if !pending {
			// The echo promoted it first, or the user dismissed it.
			if msg.ID != "" {
				if _, upErr := e.store.UpsertFromLiveEvent(msg); upErr != nil {
					e.log.Debug().Err(upErr).Str("local_id", localID).Msg("late send ack ignored")
				}
			}
			return
		}
		if e.overlay.Promote(localID, msg) {
			delete(e.sendGen, localID)
			e.deps.Metrics.Promoted()
			e.deps.Metrics.AddPending(-1)
			e.recompute()
			e.publish(scroll.Command{})
		}
		return
	}

	if !pending || entry.Draft.Status != types.StatusSending || e.sendGen[localID] != gen {
		return
	}

	failure := &types.FetchFailure{Op: "send", ConversationID: e.conversationID, Err: err}
	if attempt < e.cfg.MaxSendAttempts {
		e.deps.Metrics.SendFailed("transient")
		e.log.Warn().Err(failure).Str("local_id", localID).Int("attempt", attempt).Msg("send failed, retrying")
		e.spawn(ctx, func(ctx context.Context) {
			if err := e.sendLimiter.Wait(ctx); err != nil {
				return
			}
			e.post(func(ctx context.Context) {
				if cur, ok := e.overlay.Get(localID); ok && cur.Draft.Status == types.StatusSending && e.sendGen[localID] == gen {
					e.startSend(ctx, localID)
				}
			})
		})
		return
	}

	e.failSend(localID, &types.TerminalSendFailure{LocalID: localID, Attempts: attempt, Err: failure})
}

func (e *Engine) failSend(localID string, tsf *types.TerminalSendFailure) {
	if !e.overlay.Fail(localID, tsf.Err.Error()) {
		return
	}
	e.deps.Metrics.SendFailed("terminal")
	e.log.Error().Err(tsf).Str("local_id", localID).Msg("send failed")
	e.recompute()
	e.publish(scroll.Command{})
}

func (e *Engine) applyEvent(ctx context.Context, ev types.Event) {
	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.Record(ev); err != nil {
			e.log.Warn().Err(err).Msg("recording live event failed")
		}
	}

	out := e.merger.Apply(ev)
	if out.Reconcile {
		e.startReconcile(ctx)
	}
	if out.Changed {
		e.recompute()
		e.publish(out.Scroll)
	}
}

// startReconcile refetches the latest page after a reconnect, with a
// bounded number of attempts. A newer reconnect supersedes it.
func (e *Engine) startReconcile(ctx context.Context) {
	e.reconcileSeq++
	seq := e.reconcileSeq
	req := PageRequest{ConversationID: e.conversationID, Limit: e.cfg.PageSize, Fresh: true}

	e.spawn(ctx, func(ctx context.Context) {
		var lastErr error
		for attempt := 1; attempt <= e.cfg.ReconcileAttempts; attempt++ {
			if err := e.reconcileLimiter.Wait(ctx); err != nil {
				return
			}
			page, err := e.deps.Fetcher.GetPage(ctx, req)
			if err == nil {
				e.post(func(context.Context) { e.reconcileDone(seq, page, nil) })
				return
			}
			lastErr = err
			e.deps.Metrics.Reconciled("error")
			e.log.Warn().Err(err).Int("attempt", attempt).Msg("reconcile fetch failed")
		}
		e.post(func(context.Context) { e.reconcileDone(seq, types.Page{}, lastErr) })
	})
}

func (e *Engine) reconcileDone(seq uint64, page types.Page, err error) {
	if seq != e.reconcileSeq {
		e.deps.Metrics.Reconciled("stale")
		e.log.Debug().Uint64("seq", seq).Msg("dropping superseded reconcile response")
		return
	}
	if err != nil {
		e.log.Error().Err(&types.FetchFailure{Op: "reconcile", ConversationID: e.conversationID, Err: err}).
			Int("attempts", e.cfg.ReconcileAttempts).Msg("giving up on reconcile")
		return
	}
	e.deps.Metrics.Reconciled("ok")

	// Echoes lost while offline are matched here, and new messages go
	// through the scroll policy like live ones.
	var fresh []types.Message
	for _, msg := range page.Messages {
		if msg.Direction == types.DirectionOutbound {
			if localID, ok := e.overlay.MatchCorrelation(msg.CorrelationID); ok && e.overlay.Promote(localID, msg) {
				e.deps.Metrics.Promoted()
				e.deps.Metrics.AddPending(-1)
				continue
			}
		}
		if _, held := e.store.Get(msg.ID); msg.ID != "" && !held && e.store.Loaded() {
			fresh = append(fresh, msg)
		}
	}
	added := e.store.Reconcile(page)
	e.log.Debug().Int("added", added).Msg("reconciled latest page")

	var cmd scroll.Command
	for _, msg := range fresh {
		if c := e.policy.OnMessageAppended(msg.Direction == types.DirectionInbound, msg.ID); c.Kind != scroll.None {
			cmd = c
		}
	}
	e.recompute()
	e.publish(cmd)
}

func (e *Engine) tick() {
	changed := e.merger.ExpireTyping()

	timeout := e.cfg.SendTimeout + e.cfg.SendRetryInterval
	for _, localID := range e.overlay.Expired(e.deps.Now(), timeout) {
		entry, _ := e.overlay.Get(localID)
		e.deps.Metrics.SendFailed("timeout")
		e.failSend(localID, &types.TerminalSendFailure{
			LocalID:  localID,
			Attempts: entry.Attempts,
			Err:      &types.FetchFailure{Op: "send", ConversationID: e.conversationID, Err: context.DeadlineExceeded},
		})
	}

	if n := e.store.ExpireParked(pagestore.DefaultParkedTTL); n > 0 {
		e.log.Debug().Int("dropped", n).Msg("status patches expired before their message arrived")
		for i := 0; i < n; i++ {
			e.deps.Metrics.EventDropped("unknown_message")
		}
	}

	if changed {
		e.recompute()
		e.publish(scroll.Command{})
	}
}

// recompute rebuilds the projection and latches the unread marker the
// first time it renders.
func (e *Engine) recompute() {
	e.project()
	if !e.policy.State().UnreadMarkerShown {
		if id, ok := projection.MarkerTarget(e.items); ok {
			e.policy.LatchUnreadMarker(id)
		}
	}
}

// project rebuilds the projection without touching the scroll state.
func (e *Engine) project() {
	e.items = projection.Project(projection.Input{
		Durable:  e.store.Records(),
		Pending:  e.overlay.Entries(),
		Scroll:   e.policy.State(),
		Typing:   e.merger.Typing(),
		Location: e.cfg.Location,
		Features: e.cfg.Features,
	})
}

func (e *Engine) publish(cmd scroll.Command) {
	u := Update{
		Items:           e.items,
		Scroll:          e.policy.State(),
		Command:         cmd,
		Connection:      e.merger.Connection(),
		HasMore:         !e.store.Loaded() || e.store.HasMore(),
		Loading:         e.fetching,
		PaginationError: e.pagErr,
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// Drop the oldest pending update to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// IsClosed reports whether err means the engine has stopped.
func IsClosed(err error) bool {
	return errors.Is(err, types.ErrEngineClosed) || errors.Is(err, context.Canceled)
}
