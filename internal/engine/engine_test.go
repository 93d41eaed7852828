package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/merger"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/scroll"
	"github.com/leonletto/threadview/internal/types"
)

const conv = "conv_1"

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

func msg(conversationID, id string, dir types.Direction, ts time.Time) types.Message {
	return types.Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      dir,
		SenderRole:     types.RoleCustomer,
		Body:           types.TextBody{Text: id},
		Status:         types.StatusDelivered,
		Timestamp:      ts,
	}
}

type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]types.Page // by conversation/before
	refreshed map[string]types.Page // fresh copies of older pages
	errs      map[string]error
	fresh     types.Page
	freshErr  error
	gates     map[string]chan struct{} // by conversation
	calls     []engine.PageRequest
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:     make(map[string]types.Page),
		refreshed: make(map[string]types.Page),
		errs:      make(map[string]error),
		gates:     make(map[string]chan struct{}),
	}
}

func (f *fakeFetcher) set(conversationID, before string, p types.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[conversationID+"/"+before] = p
	delete(f.errs, conversationID+"/"+before)
}

func (f *fakeFetcher) fail(conversationID, before string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[conversationID+"/"+before] = err
}

func (f *fakeFetcher) freshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Fresh {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) GetPage(ctx context.Context, req engine.PageRequest) (types.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gates[req.ConversationID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.ConversationID + "/" + req.Before
	if req.Fresh && req.Before != "" {
		return f.refreshed[key], nil
	}
	if req.Fresh {
		return f.fresh, f.freshErr
	}
	if err := f.errs[key]; err != nil {
		return types.Page{}, err
	}
	return f.pages[key], nil
}

type fakeSender struct {
	fn func(ctx context.Context, req types.SendRequest) (types.Message, error)
}

func (s *fakeSender) Send(ctx context.Context, req types.SendRequest) (types.Message, error) {
	return s.fn(ctx, req)
}

type fakeSubscriber struct {
	ch chan types.Event
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, conversationID string) (<-chan types.Event, error) {
	return s.ch, nil
}

func testConfig() engine.Config {
	return engine.Config{
		PageSize:          20,
		SendTimeout:       50 * time.Millisecond,
		MaxSendAttempts:   1,
		SendRetryInterval: 10 * time.Millisecond,
		ReconcileAttempts: 3,
		ReconcileInterval: 5 * time.Millisecond,
		TickInterval:      10 * time.Millisecond,
		Features:          projection.Features{UnreadMarker: true, OptimisticEcho: true},
	}
}

type harness struct {
	engine  *engine.Engine
	fetcher *fakeFetcher
	sub     *fakeSubscriber
	updates <-chan engine.Update
}

func start(t *testing.T, fetcher *fakeFetcher, sender *fakeSender, cfg engine.Config) *harness {
	t.Helper()
	sub := &fakeSubscriber{ch: make(chan types.Event, 16)}
	e, err := engine.New(conv, cfg, engine.Deps{
		Fetcher:    fetcher,
		Sender:     sender,
		Subscriber: sub,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	h := &harness{engine: e, fetcher: fetcher, sub: sub, updates: e.Subscribe()}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		_ = e.Close()
		cancel()
	})
	return h
}

func blockingSender() *fakeSender {
	return &fakeSender{fn: func(ctx context.Context, _ types.SendRequest) (types.Message, error) {
		<-ctx.Done()
		return types.Message{}, ctx.Err()
	}}
}

func ids(items []projection.Item) []string {
	var out []string
	for _, it := range items {
		if it.Kind != projection.KindMessage {
			continue
		}
		if it.Message.ID != "" {
			out = append(out, it.Message.ID)
		} else {
			out = append(out, it.Message.LocalID)
		}
	}
	return out
}

func (h *harness) waitFor(t *testing.T, cond func(items []projection.Item) bool) []projection.Item {
	t.Helper()
	var items []projection.Item
	require.Eventually(t, func() bool {
		var err error
		items, err = h.engine.GetProjection()
		return err == nil && cond(items)
	}, 2*time.Second, 5*time.Millisecond)
	return items
}

func (h *harness) waitIDs(t *testing.T, want ...string) []projection.Item {
	t.Helper()
	return h.waitFor(t, func(items []projection.Item) bool {
		return assert.ObjectsAreEqual(want, ids(items))
	})
}

func (h *harness) waitCommand(t *testing.T, kind scroll.CommandKind) engine.Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.updates:
			if u.Command.Kind == kind {
				return u
			}
		case <-timeout:
			t.Fatalf("no %s command received", kind)
		}
	}
}

func itemByKey(items []projection.Item, key string) (projection.Item, bool) {
	if i := projection.IndexOf(items, key); i >= 0 {
		return items[i], true
	}
	return projection.Item{}, false
}

func TestEngine_SendIsPromotedInPlace(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{Messages: []types.Message{
		msg(conv, "m1", types.DirectionInbound, at(10, 0)),
		msg(conv, "m2", types.DirectionInbound, at(10, 5)),
	}})
	release := make(chan struct{})
	sender := &fakeSender{fn: func(ctx context.Context, req types.SendRequest) (types.Message, error) {
		<-release
		m := msg(conv, "m3", types.DirectionOutbound, at(10, 6))
		m.Status = types.StatusSent
		m.CorrelationID = req.CorrelationID
		return m, nil
	}}
	cfg := testConfig()
	cfg.SendTimeout = 2 * time.Second
	h := start(t, f, sender, cfg)

	h.waitIDs(t, "m1", "m2")
	localID, err := h.engine.AddOptimisticMessage(types.TextBody{Text: "hi"})
	require.NoError(t, err)

	items, err := h.engine.GetProjection()
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", localID}, ids(items))
	assert.True(t, items[2].IsOptimistic)
	key := items[2].Key

	close(release)
	items = h.waitIDs(t, "m1", "m2", "m3")
	assert.Equal(t, key, items[2].Key, "promotion must keep the item key")
	assert.False(t, items[2].IsOptimistic)
	assert.Equal(t, types.StatusSent, items[2].Message.Status)
}

func TestEngine_ZeroConfigShowsOptimisticSends(t *testing.T) {
	f := newFakeFetcher()
	h := start(t, f, blockingSender(), engine.Config{})
	<-h.engine.Ready()

	localID, err := h.engine.AddOptimisticMessage(types.TextBody{Text: "hi"})
	require.NoError(t, err)

	items, err := h.engine.GetProjection()
	require.NoError(t, err)
	assert.Equal(t, []string{localID}, ids(items))
}

func TestEngine_PrependPreservesAnchor(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{
		Messages:   []types.Message{msg(conv, "m3", types.DirectionInbound, at(10, 3)), msg(conv, "m4", types.DirectionInbound, at(10, 4))},
		NextCursor: "c1",
		HasMore:    true,
	})
	f.set(conv, "c1", types.Page{
		Messages: []types.Message{msg(conv, "m1", types.DirectionInbound, at(10, 1)), msg(conv, "m2", types.DirectionInbound, at(10, 2))},
	})
	h := start(t, f, blockingSender(), testConfig())

	h.waitIDs(t, "m3", "m4")
	require.NoError(t, h.engine.NotifyViewport("msg:m3", 12))
	before, err := h.engine.ScrollState()
	require.NoError(t, err)

	require.NoError(t, h.engine.RequestOlderPage())
	u := h.waitCommand(t, scroll.PreserveAnchor)
	assert.Equal(t, scroll.Anchor{Key: "msg:m3", Index: 2, Offset: 12}, u.Command.Anchor)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(u.Items))
	assert.False(t, u.HasMore)

	after, err := h.engine.ScrollState()
	require.NoError(t, err)
	assert.Equal(t, before, after, "prepend must not change scroll state")

	assert.ErrorIs(t, h.engine.RequestOlderPage(), types.ErrNoMoreHistory)
}

func TestEngine_PrependDoesNotLatchUnreadMarker(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{
		Messages:   []types.Message{msg(conv, "m3", types.DirectionInbound, at(10, 3)), msg(conv, "m4", types.DirectionInbound, at(10, 4))},
		NextCursor: "c1",
		HasMore:    true,
	})
	f.set(conv, "c1", types.Page{
		Messages: []types.Message{msg(conv, "m1", types.DirectionInbound, at(10, 1)), msg(conv, "m2", types.DirectionInbound, at(10, 2))},
	})
	cfg := testConfig()
	cfg.FirstUnreadID = "m1"
	h := start(t, f, blockingSender(), cfg)

	h.waitIDs(t, "m3", "m4")
	before, err := h.engine.ScrollState()
	require.NoError(t, err)
	require.False(t, before.UnreadMarkerShown)

	require.NoError(t, h.engine.RequestOlderPage())
	u := h.waitCommand(t, scroll.PreserveAnchor)
	target, ok := projection.MarkerTarget(u.Items)
	require.True(t, ok, "marker should render before the older unread message")
	assert.Equal(t, "m1", target)
	assert.Equal(t, before, u.Scroll)

	after, err := h.engine.ScrollState()
	require.NoError(t, err)
	assert.Equal(t, before, after, "prepend must not change scroll state")

	// The next mutation latches the marker where it was rendered.
	h.sub.ch <- types.MessageCreated{EventMeta: types.EventMeta{ConversationID: conv}, Message: msg(conv, "m5", types.DirectionInbound, at(10, 5))}
	h.waitIDs(t, "m1", "m2", "m3", "m4", "m5")
	latched, err := h.engine.ScrollState()
	require.NoError(t, err)
	assert.True(t, latched.UnreadMarkerShown)
	assert.Equal(t, "m1", latched.UnreadMarkerID)
}

func TestEngine_CachedPageIsRefreshed(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{
		Messages:   []types.Message{msg(conv, "m3", types.DirectionInbound, at(10, 3))},
		NextCursor: "c1",
		HasMore:    true,
	})
	cached := msg(conv, "m1", types.DirectionOutbound, at(10, 1))
	cached.SenderRole = types.RoleAgent
	cached.Status = types.StatusSent
	f.set(conv, "c1", types.Page{Messages: []types.Message{cached}, CacheHit: true})
	current := cached
	current.Status = types.StatusRead
	current.ReadAt = at(10, 2)
	f.refreshed[conv+"/c1"] = types.Page{Messages: []types.Message{current}}
	h := start(t, f, blockingSender(), testConfig())

	h.waitIDs(t, "m3")
	require.NoError(t, h.engine.RequestOlderPage())
	items := h.waitFor(t, func(items []projection.Item) bool {
		it, ok := itemByKey(items, "msg:m1")
		return ok && it.Message.Status == types.StatusRead
	})
	assert.Equal(t, []string{"m1", "m3"}, ids(items))

	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.calls[len(f.calls)-1]
	assert.Equal(t, engine.PageRequest{ConversationID: conv, Limit: 20, Before: "c1", Fresh: true}, last)
}

func TestEngine_RefreshNeverDowngradesStatus(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{
		Messages:   []types.Message{msg(conv, "m3", types.DirectionInbound, at(10, 3))},
		NextCursor: "c1",
		HasMore:    true,
	})
	cached := msg(conv, "m1", types.DirectionOutbound, at(10, 1))
	cached.Status = types.StatusRead
	f.set(conv, "c1", types.Page{Messages: []types.Message{cached}, CacheHit: true})
	lagging := cached
	lagging.Status = types.StatusDelivered
	lagging.DeliveredAt = at(10, 2)
	f.refreshed[conv+"/c1"] = types.Page{Messages: []types.Message{lagging}}
	h := start(t, f, blockingSender(), testConfig())

	h.waitIDs(t, "m3")
	require.NoError(t, h.engine.RequestOlderPage())
	items := h.waitFor(t, func(items []projection.Item) bool {
		it, ok := itemByKey(items, "msg:m1")
		return ok && it.Message.DeliveredAt.Equal(at(10, 2))
	})
	it, _ := itemByKey(items, "msg:m1")
	assert.Equal(t, types.StatusRead, it.Message.Status)
}

func TestEngine_SingleFetchInFlight(t *testing.T) {
	f := newFakeFetcher()
	gate := make(chan struct{})
	f.gates[conv] = gate
	f.set(conv, "", types.Page{Messages: []types.Message{msg(conv, "m1", types.DirectionInbound, at(9, 0))}})
	h := start(t, f, blockingSender(), testConfig())

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.engine.RequestOlderPage(), types.ErrFetchInFlight)

	close(gate)
	h.waitIDs(t, "m1")
}

func TestEngine_PaginationFailureIsRecoverable(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{
		Messages:   []types.Message{msg(conv, "m2", types.DirectionInbound, at(10, 2))},
		NextCursor: "c1",
		HasMore:    true,
	})
	f.fail(conv, "c1", errors.New("gateway timeout"))
	h := start(t, f, blockingSender(), testConfig())
	h.waitIDs(t, "m2")

	require.NoError(t, h.engine.RequestOlderPage())
	var failed engine.Update
	require.Eventually(t, func() bool {
		select {
		case u := <-h.updates:
			failed = u
			return u.PaginationError != nil
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	var ff *types.FetchFailure
	require.ErrorAs(t, failed.PaginationError, &ff)
	assert.Equal(t, "page", ff.Op)
	assert.Equal(t, []string{"m2"}, ids(failed.Items))

	f.set(conv, "c1", types.Page{Messages: []types.Message{msg(conv, "m1", types.DirectionInbound, at(10, 1))}})
	require.NoError(t, h.engine.RequestOlderPage())
	h.waitIDs(t, "m1", "m2")
}

func TestEngine_SendTimeoutRetryAndLateEcho(t *testing.T) {
	f := newFakeFetcher()
	h := start(t, f, blockingSender(), testConfig())

	localID, err := h.engine.AddOptimisticMessage(types.TextBody{Text: "are you there?"})
	require.NoError(t, err)
	key := "msg:" + localID

	items := h.waitFor(t, func(items []projection.Item) bool {
		it, ok := itemByKey(items, key)
		return ok && it.Message.Status == types.StatusFailed
	})
	failed, _ := itemByKey(items, key)
	assert.NotEmpty(t, failed.Message.FailureReason)

	require.NoError(t, h.engine.Retry(localID))
	items, err = h.engine.GetProjection()
	require.NoError(t, err)
	retried, ok := itemByKey(items, key)
	require.True(t, ok)
	assert.Equal(t, types.StatusSending, retried.Message.Status)

	echo := msg(conv, "m9", types.DirectionOutbound, time.Now())
	echo.Status = types.StatusSent
	echo.CorrelationID = retried.Message.CorrelationID
	h.sub.ch <- types.MessageCreated{EventMeta: types.EventMeta{ConversationID: conv}, Message: echo}

	items = h.waitFor(t, func(items []projection.Item) bool {
		it, ok := itemByKey(items, key)
		return ok && it.Message.ID == "m9"
	})
	promoted, _ := itemByKey(items, key)
	assert.False(t, promoted.IsOptimistic)
	assert.Len(t, ids(items), 1)

	assert.ErrorIs(t, h.engine.Retry(localID), types.ErrUnknownLocalID)
	assert.ErrorIs(t, h.engine.Dismiss(localID), types.ErrUnknownLocalID)
}

func TestEngine_TransientSendFailureIsRetried(t *testing.T) {
	f := newFakeFetcher()
	var (
		mu       sync.Mutex
		attempts int
	)
	sender := &fakeSender{fn: func(ctx context.Context, req types.SendRequest) (types.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return types.Message{}, errors.New("503")
		}
		m := msg(conv, "m1", types.DirectionOutbound, time.Now())
		m.Status = types.StatusSent
		return m, nil
	}}
	cfg := testConfig()
	cfg.MaxSendAttempts = 3
	cfg.SendTimeout = time.Second
	h := start(t, f, sender, cfg)

	_, err := h.engine.AddOptimisticMessage(types.TextBody{Text: "retry me"})
	require.NoError(t, err)
	items := h.waitIDs(t, "m1")
	assert.False(t, items[0].IsOptimistic)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestEngine_OverlayBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPending = 1
	cfg.SendTimeout = time.Minute
	h := start(t, newFakeFetcher(), blockingSender(), cfg)

	_, err := h.engine.AddOptimisticMessage(types.TextBody{Text: "one"})
	require.NoError(t, err)
	_, err = h.engine.AddOptimisticMessage(types.TextBody{Text: "two"})
	assert.ErrorIs(t, err, types.ErrOverlayFull)
}

func TestEngine_ReconnectReconcileIsBounded(t *testing.T) {
	f := newFakeFetcher()
	f.freshErr = errors.New("still down")
	h := start(t, f, blockingSender(), testConfig())

	h.sub.ch <- types.ConnectionLost{EventMeta: types.EventMeta{ConversationID: conv}, Reason: "eof"}
	require.Eventually(t, func() bool {
		c, err := h.engine.Connection()
		return err == nil && c == merger.Offline
	}, time.Second, 5*time.Millisecond)

	h.sub.ch <- types.ConnectionRestored{EventMeta: types.EventMeta{ConversationID: conv}}
	require.Eventually(t, func() bool { return f.freshCalls() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, f.freshCalls(), "reconcile must stop after the configured attempts")

	c, err := h.engine.Connection()
	require.NoError(t, err)
	assert.Equal(t, merger.Online, c)
}

func TestEngine_ReconcileMergesMissedMessages(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{Messages: []types.Message{msg(conv, "m1", types.DirectionInbound, at(10, 0))}})
	f.fresh = types.Page{Messages: []types.Message{
		msg(conv, "m1", types.DirectionInbound, at(10, 0)),
		msg(conv, "m2", types.DirectionInbound, at(10, 1)),
	}}
	h := start(t, f, blockingSender(), testConfig())
	h.waitIDs(t, "m1")
	require.NoError(t, h.engine.NotifyUserScrolledAway())

	h.sub.ch <- types.ConnectionRestored{EventMeta: types.EventMeta{ConversationID: conv}}
	h.waitIDs(t, "m1", "m2")

	s, err := h.engine.ScrollState()
	require.NoError(t, err)
	assert.Equal(t, scroll.ScrolledUp, s.Mode)
	assert.Equal(t, 1, s.PendingNewMessageCount)
}

func TestEngine_UnreadMarkerLatches(t *testing.T) {
	f := newFakeFetcher()
	f.set(conv, "", types.Page{Messages: []types.Message{msg(conv, "m1", types.DirectionInbound, at(10, 0))}})
	h := start(t, f, blockingSender(), testConfig())
	h.waitIDs(t, "m1")

	require.NoError(t, h.engine.NotifyUserScrolledAway())
	h.sub.ch <- types.MessageCreated{EventMeta: types.EventMeta{ConversationID: conv}, Message: msg(conv, "m2", types.DirectionInbound, at(10, 1))}
	items := h.waitIDs(t, "m1", "m2")

	target, ok := projection.MarkerTarget(items)
	require.True(t, ok)
	assert.Equal(t, "m2", target)
	s, err := h.engine.ScrollState()
	require.NoError(t, err)
	assert.True(t, s.UnreadMarkerShown)
	assert.Equal(t, 1, s.PendingNewMessageCount)
	assert.False(t, s.IsAtBottom())

	require.NoError(t, h.engine.NotifyScrolledToBottom())
	require.NoError(t, h.engine.NotifyUserScrolledAway())
	h.sub.ch <- types.MessageCreated{EventMeta: types.EventMeta{ConversationID: conv}, Message: msg(conv, "m3", types.DirectionInbound, at(10, 2))}
	items = h.waitIDs(t, "m1", "m2", "m3")

	markers := 0
	for _, it := range items {
		if it.Kind == projection.KindUnreadMarker {
			markers++
		}
	}
	assert.Equal(t, 1, markers)
	target, _ = projection.MarkerTarget(items)
	assert.Equal(t, "m2", target, "marker must stay pinned")
}

func TestEngine_CloseBeforeRun(t *testing.T) {
	e, err := engine.New(conv, testConfig(), engine.Deps{Fetcher: newFakeFetcher(), Sender: blockingSender(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Run(context.Background()), types.ErrEngineClosed)
	_, err = e.AddOptimisticMessage(types.TextBody{Text: "late"})
	assert.ErrorIs(t, err, types.ErrEngineClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := engine.New(conv, testConfig(), engine.Deps{})
	assert.Error(t, err)
	_, err = engine.New("", testConfig(), engine.Deps{Fetcher: newFakeFetcher(), Sender: blockingSender()})
	assert.Error(t, err)
}
