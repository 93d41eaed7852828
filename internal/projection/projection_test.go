package projection_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/leonletto/threadview/internal/overlay"
	"github.com/leonletto/threadview/internal/pagestore"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/scroll"
	"github.com/leonletto/threadview/internal/types"
)

const conv = "conv_1"

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

func inbound(id string, ts time.Time) types.Message {
	return types.Message{
		ID:             id,
		ConversationID: conv,
		Direction:      types.DirectionInbound,
		SenderRole:     types.RoleCustomer,
		Body:           types.TextBody{Text: id},
		Status:         types.StatusDelivered,
		Timestamp:      ts,
	}
}

func outbound(id string, ts time.Time) types.Message {
	m := inbound(id, ts)
	m.Direction = types.DirectionOutbound
	m.SenderRole = types.RoleAgent
	return m
}

func page(msgs ...types.Message) types.Page {
	return types.Page{Messages: msgs, NextCursor: "c1", HasMore: true}
}

func keys(items []projection.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key)
	}
	return out
}

func messageIDs(items []projection.Item) []string {
	var out []string
	for _, it := range items {
		if it.Kind == projection.KindMessage {
			id := it.Message.ID
			if id == "" {
				id = it.Message.LocalID
			}
			out = append(out, id)
		}
	}
	return out
}

func TestProject_PromotionKeepsPositionAndKey(t *testing.T) {
	now := at(10, 5).Add(30 * time.Second)
	store := pagestore.New(conv, zerolog.Nop())
	if _, err := store.AppendOlder(page(inbound("m1", at(10, 0)), inbound("m2", at(10, 5)))); err != nil {
		t.Fatalf("AppendOlder() failed: %v", err)
	}
	ov := overlay.New(store, overlay.Options{Now: func() time.Time { return now }}, zerolog.Nop())
	localID, err := ov.Add(types.TextBody{Text: "hi"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	in := projection.Input{Durable: store.Records(), Pending: ov.Entries(), Features: projection.Features{OptimisticEcho: true}}
	before := projection.Project(in)
	if diff := cmp.Diff([]string{"m1", "m2", localID}, messageIDs(before)); diff != "" {
		t.Fatalf("before promotion (-want +got):\n%s", diff)
	}
	if !before[2].IsOptimistic {
		t.Error("pending entry not marked optimistic")
	}

	if !ov.Promote(localID, outbound("m3", at(10, 6))) {
		t.Fatal("Promote() = false")
	}
	in = projection.Input{Durable: store.Records(), Pending: ov.Entries(), Features: projection.Features{OptimisticEcho: true}}
	after := projection.Project(in)

	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, messageIDs(after)); diff != "" {
		t.Errorf("after promotion (-want +got):\n%s", diff)
	}
	if after[2].Key != before[2].Key {
		t.Errorf("key changed on promotion: %s -> %s", before[2].Key, after[2].Key)
	}
	if after[2].IsOptimistic || ov.Len() != 0 {
		t.Error("promoted message still optimistic")
	}
}

func TestProject_Deterministic(t *testing.T) {
	store := pagestore.New(conv, zerolog.Nop())
	_, _ = store.AppendOlder(page(inbound("m1", at(9, 0)), outbound("m2", at(9, 1))))
	_, _ = store.UpsertFromLiveEvent(inbound("m4", at(9, 3)))
	ov := overlay.New(store, overlay.Options{Now: func() time.Time { return at(9, 2) }}, zerolog.Nop())
	_, _ = ov.Add(types.TextBody{Text: "draft"})

	in := projection.Input{
		Durable:  store.Records(),
		Pending:  ov.Entries(),
		Scroll:   scroll.State{FirstUnreadID: "m4"},
		Typing:   []types.Typist{{ActorID: "cust_1", Role: types.RoleCustomer}},
		Features: projection.AllFeatures(),
	}
	if diff := cmp.Diff(projection.Project(in), projection.Project(in)); diff != "" {
		t.Errorf("projection not deterministic (-first +second):\n%s", diff)
	}
}

func TestProject_DayBannersAndTyping(t *testing.T) {
	store := pagestore.New(conv, zerolog.Nop())
	_, _ = store.AppendOlder(page(
		inbound("m1", time.Date(2024, 3, 1, 23, 50, 0, 0, time.UTC)),
		inbound("m2", time.Date(2024, 3, 2, 0, 10, 0, 0, time.UTC)),
		inbound("m3", time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)),
	))

	in := projection.Input{
		Durable:  store.Records(),
		Typing:   []types.Typist{{ActorID: "ai", Role: types.RoleAIAssistant}},
		Features: projection.AllFeatures(),
	}
	want := []string{"day:2024-03-01", "msg:m1", "day:2024-03-02", "msg:m2", "msg:m3", "typing"}
	if diff := cmp.Diff(want, keys(projection.Project(in))); diff != "" {
		t.Errorf("UTC keys (-want +got):\n%s", diff)
	}

	// Banners follow the view's location.
	in.Location = time.FixedZone("UTC+2", 2*60*60)
	want = []string{"day:2024-03-02", "msg:m1", "msg:m2", "msg:m3", "typing"}
	if diff := cmp.Diff(want, keys(projection.Project(in))); diff != "" {
		t.Errorf("UTC+2 keys (-want +got):\n%s", diff)
	}

	in.Features.TypingIndicator = false
	in.Features.DayBanners = false
	if diff := cmp.Diff([]string{"msg:m1", "msg:m2", "msg:m3"}, keys(projection.Project(in))); diff != "" {
		t.Errorf("features off (-want +got):\n%s", diff)
	}
}

func TestProject_UnreadMarker(t *testing.T) {
	store := pagestore.New(conv, zerolog.Nop())
	_, _ = store.AppendOlder(page(
		inbound("m1", at(10, 0)),
		inbound("m2", at(10, 1)),
		outbound("m3", at(10, 2)),
		inbound("m4", at(10, 3)),
	))
	features := projection.Features{UnreadMarker: true}

	tests := []struct {
		name      string
		state     scroll.State
		want      []string
		wantCount int
	}{
		{
			name:      "first unread",
			state:     scroll.State{FirstUnreadID: "m2"},
			want:      []string{"msg:m1", "unread", "msg:m2", "msg:m3", "msg:m4"},
			wantCount: 2,
		},
		{
			name:      "pinned after shown",
			state:     scroll.State{FirstUnreadID: "m4", UnreadMarkerShown: true, UnreadMarkerID: "m2"},
			want:      []string{"msg:m1", "unread", "msg:m2", "msg:m3", "msg:m4"},
			wantCount: 2,
		},
		{
			name:  "target not loaded",
			state: scroll.State{FirstUnreadID: "m0"},
			want:  []string{"msg:m1", "msg:m2", "msg:m3", "msg:m4"},
		},
		{
			name:  "outbound target ignored",
			state: scroll.State{FirstUnreadID: "m3"},
			want:  []string{"msg:m1", "msg:m2", "msg:m3", "msg:m4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := projection.Project(projection.Input{Durable: store.Records(), Scroll: tt.state, Features: features})
			if diff := cmp.Diff(tt.want, keys(items)); diff != "" {
				t.Fatalf("keys (-want +got):\n%s", diff)
			}
			i := projection.IndexOf(items, projection.UnreadKey)
			if i < 0 {
				if _, ok := projection.MarkerTarget(items); ok {
					t.Error("MarkerTarget() found a marker that is not there")
				}
				return
			}
			if items[i].UnreadCount != tt.wantCount {
				t.Errorf("UnreadCount = %d, want %d", items[i].UnreadCount, tt.wantCount)
			}
			if id, ok := projection.MarkerTarget(items); !ok || id != "m2" {
				t.Errorf("MarkerTarget() = %q, %v", id, ok)
			}
		})
	}
}

func TestProject_OptimisticEchoOff(t *testing.T) {
	store := pagestore.New(conv, zerolog.Nop())
	ov := overlay.New(store, overlay.Options{Now: func() time.Time { return at(11, 0) }}, zerolog.Nop())
	pending, _ := ov.Add(types.TextBody{Text: "pending"})
	failed, _ := ov.Add(types.TextBody{Text: "failed"})
	ov.Fail(failed, "timeout")

	items := projection.Project(projection.Input{Pending: ov.Entries(), Features: projection.Features{}})
	if diff := cmp.Diff([]string{failed}, messageIDs(items)); diff != "" {
		t.Errorf("echo off (-want +got):\n%s", diff)
	}

	items = projection.Project(projection.Input{Pending: ov.Entries(), Features: projection.Features{OptimisticEcho: true}})
	if diff := cmp.Diff([]string{pending, failed}, messageIDs(items)); diff != "" {
		t.Errorf("echo on (-want +got):\n%s", diff)
	}
}

func TestProject_LiveMessagesAreNew(t *testing.T) {
	store := pagestore.New(conv, zerolog.Nop())
	_, _ = store.AppendOlder(page(inbound("m1", at(10, 0))))
	_, _ = store.UpsertFromLiveEvent(inbound("m2", at(10, 1)))

	items := projection.Project(projection.Input{Durable: store.Records()})
	if items[0].IsNew || !items[1].IsNew {
		t.Errorf("IsNew = %v, %v; want false, true", items[0].IsNew, items[1].IsNew)
	}
}
