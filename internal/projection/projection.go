// Package projection turns the page store, the optimistic overlay and the
// scroll state of a conversation into the flat item list a windowed list
// renders.
//
// Project is a pure function: the same input always yields an equal list,
// so callers may recompute it after every mutation.
package projection

import (
	"sort"
	"time"

	"github.com/leonletto/threadview/internal/ordering"
	"github.com/leonletto/threadview/internal/overlay"
	"github.com/leonletto/threadview/internal/pagestore"
	"github.com/leonletto/threadview/internal/scroll"
	"github.com/leonletto/threadview/internal/types"
)

// Kind discriminates projection items.
type Kind int

const (
	KindMessage Kind = iota
	KindDayBanner
	KindUnreadMarker
	KindTyping
)

func (k Kind) String() string {
	switch k {
	case KindDayBanner:
		return "day_banner"
	case KindUnreadMarker:
		return "unread_marker"
	case KindTyping:
		return "typing"
	}
	return "message"
}

// Keys of the singleton items.
const (
	UnreadKey = "unread"
	TypingKey = "typing"
)

// Item is one row of the rendered list. Key is stable across recomputation
// and is what the list diffs on.
type Item struct {
	Kind Kind
	Key  string

	// Day is set on day banners, formatted YYYY-MM-DD.
	Day string
	// UnreadCount is set on the unread marker.
	UnreadCount int

	Message      types.Message
	IsOptimistic bool
	// IsNew marks messages that arrived live rather than from history.
	IsNew bool

	Typists []types.Typist
}

// Features toggles the optional parts of the list.
type Features struct {
	DayBanners      bool
	UnreadMarker    bool
	TypingIndicator bool
	// OptimisticEcho renders pending sends. Failed entries are shown even
	// when it is off so they can be retried.
	OptimisticEcho bool
}

// AllFeatures enables everything.
func AllFeatures() Features {
	return Features{DayBanners: true, UnreadMarker: true, TypingIndicator: true, OptimisticEcho: true}
}

// Input is everything a projection depends on.
type Input struct {
	Durable  []pagestore.Record
	Pending  []overlay.Entry
	Scroll   scroll.State
	Typing   []types.Typist
	Location *time.Location
	Features Features
}

type row struct {
	msg        types.Message
	optimistic bool
	live       bool
}

// MessageKey returns the list key of a message. Messages created locally
// keep their local id key after promotion.
func MessageKey(m types.Message) string {
	if m.LocalID != "" {
		return "msg:" + m.LocalID
	}
	return "msg:" + m.ID
}

// Project builds the item list.
func Project(in Input) []Item {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	rows := make([]row, 0, len(in.Durable)+len(in.Pending))
	promoted := make(map[string]bool, len(in.Durable))
	for _, rec := range in.Durable {
		rows = append(rows, row{msg: rec.Message, live: rec.Live})
		if rec.Message.LocalID != "" {
			promoted[rec.Message.LocalID] = true
		}
	}
	for _, e := range in.Pending {
		if promoted[e.LocalID] {
			continue
		}
		if !in.Features.OptimisticEcho && e.Draft.Status != types.StatusFailed {
			continue
		}
		rows = append(rows, row{msg: e.Draft, optimistic: true})
	}

	sortRows(rows)

	target := markerTarget(in)
	markerAt := -1
	unread := 0
	if target != "" {
		for i, r := range rows {
			if markerAt < 0 && r.msg.ID == target && r.msg.Direction == types.DirectionInbound {
				markerAt = i
			}
			if markerAt >= 0 && r.msg.Direction == types.DirectionInbound {
				unread++
			}
		}
	}

	items := make([]Item, 0, len(rows)+4)
	lastDay := ""
	for i, r := range rows {
		if in.Features.DayBanners {
			day := ordering.SortTime(r.msg).In(loc).Format(time.DateOnly)
			if day != lastDay {
				items = append(items, Item{Kind: KindDayBanner, Key: "day:" + day, Day: day})
				lastDay = day
			}
		}
		if i == markerAt {
			items = append(items, Item{Kind: KindUnreadMarker, Key: UnreadKey, UnreadCount: unread})
		}
		items = append(items, Item{
			Kind:         KindMessage,
			Key:          MessageKey(r.msg),
			Message:      r.msg,
			IsOptimistic: r.optimistic,
			IsNew:        r.live,
		})
	}

	if in.Features.TypingIndicator && len(in.Typing) > 0 {
		typists := make([]types.Typist, len(in.Typing))
		copy(typists, in.Typing)
		items = append(items, Item{Kind: KindTyping, Key: TypingKey, Typists: typists})
	}
	return items
}

// markerTarget picks the message the unread marker goes before. Once the
// marker was shown it stays pinned; before that it follows FirstUnreadID.
func markerTarget(in Input) string {
	if !in.Features.UnreadMarker {
		return ""
	}
	if in.Scroll.UnreadMarkerShown {
		return in.Scroll.UnreadMarkerID
	}
	return in.Scroll.FirstUnreadID
}

func sortRows(rows []row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return ordering.Less(rows[i].msg, rows[j].msg)
	})
}

// MarkerTarget returns the id of the message the unread marker was rendered
// before, if the list has a marker.
func MarkerTarget(items []Item) (string, bool) {
	for i, it := range items {
		if it.Kind != KindUnreadMarker {
			continue
		}
		for _, next := range items[i+1:] {
			if next.Kind == KindMessage {
				return next.Message.ID, true
			}
		}
	}
	return "", false
}

// IndexOf returns the position of the item with key, or -1.
func IndexOf(items []Item, key string) int {
	for i, it := range items {
		if it.Key == key {
			return i
		}
	}
	return -1
}
