// Package scroll decides how the windowed list reacts to each mutation of
// the projection: follow the tail, show a "new messages" affordance, or hold
// the visible item still while history is prepended.
package scroll

// Mode is the state of the conversation view.
type Mode int

const (
	AtBottom Mode = iota
	ScrolledUp
)

func (m Mode) String() string {
	if m == ScrolledUp {
		return "scrolled_up"
	}
	return "at_bottom"
}

// State is the scroll state owned by a Policy.
type State struct {
	Mode                   Mode
	PendingNewMessageCount int
	FirstUnreadID          string
	// UnreadMarkerShown latches once the marker has been rendered; a second
	// marker never appears in the same session.
	UnreadMarkerShown bool
	// UnreadMarkerID is the message the rendered marker stays pinned to.
	UnreadMarkerID string
}

// IsAtBottom reports whether the view follows the tail.
func (s State) IsAtBottom() bool { return s.Mode == AtBottom }

// CommandKind tells the windowed list what to do.
type CommandKind int

const (
	None CommandKind = iota
	ScrollToBottom
	ShowNewMessages
	PreserveAnchor
)

func (k CommandKind) String() string {
	switch k {
	case ScrollToBottom:
		return "scroll_to_bottom"
	case ShowNewMessages:
		return "show_new_messages"
	case PreserveAnchor:
		return "preserve_anchor"
	}
	return "none"
}

// Anchor identifies the item that must stay visually stationary across a
// prepend. Index is the item's position after the prepend; Offset is the
// pixel (or row) offset the list reported for it.
type Anchor struct {
	Key    string
	Index  int
	Offset int
}

// Command is a position request for the windowed list.
type Command struct {
	Kind   CommandKind
	Smooth bool
	Count  int
	Anchor Anchor
}

// Policy is the per-view scroll state machine.
type Policy struct {
	state State
}

// New returns a policy in AtBottom. firstUnreadID seeds the unread marker
// from the conversation's read watermark; empty means everything was read.
func New(firstUnreadID string) *Policy {
	return &Policy{state: State{Mode: AtBottom, FirstUnreadID: firstUnreadID}}
}

// State returns a copy of the current state.
func (p *Policy) State() State { return p.state }

// OnMessageAppended handles a new message at the tail of the conversation.
func (p *Policy) OnMessageAppended(inbound bool, id string) Command {
	if p.state.Mode == AtBottom {
		return Command{Kind: ScrollToBottom, Smooth: true}
	}
	if !inbound {
		return Command{Kind: None}
	}
	p.state.PendingNewMessageCount++
	p.SetFirstUnread(id)
	return Command{Kind: ShowNewMessages, Count: p.state.PendingNewMessageCount}
}

// OnUserScrolledAway is the only way to leave AtBottom.
func (p *Policy) OnUserScrolledAway() Command {
	p.state.Mode = ScrolledUp
	return Command{Kind: None}
}

// OnScrolledToBottom handles the user reaching the tail by scrolling.
func (p *Policy) OnScrolledToBottom() Command {
	p.state.Mode = AtBottom
	p.state.PendingNewMessageCount = 0
	return Command{Kind: None}
}

// OnJumpToLatest handles a click on the "N new messages" affordance.
func (p *Policy) OnJumpToLatest() Command {
	p.state.Mode = AtBottom
	p.state.PendingNewMessageCount = 0
	return Command{Kind: ScrollToBottom, Smooth: true}
}

// OnLocalSend forces the tail into view whatever the previous state.
func (p *Policy) OnLocalSend() Command {
	p.state.Mode = AtBottom
	p.state.PendingNewMessageCount = 0
	return Command{Kind: ScrollToBottom, Smooth: true}
}

// OnPrepend keeps the anchor still while older history is inserted above
// it. Mode and counters are untouched.
func (p *Policy) OnPrepend(anchor Anchor) Command {
	if anchor.Key == "" {
		return Command{Kind: None}
	}
	return Command{Kind: PreserveAnchor, Anchor: anchor}
}

// SetFirstUnread records the first unread inbound message unless one is
// already known or the marker was already shown.
func (p *Policy) SetFirstUnread(id string) {
	if id == "" || p.state.UnreadMarkerShown || p.state.FirstUnreadID != "" {
		return
	}
	p.state.FirstUnreadID = id
}

// LatchUnreadMarker records that the marker was rendered before id.
func (p *Policy) LatchUnreadMarker(id string) {
	if p.state.UnreadMarkerShown || id == "" {
		return
	}
	p.state.UnreadMarkerShown = true
	p.state.UnreadMarkerID = id
}
