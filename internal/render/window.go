// Package render draws a conversation projection as a windowed list in a
// terminal. Every projection item takes exactly one line, so scroll
// commands from the engine map directly onto line indexes.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/leonletto/threadview/internal/engine"
	"github.com/leonletto/threadview/internal/merger"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/scroll"
	"github.com/leonletto/threadview/internal/types"
)

// Fallback size when the output is not a terminal.
const (
	DefaultWidth  = 80
	DefaultHeight = 24
)

// chrome is the number of lines reserved below the list for the status line.
const chrome = 1

var (
	bannerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	unreadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	inboundStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	outboundStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	typingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	newStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
)

// Options configures a Window.
type Options struct {
	Width    int
	Height   int
	Location *time.Location
	// Plain disables styling, for pipes and tests.
	Plain bool
}

// TerminalSize returns the size of the terminal behind fd, or the defaults
// when fd is not a terminal.
func TerminalSize(fd int) (width, height int) {
	if !term.IsTerminal(fd) {
		return DefaultWidth, DefaultHeight
	}
	w, h, err := term.GetSize(fd)
	if err != nil || w <= 0 || h <= 0 {
		return DefaultWidth, DefaultHeight
	}
	return w, h
}

// Window is the terminal windowed list. It owns only the view position;
// content always comes from the engine.
type Window struct {
	opts Options

	items      []projection.Item
	top        int
	follow     bool
	newCount   int
	connection merger.Connection
	hasMore    bool
	loading    bool
	pagErr     error
}

// NewWindow creates a window that follows the tail.
func NewWindow(opts Options) *Window {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= chrome {
		opts.Height = DefaultHeight
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Window{opts: opts, follow: true}
}

// Resize changes the window size.
func (w *Window) Resize(width, height int) {
	if width > 0 {
		w.opts.Width = width
	}
	if height > chrome {
		w.opts.Height = height
	}
	w.clamp()
}

func (w *Window) rows() int { return w.opts.Height - chrome }

func (w *Window) bottomTop() int {
	return max(0, len(w.items)-w.rows())
}

// Apply takes a new projection and carries out the scroll command that
// came with it.
func (w *Window) Apply(u engine.Update) {
	w.items = u.Items
	w.connection = u.Connection
	w.hasMore = u.HasMore
	w.loading = u.Loading
	w.pagErr = u.PaginationError
	w.newCount = u.Scroll.PendingNewMessageCount

	switch u.Command.Kind {
	case scroll.ScrollToBottom:
		w.follow = true
	case scroll.PreserveAnchor:
		if i := projection.IndexOf(w.items, u.Command.Anchor.Key); i >= 0 {
			w.top = i
			w.follow = false
		}
	}
	if u.Scroll.IsAtBottom() {
		w.follow = true
	}
	if w.follow {
		w.top = w.bottomTop()
	}
	w.clamp()
}

func (w *Window) clamp() {
	w.top = min(max(w.top, 0), w.bottomTop())
}

// ScrollUp moves the view n lines toward older messages. It reports
// whether the top of the loaded history was reached.
func (w *Window) ScrollUp(n int) bool {
	w.follow = false
	w.top -= n
	w.clamp()
	return w.top == 0
}

// ScrollDown moves the view n lines toward newer messages and reports
// whether the bottom was reached.
func (w *Window) ScrollDown(n int) bool {
	w.top += n
	w.clamp()
	if w.top == w.bottomTop() {
		w.follow = true
	}
	return w.follow
}

// ScrollToBottom jumps to the newest message.
func (w *Window) ScrollToBottom() {
	w.follow = true
	w.top = w.bottomTop()
}

// AtBottom reports whether the newest line is visible.
func (w *Window) AtBottom() bool {
	return w.follow || w.top == w.bottomTop()
}

// Viewport returns the key of the topmost visible item and its offset in
// lines, for engine.NotifyViewport.
func (w *Window) Viewport() (string, int) {
	if w.top >= len(w.items) {
		return "", 0
	}
	return w.items[w.top].Key, 0
}

// Visible returns the visible items.
func (w *Window) Visible() []projection.Item {
	end := min(len(w.items), w.top+w.rows())
	return w.items[w.top:end]
}

// Render returns the visible lines followed by the status line.
func (w *Window) Render() string {
	var b strings.Builder
	for _, it := range w.Visible() {
		b.WriteString(w.line(it))
		b.WriteByte('\n')
	}
	b.WriteString(w.statusLine())
	return b.String()
}

// Draw clears the screen and writes the window to out.
func (w *Window) Draw(out io.Writer) error {
	_, err := fmt.Fprint(out, "\x1b[H\x1b[2J"+w.Render()+"\n")
	return err
}

// Lines formats every item, for non-interactive dumps.
func Lines(items []projection.Item, opts Options) []string {
	w := NewWindow(opts)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, w.line(it))
	}
	return out
}

func (w *Window) style(s lipgloss.Style, text string) string {
	if w.opts.Plain {
		return text
	}
	return s.Render(text)
}

func (w *Window) fit(text string) string {
	return runewidth.Truncate(text, w.opts.Width, "…")
}

func (w *Window) centered(text string) string {
	pad := (w.opts.Width - runewidth.StringWidth(text)) / 2
	if pad <= 0 {
		return w.fit(text)
	}
	return strings.Repeat(" ", pad) + text
}

func (w *Window) line(it projection.Item) string {
	switch it.Kind {
	case projection.KindDayBanner:
		return w.style(bannerStyle, w.centered("-- "+it.Day+" --"))
	case projection.KindUnreadMarker:
		return w.style(unreadStyle, w.centered(fmt.Sprintf("-- %d unread --", it.UnreadCount)))
	case projection.KindTyping:
		return w.style(typingStyle, w.fit(typingText(it.Typists)))
	case projection.KindMessage:
		return w.message(it)
	}
	return ""
}

func (w *Window) message(it projection.Item) string {
	m := it.Message
	at := m.Timestamp
	if at.IsZero() {
		at = m.CreatedAtClient
	}

	who := string(m.SenderRole)
	if m.SenderID != "" {
		who = m.SenderID
	}
	prefix := "  "
	if m.Direction == types.DirectionOutbound {
		prefix = "> "
	}
	if it.IsNew {
		prefix = "* "
	}

	var preview string
	if m.Body != nil {
		preview = oneLine(m.Body.Preview())
	}
	text := fmt.Sprintf("%s%s %s: %s", prefix, at.In(w.opts.Location).Format("15:04"), who, preview)
	if m.Direction == types.DirectionOutbound {
		text += " (" + statusText(it) + ")"
	}
	text = w.fit(text)

	switch {
	case m.Status == types.StatusFailed:
		return w.style(failedStyle, text)
	case it.IsOptimistic:
		return w.style(pendingStyle, text)
	case m.Direction == types.DirectionOutbound:
		return w.style(outboundStyle, text)
	}
	return w.style(inboundStyle, text)
}

func statusText(it projection.Item) string {
	m := it.Message
	if m.Status != types.StatusFailed {
		return string(m.Status)
	}
	s := "failed"
	if m.FailureReason != "" {
		s += ": " + m.FailureReason
	}
	if it.IsOptimistic {
		s += "; /retry " + m.LocalID
	}
	return s
}

func typingText(typists []types.Typist) string {
	names := make([]string, 0, len(typists))
	for _, t := range typists {
		switch {
		case t.Name != "":
			names = append(names, t.Name)
		case t.Role == types.RoleAIAssistant:
			names = append(names, "assistant")
		default:
			names = append(names, t.ActorID)
		}
	}
	if len(names) == 1 {
		return names[0] + " is typing..."
	}
	return strings.Join(names, ", ") + " are typing..."
}

func (w *Window) statusLine() string {
	var parts []string
	if w.connection == merger.Offline {
		parts = append(parts, "offline, reconnecting")
	}
	switch {
	case w.loading:
		parts = append(parts, "loading older messages")
	case w.pagErr != nil:
		parts = append(parts, "loading failed, /older to retry")
	case w.top == 0 && w.hasMore:
		parts = append(parts, "/older for more")
	}
	status := w.style(statusStyle, w.fit(strings.Join(parts, " | ")))
	if w.newCount > 0 && !w.AtBottom() {
		status = w.style(newStyle, fmt.Sprintf("%d new message(s), /bottom", w.newCount)) + " " + status
	}
	return status
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
