package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessage is returned when a patch targets an id the page store does not hold.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrUnknownLocalID is returned when an overlay operation targets an entry that is gone.
	ErrUnknownLocalID = errors.New("unknown local id")
	// ErrOverlayFull is returned when too many sends are pending.
	ErrOverlayFull = errors.New("too many pending messages")
	// ErrEngineClosed is returned by engine calls after Close or context cancellation.
	ErrEngineClosed = errors.New("engine closed")
	// ErrFetchInFlight is returned when older history is already being fetched.
	ErrFetchInFlight = errors.New("fetch already in flight")
	// ErrNoMoreHistory is returned when the page store reached the start of the conversation.
	ErrNoMoreHistory = errors.New("no more history")
	// ErrWrongConversation is returned when data for another conversation reaches a store.
	ErrWrongConversation = errors.New("wrong conversation")
)

// FetchFailure is a network error from pagination or send. It is recoverable
// by retrying and never corrupts local state.
type FetchFailure struct {
	Op             string // "page", "send", "reconcile"
	ConversationID string
	Err            error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("%s fetch for conversation %s failed: %v", e.Op, e.ConversationID, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// ProtocolViolation describes a malformed live event. Such events are
// dropped and logged, never propagated.
type ProtocolViolation struct {
	EventType string
	Reason    string
	Err       error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation in %q: %s: %v", e.EventType, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation in %q: %s", e.EventType, e.Reason)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// IdentityConflict is reported when an id or local id is seen twice during
// promotion or pagination. It is resolved as an idempotent no-op.
type IdentityConflict struct {
	ID      string
	LocalID string
}

func (e *IdentityConflict) Error() string {
	if e.LocalID != "" {
		return fmt.Sprintf("identity conflict: message %q (local %q) already present", e.ID, e.LocalID)
	}
	return fmt.Sprintf("identity conflict: message %q already present", e.ID)
}

// TerminalSendFailure means a send exhausted its retries. It surfaces only
// as the failed status of the affected message.
type TerminalSendFailure struct {
	LocalID  string
	Attempts int
	Err      error
}

func (e *TerminalSendFailure) Error() string {
	return fmt.Sprintf("send %s failed after %d attempt(s): %v", e.LocalID, e.Attempts, e.Err)
}

func (e *TerminalSendFailure) Unwrap() error { return e.Err }
