package engine

import (
	"context"
	"sync"
)

// View owns the engine of the conversation currently on screen. Opening a
// different conversation closes the previous engine, so its in-flight
// fetches and sends can no longer touch any state.
type View struct {
	ctx  context.Context
	cfg  Config
	deps Deps

	mu      sync.Mutex
	current *Engine
	runErr  chan error
}

// NewView creates a view. Engines it opens run until ctx is done.
func NewView(ctx context.Context, cfg Config, deps Deps) *View {
	return &View{ctx: ctx, cfg: cfg, deps: deps}
}

// Open switches the view to conversationID and returns its engine. Opening
// the conversation already shown returns the running engine.
func (v *View) Open(conversationID string) (*Engine, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current != nil {
		if v.current.ConversationID() == conversationID {
			return v.current, nil
		}
		_ = v.current.Close()
		v.current = nil
	}

	e, err := New(conversationID, v.cfg, v.deps)
	if err != nil {
		return nil, err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(v.ctx) }()
	v.current = e
	v.runErr = runErr
	return e, nil
}

// Current returns the open engine, or nil.
func (v *View) Current() *Engine {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Done returns the exit error of the current engine's Run once it stops.
func (v *View) Done() <-chan error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runErr
}

// Close closes the open engine.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return nil
	}
	err := v.current.Close()
	v.current = nil
	return err
}
