package websocket

import (
	"context"
	"sync"
)

// Session keeps one live connection to a backend and redials on demand
// after it drops.
type Session struct {
	url  string
	opts Options

	mu     sync.Mutex
	client *Client
}

// NewSession creates a session. Nothing is dialed until first use.
func NewSession(url string, opts Options) *Session {
	return &Session{url: url, opts: opts}
}

// Connect returns the live client, dialing a new one if needed.
func (s *Session) Connect(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		select {
		case <-s.client.Done():
		default:
			return s.client, nil
		}
	}
	c, err := Dial(ctx, s.url, s.opts)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

// Call runs a request on the live client.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	c, err := s.Connect(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, method, params, result)
}

// Close closes the live client.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
