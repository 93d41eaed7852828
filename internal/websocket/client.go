// Package websocket is the live transport of threadview: a JSON-RPC 2.0
// client over a gorilla websocket, the history and send API on top of it,
// and the live event feed with reconnection.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Keepalive defaults.
const (
	DefaultPingInterval = 54 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteWait    = 10 * time.Second
)

// ErrClientClosed is returned for calls on a closed client.
var ErrClientClosed = errors.New("websocket client closed")

// JSON-RPC 2.0 request structure.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// JSON-RPC 2.0 message from the server: a response when ID is set, a
// notification otherwise.
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

// RPCError is a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server push.
type Notification struct {
	Method     string
	Params     json.RawMessage
	ReceivedAt time.Time
}

// Options configures a Client.
type Options struct {
	Header       http.Header
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	Dialer       *websocket.Dialer
	Logger       zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Client is one JSON-RPC connection.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	sendCh chan []byte
	log    zerolog.Logger

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan rpcResult
	listeners map[int]chan Notification
	nextSub   int
	closed    bool
	err       error
	done      chan struct{}
}

// Dial connects to url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	conn, resp, err := opts.Dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:      conn,
		opts:      opts,
		sendCh:    make(chan []byte, 256),
		log:       opts.Logger.With().Str("component", "websocket").Logger(),
		nextID:    1,
		pending:   make(map[int64]chan rpcResult),
		listeners: make(map[int]chan Notification),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil while it is up or after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and decodes its result into result (if non-nil).
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := c.send(data); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, c.closeErr())
		}
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(res.result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.closeErr())
	}
}

// Listen registers a notification listener. Call the returned function to
// stop listening. Slow listeners lose notifications rather than block the
// connection.
func (c *Client) Listen() (<-chan Notification, func()) {
	ch := make(chan Notification, 256)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if l, ok := c.listeners[id]; ok {
				delete(c.listeners, id)
				close(l)
			}
		})
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.shutdown(nil)
}

func (c *Client) shutdown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.err = cause
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for id, l := range c.listeners {
		delete(c.listeners, id)
		close(l)
	}
	close(c.done)
	c.mu.Unlock()

	return c.conn.Close()
}

func (c *Client) closeErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClientClosed
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *Client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				_ = c.shutdown(nil)
			} else {
				_ = c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
		// Any frame proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg jsonRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("unparseable frame")
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Int64("id", *msg.ID).Msg("response for unknown request")
			return
		}
		if msg.Error != nil {
			ch <- rpcResult{err: msg.Error}
		} else {
			ch <- rpcResult{result: msg.Result}
		}
		return
	}

	if msg.Method == "" {
		c.log.Warn().Msg("frame is neither response nor notification")
		return
	}

	n := Notification{Method: msg.Method, Params: msg.Params, ReceivedAt: time.Now()}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners {
		select {
		case l <- n:
		default:
			c.log.Warn().Str("method", n.Method).Msg("listener buffer full, dropping notification")
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = c.shutdown(fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}
