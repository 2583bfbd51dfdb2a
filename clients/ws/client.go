// Package ws is a plugin-side bridge that talks to a Newgate bridge relay.
// It plays the part of the shell page and the plugin frame at once: calls
// are sent as inbound relay frames stamped with the frame's origin, and
// results, events and host calls arrive as outbound frames.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dohr-michael/newgate/internal/bridge"
	wsprotocol "github.com/dohr-michael/newgate/internal/gateway/ws"
)

// ErrClosed is returned by calls made on, or pending at, a closed client.
var ErrClosed = errors.New("relay client closed")

// Options configures Dial.
type Options struct {
	// URL is the relay endpoint, e.g. ws://127.0.0.1:18420/api/bridge/demo-app.
	URL string
	// FrameOrigin is the origin the shell reports for plugin messages.
	FrameOrigin string
	// AppOrigin is sent as the Origin header of the upgrade request.
	AppOrigin string
	// Cookie carries the user session, e.g. "newgate_session=...".
	Cookie string
	// FrameToken, when set, is appended as the frame_token query parameter.
	FrameToken string
	Logger     *slog.Logger
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Client implements bridge.PluginBridge over a relay connection.
type Client struct {
	conn   *websocket.Conn
	origin string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	pending   map[string]chan bridge.Envelope
	listeners map[string]map[int]func(json.RawMessage)
	nextID    int
	handlers  map[string]handlerFunc
}

var _ bridge.PluginBridge = (*Client)(nil)

// Dial connects to the relay and starts reading frames.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if opts.FrameToken != "" {
		q := target.Query()
		q.Set(wsprotocol.FrameTokenParam, opts.FrameToken)
		target.RawQuery = q.Encode()
	}
	header := http.Header{}
	if opts.AppOrigin != "" {
		header.Set("Origin", opts.AppOrigin)
	}
	if opts.Cookie != "" {
		header.Set("Cookie", opts.Cookie)
	}

	conn, _, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:      conn,
		origin:    opts.FrameOrigin,
		ctx:       clientCtx,
		cancel:    cancel,
		logger:    logger,
		done:      make(chan struct{}),
		pending:   make(map[string]chan bridge.Envelope),
		listeners: make(map[string]map[int]func(json.RawMessage)),
		handlers:  make(map[string]handlerFunc),
	}
	go c.readLoop()
	return c, nil
}

// Call implements bridge.PluginBridge.
func (c *Client) Call(ctx context.Context, capability string, args any) (json.RawMessage, error) {
	id := uuid.NewString()
	env, err := bridge.NewCall(id, capability, args)
	if err != nil {
		return nil, bridge.InvalidArgs("encode args: %v", err)
	}

	ch := make(chan bridge.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.post(ctx, env); err != nil {
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !*res.OK {
			return nil, res.Error
		}
		return res.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnEvent implements bridge.PluginBridge.
func (c *Client) OnEvent(name string, fn func(payload json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	key := c.nextID
	if c.listeners[name] == nil {
		c.listeners[name] = make(map[int]func(json.RawMessage))
	}
	c.listeners[name][key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[name], key)
	}
}

// Handle implements bridge.PluginBridge.
func (c *Client) Handle(capability string, fn func(ctx context.Context, args json.RawMessage) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[capability] = fn
}

// Close implements bridge.PluginBridge. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.done
	return err
}

// Done is closed when the connection stops reading.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) post(ctx context.Context, env bridge.Envelope) error {
	data, err := bridge.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	msg, err := wsprotocol.MarshalFrame(wsprotocol.NewInboundFrame(c.origin, data))
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return &bridge.Error{Code: bridge.CodeNetwork, Message: err.Error()}
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.shutdown()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.ctx.Err() == nil {
				c.logger.Debug("relay read ended", "error", err)
			}
			return
		}
		frame, err := wsprotocol.UnmarshalFrame(data)
		if err != nil {
			c.logger.Debug("dropped malformed relay frame", "error", err)
			continue
		}
		env, err := bridge.UnmarshalEnvelope(frame.Data)
		if err != nil {
			c.logger.Debug("dropped malformed envelope", "error", err)
			continue
		}
		c.route(env)
	}
}

// shutdown fails pending calls once the connection is gone.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) route(env bridge.Envelope) {
	switch env.Kind {
	case bridge.KindResult:
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	case bridge.KindEvent:
		c.mu.Lock()
		fns := make([]func(json.RawMessage), 0, len(c.listeners[env.Name]))
		for _, fn := range c.listeners[env.Name] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(env.Payload)
		}
	case bridge.KindCall:
		go c.serve(env)
	}
}

func (c *Client) serve(env bridge.Envelope) {
	c.mu.Lock()
	fn, ok := c.handlers[env.Capability]
	c.mu.Unlock()

	var reply bridge.Envelope
	if !ok {
		reply = bridge.NewErrorResult(env.ID, &bridge.Error{
			Code:    bridge.CodeUnknownCapability,
			Message: "unknown capability: " + env.Capability,
		})
	} else if value, err := fn(c.ctx, env.Args); err != nil {
		var be *bridge.Error
		if !errors.As(err, &be) {
			be = &bridge.Error{Code: bridge.CodeInternal, Message: err.Error()}
		}
		reply = bridge.NewErrorResult(env.ID, be)
	} else if reply, err = bridge.NewResult(env.ID, value); err != nil {
		reply = bridge.NewErrorResult(env.ID, &bridge.Error{Code: bridge.CodeInternal, Message: err.Error()})
	}

	if err := c.post(c.ctx, reply); err != nil {
		c.logger.Debug("relay reply failed", "id", env.ID, "error", err)
	}
}
