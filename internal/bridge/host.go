// Package bridge implements the host side of the plugin frame protocol:
// envelope validation, origin policy, request/response correlation and
// capability dispatch for one mounted plugin frame.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/pluginid"
)

// forwardBuffer is how many forwarded bus events may wait for a busy frame
// before newer ones are dropped.
const forwardBuffer = 64

// State is the lifecycle state of a Host.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Window delivers messages posted to the parent page. The listener
// receives the sender origin and the raw message data.
type Window interface {
	AddMessageListener(fn func(origin string, data []byte)) (remove func())
}

// Frame is the plugin frame's content window.
type Frame interface {
	PostMessage(data []byte, targetOrigin string) error
}

// Options configures a Host.
type Options struct {
	PluginID string
	// UserID is the user the frame is mounted for. Forwarded bus events
	// of other users are dropped.
	UserID            string
	SourceURL         string
	AllowedOrigins    []string
	TargetOrigin      string
	AllowOpaqueOrigin bool
	Production        bool

	// Capabilities are served in addition to the built-ins.
	Capabilities map[string]Handler
	// Proxy enables api.request.
	Proxy Proxy

	Bus           *events.Bus
	ForwardEvents []events.EventType

	// CallTimeout bounds inbound capability handlers. Zero means no bound.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// Host mediates messages between the shell and one plugin frame.
type Host struct {
	id       string
	pluginID string
	userID   string
	frame    Frame
	policy   originPolicy
	handlers map[string]Handler
	proxy    Proxy
	bus      *events.Bus
	timeout  time.Duration
	logger   *slog.Logger

	// ctx is cancelled by Destroy and parents every inbound call.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	pending        map[string]*Call
	removeListener func()
	unsubscribe    func()
}

// NewHost validates opts, registers a message listener on window and
// returns an active Host.
func NewHost(window Window, frame Frame, opts Options) (*Host, error) {
	if window == nil || frame == nil {
		return nil, errors.New("bridge: window and frame are required")
	}
	id, err := pluginid.Parse(opts.PluginID)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostID := uuid.NewString()
	logger = logger.With("plugin_id", string(id), "host_id", hostID)

	policy, err := resolveOrigins(opts, logger)
	if err != nil {
		return nil, err
	}
	handlers, err := mergeHandlers(opts.Proxy != nil, opts.Capabilities)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		id:       hostID,
		pluginID: string(id),
		userID:   opts.UserID,
		frame:    frame,
		policy:   policy,
		handlers: handlers,
		proxy:    opts.Proxy,
		bus:      opts.Bus,
		timeout:  opts.CallTimeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateUninitialized,
		pending:  make(map[string]*Call),
	}

	remove := window.AddMessageListener(h.HandleMessage)

	var unsubscribe func()
	if h.bus != nil && len(opts.ForwardEvents) > 0 {
		var ch <-chan events.Event
		ch, unsubscribe = h.bus.SubscribeChan(forwardBuffer, opts.ForwardEvents...)
		go h.forwardLoop(ch)
	}

	h.mu.Lock()
	h.removeListener = remove
	h.unsubscribe = unsubscribe
	h.state = StateActive
	h.mu.Unlock()

	logger.Info("bridge host active",
		"origins", policy.origins(),
		"opaque", policy.opaque,
		"target_origin", policy.target,
	)
	return h, nil
}

// ID returns the host instance id.
func (h *Host) ID() string { return h.id }

// PluginID returns the validated plugin id.
func (h *Host) PluginID() string { return h.pluginID }

// TargetOrigin returns the origin outbound messages are posted with.
func (h *Host) TargetOrigin() string { return h.policy.target }

// Origins returns the allowed sender origins, excluding the opaque origin.
func (h *Host) Origins() []string { return h.policy.origins() }

// Opaque reports whether messages from the opaque origin are accepted.
func (h *Host) Opaque() bool { return h.policy.opaque }

// State returns the lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Pending returns the number of unsettled outbound calls.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// HandleMessage processes one inbound message. Messages from disallowed
// origins, malformed envelopes, unmatched results and anything received
// after Destroy are dropped.
func (h *Host) HandleMessage(origin string, data []byte) {
	if !h.policy.allows(origin) {
		h.logger.Debug("bridge: dropped message from disallowed origin", "origin", origin)
		return
	}
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		h.logger.Debug("bridge: dropped malformed message", "origin", origin, "error", err)
		return
	}
	if h.State() != StateActive {
		h.logger.Debug("bridge: dropped message after destroy", "kind", env.Kind)
		return
	}

	switch env.Kind {
	case KindResult:
		var callErr error
		if !*env.OK {
			callErr = env.Error
		}
		if !h.settle(env.ID, env.Value, callErr) {
			h.logger.Debug("bridge: dropped result without pending call", "id", env.ID)
		}
	case KindCall:
		h.dispatch(env)
	case KindEvent:
		h.logger.Debug("bridge: dropped event from plugin", "name", env.Name)
	}
}

// Invoke posts a call to the plugin frame. The returned Call settles on
// the matching result, after timeout (when positive), when ctx is done,
// on Cancel or on Destroy.
func (h *Host) Invoke(ctx context.Context, capability string, args any, timeout time.Duration) *Call {
	id := uuid.NewString()
	env, err := NewCall(id, capability, args)
	if err != nil {
		return settledCall(capability, InvalidArgs("encode args: %v", err))
	}
	data, err := MarshalEnvelope(env)
	if err != nil {
		return settledCall(capability, InvalidArgs("encode call: %v", err))
	}

	c := newCall(h, id, capability)

	h.mu.Lock()
	if h.state != StateActive {
		h.mu.Unlock()
		return settledCall(capability, ErrDestroyed)
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() { h.settle(id, nil, ErrTimeout) })
	}
	if ctx.Done() != nil {
		c.stopCtx = context.AfterFunc(ctx, func() { h.settle(id, nil, ctx.Err()) })
	}
	h.pending[id] = c
	h.mu.Unlock()

	if err := h.frame.PostMessage(data, h.policy.target); err != nil {
		h.settle(id, nil, &Error{Code: CodeNetwork, Message: err.Error()})
	}
	return c
}

// Emit posts an event to the plugin frame.
func (h *Host) Emit(name string, payload any) error {
	if h.State() != StateActive {
		return ErrDestroyed
	}
	env, err := NewEvent(name, payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}
	data, err := MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}
	return h.frame.PostMessage(data, h.policy.target)
}

// Destroy removes the listener, aborts inbound calls and rejects every
// pending outbound call with ErrDestroyed. It is idempotent.
func (h *Host) Destroy() {
	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return
	}
	h.state = StateDestroyed
	pending := h.pending
	h.pending = make(map[string]*Call)
	remove, unsubscribe := h.removeListener, h.unsubscribe
	h.removeListener, h.unsubscribe = nil, nil
	h.mu.Unlock()

	if remove != nil {
		remove()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	h.cancel()

	for _, c := range pending {
		c.finish(nil, ErrDestroyed)
	}
	h.logger.Info("bridge host destroyed", "rejected", len(pending))
}

// settle removes the pending call id and completes it. It reports whether
// a call was pending.
func (h *Host) settle(id string, value json.RawMessage, err error) bool {
	h.mu.Lock()
	c, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	c.finish(value, err)
	return true
}

// dispatch serves an inbound call on its own goroutine and posts the
// result. Results of calls aborted by Destroy are still posted so the
// plugin can settle its own pending request.
func (h *Host) dispatch(env Envelope) {
	handler, ok := h.handlers[env.Capability]
	if !ok {
		h.reply(env.ID, nil, &Error{Code: CodeUnknownCapability, Message: "unknown capability: " + env.Capability})
		return
	}

	ctx, cancel := h.ctx, context.CancelFunc(func() {})
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	}

	go func() {
		defer cancel()
		start := time.Now()

		value, err := h.run(ctx, handler, env)
		if err != nil && ctx.Err() != nil {
			var be *Error
			if !errors.As(err, &be) || be.Code == CodeInternal {
				err = aborted()
			}
		}
		code := h.reply(env.ID, value, err)

		h.publish(events.BridgeCallPayload{
			HostID:     h.id,
			CallID:     env.ID,
			Capability: env.Capability,
			OK:         code == "",
			ErrorCode:  code,
			Duration:   time.Since(start),
		})
	}()
}

func (h *Host) run(ctx context.Context, handler Handler, env Envelope) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("bridge: capability panicked", "capability", env.Capability, "panic", r)
			value, err = nil, &Error{Code: CodeInternal, Message: "internal error"}
		}
	}()
	return handler(ctx, h, env.Args)
}

// reply posts the result of an inbound call and returns the error code
// sent, or "" on success.
func (h *Host) reply(id string, value any, err error) string {
	var env Envelope
	if err == nil {
		var encErr error
		env, encErr = NewResult(id, value)
		if encErr != nil {
			h.logger.Error("bridge: encode result", "id", id, "error", encErr)
			err = encErr
		}
	}
	if err != nil {
		var be *Error
		if !errors.As(err, &be) {
			h.logger.Error("bridge: capability failed", "id", id, "error", err)
			be = &Error{Code: CodeInternal, Message: "internal error"}
		}
		env = NewErrorResult(id, be)
	}

	data, mErr := MarshalEnvelope(env)
	if mErr != nil {
		h.logger.Error("bridge: marshal result", "id", id, "error", mErr)
		return CodeInternal
	}
	if pErr := h.frame.PostMessage(data, h.policy.target); pErr != nil {
		h.logger.Debug("bridge: post result failed", "id", id, "error", pErr)
	}
	if env.Error != nil {
		return env.Error.Code
	}
	return ""
}

// forwardLoop emits forwarded bus events in publish order until Destroy.
func (h *Host) forwardLoop(ch <-chan events.Event) {
	for {
		select {
		case e := <-ch:
			h.forward(e)
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Host) forward(e events.Event) {
	if e.PluginID != "" && e.PluginID != h.pluginID {
		return
	}
	if e.UserID != h.userID {
		return
	}
	if err := h.Emit(string(e.Type), e.Payload); err != nil && !errors.Is(err, ErrDestroyed) {
		h.logger.Debug("bridge: forward event failed", "event", e.Type, "error", err)
	}
}

func (h *Host) publish(payload events.EventPayload) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.NewTypedUserEvent(events.SourceBridge, payload, h.pluginID, h.userID))
}
