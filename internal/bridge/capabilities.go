package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dohr-michael/newgate/internal/events"
)

// Built-in capability names.
const (
	CapHandshake     = "bridge.handshake"
	CapAPIRequest    = "api.request"
	CapResize        = "frame.resize"
	CapNotifications = "notifications.show"
)

// MaxFrameDimension bounds resize requests, in CSS pixels.
const MaxFrameDimension = 20000

// Handler serves one capability for calls coming from the plugin frame.
// Returning an *Error sends it to the plugin as is; any other error is
// reported as INTERNAL.
type Handler func(ctx context.Context, h *Host, args json.RawMessage) (any, error)

// Validator is implemented by argument types that check themselves.
type Validator interface {
	Validate() error
}

// Typed adapts a handler taking decoded arguments. Decoding or validation
// failures are reported as INVALID_ARGS.
func Typed[A any, R any](fn func(ctx context.Context, h *Host, args A) (R, error)) Handler {
	return func(ctx context.Context, h *Host, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, InvalidArgs("decode args: %v", err)
			}
		}
		if v, ok := any(&args).(Validator); ok {
			if err := v.Validate(); err != nil {
				var be *Error
				if errors.As(err, &be) {
					return nil, be
				}
				return nil, InvalidArgs("%v", err)
			}
		}
		return fn(ctx, h, args)
	}
}

// HandshakeResult answers bridge.handshake.
type HandshakeResult struct {
	Version      string   `json:"version"`
	PluginID     string   `json:"pluginId"`
	Capabilities []string `json:"capabilities"`
}

// ResizeArgs requests a new frame size.
type ResizeArgs struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height"`
}

func (a *ResizeArgs) Validate() error {
	if a.Height <= 0 || a.Height > MaxFrameDimension {
		return fmt.Errorf("height must be between 1 and %d", MaxFrameDimension)
	}
	if a.Width < 0 || a.Width > MaxFrameDimension {
		return fmt.Errorf("width must be between 0 and %d", MaxFrameDimension)
	}
	return nil
}

// NotificationArgs asks the shell to show a notification.
type NotificationArgs struct {
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
	Type    events.NotificationKind `json:"type,omitempty"`
}

func (a *NotificationArgs) Validate() error {
	if a.Message == "" {
		return errors.New("message is required")
	}
	if len(a.Title) > 200 || len(a.Message) > 2000 {
		return errors.New("title or message too long")
	}
	switch a.Type {
	case "":
		a.Type = events.NotificationInfo
	case events.NotificationInfo, events.NotificationSuccess, events.NotificationWarning, events.NotificationError:
	default:
		return fmt.Errorf("unknown notification type %q", a.Type)
	}
	return nil
}

func builtinHandlers(withProxy bool) map[string]Handler {
	m := map[string]Handler{
		CapHandshake:     handshake,
		CapResize:        Typed(resize),
		CapNotifications: Typed(notify),
	}
	if withProxy {
		m[CapAPIRequest] = Typed(apiRequest)
	}
	return m
}

// mergeHandlers adds extra capabilities to the built-ins. Overriding a
// built-in is an error.
func mergeHandlers(withProxy bool, extra map[string]Handler) (map[string]Handler, error) {
	m := builtinHandlers(withProxy)
	for name, fn := range extra {
		if name == "" || fn == nil {
			return nil, fmt.Errorf("bridge: invalid capability registration %q", name)
		}
		if _, exists := m[name]; exists {
			return nil, fmt.Errorf("bridge: capability %q already registered", name)
		}
		m[name] = fn
	}
	return m, nil
}

func handshake(_ context.Context, h *Host, _ json.RawMessage) (any, error) {
	return HandshakeResult{
		Version:      ProtocolVersion,
		PluginID:     h.pluginID,
		Capabilities: slices.Sorted(maps.Keys(h.handlers)),
	}, nil
}

func resize(_ context.Context, h *Host, args ResizeArgs) (any, error) {
	h.publish(events.FrameResizePayload{HostID: h.id, Width: args.Width, Height: args.Height})
	return nil, nil
}

func notify(_ context.Context, h *Host, args NotificationArgs) (any, error) {
	h.publish(events.NotificationPayload{
		HostID:  h.id,
		Title:   args.Title,
		Message: args.Message,
		Kind:    args.Type,
	})
	return nil, nil
}

func apiRequest(ctx context.Context, h *Host, req APIRequest) (any, error) {
	resp, err := h.proxy.Do(ctx, h.pluginID, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, aborted()
		}
		h.logger.Debug("bridge: api request failed", "endpoint", req.Endpoint, "error", err)
		return nil, &Error{Code: CodeNetwork, Message: "gateway unreachable"}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, gatewayError(resp)
	}
	if len(resp.Body) == 0 {
		return nil, nil
	}
	return resp.Body, nil
}
