package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// SANDBOX GATEWAY EVENTS
// =============================================================================

type RequestAllowedPayload struct {
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id"`
	Method     string `json:"method"`
	Resource   string `json:"resource"`
	Permission string `json:"permission,omitempty"`
	Status     int    `json:"status"`
}

func (RequestAllowedPayload) EventType() EventType { return EventRequestAllowed }

// DenyStage names the gate step that rejected a request.
type DenyStage string

const (
	StageOrigin       DenyStage = "origin"
	StageAuth         DenyStage = "auth"
	StagePluginID     DenyStage = "plugin_id"
	StageInstallation DenyStage = "installation"
	StagePermission   DenyStage = "permission"
	StageRateLimit    DenyStage = "rate_limit"
	StageDispatch     DenyStage = "dispatch"
	StageHandler      DenyStage = "handler"
)

type RequestDeniedPayload struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	Method    string    `json:"method"`
	Resource  string    `json:"resource,omitempty"`
	Stage     DenyStage `json:"stage"`
	Status    int       `json:"status"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
}

func (RequestDeniedPayload) EventType() EventType { return EventRequestDenied }

type PermissionBypassedPayload struct {
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

func (PermissionBypassedPayload) EventType() EventType { return EventPermissionBypassed }

// =============================================================================
// BRIDGE EVENTS
// =============================================================================

type BridgeConnectedPayload struct {
	HostID       string   `json:"host_id"`
	UserID       string   `json:"user_id"`
	Origins      []string `json:"origins"`
	TargetOrigin string   `json:"target_origin"`
	Opaque       bool     `json:"opaque"`
}

func (BridgeConnectedPayload) EventType() EventType { return EventBridgeConnected }

type BridgeDisconnectedPayload struct {
	HostID string `json:"host_id"`
	Reason string `json:"reason,omitempty"`
}

func (BridgeDisconnectedPayload) EventType() EventType { return EventBridgeDisconnected }

type BridgeCallPayload struct {
	HostID     string        `json:"host_id"`
	CallID     string        `json:"call_id"`
	Capability string        `json:"capability"`
	OK         bool          `json:"ok"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (BridgeCallPayload) EventType() EventType { return EventBridgeCall }

type FrameResizePayload struct {
	HostID string `json:"host_id"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height"`
}

func (FrameResizePayload) EventType() EventType { return EventFrameResize }

// NotificationKind is the severity of a plugin notification.
type NotificationKind string

const (
	NotificationInfo    NotificationKind = "info"
	NotificationSuccess NotificationKind = "success"
	NotificationWarning NotificationKind = "warning"
	NotificationError   NotificationKind = "error"
)

type NotificationPayload struct {
	HostID  string           `json:"host_id"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Kind    NotificationKind `json:"type"`
}

func (NotificationPayload) EventType() EventType { return EventNotificationShown }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedPluginEvent(source EventSource, payload EventPayload, pluginID string) Event {
	return Event{
		ID:        generateEventID(),
		PluginID:  pluginID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTypedUserEvent creates an event scoped to a plugin and the user it
// acted for. Bridge hosts only forward events of their own user.
func NewTypedUserEvent(source EventSource, payload EventPayload, pluginID, userID string) Event {
	e := NewTypedPluginEvent(source, payload, pluginID)
	e.UserID = userID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetRequestDeniedPayload(e Event) (RequestDeniedPayload, bool) {
	return ExtractPayload[RequestDeniedPayload](e)
}

func GetRequestAllowedPayload(e Event) (RequestAllowedPayload, bool) {
	return ExtractPayload[RequestAllowedPayload](e)
}

func GetFrameResizePayload(e Event) (FrameResizePayload, bool) {
	return ExtractPayload[FrameResizePayload](e)
}

func GetNotificationPayload(e Event) (NotificationPayload, bool) {
	return ExtractPayload[NotificationPayload](e)
}
