package bridge

import (
	"context"
	"encoding/json"
)

// PluginBridge is the plugin-side counterpart of Host. It issues call
// envelopes, settles them from result envelopes matched by id, and
// delivers host events to listeners. clients/ws implements it over the
// bridge relay.
type PluginBridge interface {
	// Call invokes a host capability and waits for its result. Failed
	// results are returned as *Error.
	Call(ctx context.Context, capability string, args any) (json.RawMessage, error)
	// OnEvent registers fn for host events named name. The returned func
	// removes the registration.
	OnEvent(name string, fn func(payload json.RawMessage)) (remove func())
	// Handle serves host-initiated calls for capability.
	Handle(capability string, fn func(ctx context.Context, args json.RawMessage) (any, error))
	// Close rejects pending calls and releases the transport.
	Close() error
}
