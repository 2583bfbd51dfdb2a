package ws

import (
	"encoding/json"
	"errors"
)

// ErrEmptyFrame is returned for relay frames without data.
var ErrEmptyFrame = errors.New("relay frame has no data")

// Frame is the relay envelope exchanged with the shell page. Inbound
// frames carry the MessageEvent.origin the shell observed; outbound frames
// carry the origin the shell must pass to postMessage on the plugin frame.
type Frame struct {
	Origin       string          `json:"origin,omitempty"`
	TargetOrigin string          `json:"targetOrigin,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if len(f.Data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	return f, nil
}

// NewInboundFrame wraps a message the shell received from the plugin frame.
func NewInboundFrame(origin string, data []byte) Frame {
	return Frame{Origin: origin, Data: data}
}

// NewOutboundFrame wraps a message the shell must post into the plugin frame.
func NewOutboundFrame(targetOrigin string, data []byte) Frame {
	return Frame{TargetOrigin: targetOrigin, Data: data}
}
