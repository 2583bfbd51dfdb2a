package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates envelope variants.
type Kind string

const (
	KindCall   Kind = "call"
	KindResult Kind = "result"
	KindEvent  Kind = "event"
)

// ProtocolVersion is reported by the handshake capability.
const ProtocolVersion = "1.0.0"

// ErrInvalidEnvelope is returned for messages that match no envelope variant.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the message exchanged between a host and a plugin frame.
//
//	{id, kind:"call", capability, args}
//	{id, kind:"result", ok:true, value}
//	{id, kind:"result", ok:false, error:{code, message, status?}}
//	{kind:"event", name, payload}
type Envelope struct {
	ID         string          `json:"id,omitempty"`
	Kind       Kind            `json:"kind"`
	Capability string          `json:"capability,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      *Error          `json:"error,omitempty"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate reports whether e has the exact shape of one variant.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindCall:
		if e.ID == "" || e.Capability == "" {
			return fmt.Errorf("%w: call requires id and capability", ErrInvalidEnvelope)
		}
		if e.OK != nil || e.Error != nil || e.Value != nil || e.Name != "" {
			return fmt.Errorf("%w: call carries result or event fields", ErrInvalidEnvelope)
		}
	case KindResult:
		if e.ID == "" || e.OK == nil {
			return fmt.Errorf("%w: result requires id and ok", ErrInvalidEnvelope)
		}
		if e.Capability != "" || e.Name != "" {
			return fmt.Errorf("%w: result carries call or event fields", ErrInvalidEnvelope)
		}
		if *e.OK && e.Error != nil {
			return fmt.Errorf("%w: successful result carries an error", ErrInvalidEnvelope)
		}
		if !*e.OK && (e.Error == nil || e.Error.Code == "" || e.Value != nil) {
			return fmt.Errorf("%w: failed result requires error.code", ErrInvalidEnvelope)
		}
	case KindEvent:
		if e.Name == "" {
			return fmt.Errorf("%w: event requires name", ErrInvalidEnvelope)
		}
		if e.ID != "" || e.Capability != "" || e.OK != nil || e.Error != nil {
			return fmt.Errorf("%w: event carries call or result fields", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// MarshalEnvelope serializes an Envelope to JSON bytes.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes and validates an Envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// NewCall creates a call envelope.
func NewCall(id, capability string, args any) (Envelope, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Kind: KindCall, Capability: capability, Args: data}, nil
}

// NewResult creates a successful result envelope.
func NewResult(id string, value any) (Envelope, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, err
	}
	ok := true
	return Envelope{ID: id, Kind: KindResult, OK: &ok, Value: data}, nil
}

// NewErrorResult creates a failed result envelope.
func NewErrorResult(id string, e *Error) Envelope {
	ok := false
	return Envelope{ID: id, Kind: KindResult, OK: &ok, Error: e}
}

// NewEvent creates an event envelope.
func NewEvent(name string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindEvent, Name: name, Payload: data}, nil
}
