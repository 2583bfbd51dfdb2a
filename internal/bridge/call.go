package bridge

import (
	"context"
	"encoding/json"
	"time"
)

// Call is a pending host-to-plugin invocation. It settles exactly once, on
// the first of: matching result, timeout, context cancellation, Cancel or
// host Destroy.
type Call struct {
	ID         string
	Capability string
	Created    time.Time

	host *Host
	done chan struct{}

	// Set before the call is published to the pending table.
	timer   *time.Timer
	stopCtx func() bool

	// Written once by finish before done is closed.
	value json.RawMessage
	err   error
}

func newCall(h *Host, id, capability string) *Call {
	return &Call{
		ID:         id,
		Capability: capability,
		Created:    time.Now(),
		host:       h,
		done:       make(chan struct{}),
	}
}

func settledCall(capability string, err error) *Call {
	c := &Call{Capability: capability, Created: time.Now(), done: make(chan struct{})}
	c.err = err
	close(c.done)
	return c
}

func (c *Call) finish(value json.RawMessage, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.stopCtx != nil {
		c.stopCtx()
	}
	c.value = value
	c.err = err
	close(c.done)
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx is done. Giving up on ctx
// does not settle the call; use Cancel for that.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the call settles.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.value, c.err
}

// Decode waits for the call and unmarshals a successful value into v.
func (c *Call) Decode(ctx context.Context, v any) error {
	value, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		return nil
	}
	return json.Unmarshal(value, v)
}

// Cancel settles a still-pending call with ErrCancelled.
func (c *Call) Cancel() {
	if c.host != nil {
		c.host.settle(c.ID, nil, ErrCancelled)
	}
}
