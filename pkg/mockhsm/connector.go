package mockhsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/backkem/yubihsm/pkg/transport"
)

// Connector is an in-process transport.Connector bound to an HSM.
type Connector struct {
	hsm *HSM

	// Intercept, if set, may rewrite every outer response before it is
	// returned. Tests use it to inject faults.
	Intercept func(rsp []byte) []byte

	mu      sync.Mutex
	pending []byte
	hasResp bool
	closed  bool
}

// NewConnector returns a connector that delivers messages to h.
func NewConnector(h *HSM) *Connector {
	return &Connector{hsm: h}
}

// Send hands msg to the simulated device and buffers its answer.
func (c *Connector) Send(ctx context.Context, msg []byte) error {
	if len(msg) > message.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(msg))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rsp := c.hsm.Handle(msg)
	if c.Intercept != nil {
		rsp = c.Intercept(rsp)
	}
	c.pending, c.hasResp = rsp, true
	return nil
}

// Receive returns the answer to the last Send.
func (c *Connector) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if !c.hasResp {
		return nil, transport.ErrNoPendingResponse
	}
	rsp := c.pending
	c.pending, c.hasResp = nil, false
	return rsp, nil
}

// Reset drops a buffered answer.
func (c *Connector) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	c.pending, c.hasResp = nil, false
	return nil
}

// Close closes the connector. The HSM keeps running.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending, c.hasResp = nil, false
	return nil
}
