// Package transport provides the byte pipes between the host and a YubiHSM2.
//
// A Connector delivers one outer message to the device and returns the
// device's answer without reframing either. Security is provided entirely by
// pkg/securechannel; connectors only bound message sizes and enforce
// timeouts. Three connectors are provided:
//   - HTTPConnector: yubihsm-connector's HTTP API
//   - USBConnector: USB bulk transfers, opened through a USBProvider
//   - PipeConnector: an in-memory peer built on pion's test.Bridge
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/google/uuid"
)

// Connector is a request/response byte pipe to one device.
// Implementations are safe for use by one exchange at a time; callers
// serialize exchanges.
type Connector interface {
	// Send delivers one complete outer message.
	// Returns ErrMessageTooLarge before any I/O if msg exceeds
	// message.MaxMessageSize.
	Send(ctx context.Context, msg []byte) error

	// Receive returns the device's answer to the last message sent.
	Receive(ctx context.Context) ([]byte, error)

	// Reset drops any in-flight data and re-establishes the underlying
	// connection.
	Reset(ctx context.Context) error

	// Close releases the connector.
	Close() error
}

// Exchange sends msg and waits for the answer.
func Exchange(ctx context.Context, c Connector, msg []byte) ([]byte, error) {
	if err := c.Send(ctx, msg); err != nil {
		return nil, err
	}
	return c.Receive(ctx)
}

// checkMessageSize rejects outgoing messages that do not fit one round trip.
func checkMessageSize(msg []byte) error {
	if len(msg) > message.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(msg), message.MaxMessageSize)
	}
	return nil
}

// withTimeout bounds ctx by timeout when timeout is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// timeoutError maps context expiry to ErrTimeout.
func timeoutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx. Connectors log it and the
// HTTP connector forwards it to yubihsm-connector.
func WithRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id attached to ctx, if any.
func RequestIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(requestIDKey{}).(uuid.UUID)
	return id, ok
}

// requestID returns the id attached to ctx or a fresh one.
func requestID(ctx context.Context) uuid.UUID {
	if id, ok := RequestIDFromContext(ctx); ok {
		return id
	}
	return uuid.New()
}

// SerialNumber is a device serial number.
type SerialNumber uint32

// String returns the serial number in the device's 10-digit form.
func (s SerialNumber) String() string {
	return fmt.Sprintf("%010d", uint32(s))
}

// ParseSerialNumber parses a decimal serial number.
func ParseSerialNumber(s string) (SerialNumber, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("transport: invalid serial number %q: %w", s, err)
	}
	return SerialNumber(v), nil
}
