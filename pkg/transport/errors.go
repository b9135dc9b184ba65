package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed connector.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when the connector address cannot be used.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrTimeout is returned when a send or receive exceeds the configured timeout.
	ErrTimeout = errors.New("transport: timeout")

	// ErrNoPendingResponse is returned by Receive when no message was sent.
	ErrNoPendingResponse = errors.New("transport: no response pending")

	// ErrMessageTooLarge is returned before any I/O when an outgoing message
	// exceeds message.MaxMessageSize.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrResponseTooLarge is returned when the peer sends more than
	// message.MaxMessageSize bytes.
	ErrResponseTooLarge = errors.New("transport: response too large")

	// ErrUnexpectedStatus is returned when the connector answers with a
	// non-success HTTP status.
	ErrUnexpectedStatus = errors.New("transport: unexpected HTTP status")

	// ErrUntaggedMessage is returned when a Pipe endpoint reads a message
	// shorter than its exchange tag.
	ErrUntaggedMessage = errors.New("transport: pipe message without exchange tag")

	// ErrDeviceNotFound is returned when no matching USB device is attached.
	ErrDeviceNotFound = errors.New("transport: device not found")

	// ErrMultipleDevices is returned when no serial number was given and
	// more than one device is attached.
	ErrMultipleDevices = errors.New("transport: multiple devices attached, serial number required")
)
