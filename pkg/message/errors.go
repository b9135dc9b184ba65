package message

import (
	"errors"
	"fmt"
)

// Message layer errors.
var (
	ErrMessageTooShort    = errors.New("message: data too short")
	ErrMessageTooLong     = errors.New("message: exceeds maximum size")
	ErrLengthMismatch     = errors.New("message: length field does not match data")
	ErrUnexpectedResponse = errors.New("message: unexpected response code")
)

// DeviceError is returned when the HSM answers with an error response.
type DeviceError struct {
	Code ErrorCode
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("message: device error: %s", e.Code)
}

// Message format constants.
const (
	// HeaderSize is the size of the outer header: code (1) + length (2).
	HeaderSize = 3

	// MaxMessageSize is the largest message, header included, that fits into
	// one transport round trip with the device.
	MaxMessageSize = 2048

	// MaxDataSize is the largest data field of a single message.
	MaxDataSize = MaxMessageSize - HeaderSize
)
