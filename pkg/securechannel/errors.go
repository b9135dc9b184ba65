package securechannel

import (
	"errors"
	"fmt"

	"github.com/backkem/yubihsm/pkg/message"
)

// Kind classifies secure channel failures.
type Kind int

const (
	// KindUnknown is not produced by this package.
	KindUnknown Kind = iota

	// KindKeyLengthInvalid indicates a static or session key of the wrong size.
	KindKeyLengthInvalid

	// KindAuthenticationFailed indicates a cryptogram or MAC mismatch.
	// It is always fatal to the channel.
	KindAuthenticationFailed

	// KindFramingError indicates a malformed or oversized message.
	KindFramingError

	// KindCounterExhausted indicates the message counter reached its limit.
	KindCounterExhausted

	// KindTransportError wraps timeouts and connection failures.
	KindTransportError

	// KindProtocolStateError indicates an operation not valid in the current state.
	KindProtocolStateError
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindKeyLengthInvalid:
		return "KeyLengthInvalid"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindFramingError:
		return "FramingError"
	case KindCounterExhausted:
		return "CounterExhausted"
	case KindTransportError:
		return "TransportError"
	case KindProtocolStateError:
		return "ProtocolStateError"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the kind is a defined value.
func (k Kind) IsValid() bool {
	return k >= KindKeyLengthInvalid && k <= KindProtocolStateError
}

// Sentinel errors, one per Kind. An *Error matches the sentinel of its kind
// with errors.Is.
var (
	ErrKeyLengthInvalid     = errors.New("securechannel: invalid key length")
	ErrAuthenticationFailed = errors.New("securechannel: authentication failed")
	ErrFraming              = errors.New("securechannel: framing error")
	ErrCounterExhausted     = errors.New("securechannel: message counter exhausted")
	ErrTransport            = errors.New("securechannel: transport error")
	ErrProtocolState        = errors.New("securechannel: invalid protocol state")
)

// sentinel returns the package error matching the kind.
func (k Kind) sentinel() error {
	switch k {
	case KindKeyLengthInvalid:
		return ErrKeyLengthInvalid
	case KindAuthenticationFailed:
		return ErrAuthenticationFailed
	case KindFramingError:
		return ErrFraming
	case KindCounterExhausted:
		return ErrCounterExhausted
	case KindTransportError:
		return ErrTransport
	case KindProtocolStateError:
		return ErrProtocolState
	default:
		return nil
	}
}

// Error is a classified secure channel failure.
// Detail carries lengths and identifiers only, never key material.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed, e.g. "wrap command".
	Op string

	// Detail is an optional diagnostic message.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "securechannel: " + e.Op + ": " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of err, or KindUnknown if err is not a
// secure channel error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k := KindKeyLengthInvalid; k <= KindProtocolStateError; k++ {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// TransportFailure wraps a connector error as a KindTransportError.
func TransportFailure(op string, err error) error {
	return &Error{Kind: KindTransportError, Op: op, Err: err}
}

// deviceFailure classifies an error response received from the device.
func deviceFailure(op string, devErr *message.DeviceError) *Error {
	kind := KindProtocolStateError
	if devErr.Code == message.ErrorAuthenticationFailed {
		kind = KindAuthenticationFailed
	}
	return &Error{Kind: kind, Op: op, Detail: "device rejected message", Err: devErr}
}
