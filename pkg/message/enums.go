// Package message implements the YubiHSM2 APDU framing.
// Every message exchanged with the device, whether a plaintext bootstrap
// command or an encrypted session message, shares the same outer layout:
//
//	code(1) || length(2, big-endian) || data(length)
//
// The package provides:
//   - Command and response code enumerations
//   - Device error codes and their Go error representation
//   - Header parsing and size limits
//   - Command/Response encoding and decoding
package message

import "fmt"

// CommandCode identifies an HSM command.
// See https://developers.yubico.com/YubiHSM2/Commands/.
type CommandCode uint8

const (
	// CommandEcho echoes the command data back.
	CommandEcho CommandCode = 0x01

	// CommandCreateSession starts the secure channel handshake.
	CommandCreateSession CommandCode = 0x03

	// CommandAuthenticateSession completes the secure channel handshake.
	CommandAuthenticateSession CommandCode = 0x04

	// CommandSessionMessage carries an encrypted and MAC'd inner command.
	CommandSessionMessage CommandCode = 0x05

	// CommandDeviceInfo returns version, serial and algorithm information.
	CommandDeviceInfo CommandCode = 0x06

	// CommandCloseSession closes the current session.
	CommandCloseSession CommandCode = 0x40

	// CommandGetStorageInfo returns object storage usage.
	CommandGetStorageInfo CommandCode = 0x41

	// CommandGetPseudoRandom returns bytes from the device DRBG.
	CommandGetPseudoRandom CommandCode = 0x51

	// CommandBlinkDevice blinks the device LED.
	CommandBlinkDevice CommandCode = 0x6B

	// CommandError is the code used by the device for error responses.
	CommandError CommandCode = 0x7F
)

// String returns a human-readable name for the command code.
func (c CommandCode) String() string {
	switch c {
	case CommandEcho:
		return "Echo"
	case CommandCreateSession:
		return "CreateSession"
	case CommandAuthenticateSession:
		return "AuthenticateSession"
	case CommandSessionMessage:
		return "SessionMessage"
	case CommandDeviceInfo:
		return "DeviceInfo"
	case CommandCloseSession:
		return "CloseSession"
	case CommandGetStorageInfo:
		return "GetStorageInfo"
	case CommandGetPseudoRandom:
		return "GetPseudoRandom"
	case CommandBlinkDevice:
		return "BlinkDevice"
	case CommandError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(c))
	}
}

// ResponseCode returns the code of a successful response to this command.
func (c CommandCode) ResponseCode() ResponseCode {
	return ResponseCode(c) | responseFlag
}

// ResponseCode identifies a response message.
// Successful responses carry the command code with the high bit set;
// failures use ResponseError.
type ResponseCode uint8

// responseFlag is set on the code of every successful response.
const responseFlag ResponseCode = 0x80

// ResponseError is the response code for device errors.
const ResponseError = ResponseCode(CommandError)

// IsSuccess returns true if the code denotes a successful response.
func (r ResponseCode) IsSuccess() bool {
	return r&responseFlag != 0
}

// Command returns the command code this response answers.
// Returns CommandError for error responses.
func (r ResponseCode) Command() CommandCode {
	if !r.IsSuccess() {
		return CommandError
	}
	return CommandCode(r &^ responseFlag)
}

// String returns a human-readable name for the response code.
func (r ResponseCode) String() string {
	if !r.IsSuccess() {
		if r == ResponseError {
			return "Error"
		}
		return fmt.Sprintf("Unknown(0x%02x)", uint8(r))
	}
	return r.Command().String() + "Response"
}

// ErrorCode is a device-reported error.
type ErrorCode uint8

// Device error codes.
const (
	ErrorOK                      ErrorCode = 0x00
	ErrorInvalidCommand          ErrorCode = 0x01
	ErrorInvalidData             ErrorCode = 0x02
	ErrorInvalidSession          ErrorCode = 0x03
	ErrorAuthenticationFailed    ErrorCode = 0x04
	ErrorSessionsFull            ErrorCode = 0x05
	ErrorSessionFailed           ErrorCode = 0x06
	ErrorStorageFailed           ErrorCode = 0x07
	ErrorWrongLength             ErrorCode = 0x08
	ErrorInsufficientPermissions ErrorCode = 0x09
	ErrorLogFull                 ErrorCode = 0x0A
	ErrorObjectNotFound          ErrorCode = 0x0B
	ErrorInvalidID               ErrorCode = 0x0C
	ErrorSSHCAConstraint         ErrorCode = 0x0E
	ErrorInvalidOTP              ErrorCode = 0x0F
	ErrorDemoMode                ErrorCode = 0x10
	ErrorObjectExists            ErrorCode = 0x11
	ErrorCommandUnexecuted       ErrorCode = 0xFF
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrorOK:
		return "ok"
	case ErrorInvalidCommand:
		return "invalid command"
	case ErrorInvalidData:
		return "invalid data"
	case ErrorInvalidSession:
		return "invalid session"
	case ErrorAuthenticationFailed:
		return "authentication failed"
	case ErrorSessionsFull:
		return "sessions full"
	case ErrorSessionFailed:
		return "session failed"
	case ErrorStorageFailed:
		return "storage failed"
	case ErrorWrongLength:
		return "wrong length"
	case ErrorInsufficientPermissions:
		return "insufficient permissions"
	case ErrorLogFull:
		return "log full"
	case ErrorObjectNotFound:
		return "object not found"
	case ErrorInvalidID:
		return "invalid ID"
	case ErrorSSHCAConstraint:
		return "SSH CA constraint violation"
	case ErrorInvalidOTP:
		return "invalid OTP"
	case ErrorDemoMode:
		return "demo mode"
	case ErrorObjectExists:
		return "object exists"
	case ErrorCommandUnexecuted:
		return "command unexecuted"
	default:
		return fmt.Sprintf("unknown error 0x%02x", uint8(e))
	}
}
