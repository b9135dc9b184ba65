// Package command implements the typed inner commands carried inside an
// authenticated session.
//
// Each command is a Request/Response pair. A Request encodes its data field;
// Encode frames it as an inner message (code || length || data) ready for
// securechannel.Channel.WrapCommand. Do runs one command over anything that
// can transact inner messages, such as a *session.Session.
//
// Usage:
//
//	var info command.DeviceInfo
//	err := command.Do(ctx, sess, &command.DeviceInfoRequest{}, &info)
//	fmt.Println(info.Version(), info.Serial)
//
// Requests and responses also decode and encode the opposite direction so
// that pkg/mockhsm can serve them.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/backkem/yubihsm/pkg/message"
)

// Command errors.
var (
	ErrInvalidRequest  = errors.New("command: invalid request")
	ErrInvalidResponse = errors.New("command: invalid response")
)

// Request is an inner command.
type Request interface {
	// Code returns the command code.
	Code() message.CommandCode

	// Encode returns the command data field.
	Encode() ([]byte, error)

	// Decode parses the command data field.
	Decode(data []byte) error
}

// Response is the successful answer to a Request.
type Response interface {
	// Encode returns the response data field.
	Encode() ([]byte, error)

	// Decode parses the response data field.
	Decode(data []byte) error
}

// Transactor sends one inner command over an authenticated session and
// returns the inner response.
type Transactor interface {
	Transact(ctx context.Context, inner []byte) ([]byte, error)
}

// Encode frames req as an inner command message.
func Encode(req Request) ([]byte, error) {
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	cmd := message.Command{Code: req.Code(), Data: data}
	return cmd.Encode()
}

// Do sends req and decodes the answer into resp.
// Device errors are returned as *message.DeviceError.
func Do(ctx context.Context, t Transactor, req Request, resp Response) error {
	inner, err := Encode(req)
	if err != nil {
		return err
	}

	raw, err := t.Transact(ctx, inner)
	if err != nil {
		return err
	}

	r, err := message.DecodeResponse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, req.Code(), err)
	}
	if err := r.Expect(req.Code()); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return resp.Decode(r.Data)
}

// New returns an empty request for code, for decoding incoming commands.
// Returns nil for commands this package does not implement.
func New(code message.CommandCode) Request {
	switch code {
	case message.CommandEcho:
		return &EchoRequest{}
	case message.CommandDeviceInfo:
		return &DeviceInfoRequest{}
	case message.CommandCloseSession:
		return &CloseSessionRequest{}
	case message.CommandGetStorageInfo:
		return &StorageInfoRequest{}
	case message.CommandGetPseudoRandom:
		return &PseudoRandomRequest{}
	case message.CommandBlinkDevice:
		return &BlinkRequest{}
	default:
		return nil
	}
}

// EncodeResponse frames resp as the inner answer to code.
func EncodeResponse(code message.CommandCode, resp Response) ([]byte, error) {
	var data []byte
	if resp != nil {
		var err error
		if data, err = resp.Encode(); err != nil {
			return nil, err
		}
	}
	r := message.Response{Code: code.ResponseCode(), Data: data}
	return r.Encode()
}

// wantLength checks a fixed-size data field.
func wantLength(kind error, code message.CommandCode, data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("%w: %s data is %d bytes, want %d", kind, code, len(data), n)
	}
	return nil
}
