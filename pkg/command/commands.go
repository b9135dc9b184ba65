package command

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/backkem/yubihsm/pkg/securechannel"
)

// MaxInnerDataSize is the largest data field of an inner message.
const MaxInnerDataSize = securechannel.MaxPayloadSize - message.HeaderSize

// EchoRequest asks the device to return Data unchanged.
type EchoRequest struct {
	Data []byte
}

// Code returns CommandEcho.
func (r *EchoRequest) Code() message.CommandCode { return message.CommandEcho }

// Encode returns Data, rejecting data that does not fit one inner message.
func (r *EchoRequest) Encode() ([]byte, error) {
	if len(r.Data) > MaxInnerDataSize {
		return nil, fmt.Errorf("%w: echo data is %d bytes, max %d", ErrInvalidRequest, len(r.Data), MaxInnerDataSize)
	}
	return r.Data, nil
}

// Decode copies the request data.
func (r *EchoRequest) Decode(data []byte) error {
	r.Data = append([]byte(nil), data...)
	return nil
}

// EchoResponse carries the echoed data.
type EchoResponse struct {
	Data []byte
}

// Encode returns the echoed data.
func (r *EchoResponse) Encode() ([]byte, error) { return r.Data, nil }

// Decode copies the echoed data.
func (r *EchoResponse) Decode(data []byte) error {
	r.Data = append([]byte(nil), data...)
	return nil
}

// DeviceInfoRequest asks for the device version and serial number.
type DeviceInfoRequest struct{}

// Code returns CommandDeviceInfo.
func (r *DeviceInfoRequest) Code() message.CommandCode { return message.CommandDeviceInfo }

// Encode returns an empty data field.
func (r *DeviceInfoRequest) Encode() ([]byte, error) { return nil, nil }

// Decode accepts only an empty data field.
func (r *DeviceInfoRequest) Decode(data []byte) error {
	return wantLength(ErrInvalidRequest, r.Code(), data, 0)
}

// deviceInfoFixedSize covers version (3) + serial (4) + log store (2).
const deviceInfoFixedSize = 9

// DeviceInfo describes the device.
type DeviceInfo struct {
	Major, Minor, Build uint8

	Serial uint32

	// LogTotal is the capacity of the audit log and LogUsed the number of
	// entries in it.
	LogTotal, LogUsed uint8

	// Algorithms lists the supported algorithm identifiers.
	Algorithms []uint8
}

// Version returns the firmware version as major.minor.build.
func (d *DeviceInfo) Version() string {
	return fmt.Sprintf("%d.%d.%d", d.Major, d.Minor, d.Build)
}

// Encode returns the device info in the device wire layout.
func (d *DeviceInfo) Encode() ([]byte, error) {
	buf := make([]byte, deviceInfoFixedSize, deviceInfoFixedSize+len(d.Algorithms))
	buf[0], buf[1], buf[2] = d.Major, d.Minor, d.Build
	binary.BigEndian.PutUint32(buf[3:], d.Serial)
	buf[7], buf[8] = d.LogTotal, d.LogUsed
	return append(buf, d.Algorithms...), nil
}

// Decode parses the fixed fields and the trailing algorithm list.
func (d *DeviceInfo) Decode(data []byte) error {
	if len(data) < deviceInfoFixedSize {
		return fmt.Errorf("%w: device info is %d bytes, want at least %d", ErrInvalidResponse, len(data), deviceInfoFixedSize)
	}
	d.Major, d.Minor, d.Build = data[0], data[1], data[2]
	d.Serial = binary.BigEndian.Uint32(data[3:])
	d.LogTotal, d.LogUsed = data[7], data[8]
	d.Algorithms = append([]uint8(nil), data[deviceInfoFixedSize:]...)
	return nil
}

// CloseSessionRequest closes the session it is sent in.
type CloseSessionRequest struct{}

// Code returns CommandCloseSession.
func (r *CloseSessionRequest) Code() message.CommandCode { return message.CommandCloseSession }

// Encode returns an empty data field.
func (r *CloseSessionRequest) Encode() ([]byte, error) { return nil, nil }

// Decode accepts only an empty data field.
func (r *CloseSessionRequest) Decode(data []byte) error {
	return wantLength(ErrInvalidRequest, r.Code(), data, 0)
}

// StorageInfoRequest asks for object storage usage.
type StorageInfoRequest struct{}

// Code returns CommandGetStorageInfo.
func (r *StorageInfoRequest) Code() message.CommandCode { return message.CommandGetStorageInfo }

// Encode returns an empty data field.
func (r *StorageInfoRequest) Encode() ([]byte, error) { return nil, nil }

// Decode accepts only an empty data field.
func (r *StorageInfoRequest) Decode(data []byte) error {
	return wantLength(ErrInvalidRequest, r.Code(), data, 0)
}

const storageInfoSize = 10

// StorageInfo reports object storage usage.
type StorageInfo struct {
	TotalRecords uint16
	FreeRecords  uint16
	TotalPages   uint16
	FreePages    uint16
	PageSize     uint16
}

// Encode returns the five big-endian counters.
func (s *StorageInfo) Encode() ([]byte, error) {
	buf := make([]byte, storageInfoSize)
	binary.BigEndian.PutUint16(buf[0:], s.TotalRecords)
	binary.BigEndian.PutUint16(buf[2:], s.FreeRecords)
	binary.BigEndian.PutUint16(buf[4:], s.TotalPages)
	binary.BigEndian.PutUint16(buf[6:], s.FreePages)
	binary.BigEndian.PutUint16(buf[8:], s.PageSize)
	return buf, nil
}

// Decode parses exactly five big-endian counters.
func (s *StorageInfo) Decode(data []byte) error {
	if err := wantLength(ErrInvalidResponse, message.CommandGetStorageInfo, data, storageInfoSize); err != nil {
		return err
	}
	s.TotalRecords = binary.BigEndian.Uint16(data[0:])
	s.FreeRecords = binary.BigEndian.Uint16(data[2:])
	s.TotalPages = binary.BigEndian.Uint16(data[4:])
	s.FreePages = binary.BigEndian.Uint16(data[6:])
	s.PageSize = binary.BigEndian.Uint16(data[8:])
	return nil
}

// PseudoRandomRequest asks for Length bytes from the device DRBG.
type PseudoRandomRequest struct {
	Length uint16
}

// Code returns CommandGetPseudoRandom.
func (r *PseudoRandomRequest) Code() message.CommandCode { return message.CommandGetPseudoRandom }

// Encode returns Length as two big-endian bytes.
func (r *PseudoRandomRequest) Encode() ([]byte, error) {
	if int(r.Length) > MaxInnerDataSize {
		return nil, fmt.Errorf("%w: %d random bytes requested, max %d", ErrInvalidRequest, r.Length, MaxInnerDataSize)
	}
	return binary.BigEndian.AppendUint16(nil, r.Length), nil
}

// Decode parses the two-byte length.
func (r *PseudoRandomRequest) Decode(data []byte) error {
	if err := wantLength(ErrInvalidRequest, r.Code(), data, 2); err != nil {
		return err
	}
	r.Length = binary.BigEndian.Uint16(data)
	return nil
}

// PseudoRandomResponse carries the random bytes.
type PseudoRandomResponse struct {
	Data []byte
}

// Encode returns the random bytes.
func (r *PseudoRandomResponse) Encode() ([]byte, error) { return r.Data, nil }

// Decode copies the random bytes.
func (r *PseudoRandomResponse) Decode(data []byte) error {
	r.Data = append([]byte(nil), data...)
	return nil
}

// BlinkRequest blinks the device LED for Seconds.
type BlinkRequest struct {
	Seconds uint8
}

// Code returns CommandBlinkDevice.
func (r *BlinkRequest) Code() message.CommandCode { return message.CommandBlinkDevice }

// Encode returns Seconds as a single byte.
func (r *BlinkRequest) Encode() ([]byte, error) { return []byte{r.Seconds}, nil }

// Decode parses the one-byte duration.
func (r *BlinkRequest) Decode(data []byte) error {
	if err := wantLength(ErrInvalidRequest, r.Code(), data, 1); err != nil {
		return err
	}
	r.Seconds = data[0]
	return nil
}

// Empty is the response of commands that return no data.
type Empty struct{}

// Encode returns no data.
func (Empty) Encode() ([]byte, error) { return nil, nil }

// Decode rejects any data.
func (Empty) Decode(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("%w: %d unexpected data bytes", ErrInvalidResponse, len(data))
	}
	return nil
}
