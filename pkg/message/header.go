package message

import "encoding/binary"

// Header is the 3-byte outer header shared by commands and responses.
type Header struct {
	// Code is the raw command or response code.
	Code uint8

	// Length is the size of the data following the header.
	Length int
}

// EncodeTo serializes the header into buf, which must hold at least HeaderSize bytes.
// Returns the number of bytes written.
func (h Header) EncodeTo(buf []byte) int {
	buf[0] = h.Code
	binary.BigEndian.PutUint16(buf[1:], uint16(h.Length))
	return HeaderSize
}

// Encode serializes the header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeTo(buf)
	return buf
}

// DecodeHeader parses the outer header of a message and checks that the
// length field matches the remaining data exactly.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrMessageTooShort
	}
	if len(data) > MaxMessageSize {
		return Header{}, ErrMessageTooLong
	}

	h := Header{
		Code:   data[0],
		Length: int(binary.BigEndian.Uint16(data[1:])),
	}
	if h.Length != len(data)-HeaderSize {
		return Header{}, ErrLengthMismatch
	}
	return h, nil
}
