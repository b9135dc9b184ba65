package securechannel

import (
	"github.com/backkem/yubihsm/pkg/crypto"
	"github.com/backkem/yubihsm/pkg/message"
)

// MACSize is the size of the truncated MAC carried on the wire.
const MACSize = 8

// envelopeOverhead is the data-field overhead of an authenticated message:
// session id (1) + MAC.
const envelopeOverhead = 1 + MACSize

// MaxPayloadSize is the largest inner message that can be wrapped while
// keeping the outer message within message.MaxMessageSize.
const MaxPayloadSize = (message.MaxDataSize-envelopeOverhead)/crypto.BlockSize*crypto.BlockSize - 1

// Envelope is an authenticated message as it appears on the wire:
//
//	code(1) || length(2) || session_id(1) || payload || mac(8)
//
// It frames AuthenticateSession commands, whose payload is the host
// cryptogram, and SessionMessage commands and responses, whose payload is
// the encrypted inner message.
type Envelope struct {
	// Code is the raw command or response code.
	Code uint8

	// SessionID is the device-assigned session slot.
	SessionID SessionID

	// Payload is the cryptogram or ciphertext.
	Payload []byte

	// MAC is the truncated CMAC over the chaining value and the message.
	MAC [MACSize]byte
}

// dataLength returns the value of the outer length field.
func (e *Envelope) dataLength() int {
	return envelopeOverhead + len(e.Payload)
}

// Size returns the encoded size of the envelope in bytes.
func (e *Envelope) Size() int {
	return message.HeaderSize + e.dataLength()
}

// Encode serializes the envelope to wire format.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Size() > message.MaxMessageSize {
		return nil, message.ErrMessageTooLong
	}

	buf := make([]byte, e.Size())
	offset := message.Header{Code: e.Code, Length: e.dataLength()}.EncodeTo(buf)
	buf[offset] = byte(e.SessionID)
	offset++
	offset += copy(buf[offset:], e.Payload)
	copy(buf[offset:], e.MAC[:])
	return buf, nil
}

// DecodeEnvelope parses an authenticated message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	h, err := message.DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Length < envelopeOverhead {
		return nil, message.ErrMessageTooShort
	}

	e := &Envelope{
		Code:      h.Code,
		SessionID: SessionID(data[message.HeaderSize]),
	}
	payload := data[message.HeaderSize+1 : len(data)-MACSize]
	if len(payload) > 0 {
		e.Payload = make([]byte, len(payload))
		copy(e.Payload, payload)
	}
	copy(e.MAC[:], data[len(data)-MACSize:])
	return e, nil
}

// computeMAC returns the full CMAC of the envelope under key, chained on
// the previous full MAC:
//
//	CMAC(key, chain(16) || code || length(2) || session_id || payload)
func (e *Envelope) computeMAC(key []byte, chain [crypto.CMACSize]byte) ([crypto.CMACSize]byte, error) {
	header := message.Header{Code: e.Code, Length: e.dataLength()}.Encode()
	return crypto.AESCMAC(key, chain[:], header, []byte{byte(e.SessionID)}, e.Payload)
}

// sign computes the MAC of the envelope, stores its truncation in e.MAC and
// returns the full value.
func (e *Envelope) sign(key []byte, chain [crypto.CMACSize]byte) ([crypto.CMACSize]byte, error) {
	full, err := e.computeMAC(key, chain)
	if err != nil {
		return full, err
	}
	copy(e.MAC[:], full[:MACSize])
	return full, nil
}

// verify recomputes the MAC of the envelope and compares it with e.MAC in
// constant time. Returns the full value and whether it matched.
func (e *Envelope) verify(key []byte, chain [crypto.CMACSize]byte) ([crypto.CMACSize]byte, bool, error) {
	full, err := e.computeMAC(key, chain)
	if err != nil {
		return full, false, err
	}
	return full, crypto.VerifyTruncatedCMAC(full, e.MAC[:]), nil
}
