// Package securechannel implements the SCP03-based secure channel of the
// YubiHSM2: session bootstrap with mutual cryptogram verification, session
// key derivation, and the encrypted, MAC-chained command/response exchange.
//
// A Channel is a pure state machine. It produces and consumes the bytes of
// outer messages but performs no I/O; pkg/session drives it over a
// transport.Connector. Both ends of the protocol are implemented: the host
// role used by clients and the device role used by pkg/mockhsm.
//
// Every command/response pair advances the message counter by one. Each
// command MAC is chained on the previous command MAC, so any tampering,
// reordering or replay breaks verification of that and all later messages.
// Any verification failure terminates the channel and clears its keys.
package securechannel

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/backkem/yubihsm/pkg/crypto"
	"github.com/backkem/yubihsm/pkg/message"
)

// Role identifies which end of the channel is local.
type Role int

const (
	// RoleHost is the client side that initiates sessions.
	RoleHost Role = iota
	// RoleDevice is the HSM side that answers them.
	RoleDevice
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "Host"
	case RoleDevice:
		return "Device"
	default:
		return "Unknown"
	}
}

// State represents the channel state machine.
type State int

const (
	StateInit State = iota
	StateWaitingCreateSessionResponse  // Host: sent CreateSession
	StateWaitingAuthenticateSession    // Device: sent CreateSession response
	StateWaitingAuthenticateResponse   // Host: sent AuthenticateSession
	StateEstablished                   // Session keys in use
	StateClosed                        // Closed or terminated after a failure
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitingCreateSessionResponse:
		return "WaitingCreateSessionResponse"
	case StateWaitingAuthenticateSession:
		return "WaitingAuthenticateSession"
	case StateWaitingAuthenticateResponse:
		return "WaitingAuthenticateResponse"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// createSessionDataSize is the data size of a CreateSession command:
// auth key id (2) + host challenge.
const createSessionDataSize = 2 + ChallengeSize

// createSessionResponseSize is the data size of a CreateSession response:
// session id (1) + card challenge + card cryptogram.
const createSessionResponseSize = 1 + ChallengeSize + CryptogramSize

// HostConfig configures the host end of a channel.
type HostConfig struct {
	// AuthKeyID selects the authentication key on the device.
	// Defaults to DefaultAuthKeyID.
	AuthKeyID uint16

	// Rand is the source of the host challenge. Defaults to crypto/rand.
	Rand io.Reader
}

// DeviceConfig configures the device end of a channel.
type DeviceConfig struct {
	// SessionID is the slot assigned to the new session.
	SessionID SessionID

	// AuthKeyID is the authentication key the host asked for.
	AuthKeyID uint16

	// Rand is the source of the card challenge. Defaults to crypto/rand.
	Rand io.Reader
}

// Channel is the state of one secure session.
//
// Usage (Host):
//
//	ch, _ := securechannel.NewHost(keys, securechannel.HostConfig{AuthKeyID: 1})
//	create, _ := ch.CreateSession()
//	// send create, receive createRsp
//	auth, _ := ch.HandleCreateSessionResponse(createRsp)
//	// send auth, receive authRsp
//	_ = ch.HandleAuthenticateSessionResponse(authRsp)
//	cmd, _ := ch.WrapCommand(inner)
//	// send cmd, receive rsp
//	innerRsp, _ := ch.UnwrapResponse(rsp)
//
// Usage (Device):
//
//	authKeyID, hostChallenge, _ := securechannel.ParseCreateSession(createCmd)
//	ch, _ := securechannel.NewDevice(keysFor(authKeyID), securechannel.DeviceConfig{SessionID: id})
//	createRsp, _ := ch.HandleCreateSession(hostChallenge)
//	authRsp, _ := ch.HandleAuthenticateSession(auth)
//	inner, _ := ch.UnwrapCommand(cmd)
//	rsp, _ := ch.WrapResponse(innerRsp)
//
// A Channel serializes its own methods but does not serialize exchanges:
// callers must hold their own lock across one full command/response pair.
type Channel struct {
	role  Role
	state State

	authKeyID uint16
	id        SessionID

	// Bootstrap material, cleared once the session is established.
	static        *StaticKeys
	hostChallenge Challenge
	context       Context

	keys    *SessionKeys
	enc     *crypto.AESCBC
	counter *Counter

	// chain is the full MAC of the last authenticated command.
	chain [crypto.CMACSize]byte

	// pending is set between a command and its response; pendingIV is
	// the IV of that pair.
	pending   bool
	pendingIV []byte

	rand io.Reader

	mu sync.Mutex
}

// NewHost creates the host end of a channel for the given static keys.
func NewHost(keys *StaticKeys, config HostConfig) (*Channel, error) {
	if keys == nil {
		return nil, newError(KindKeyLengthInvalid, "new host", nil, "no static keys")
	}
	if config.AuthKeyID == 0 {
		config.AuthKeyID = DefaultAuthKeyID
	}
	return &Channel{
		role:      RoleHost,
		state:     StateInit,
		authKeyID: config.AuthKeyID,
		static:    keys,
		rand:      config.Rand,
	}, nil
}

// NewDevice creates the device end of a channel for the static keys of the
// authentication key named in a CreateSession command.
func NewDevice(keys *StaticKeys, config DeviceConfig) (*Channel, error) {
	if keys == nil {
		return nil, newError(KindKeyLengthInvalid, "new device", nil, "no static keys")
	}
	if !config.SessionID.IsValid() {
		return nil, newError(KindProtocolStateError, "new device", nil, "session id %d out of range", config.SessionID)
	}
	return &Channel{
		role:      RoleDevice,
		state:     StateInit,
		authKeyID: config.AuthKeyID,
		id:        config.SessionID,
		static:    keys,
		rand:      config.Rand,
	}, nil
}

// Role returns the local role.
func (c *Channel) Role() Role {
	return c.role
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsEstablished returns true if the channel can carry session messages.
func (c *Channel) IsEstablished() bool {
	return c.State() == StateEstablished
}

// SessionID returns the device-assigned session slot.
// Valid once the CreateSession exchange completed.
func (c *Channel) SessionID() SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// AuthKeyID returns the authentication key the session was opened with.
func (c *Channel) AuthKeyID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authKeyID
}

// Counter returns the counter value of the next command/response pair.
// Returns 0 before the session is established.
func (c *Channel) Counter() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter == nil {
		return 0
	}
	return c.counter.Current()
}

// Close terminates the channel and clears its keys.
// Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminate()
}

// CreateSession starts the bootstrap and returns the CreateSession command.
func (c *Channel) CreateSession() ([]byte, error) {
	const op = "create session"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleHost, StateInit); err != nil {
		return nil, err
	}

	challenge, err := NewChallenge(c.rand)
	if err != nil {
		return nil, c.fail(KindProtocolStateError, op, err, "generate host challenge")
	}
	c.hostChallenge = challenge

	data := make([]byte, createSessionDataSize)
	binary.BigEndian.PutUint16(data, c.authKeyID)
	copy(data[2:], challenge[:])

	cmd := message.Command{Code: message.CommandCreateSession, Data: data}
	encoded, err := cmd.Encode()
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	c.state = StateWaitingCreateSessionResponse
	return encoded, nil
}

// HandleCreateSessionResponse verifies the card cryptogram and returns the
// AuthenticateSession command carrying the host cryptogram.
// Any failure terminates the channel.
func (c *Channel) HandleCreateSessionResponse(data []byte) ([]byte, error) {
	const op = "create session response"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleHost, StateWaitingCreateSessionResponse); err != nil {
		return nil, err
	}

	rsp, err := message.DecodeResponse(data)
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}
	if err := rsp.Expect(message.CommandCreateSession); err != nil {
		return nil, c.failResponse(op, err)
	}
	if len(rsp.Data) != createSessionResponseSize {
		return nil, c.fail(KindFramingError, op, nil, "data is %d bytes, want %d", len(rsp.Data), createSessionResponseSize)
	}

	id := SessionID(rsp.Data[0])
	if !id.IsValid() {
		return nil, c.fail(KindFramingError, op, nil, "session id %d out of range", id)
	}
	var card Challenge
	copy(card[:], rsp.Data[1:1+ChallengeSize])
	var cardCryptogram Cryptogram
	copy(cardCryptogram[:], rsp.Data[1+ChallengeSize:])

	c.id = id
	if err := c.deriveKeys(NewContext(c.hostChallenge, card)); err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}

	expected, err := c.keys.cryptogram(crypto.DerivationCardCryptogram, c.context)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	if !expected.Equal(cardCryptogram) {
		return nil, c.fail(KindAuthenticationFailed, op, nil, "card cryptogram mismatch for session %d", id)
	}

	hostCryptogram, err := c.keys.cryptogram(crypto.DerivationHostCryptogram, c.context)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}

	env := &Envelope{
		Code:      uint8(message.CommandAuthenticateSession),
		SessionID: id,
		Payload:   hostCryptogram[:],
	}
	// The chain starts from zero for AuthenticateSession.
	full, err := env.sign(c.keys.MAC[:], [crypto.CMACSize]byte{})
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	encoded, err := env.Encode()
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	c.chain = full
	c.state = StateWaitingAuthenticateResponse
	return encoded, nil
}

// HandleAuthenticateSessionResponse completes the bootstrap.
// Any failure terminates the channel.
func (c *Channel) HandleAuthenticateSessionResponse(data []byte) error {
	const op = "authenticate session response"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleHost, StateWaitingAuthenticateResponse); err != nil {
		return err
	}

	rsp, err := message.DecodeResponse(data)
	if err != nil {
		return c.fail(KindFramingError, op, err, "")
	}
	if err := rsp.Expect(message.CommandAuthenticateSession); err != nil {
		return c.failResponse(op, err)
	}
	if len(rsp.Data) != 0 {
		return c.fail(KindFramingError, op, nil, "unexpected %d data bytes", len(rsp.Data))
	}

	c.establish()
	return nil
}

// ParseCreateSession extracts the authentication key id and host challenge
// from a CreateSession command.
func ParseCreateSession(data []byte) (authKeyID uint16, host Challenge, err error) {
	const op = "parse create session"

	cmd, err := message.DecodeCommand(data)
	if err != nil {
		return 0, host, newError(KindFramingError, op, err, "")
	}
	if cmd.Code != message.CommandCreateSession {
		return 0, host, newError(KindFramingError, op, nil, "unexpected command %s", cmd.Code)
	}
	if len(cmd.Data) != createSessionDataSize {
		return 0, host, newError(KindFramingError, op, nil, "data is %d bytes, want %d", len(cmd.Data), createSessionDataSize)
	}

	authKeyID = binary.BigEndian.Uint16(cmd.Data)
	copy(host[:], cmd.Data[2:])
	return authKeyID, host, nil
}

// HandleCreateSession derives the session keys for the host challenge and
// returns the CreateSession response carrying the card challenge and
// card cryptogram.
func (c *Channel) HandleCreateSession(host Challenge) ([]byte, error) {
	const op = "create session"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleDevice, StateInit); err != nil {
		return nil, err
	}

	card, err := NewChallenge(c.rand)
	if err != nil {
		return nil, c.fail(KindProtocolStateError, op, err, "generate card challenge")
	}
	c.hostChallenge = host
	if err := c.deriveKeys(NewContext(host, card)); err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}

	cardCryptogram, err := c.keys.cryptogram(crypto.DerivationCardCryptogram, c.context)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}

	data := make([]byte, 0, createSessionResponseSize)
	data = append(data, byte(c.id))
	data = append(data, card[:]...)
	data = append(data, cardCryptogram[:]...)

	rsp := message.Response{Code: message.CommandCreateSession.ResponseCode(), Data: data}
	encoded, err := rsp.Encode()
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	c.state = StateWaitingAuthenticateSession
	return encoded, nil
}

// HandleAuthenticateSession verifies the MAC and host cryptogram of an
// AuthenticateSession command and returns the response.
// Any failure terminates the channel.
func (c *Channel) HandleAuthenticateSession(data []byte) ([]byte, error) {
	const op = "authenticate session"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleDevice, StateWaitingAuthenticateSession); err != nil {
		return nil, err
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}
	if env.Code != uint8(message.CommandAuthenticateSession) {
		return nil, c.fail(KindFramingError, op, nil, "unexpected command %s", message.CommandCode(env.Code))
	}
	if env.SessionID != c.id {
		return nil, c.fail(KindFramingError, op, nil, "session id %d, want %d", env.SessionID, c.id)
	}
	if len(env.Payload) != CryptogramSize {
		return nil, c.fail(KindFramingError, op, nil, "cryptogram is %d bytes, want %d", len(env.Payload), CryptogramSize)
	}

	full, ok, err := env.verify(c.keys.MAC[:], [crypto.CMACSize]byte{})
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	if !ok {
		return nil, c.fail(KindAuthenticationFailed, op, nil, "MAC mismatch for session %d", c.id)
	}

	expected, err := c.keys.cryptogram(crypto.DerivationHostCryptogram, c.context)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	var received Cryptogram
	copy(received[:], env.Payload)
	if !expected.Equal(received) {
		return nil, c.fail(KindAuthenticationFailed, op, nil, "host cryptogram mismatch for session %d", c.id)
	}

	rsp := message.Response{Code: message.CommandAuthenticateSession.ResponseCode()}
	encoded, err := rsp.Encode()
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	c.chain = full
	c.establish()
	return encoded, nil
}

// WrapCommand encrypts and authenticates an inner command and returns the
// SessionMessage to send. The response must be passed to UnwrapResponse
// before the next command is wrapped.
//
// An inner command longer than MaxPayloadSize is rejected with a framing
// error before any state changes; the channel stays usable.
func (c *Channel) WrapCommand(inner []byte) ([]byte, error) {
	const op = "wrap command"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleHost, StateEstablished); err != nil {
		return nil, err
	}
	if c.pending {
		return nil, newError(KindProtocolStateError, op, nil, "response pending for session %d", c.id)
	}
	if len(inner) > MaxPayloadSize {
		return nil, newError(KindFramingError, op, message.ErrMessageTooLong, "payload is %d bytes, max %d", len(inner), MaxPayloadSize)
	}

	iv, err := c.nextIV(op)
	if err != nil {
		return nil, err
	}

	ciphertext, err := c.enc.Encrypt(iv, crypto.Pad(inner))
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	env := &Envelope{
		Code:      uint8(message.CommandSessionMessage),
		SessionID: c.id,
		Payload:   ciphertext,
	}
	full, err := env.sign(c.keys.MAC[:], c.chain)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	encoded, err := env.Encode()
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	c.chain = full
	c.pending = true
	c.pendingIV = iv
	return encoded, nil
}

// UnwrapResponse verifies and decrypts the response to the last wrapped
// command and returns the inner response.
// Any failure terminates the channel: the response is not trusted and the
// chaining state is no longer known to match the device.
func (c *Channel) UnwrapResponse(data []byte) ([]byte, error) {
	const op = "unwrap response"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleHost, StateEstablished); err != nil {
		return nil, err
	}
	if !c.pending {
		return nil, newError(KindProtocolStateError, op, nil, "no command pending for session %d", c.id)
	}
	c.pending = false

	if len(data) >= message.HeaderSize && message.ResponseCode(data[0]) == message.ResponseError {
		rsp, err := message.DecodeResponse(data)
		if err != nil {
			return nil, c.fail(KindFramingError, op, err, "")
		}
		return nil, c.failResponse(op, rsp.Err())
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}
	if message.ResponseCode(env.Code) != message.CommandSessionMessage.ResponseCode() {
		return nil, c.fail(KindFramingError, op, nil, "unexpected response %s", message.ResponseCode(env.Code))
	}
	if env.SessionID != c.id {
		return nil, c.fail(KindFramingError, op, nil, "session id %d, want %d", env.SessionID, c.id)
	}

	// The response MAC is bound to the command chain but does not advance it.
	_, ok, err := env.verify(c.keys.RMAC[:], c.chain)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	if !ok {
		return nil, c.fail(KindAuthenticationFailed, op, nil, "response MAC mismatch for session %d", c.id)
	}

	return c.decrypt(op, env.Payload, c.pendingIV)
}

// UnwrapCommand verifies and decrypts a SessionMessage command and returns
// the inner command. The inner response must be passed to WrapResponse
// before the next command is accepted.
// Any failure terminates the channel.
func (c *Channel) UnwrapCommand(data []byte) ([]byte, error) {
	const op = "unwrap command"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleDevice, StateEstablished); err != nil {
		return nil, err
	}
	if c.pending {
		return nil, newError(KindProtocolStateError, op, nil, "response pending for session %d", c.id)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}
	if env.Code != uint8(message.CommandSessionMessage) {
		return nil, c.fail(KindFramingError, op, nil, "unexpected command %s", message.CommandCode(env.Code))
	}
	if env.SessionID != c.id {
		return nil, c.fail(KindFramingError, op, nil, "session id %d, want %d", env.SessionID, c.id)
	}

	full, ok, err := env.verify(c.keys.MAC[:], c.chain)
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	if !ok {
		return nil, c.fail(KindAuthenticationFailed, op, nil, "command MAC mismatch for session %d", c.id)
	}

	iv, err := c.nextIV(op)
	if err != nil {
		return nil, err
	}
	inner, err := c.decrypt(op, env.Payload, iv)
	if err != nil {
		return nil, err
	}

	c.chain = full
	c.pending = true
	c.pendingIV = iv
	return inner, nil
}

// WrapResponse encrypts and authenticates the inner response to the last
// unwrapped command.
func (c *Channel) WrapResponse(inner []byte) ([]byte, error) {
	const op = "wrap response"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(op, RoleDevice, StateEstablished); err != nil {
		return nil, err
	}
	if !c.pending {
		return nil, newError(KindProtocolStateError, op, nil, "no command pending for session %d", c.id)
	}
	if len(inner) > MaxPayloadSize {
		return nil, newError(KindFramingError, op, message.ErrMessageTooLong, "payload is %d bytes, max %d", len(inner), MaxPayloadSize)
	}

	ciphertext, err := c.enc.Encrypt(c.pendingIV, crypto.Pad(inner))
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	env := &Envelope{
		Code:      uint8(message.CommandSessionMessage.ResponseCode()),
		SessionID: c.id,
		Payload:   ciphertext,
	}
	if _, err := env.sign(c.keys.RMAC[:], c.chain); err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	encoded, err := env.Encode()
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}

	c.pending = false
	c.pendingIV = nil
	return encoded, nil
}

// expect checks role and state. Caller must hold c.mu.
func (c *Channel) expect(op string, role Role, state State) error {
	if c.role != role {
		return newError(KindProtocolStateError, op, nil, "not available in %s role", c.role)
	}
	if c.state != state {
		return newError(KindProtocolStateError, op, nil, "channel is %s", c.state)
	}
	return nil
}

// deriveKeys computes the session keys for ctx. Caller must hold c.mu.
func (c *Channel) deriveKeys(ctx Context) error {
	keys, err := c.static.sessionKeys(ctx)
	if err != nil {
		return err
	}
	enc, err := crypto.NewAESCBC(keys.ENC[:])
	if err != nil {
		keys.Zero()
		return err
	}
	c.context = ctx
	c.keys = keys
	c.enc = enc
	return nil
}

// establish moves to StateEstablished. Caller must hold c.mu.
func (c *Channel) establish() {
	c.static = nil
	c.hostChallenge = Challenge{}
	c.context = Context{}
	c.counter = NewCounter(InitialCounter)
	c.state = StateEstablished
}

// nextIV consumes one counter value and returns its IV.
// Caller must hold c.mu.
func (c *Channel) nextIV(op string) ([]byte, error) {
	counter, err := c.counter.Next()
	if err != nil {
		return nil, c.fail(KindCounterExhausted, op, nil, "session %d", c.id)
	}
	iv, err := c.enc.EncryptBlock(ivInput(counter))
	if err != nil {
		return nil, c.fail(KindKeyLengthInvalid, op, err, "")
	}
	return iv, nil
}

// decrypt decrypts and unpads a verified payload. Caller must hold c.mu.
func (c *Channel) decrypt(op string, ciphertext, iv []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%crypto.BlockSize != 0 {
		return nil, c.fail(KindFramingError, op, nil, "ciphertext is %d bytes", len(ciphertext))
	}
	padded, err := c.enc.Decrypt(iv, ciphertext)
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}
	inner, err := crypto.Unpad(padded)
	if err != nil {
		return nil, c.fail(KindFramingError, op, err, "")
	}
	return inner, nil
}

// fail terminates the channel and returns a classified error.
// Caller must hold c.mu.
func (c *Channel) fail(kind Kind, op string, err error, format string, args ...any) error {
	c.terminate()
	return newError(kind, op, err, format, args...)
}

// failResponse terminates the channel on an unexpected or error response.
// Caller must hold c.mu.
func (c *Channel) failResponse(op string, err error) error {
	c.terminate()
	var devErr *message.DeviceError
	if errors.As(err, &devErr) {
		return deviceFailure(op, devErr)
	}
	return newError(KindFramingError, op, err, "")
}

// terminate clears all key material and closes the channel.
// Caller must hold c.mu.
func (c *Channel) terminate() {
	if c.keys != nil {
		c.keys.Zero()
		c.keys = nil
	}
	c.static = nil
	c.enc = nil
	c.chain = [crypto.CMACSize]byte{}
	c.hostChallenge = Challenge{}
	c.context = Context{}
	c.pending = false
	c.pendingIV = nil
	c.state = StateClosed
}
