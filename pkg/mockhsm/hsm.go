// Package mockhsm simulates a YubiHSM2 for tests and demos.
//
// An HSM runs the device role of the secure channel: it answers
// CreateSession, AuthenticateSession and SessionMessage, keeps up to 16
// sessions in a slot table, and executes the inner commands of pkg/command.
// A session is closed on any MAC or cryptogram failure, as on the device.
//
// The simulator can be reached three ways:
//   - NewConnector: an in-process transport.Connector
//   - ServeConn: a serve loop for the device end of a transport.Pipe
//   - Handler: an http.Handler emulating yubihsm-connector
package mockhsm

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/backkem/yubihsm/pkg/command"
	"github.com/backkem/yubihsm/pkg/message"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/pion/logging"
)

// Simulated device identity.
const (
	DefaultSerial = 1234567

	versionMajor = 2
	versionMinor = 4
	versionBuild = 0

	logTotal = 62
)

// algorithms is the algorithm list reported by DeviceInfo.
var algorithms = []uint8{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32, 33, 34, 35, 36, 37, 38,
	39, 40, 41, 42, 43, 44, 45, 46, 47, 48, 49, 50, 51, 52, 53, 54, 55, 56,
}

// Config configures a simulated device.
type Config struct {
	// AuthKeys maps authentication key IDs to their static keys.
	// Default: key 1 derived from the factory password "password".
	AuthKeys map[uint16]*securechannel.StaticKeys

	// Serial is the reported serial number.
	// Default: DefaultSerial
	Serial uint32

	// MaxSessions limits concurrent sessions.
	// Default: DefaultMaxSessions (16)
	MaxSessions int

	// Rand is the source of card challenges and pseudo-random output.
	// Defaults to crypto/rand.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// HSM is a simulated YubiHSM2.
type HSM struct {
	authKeys map[uint16]*securechannel.StaticKeys
	serial   uint32
	rand     io.Reader
	table    *Table
	log      logging.LeveledLogger

	storage command.StorageInfo

	// mu serializes messages: the device processes one at a time.
	mu sync.Mutex
}

// New creates a simulated device.
func New(config Config) *HSM {
	if config.AuthKeys == nil {
		config.AuthKeys = map[uint16]*securechannel.StaticKeys{
			securechannel.DefaultAuthKeyID: securechannel.StaticKeysFromPassword(securechannel.DefaultPassword),
		}
	}
	if config.Serial == 0 {
		config.Serial = DefaultSerial
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}

	h := &HSM{
		authKeys: config.AuthKeys,
		serial:   config.Serial,
		rand:     config.Rand,
		table:    NewTable(config.MaxSessions),
		storage: command.StorageInfo{
			TotalRecords: 256,
			FreeRecords:  255,
			TotalPages:   1024,
			FreePages:    1021,
			PageSize:     126,
		},
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("mockhsm")
	}
	return h
}

// Serial returns the simulated serial number.
func (h *HSM) Serial() uint32 {
	return h.serial
}

// SessionCount returns the number of sessions in use.
func (h *HSM) SessionCount() int {
	return h.table.Count()
}

// Session returns the device end of a session, or nil.
func (h *HSM) Session(id securechannel.SessionID) *securechannel.Channel {
	return h.table.Find(id)
}

// Reset drops all sessions, as a power cycle would.
func (h *HSM) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table.Clear()
}

// Handle processes one outer command message and returns the outer
// response. Failures are reported as device error responses.
func (h *HSM) Handle(msg []byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	rsp, code := h.handle(msg)
	if code != message.ErrorOK {
		if h.log != nil {
			h.log.Debugf("answering with error: %s", code)
		}
		return errorResponse(code)
	}
	return rsp
}

func (h *HSM) handle(msg []byte) ([]byte, message.ErrorCode) {
	cmd, err := message.DecodeCommand(msg)
	if err != nil {
		return nil, message.ErrorWrongLength
	}

	if h.log != nil {
		h.log.Tracef("received %s len=%d", cmd.Code, len(cmd.Data))
	}

	switch cmd.Code {
	case message.CommandCreateSession:
		return h.createSession(msg)
	case message.CommandAuthenticateSession:
		return h.authenticateSession(msg, cmd.Data)
	case message.CommandSessionMessage:
		return h.sessionMessage(msg, cmd.Data)
	default:
		return nil, message.ErrorInvalidCommand
	}
}

func (h *HSM) createSession(msg []byte) ([]byte, message.ErrorCode) {
	authKeyID, host, err := securechannel.ParseCreateSession(msg)
	if err != nil {
		return nil, message.ErrorWrongLength
	}
	keys, ok := h.authKeys[authKeyID]
	if !ok {
		if h.log != nil {
			h.log.Debugf("create session: unknown auth key %d", authKeyID)
		}
		return nil, message.ErrorObjectNotFound
	}

	id, err := h.table.AllocateID()
	if err != nil {
		return nil, message.ErrorSessionsFull
	}

	ch, err := securechannel.NewDevice(keys, securechannel.DeviceConfig{
		SessionID: id,
		AuthKeyID: authKeyID,
		Rand:      h.rand,
	})
	if err != nil {
		return nil, message.ErrorSessionFailed
	}
	rsp, err := ch.HandleCreateSession(host)
	if err != nil {
		return nil, message.ErrorSessionFailed
	}
	if err := h.table.Add(ch); err != nil {
		ch.Close()
		return nil, message.ErrorSessionsFull
	}

	if h.log != nil {
		h.log.Debugf("session %d created with auth key %d", id, authKeyID)
	}
	return rsp, message.ErrorOK
}

func (h *HSM) authenticateSession(msg, data []byte) ([]byte, message.ErrorCode) {
	ch, code := h.lookup(data)
	if ch == nil {
		return nil, code
	}

	rsp, err := ch.HandleAuthenticateSession(msg)
	if err != nil {
		return nil, h.sessionError(ch, err)
	}

	if h.log != nil {
		h.log.Infof("session %d authenticated", ch.SessionID())
	}
	return rsp, message.ErrorOK
}

func (h *HSM) sessionMessage(msg, data []byte) ([]byte, message.ErrorCode) {
	ch, code := h.lookup(data)
	if ch == nil {
		return nil, code
	}
	if !ch.IsEstablished() {
		return nil, message.ErrorInvalidSession
	}

	inner, err := ch.UnwrapCommand(msg)
	if err != nil {
		return nil, h.sessionError(ch, err)
	}

	innerRsp, closeAfter := h.execute(ch.SessionID(), inner)

	rsp, err := ch.WrapResponse(innerRsp)
	if err != nil {
		return nil, h.sessionError(ch, err)
	}

	if closeAfter {
		h.table.Remove(ch.SessionID())
		if h.log != nil {
			h.log.Infof("session %d closed", ch.SessionID())
		}
	}
	return rsp, message.ErrorOK
}

// lookup finds the session named by the first data byte.
func (h *HSM) lookup(data []byte) (*securechannel.Channel, message.ErrorCode) {
	if len(data) == 0 {
		return nil, message.ErrorWrongLength
	}
	id := securechannel.SessionID(data[0])
	if !id.IsValid() {
		return nil, message.ErrorInvalidSession
	}
	ch := h.table.Find(id)
	if ch == nil {
		return nil, message.ErrorInvalidSession
	}
	return ch, message.ErrorOK
}

// sessionError frees the slot of a channel that failed and maps err to
// a device error code.
func (h *HSM) sessionError(ch *securechannel.Channel, err error) message.ErrorCode {
	if ch.State() == securechannel.StateClosed {
		h.table.Remove(ch.SessionID())
	}
	if h.log != nil {
		h.log.Warnf("session %d: %v", ch.SessionID(), err)
	}

	switch securechannel.KindOf(err) {
	case securechannel.KindAuthenticationFailed:
		return message.ErrorAuthenticationFailed
	case securechannel.KindFramingError:
		return message.ErrorInvalidData
	case securechannel.KindProtocolStateError:
		return message.ErrorInvalidSession
	default:
		return message.ErrorSessionFailed
	}
}

// execute runs an inner command and returns the inner response.
// closeAfter is set when the session must be closed once answered.
func (h *HSM) execute(id securechannel.SessionID, inner []byte) (rsp []byte, closeAfter bool) {
	cmd, err := message.DecodeCommand(inner)
	if err != nil {
		return errorResponse(message.ErrorWrongLength), false
	}

	req := command.New(cmd.Code)
	if req == nil {
		if h.log != nil {
			h.log.Debugf("session %d: unsupported command %s", id, cmd.Code)
		}
		return errorResponse(message.ErrorInvalidCommand), false
	}
	if err := req.Decode(cmd.Data); err != nil {
		return errorResponse(message.ErrorInvalidData), false
	}

	var resp command.Response
	switch r := req.(type) {
	case *command.EchoRequest:
		resp = &command.EchoResponse{Data: r.Data}
	case *command.DeviceInfoRequest:
		resp = &command.DeviceInfo{
			Major:      versionMajor,
			Minor:      versionMinor,
			Build:      versionBuild,
			Serial:     h.serial,
			LogTotal:   logTotal,
			Algorithms: algorithms,
		}
	case *command.StorageInfoRequest:
		info := h.storage
		resp = &info
	case *command.PseudoRandomRequest:
		if int(r.Length) > command.MaxInnerDataSize {
			return errorResponse(message.ErrorInvalidData), false
		}
		buf := make([]byte, r.Length)
		if _, err := io.ReadFull(h.rand, buf); err != nil {
			return errorResponse(message.ErrorCommandUnexecuted), false
		}
		resp = &command.PseudoRandomResponse{Data: buf}
	case *command.BlinkRequest:
		if h.log != nil {
			h.log.Infof("session %d: blinking for %d seconds", id, r.Seconds)
		}
		resp = command.Empty{}
	case *command.CloseSessionRequest:
		resp = command.Empty{}
		closeAfter = true
	default:
		return errorResponse(message.ErrorInvalidCommand), false
	}

	out, err := command.EncodeResponse(cmd.Code, resp)
	if err != nil {
		return errorResponse(message.ErrorInvalidData), false
	}
	if h.log != nil {
		h.log.Tracef("session %d: %s ok", id, cmd.Code)
	}
	return out, closeAfter
}

// errorResponse encodes a device error response.
func errorResponse(code message.ErrorCode) []byte {
	// A one-byte body always fits.
	out, _ := message.NewErrorResponse(code).Encode()
	return out
}
