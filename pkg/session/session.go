// Package session runs the secure channel over a transport.
//
// Open performs the CreateSession/AuthenticateSession bootstrap against a
// device reachable through a transport.Connector. The returned Session sends
// inner commands with Transact. Exchanges are strictly lock-step: one mutex is
// held from wrapping a command until its response is verified, so concurrent
// callers are serialized.
//
// A transport failure or timeout leaves the channel state unknown relative to
// the device. The session is then discarded and every later call fails; the
// caller opens a new one. pkg/client does this automatically.
//
// Any failed exchange also resets the connector, so an answer that arrives
// late or does not belong to the last command is never read by the next one.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/backkem/yubihsm/pkg/command"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Config configures a session.
type Config struct {
	// Keys are the static keys of the authentication key.
	// Required.
	Keys *securechannel.StaticKeys

	// AuthKeyID selects the authentication key on the device.
	// Default: securechannel.DefaultAuthKeyID (1)
	AuthKeyID uint16

	// Timeout bounds each exchange. Zero leaves timeouts to the connector.
	Timeout time.Duration

	// Rand is the source of the host challenge. Defaults to crypto/rand.
	Rand io.Reader

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Session is an authenticated session with one device.
type Session struct {
	conn    transport.Connector
	ch      *securechannel.Channel
	timeout time.Duration
	log     logging.LeveledLogger

	// mu is held across one full command/response exchange.
	mu       sync.Mutex
	opened   time.Time
	lastUsed time.Time
	commands uint64
}

// Open authenticates a new session with the device behind conn.
// On failure no session exists and the channel's keys are cleared.
func Open(ctx context.Context, conn transport.Connector, config Config) (*Session, error) {
	if conn == nil {
		return nil, ErrNoConnector
	}

	ch, err := securechannel.NewHost(config.Keys, securechannel.HostConfig{
		AuthKeyID: config.AuthKeyID,
		Rand:      config.Rand,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:    conn,
		ch:      ch,
		timeout: config.Timeout,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bootstrap(ctx); err != nil {
		ch.Close()
		if s.log != nil {
			s.log.Warnf("open session with auth key %d failed: %v", ch.AuthKeyID(), err)
		}
		return nil, err
	}

	s.opened = time.Now()
	s.lastUsed = s.opened
	if s.log != nil {
		s.log.Infof("session %d established with auth key %d", ch.SessionID(), ch.AuthKeyID())
	}
	return s, nil
}

// bootstrap runs the two bootstrap exchanges. Caller must hold s.mu.
func (s *Session) bootstrap(ctx context.Context) error {
	create, err := s.ch.CreateSession()
	if err != nil {
		return err
	}
	rsp, err := s.exchange(ctx, "create session", create)
	if err != nil {
		return err
	}

	auth, err := s.ch.HandleCreateSessionResponse(rsp)
	if err != nil {
		s.resync(ctx, "create session")
		return err
	}
	rsp, err = s.exchange(ctx, "authenticate session", auth)
	if err != nil {
		return err
	}

	if err := s.ch.HandleAuthenticateSessionResponse(rsp); err != nil {
		s.resync(ctx, "authenticate session")
		return err
	}
	return nil
}

// exchange performs one round trip with a fresh request id.
// A transport failure discards the session. Caller must hold s.mu.
func (s *Session) exchange(ctx context.Context, op string, msg []byte) ([]byte, error) {
	id := uuid.New()
	ctx = transport.WithRequestID(ctx, id)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.log != nil {
		s.log.Tracef("%s: uuid=%s len=%d", op, id, len(msg))
	}

	rsp, err := transport.Exchange(ctx, s.conn, msg)
	if err != nil {
		s.ch.Close()
		// The device may still answer the lost message.
		s.resync(ctx, op)
		if s.log != nil {
			s.log.Warnf("%s: uuid=%s transport failure, session discarded: %v", op, id, err)
		}
		return nil, securechannel.TransportFailure(op, err)
	}
	return rsp, nil
}

// resync resets the connector after a failed exchange, dropping any answer
// still in flight. Caller must hold s.mu.
func (s *Session) resync(ctx context.Context, op string) {
	if err := s.conn.Reset(context.WithoutCancel(ctx)); err != nil && s.log != nil {
		s.log.Warnf("%s: connector reset failed: %v", op, err)
	}
}

// Transact sends one inner command and returns the verified inner response.
// Implements command.Transactor.
func (s *Session) Transact(ctx context.Context, inner []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A closed or failed channel rejects the command with a protocol
	// state error.
	msg, err := s.ch.WrapCommand(inner)
	if err != nil {
		return nil, err
	}

	rsp, err := s.exchange(ctx, "session message", msg)
	if err != nil {
		return nil, err
	}

	out, err := s.ch.UnwrapResponse(rsp)
	if err != nil {
		s.resync(ctx, "session message")
		if s.log != nil {
			s.log.Warnf("session %d: %v", s.ch.SessionID(), err)
		}
		return nil, err
	}

	s.commands++
	s.lastUsed = time.Now()
	if s.log != nil {
		s.log.Tracef("session %d: command %d done, counter=%d", s.ch.SessionID(), s.commands, s.ch.Counter())
	}
	return out, nil
}

// Close asks the device to close the session and clears the session keys.
// The keys are cleared even if the device cannot be reached.
func (s *Session) Close(ctx context.Context) error {
	if !s.IsOpen() {
		return nil
	}

	err := command.Do(ctx, s, &command.CloseSessionRequest{}, command.Empty{})
	s.Discard()

	if s.log != nil {
		s.log.Infof("session %d closed", s.ch.SessionID())
	}
	return err
}

// Discard clears the session keys without notifying the device.
// Use when the device is known to have dropped the session already.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch.Close()
}

// IsOpen returns true if the session can carry commands.
func (s *Session) IsOpen() bool {
	return s.ch.IsEstablished()
}

// ID returns the device-assigned session id.
func (s *Session) ID() securechannel.SessionID {
	return s.ch.SessionID()
}

// AuthKeyID returns the authentication key the session was opened with.
func (s *Session) AuthKeyID() uint16 {
	return s.ch.AuthKeyID()
}

// Commands returns the number of completed commands.
func (s *Session) Commands() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands
}

// LastUsed returns when the session last completed an exchange.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Opened returns when the session was established.
func (s *Session) Opened() time.Time {
	return s.opened
}
