// Package client is the high-level entry point for talking to a YubiHSM2.
//
// A Client owns a connector and at most one session. Sessions are opened
// lazily on the first command and replaced when they fail, are closed,
// reach MaxCommandsPerSession, or sit idle longer than SessionIdleTimeout.
// A command that fails is never retried: the error is returned and the
// next command starts a fresh session.
//
// Usage:
//
//	conn, _ := transport.NewHTTPConnector(transport.HTTPConfig{})
//	c, _ := client.New(client.Config{Connector: conn, Keys: keys})
//	defer c.Close(ctx)
//	info, err := c.DeviceInfo(ctx)
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backkem/yubihsm/pkg/command"
	"github.com/backkem/yubihsm/pkg/message"
	"github.com/backkem/yubihsm/pkg/metrics"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/session"
	"github.com/backkem/yubihsm/pkg/transport"
	"github.com/pion/logging"
)

// Client defaults.
const (
	// DefaultMaxCommandsPerSession bounds how many commands one session
	// carries before it is replaced.
	DefaultMaxCommandsPerSession = 10000

	// DefaultSessionIdleTimeout matches the device's own session timeout.
	DefaultSessionIdleTimeout = 30 * time.Second
)

// Client errors.
var (
	ErrNoConnector = errors.New("client: connector required")
	ErrNoKeys      = errors.New("client: static keys required")
	ErrClosed      = errors.New("client: closed")
)

// Config configures a Client.
type Config struct {
	// Connector reaches the device. The client closes it on Close.
	// Required.
	Connector transport.Connector

	// Keys are the static keys of the authentication key.
	// Required.
	Keys *securechannel.StaticKeys

	// AuthKeyID selects the authentication key on the device.
	// Default: securechannel.DefaultAuthKeyID (1)
	AuthKeyID uint16

	// Timeout bounds each exchange. Zero leaves timeouts to the connector.
	Timeout time.Duration

	// MaxCommandsPerSession replaces a session after this many commands.
	// Default: DefaultMaxCommandsPerSession
	MaxCommandsPerSession uint64

	// SessionIdleTimeout replaces a session unused for this long.
	// Default: DefaultSessionIdleTimeout
	SessionIdleTimeout time.Duration

	// Metrics records session and command metrics. Optional.
	Metrics *metrics.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Connector == nil {
		return ErrNoConnector
	}
	if c.Keys == nil {
		return ErrNoKeys
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AuthKeyID == 0 {
		c.AuthKeyID = securechannel.DefaultAuthKeyID
	}
	if c.MaxCommandsPerSession == 0 {
		c.MaxCommandsPerSession = DefaultMaxCommandsPerSession
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
}

// Client sends commands to one device.
type Client struct {
	config  Config
	metrics *metrics.Metrics
	log     logging.LeveledLogger

	// now is replaceable for tests.
	now func() time.Time

	// mu serializes commands and guards sess.
	mu     sync.Mutex
	sess   *session.Session
	closed bool
}

// New creates a client. No session is opened until the first command.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &Client{
		config:  config,
		metrics: config.Metrics,
		now:     time.Now,
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("client")
	}
	return c, nil
}

// Do runs one command, opening a session first if needed.
func (c *Client) Do(ctx context.Context, req command.Request, resp command.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	start := c.now()
	err = command.Do(ctx, sess, req, resp)
	c.metrics.ObserveCommand(req.Code().String(), commandStatus(err), c.now().Sub(start))

	if !sess.IsOpen() {
		// The channel failed during the command.
		c.dropSession("failed")
	} else if req.Code() == message.CommandCloseSession && err == nil {
		sess.Discard()
		c.dropSession("closed by command")
	}

	if err != nil && c.log != nil {
		c.log.Warnf("%s failed: %v", req.Code(), err)
	}
	return err
}

// session returns a usable session, replacing the current one if it is
// no longer fit for use. Caller must hold c.mu.
func (c *Client) session(ctx context.Context) (*session.Session, error) {
	if s := c.sess; s != nil {
		switch {
		case !s.IsOpen():
			c.dropSession("closed")
		case c.now().Sub(s.LastUsed()) > c.config.SessionIdleTimeout:
			// The device has already dropped it.
			s.Discard()
			c.dropSession("idle")
		case s.Commands() >= c.config.MaxCommandsPerSession:
			if err := s.Close(ctx); err != nil && c.log != nil {
				c.log.Debugf("closing exhausted session %d: %v", s.ID(), err)
			}
			c.dropSession("command budget reached")
		default:
			return s, nil
		}
	}

	s, err := session.Open(ctx, c.config.Connector, session.Config{
		Keys:          c.config.Keys,
		AuthKeyID:     c.config.AuthKeyID,
		Timeout:       c.config.Timeout,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		c.metrics.SessionFailed()
		return nil, err
	}

	c.sess = s
	c.metrics.SessionOpened()
	if c.log != nil {
		c.log.Debugf("opened session %d", s.ID())
	}
	return s, nil
}

// dropSession forgets the current session. Caller must hold c.mu.
func (c *Client) dropSession(reason string) {
	if c.sess == nil {
		return
	}
	if c.log != nil {
		c.log.Debugf("dropping session %d: %s", c.sess.ID(), reason)
	}
	c.sess = nil
	c.metrics.SessionClosed()
}

// SessionID returns the id of the current session, if one is open.
func (c *Client) SessionID() (securechannel.SessionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.IsOpen() {
		return 0, false
	}
	return c.sess.ID(), true
}

// Close closes the session, if any, and the connector.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.sess != nil {
		if err := c.sess.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.dropSession("client closed")
	}
	if err := c.config.Connector.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// commandStatus maps a command result to a metrics status label.
func commandStatus(err error) string {
	var devErr *message.DeviceError
	switch {
	case err == nil:
		return metrics.StatusSuccess
	case errors.As(err, &devErr):
		return metrics.StatusDeviceError
	default:
		return metrics.StatusError
	}
}

// Echo sends data to the device and returns the echoed bytes.
func (c *Client) Echo(ctx context.Context, data []byte) ([]byte, error) {
	var rsp command.EchoResponse
	if err := c.Do(ctx, &command.EchoRequest{Data: data}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// DeviceInfo returns the device version and serial number.
func (c *Client) DeviceInfo(ctx context.Context) (*command.DeviceInfo, error) {
	var info command.DeviceInfo
	if err := c.Do(ctx, &command.DeviceInfoRequest{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StorageInfo returns object storage usage.
func (c *Client) StorageInfo(ctx context.Context) (*command.StorageInfo, error) {
	var info command.StorageInfo
	if err := c.Do(ctx, &command.StorageInfoRequest{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PseudoRandom returns n bytes from the device DRBG.
func (c *Client) PseudoRandom(ctx context.Context, n uint16) ([]byte, error) {
	var rsp command.PseudoRandomResponse
	if err := c.Do(ctx, &command.PseudoRandomRequest{Length: n}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// Blink blinks the device LED for the given number of seconds.
func (c *Client) Blink(ctx context.Context, seconds uint8) error {
	return c.Do(ctx, &command.BlinkRequest{Seconds: seconds}, command.Empty{})
}
