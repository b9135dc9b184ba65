package transport

import (
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures link behavior simulation.
// Use this to test session behavior when messages are lost or slow.
type NetworkCondition struct {
	// DropRate is the probability of dropping a message (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each message.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each message.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic message delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for messages.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe provides bidirectional in-memory message delivery between a host
// endpoint and a device endpoint. It wraps pion's test.Bridge, which keeps
// message boundaries, and adds link condition simulation.
//
// By default, Pipe automatically delivers messages in a background goroutine.
// Use SetAutoProcess(false) or NewPipeWithConfig for manual control.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

// startAutoProcess starts the background message delivery goroutine.
func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic message delivery.
// When disabled, you must call Tick() or Process() manually.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures link condition simulation.
// The conditions apply to messages in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current link condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// HostConn returns the host endpoint.
func (p *Pipe) HostConn() net.Conn {
	return p.hostConn()
}

func (p *Pipe) hostConn() *taggedConn {
	return &taggedConn{Conn: &conditionedConn{Conn: p.bridge.GetConn0(), pipe: p}}
}

// DeviceConn returns the device endpoint.
func (p *Pipe) DeviceConn() net.Conn {
	return &taggedConn{Conn: &conditionedConn{Conn: p.bridge.GetConn1(), pipe: p}}
}

// Tick delivers one message in each direction (if available).
// Returns the number of messages delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued messages.
// Returns the number of messages delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	// Wait for goroutine outside lock
	p.wg.Wait()

	var errs []error
	if err := p.bridge.GetConn0().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.bridge.GetConn1().Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// conditionedConn applies the pipe's NetworkCondition to writes.
type conditionedConn struct {
	net.Conn
	pipe *Pipe
}

// Write sends b as one message, unless the link drops it.
func (c *conditionedConn) Write(b []byte) (int, error) {
	c.pipe.mu.RLock()
	cond := c.pipe.condition
	rng := c.pipe.rng
	c.pipe.mu.RUnlock()

	if cond.DropRate > 0 && rng.Float64() < cond.DropRate {
		return len(b), nil // Silently drop
	}

	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	msg := make([]byte, len(b))
	copy(msg, b)
	return c.Conn.Write(msg)
}

// exchangeTagSize is the length of the tag that prefixes every message
// between the two endpoints of a Pipe.
const exchangeTagSize = 4

// taggedConn carries an exchange tag with every message. Write sends the tag
// of the last message read, so a device endpoint answers with the tag of the
// request it answers. A PipeConnector sends its own tag and uses it to tell
// late answers from current ones.
type taggedConn struct {
	net.Conn

	mu  sync.Mutex
	tag uint32
}

// Read returns the next message without its tag.
func (c *taggedConn) Read(b []byte) (int, error) {
	n, _, err := c.readTagged(b)
	return n, err
}

func (c *taggedConn) readTagged(b []byte) (int, uint32, error) {
	buf := make([]byte, len(b)+exchangeTagSize)
	n, err := c.Conn.Read(buf)
	if err != nil {
		return 0, 0, err
	}
	if n < exchangeTagSize {
		return 0, 0, ErrUntaggedMessage
	}
	tag := binary.BigEndian.Uint32(buf)

	c.mu.Lock()
	c.tag = tag
	c.mu.Unlock()

	return copy(b, buf[exchangeTagSize:n]), tag, nil
}

// Write sends b tagged like the last message read.
func (c *taggedConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	tag := c.tag
	c.mu.Unlock()
	return c.writeTagged(b, tag)
}

func (c *taggedConn) writeTagged(b []byte, tag uint32) (int, error) {
	msg := make([]byte, exchangeTagSize+len(b))
	binary.BigEndian.PutUint32(msg, tag)
	copy(msg[exchangeTagSize:], b)
	if _, err := c.Conn.Write(msg); err != nil {
		return 0, err
	}
	return len(b), nil
}

// pipeMessage is a received message and the tag it arrived with.
type pipeMessage struct {
	tag  uint32
	data []byte
}

// DefaultPipeTimeout bounds every pipe receive.
const DefaultPipeTimeout = 5 * time.Second

// PipeConnectorConfig configures a PipeConnector.
type PipeConnectorConfig struct {
	// Timeout bounds every Receive.
	// Default: 5s
	Timeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// PipeConnector is a Connector over the host endpoint of a Pipe.
//
// Every message is sent with the connector's current epoch as its exchange
// tag. Reset starts a new epoch, and Receive discards answers tagged with an
// earlier one, so a reply that arrives after its exchange timed out is never
// taken for the answer to a later message.
type PipeConnector struct {
	conn    *taggedConn
	timeout time.Duration
	log     logging.LeveledLogger

	// A reader goroutine moves messages from conn to recvCh so that
	// Receive can honor timeouts.
	recvCh  chan pipeMessage
	readErr error
	doneCh  chan struct{}
	stopCh  chan struct{}

	mu     sync.Mutex
	epoch  uint32
	closed bool
}

// NewPipeConnector creates a connector on the host endpoint of p.
func NewPipeConnector(p *Pipe, config PipeConnectorConfig) *PipeConnector {
	if config.Timeout == 0 {
		config.Timeout = DefaultPipeTimeout
	}

	c := &PipeConnector{
		conn:    p.hostConn(),
		timeout: config.Timeout,
		recvCh:  make(chan pipeMessage, 1),
		doneCh:  make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("transport-pipe")
	}

	go c.readLoop()
	return c
}

// readLoop forwards received messages until the endpoint closes.
func (c *PipeConnector) readLoop() {
	defer close(c.doneCh)
	for {
		// One spare byte detects oversized messages.
		buf := make([]byte, message.MaxMessageSize+1)
		n, tag, err := c.conn.readTagged(buf)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.recvCh <- pipeMessage{tag: tag, data: buf[:n]}:
		case <-c.stopCh:
			return
		}
	}
}

// Send writes msg to the device endpoint.
func (c *PipeConnector) Send(ctx context.Context, msg []byte) error {
	if err := checkMessageSize(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return timeoutError(err)
	}

	if _, err := c.conn.writeTagged(msg, c.epoch); err != nil {
		return err
	}
	if c.log != nil {
		c.log.Tracef("sent %d bytes epoch=%d uuid=%s", len(msg), c.epoch, requestID(ctx))
	}
	return nil
}

// Receive waits for the next message from the device endpoint.
func (c *PipeConnector) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	for {
		select {
		case msg := <-c.recvCh:
			if msg.tag != c.epoch {
				if c.log != nil {
					c.log.Debugf("discarded %d bytes from epoch %d, current %d", len(msg.data), msg.tag, c.epoch)
				}
				continue
			}
			if len(msg.data) > message.MaxMessageSize {
				return nil, ErrResponseTooLarge
			}
			if c.log != nil {
				c.log.Tracef("received %d bytes", len(msg.data))
			}
			return msg.data, nil
		case <-c.doneCh:
			if c.readErr == io.EOF {
				return nil, ErrClosed
			}
			return nil, c.readErr
		case <-ctx.Done():
			return nil, timeoutError(ctx.Err())
		}
	}
}

// Reset starts a new epoch. Messages already received are dropped, and
// answers to messages sent before the reset are discarded when they arrive.
func (c *PipeConnector) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.epoch++
	for {
		select {
		case msg := <-c.recvCh:
			if c.log != nil {
				c.log.Debugf("reset discarded %d stale bytes", len(msg.data))
			}
		default:
			if c.log != nil {
				c.log.Debugf("reset, epoch %d", c.epoch)
			}
			return nil
		}
	}
}

// Close closes the host endpoint.
func (c *PipeConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)
	return c.conn.Close()
}
