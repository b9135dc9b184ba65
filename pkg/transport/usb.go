package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/google/gousb"
	"github.com/pion/logging"
)

// YubiHSM2 USB identifiers.
const (
	YubicoVendorID    gousb.ID = 0x1050
	YubiHSM2ProductID gousb.ID = 0x0030

	usbConfigNum    = 1
	usbInterfaceNum = 0
	usbAltSetting   = 0
	usbOutEndpoint  = 0x01
	usbInEndpoint   = 0x81

	// usbPacketSize is the bulk endpoint packet size. A write whose length
	// is a multiple of it must be terminated by a zero-length packet.
	usbPacketSize = 64
)

// DefaultUSBTimeout bounds every USB transfer.
const DefaultUSBTimeout = 30 * time.Second

// usbDrainTimeout bounds the read that discards stale data on open.
const usbDrainTimeout = time.Millisecond

// USBProviderConfig configures a USBProvider.
type USBProviderConfig struct {
	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// USBProvider owns the libusb context used to enumerate and open devices.
// Create one per process and pass it to whatever needs USB access.
type USBProvider struct {
	ctx           *gousb.Context
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// NewUSBProvider initializes libusb.
func NewUSBProvider(config USBProviderConfig) *USBProvider {
	p := &USBProvider{
		ctx:           gousb.NewContext(),
		loggerFactory: config.LoggerFactory,
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-usb")
	}
	return p
}

// Close releases the libusb context. Connectors opened from the provider
// must be closed first.
func (p *USBProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ctx.Close()
}

// usbDevice is an opened YubiHSM2 with its serial number.
type usbDevice struct {
	serial SerialNumber
	dev    *gousb.Device
}

// openDevices opens every attached YubiHSM2.
func (p *USBProvider) openDevices() ([]usbDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	devs, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == YubicoVendorID && desc.Product == YubiHSM2ProductID
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("transport: enumerating USB devices: %w", err)
	}

	found := make([]usbDevice, 0, len(devs))
	for _, dev := range devs {
		s, err := dev.SerialNumber()
		if err != nil {
			if p.log != nil {
				p.log.Warnf("USB(%s): reading serial number: %v", dev, err)
			}
			dev.Close()
			continue
		}
		serial, err := ParseSerialNumber(s)
		if err != nil {
			dev.Close()
			continue
		}
		if p.log != nil {
			p.log.Debugf("USB(%s): found YubiHSM 2 serial=%s", dev, serial)
		}
		found = append(found, usbDevice{serial: serial, dev: dev})
	}
	return found, nil
}

// SerialNumbers returns the serial numbers of all attached devices.
func (p *USBProvider) SerialNumbers() ([]SerialNumber, error) {
	devs, err := p.openDevices()
	if err != nil {
		return nil, err
	}
	serials := make([]SerialNumber, 0, len(devs))
	for _, d := range devs {
		serials = append(serials, d.serial)
		d.dev.Close()
	}
	return serials, nil
}

// selectDevice opens the device with the given serial number, or the only
// attached device when serial is nil.
func (p *USBProvider) selectDevice(serial *SerialNumber) (usbDevice, error) {
	devs, err := p.openDevices()
	if err != nil {
		return usbDevice{}, err
	}

	var chosen *usbDevice
	switch {
	case serial != nil:
		for i := range devs {
			if devs[i].serial == *serial {
				chosen = &devs[i]
				break
			}
		}
		if chosen == nil {
			err = fmt.Errorf("%w: serial %s", ErrDeviceNotFound, *serial)
		}
	case len(devs) == 1:
		chosen = &devs[0]
	case len(devs) == 0:
		err = ErrDeviceNotFound
	default:
		err = fmt.Errorf("%w: found %d", ErrMultipleDevices, len(devs))
	}

	for i := range devs {
		if chosen == nil || devs[i].dev != chosen.dev {
			devs[i].dev.Close()
		}
	}
	if err != nil {
		return usbDevice{}, err
	}
	return *chosen, nil
}

// USBConfig configures a USBConnector.
type USBConfig struct {
	// Serial selects the device. If nil, exactly one device must be attached.
	Serial *SerialNumber

	// Timeout bounds every transfer.
	// Default: 30s
	Timeout time.Duration
}

// USBConnector exchanges messages with a YubiHSM2 over USB bulk transfers.
type USBConnector struct {
	provider *USBProvider
	serial   SerialNumber
	timeout  time.Duration
	log      logging.LeveledLogger

	mu     sync.Mutex
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
	closed bool
}

// Open opens a device and returns a connector for it.
func (p *USBProvider) Open(config USBConfig) (*USBConnector, error) {
	if config.Timeout == 0 {
		config.Timeout = DefaultUSBTimeout
	}

	d, err := p.selectDevice(config.Serial)
	if err != nil {
		return nil, err
	}

	c := &USBConnector{
		provider: p,
		serial:   d.serial,
		timeout:  config.Timeout,
	}
	if p.loggerFactory != nil {
		c.log = p.loggerFactory.NewLogger("transport-usb")
	}

	if err := c.attach(d.dev); err != nil {
		return nil, err
	}
	return c, nil
}

// Serial returns the serial number of the opened device.
func (c *USBConnector) Serial() SerialNumber {
	return c.serial
}

// attach resets the device, claims its interface and drains stale data.
// Caller must hold c.mu or own c exclusively.
func (c *USBConnector) attach(dev *gousb.Device) error {
	dev.ControlTimeout = c.timeout

	if err := dev.Reset(); err != nil {
		dev.Close()
		return fmt.Errorf("transport: USB(%s) reset (already in use or disconnected?): %w", c.serial, err)
	}
	if err := dev.SetAutoDetach(true); err != nil && c.log != nil {
		c.log.Debugf("USB(%s): auto detach unsupported: %v", c.serial, err)
	}

	cfg, err := dev.Config(usbConfigNum)
	if err != nil {
		dev.Close()
		return fmt.Errorf("transport: USB(%s) config: %w", c.serial, err)
	}
	intf, err := cfg.Interface(usbInterfaceNum, usbAltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		return fmt.Errorf("transport: USB(%s) claim interface: %w", c.serial, err)
	}
	out, err := intf.OutEndpoint(usbOutEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("transport: USB(%s) OUT endpoint: %w", c.serial, err)
	}
	in, err := intf.InEndpoint(usbInEndpoint & 0x0F)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("transport: USB(%s) IN endpoint: %w", c.serial, err)
	}

	c.dev, c.cfg, c.intf, c.out, c.in = dev, cfg, intf, out, in
	c.drain()

	if c.log != nil {
		c.log.Infof("USB(%s): opened YubiHSM 2", c.serial)
	}
	return nil
}

// drain discards data left over from an earlier session.
func (c *USBConnector) drain() {
	buf := make([]byte, message.MaxMessageSize)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), usbDrainTimeout)
		n, err := c.in.ReadContext(ctx, buf)
		cancel()
		if err != nil || n == 0 {
			return
		}
		if c.log != nil {
			c.log.Debugf("USB(%s): discarded %d stale bytes", c.serial, n)
		}
	}
}

// detach releases the interface and device. Caller must hold c.mu.
func (c *USBConnector) detach() error {
	var errs []error
	if c.intf != nil {
		c.intf.Close()
	}
	if c.cfg != nil {
		if err := c.cfg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.dev, c.cfg, c.intf, c.out, c.in = nil, nil, nil, nil, nil
	return errors.Join(errs...)
}

// Send writes msg to the bulk OUT endpoint.
func (c *USBConnector) Send(ctx context.Context, msg []byte) error {
	if err := checkMessageSize(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.out == nil {
		return ErrClosed
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.out.WriteContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("transport: USB(%s) write: %w", c.serial, timeoutError(err))
	}
	if n != len(msg) {
		return fmt.Errorf("transport: USB(%s) short write: %d of %d bytes", c.serial, n, len(msg))
	}
	if len(msg)%usbPacketSize == 0 {
		if _, err := c.out.WriteContext(ctx, nil); err != nil {
			return fmt.Errorf("transport: USB(%s) zero-length packet: %w", c.serial, timeoutError(err))
		}
	}

	if c.log != nil {
		c.log.Tracef("USB(%s): sent %d bytes uuid=%s", c.serial, len(msg), requestID(ctx))
	}
	return nil
}

// Receive reads one response from the bulk IN endpoint.
func (c *USBConnector) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.in == nil {
		return nil, ErrClosed
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	buf := make([]byte, message.MaxMessageSize+usbPacketSize)
	n, err := c.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("transport: USB(%s) read: %w", c.serial, timeoutError(err))
	}
	if n > message.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, n)
	}

	if c.log != nil {
		c.log.Tracef("USB(%s): received %d bytes", c.serial, n)
	}
	return buf[:n], nil
}

// Reset reopens the device by serial number.
func (c *USBConnector) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.detach(); err != nil && c.log != nil {
		c.log.Warnf("USB(%s): closing before reset: %v", c.serial, err)
	}

	serial := c.serial
	d, err := c.provider.selectDevice(&serial)
	if err != nil {
		return err
	}
	return c.attach(d.dev)
}

// Close releases the device.
func (c *USBConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.detach()
}
