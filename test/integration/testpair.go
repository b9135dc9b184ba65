// Package integration provides test infrastructure for end-to-end tests of
// the client against a simulated device.
package integration

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/backkem/yubihsm/pkg/client"
	"github.com/backkem/yubihsm/pkg/metrics"
	"github.com/backkem/yubihsm/pkg/mockhsm"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Link selects how the client reaches the simulated device.
type Link int

const (
	// LinkDirect calls the device in-process.
	LinkDirect Link = iota
	// LinkPipe runs the device behind an in-memory network pipe.
	LinkPipe
	// LinkHTTP runs the device behind an emulated yubihsm-connector.
	LinkHTTP
)

// String returns the name of the link.
func (l Link) String() string {
	switch l {
	case LinkDirect:
		return "direct"
	case LinkPipe:
		return "pipe"
	case LinkHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Links lists every link, for table-driven tests.
var Links = []Link{LinkDirect, LinkPipe, LinkHTTP}

// TestPair holds a simulated device and a client connected to it.
//
// Example usage:
//
//	pair := NewTestPair(t, LinkHTTP)
//	defer pair.Close()
//	info, err := pair.Client.DeviceInfo(pair.Context())
type TestPair struct {
	// HSM is the simulated device.
	HSM *mockhsm.HSM

	// Client talks to HSM.
	Client *client.Client

	// Connector is the client's connector.
	Connector transport.Connector

	// Registry holds the client's metrics.
	Registry *prometheus.Registry

	// Metrics are the client's collectors.
	Metrics *metrics.Metrics

	// Pipe is the network pipe for LinkPipe, nil otherwise.
	Pipe *transport.Pipe

	t        *testing.T
	cleanups []func()
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// Link selects the transport between client and device.
	Link Link

	// Device overrides the simulated device configuration.
	Device mockhsm.Config

	// Client overrides the client configuration. Connector, Metrics and an
	// empty Keys are filled in.
	Client client.Config

	// Timeout bounds each exchange.
	// Defaults to 2 seconds.
	Timeout time.Duration

	// LoggerFactory for logging. If nil, uses DefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory
}

// NewTestPair creates a device and client pair with default configuration.
func NewTestPair(t *testing.T, link Link) *TestPair {
	return NewTestPairWithConfig(t, TestPairConfig{Link: link})
}

// NewTestPairWithConfig creates a test pair with custom configuration.
func NewTestPairWithConfig(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	if config.Device.LoggerFactory == nil {
		config.Device.LoggerFactory = loggerFactory
	}
	p := &TestPair{
		HSM:      mockhsm.New(config.Device),
		Registry: prometheus.NewRegistry(),
		t:        t,
	}
	p.Metrics = metrics.New(p.Registry)

	switch config.Link {
	case LinkDirect:
		p.Connector = mockhsm.NewConnector(p.HSM)

	case LinkPipe:
		p.Pipe = transport.NewPipe()
		go p.HSM.ServeConn(p.Pipe.DeviceConn())
		p.Connector = transport.NewPipeConnector(p.Pipe, transport.PipeConnectorConfig{
			Timeout:       config.Timeout,
			LoggerFactory: loggerFactory,
		})
		p.cleanups = append(p.cleanups, func() { p.Pipe.Close() })

	case LinkHTTP:
		srv := httptest.NewServer(p.HSM.Handler())
		p.cleanups = append(p.cleanups, srv.Close)

		host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
		port, _ := strconv.Atoi(portStr)
		conn, err := transport.NewHTTPConnector(transport.HTTPConfig{
			Address:       host,
			Port:          port,
			Timeout:       config.Timeout,
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			p.Close()
			t.Fatalf("NewHTTPConnector failed: %v", err)
		}
		p.Connector = conn

	default:
		t.Fatalf("unknown link %d", config.Link)
	}

	clientConfig := config.Client
	clientConfig.Connector = p.Connector
	clientConfig.Metrics = p.Metrics
	clientConfig.LoggerFactory = loggerFactory
	if clientConfig.Keys == nil {
		clientConfig.Keys = securechannel.StaticKeysFromPassword(securechannel.DefaultPassword)
	}

	c, err := client.New(clientConfig)
	if err != nil {
		p.Close()
		t.Fatalf("client.New failed: %v", err)
	}
	p.Client = c
	return p
}

// Close cleans up resources used by the pair.
// Should be called with defer after creating the pair.
func (p *TestPair) Close() {
	if p.Client != nil {
		p.Client.Close(context.Background())
	} else if p.Connector != nil {
		p.Connector.Close()
	}
	for i := len(p.cleanups) - 1; i >= 0; i-- {
		p.cleanups[i]()
	}
}

// Context returns a context for operations on this pair.
func (p *TestPair) Context() context.Context {
	return p.ContextWithTimeout(10 * time.Second)
}

// ContextWithTimeout returns a context with custom timeout, canceled when
// the test ends.
func (p *TestPair) ContextWithTimeout(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	p.t.Cleanup(cancel)
	return ctx
}
