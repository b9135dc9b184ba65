package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/pion/logging"
)

// yubihsm-connector defaults.
const (
	DefaultHTTPAddress = "127.0.0.1"
	DefaultHTTPPort    = 12345
	DefaultHTTPTimeout = 5 * time.Second
)

// Connector API paths.
const (
	apiPath    = "/connector/api"
	statusPath = "/connector/status"
)

// UserAgent is sent with every HTTP request.
const UserAgent = "yubihsm-go"

// RequestIDHeader carries the per-exchange request id.
const RequestIDHeader = "X-Request-ID"

// maxStatusSize bounds the status document.
const maxStatusSize = 4096

// HTTPConfig configures an HTTPConnector.
type HTTPConfig struct {
	// Address is the host yubihsm-connector listens on.
	// Default: 127.0.0.1
	Address string

	// Port is the yubihsm-connector port.
	// Default: 12345
	Port int

	// Timeout bounds every request.
	// Default: 5s
	Timeout time.Duration

	// Client is an optional HTTP client. Its Timeout is ignored in favor of
	// Timeout.
	Client *http.Client

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *HTTPConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = DefaultHTTPAddress
	}
	if c.Port == 0 {
		c.Port = DefaultHTTPPort
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultHTTPTimeout
	}
}

// HTTPConnector sends messages to yubihsm-connector. Each Send performs one
// POST to /connector/api and buffers the response for Receive.
type HTTPConnector struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	log     logging.LeveledLogger

	mu      sync.Mutex
	pending []byte
	hasResp bool
	closed  bool
}

// NewHTTPConnector creates a connector for the configured yubihsm-connector.
// No connection is made until the first request.
func NewHTTPConnector(config HTTPConfig) (*HTTPConnector, error) {
	config.applyDefaults()

	if config.Port < 0 || config.Port > 0xFFFF {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidAddress, config.Port)
	}
	if strings.ContainsAny(config.Address, "/?#") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, config.Address)
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	c := &HTTPConnector{
		baseURL: "http://" + net.JoinHostPort(config.Address, strconv.Itoa(config.Port)),
		timeout: config.Timeout,
		client:  client,
	}

	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("transport-http")
	}

	return c, nil
}

// URL returns the base URL of the connector.
func (c *HTTPConnector) URL() string {
	return c.baseURL
}

// Send posts msg to /connector/api and stores the response body.
func (c *HTTPConnector) Send(ctx context.Context, msg []byte) error {
	if err := checkMessageSize(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.pending, c.hasResp = nil, false

	id := requestID(ctx)
	start := time.Now()

	body, err := c.do(ctx, http.MethodPost, apiPath, msg, id.String(), message.MaxMessageSize)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("POST %s failed: uuid=%s err=%v", apiPath, id, err)
		}
		return err
	}

	if c.log != nil {
		c.log.Debugf("POST %s uuid=%s len=%d rsp=%d t=%s", apiPath, id, len(msg), len(body), time.Since(start))
	}

	c.pending, c.hasResp = body, true
	return nil
}

// Receive returns the response to the last Send.
func (c *HTTPConnector) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.hasResp {
		return nil, ErrNoPendingResponse
	}
	rsp := c.pending
	c.pending, c.hasResp = nil, false
	return rsp, nil
}

// Reset drops any buffered response and closes idle connections so the
// next request opens a fresh one.
func (c *HTTPConnector) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.pending, c.hasResp = nil, false
	c.client.CloseIdleConnections()

	if c.log != nil {
		c.log.Debug("connector reset")
	}
	return nil
}

// Close releases idle connections. Further calls fail with ErrClosed.
func (c *HTTPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.pending, c.hasResp = nil, false
	c.client.CloseIdleConnections()
	return nil
}

// Status queries /connector/status.
func (c *HTTPConnector) Status(ctx context.Context) (*ConnectorStatus, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	body, err := c.do(ctx, http.MethodGet, statusPath, nil, requestID(ctx).String(), maxStatusSize)
	if err != nil {
		return nil, err
	}
	return ParseConnectorStatus(string(body))
}

// do performs one request and returns a body of at most limit bytes.
func (c *HTTPConnector) do(ctx context.Context, method, path string, body []byte, id string, limit int) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(RequestIDHeader, id)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, timeoutError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s: %s", ErrUnexpectedStatus, method, path, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, timeoutError(err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

// ConnectorStatus is the parsed /connector/status document.
type ConnectorStatus struct {
	// Status is "OK" when the connector can reach a device.
	Status string

	// Serial is the device serial number, or "*" for any device.
	Serial string

	// Version is the yubihsm-connector version.
	Version string

	// PID is the connector's process id.
	PID int

	// Address is the address the connector listens on.
	Address string

	// Port is the port the connector listens on.
	Port int
}

// OK returns true if the connector reported status OK.
func (s *ConnectorStatus) OK() bool {
	return s.Status == "OK"
}

// String renders the status in the connector's key=value format.
func (s *ConnectorStatus) String() string {
	return fmt.Sprintf("status=%s\nserial=%s\nversion=%s\npid=%d\naddress=%s\nport=%d\n",
		s.Status, s.Serial, s.Version, s.PID, s.Address, s.Port)
}

// ParseConnectorStatus parses the key=value lines returned by
// /connector/status. Unknown keys are ignored.
func ParseConnectorStatus(body string) (*ConnectorStatus, error) {
	s := &ConnectorStatus{}
	seen := false

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("transport: malformed status line %q", line)
		}

		var err error
		switch key {
		case "status":
			s.Status = value
			seen = true
		case "serial":
			s.Serial = value
		case "version":
			s.Version = value
		case "pid":
			s.PID, err = strconv.Atoi(value)
		case "address":
			s.Address = value
		case "port":
			s.Port, err = strconv.Atoi(value)
		}
		if err != nil {
			return nil, fmt.Errorf("transport: invalid status %s %q: %w", key, value, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !seen {
		return nil, fmt.Errorf("transport: status document has no status line")
	}
	return s, nil
}
