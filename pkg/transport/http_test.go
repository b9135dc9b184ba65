package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/backkem/yubihsm/pkg/message"
	"github.com/google/uuid"
)

// newTestConnector points an HTTPConnector at srv.
func newTestConnector(t *testing.T, srv *httptest.Server, timeout time.Duration) *HTTPConnector {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	c, err := NewHTTPConnector(HTTPConfig{
		Address: host,
		Port:    port,
		Timeout: timeout,
		Client:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPConnector() error = %v", err)
	}
	return c
}

func TestHTTPConnector_Exchange(t *testing.T) {
	var gotID, gotAgent, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != apiPath {
			http.NotFound(w, r)
			return
		}
		gotID = r.Header.Get(RequestIDHeader)
		gotAgent = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, time.Second)
	defer c.Close()

	id := uuid.New()
	ctx := WithRequestID(context.Background(), id)
	msg := []byte{0x01, 0x00, 0x02, 0xAA, 0xBB}

	got, err := Exchange(ctx, c, msg)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("Exchange() = %x, want %x", got, msg)
	}
	if gotID != id.String() {
		t.Errorf("%s = %q, want %q", RequestIDHeader, gotID, id)
	}
	if gotAgent != UserAgent {
		t.Errorf("User-Agent = %q, want %q", gotAgent, UserAgent)
	}
	if gotType != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", gotType)
	}

	// The response is consumed by the first Receive.
	if _, err := c.Receive(ctx); !errors.Is(err, ErrNoPendingResponse) {
		t.Errorf("second Receive() error = %v, want ErrNoPendingResponse", err)
	}
}

func TestHTTPConnector_GeneratesRequestID(t *testing.T) {
	ids := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, time.Second)
	defer c.Close()

	for i := 0; i < 2; i++ {
		if err := c.Send(context.Background(), []byte{0x01, 0x00, 0x00}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	first, second := <-ids, <-ids
	if _, err := uuid.Parse(first); err != nil {
		t.Errorf("request id %q is not a UUID: %v", first, err)
	}
	if first == second {
		t.Error("request ids should differ between exchanges")
	}
}

func TestHTTPConnector_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no device", http.StatusServiceUnavailable)
			},
			wantErr: ErrUnexpectedStatus,
		},
		{
			name: "oversized response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write(make([]byte, message.MaxMessageSize+1))
			},
			wantErr: ErrResponseTooLarge,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			},
			wantErr: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newTestConnector(t, srv, 50*time.Millisecond)
			defer c.Close()

			err := c.Send(context.Background(), []byte{0x01, 0x00, 0x00})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
			if _, err := c.Receive(context.Background()); !errors.Is(err, ErrNoPendingResponse) {
				t.Errorf("Receive() after failed Send error = %v, want ErrNoPendingResponse", err)
			}
		})
	}
}

func TestHTTPConnector_MessageTooLargeBeforeIO(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, time.Second)
	defer c.Close()

	err := c.Send(context.Background(), make([]byte, message.MaxMessageSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Send() error = %v, want ErrMessageTooLarge", err)
	}
	if called {
		t.Error("oversized message reached the server")
	}
}

func TestHTTPConnector_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != statusPath {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "status=OK\nserial=*\nversion=3.0.4\npid=4242\naddress=localhost\nport=12345\n")
	}))
	defer srv.Close()

	c := newTestConnector(t, srv, time.Second)
	defer c.Close()

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.OK() {
		t.Errorf("Status().OK() = false, want true")
	}
	if status.Version != "3.0.4" || status.PID != 4242 || status.Port != 12345 {
		t.Errorf("Status() = %+v", status)
	}
}

func TestHTTPConnector_Closed(t *testing.T) {
	c, err := NewHTTPConnector(HTTPConfig{})
	if err != nil {
		t.Fatalf("NewHTTPConnector() error = %v", err)
	}
	c.Close()

	if err := c.Send(context.Background(), []byte{0x01, 0x00, 0x00}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() error = %v, want ErrClosed", err)
	}
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Status() error = %v, want ErrClosed", err)
	}
}

func TestNewHTTPConnector(t *testing.T) {
	tests := []struct {
		name    string
		config  HTTPConfig
		wantURL string
		wantErr bool
	}{
		{"defaults", HTTPConfig{}, "http://127.0.0.1:12345", false},
		{"custom", HTTPConfig{Address: "hsm.local", Port: 8080}, "http://hsm.local:8080", false},
		{"ipv6", HTTPConfig{Address: "::1"}, "http://[::1]:12345", false},
		{"bad port", HTTPConfig{Port: 70000}, "", true},
		{"path in address", HTTPConfig{Address: "host/api"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewHTTPConnector(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewHTTPConnector() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("error = %v, want ErrInvalidAddress", err)
				}
				return
			}
			if c.URL() != tt.wantURL {
				t.Errorf("URL() = %q, want %q", c.URL(), tt.wantURL)
			}
		})
	}
}

func TestParseConnectorStatus(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    ConnectorStatus
		wantErr bool
	}{
		{
			name: "full",
			body: "status=OK\nserial=0012345678\nversion=3.0.4\npid=1\naddress=127.0.0.1\nport=12345\n",
			want: ConnectorStatus{Status: "OK", Serial: "0012345678", Version: "3.0.4", PID: 1, Address: "127.0.0.1", Port: 12345},
		},
		{
			name: "unknown keys ignored",
			body: "status=NO_DEVICE\nextra=1\n",
			want: ConnectorStatus{Status: "NO_DEVICE"},
		},
		{name: "missing status", body: "serial=*\n", wantErr: true},
		{name: "malformed line", body: "status=OK\ngarbage\n", wantErr: true},
		{name: "bad pid", body: "status=OK\npid=abc\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectorStatus(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseConnectorStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if *got != tt.want {
				t.Errorf("ParseConnectorStatus() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestConnectorStatus_StringRoundTrip(t *testing.T) {
	s := ConnectorStatus{Status: "OK", Serial: "*", Version: "3.0.4", PID: 7, Address: "localhost", Port: 12345}
	got, err := ParseConnectorStatus(s.String())
	if err != nil {
		t.Fatalf("ParseConnectorStatus() error = %v", err)
	}
	if *got != s {
		t.Errorf("round trip = %+v, want %+v", *got, s)
	}
}
