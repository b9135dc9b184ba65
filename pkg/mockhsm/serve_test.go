package mockhsm

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/backkem/yubihsm/pkg/command"
	"github.com/backkem/yubihsm/pkg/session"
	"github.com/backkem/yubihsm/pkg/transport"
)

func TestServeConn_Pipe(t *testing.T) {
	h := New(Config{})
	pipe := transport.NewPipe()
	defer pipe.Close()

	done := make(chan error, 1)
	go func() { done <- h.ServeConn(pipe.DeviceConn()) }()

	conn := transport.NewPipeConnector(pipe, transport.PipeConnectorConfig{Timeout: time.Second})
	defer conn.Close()

	ctx := context.Background()
	sess, err := session.Open(ctx, conn, session.Config{Keys: defaultKeys()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var echo command.EchoResponse
	if err := command.Do(ctx, sess, &command.EchoRequest{Data: []byte("over the pipe")}, &echo); err != nil {
		t.Fatalf("Do(Echo) error = %v", err)
	}
	if string(echo.Data) != "over the pipe" {
		t.Errorf("echo = %q", echo.Data)
	}

	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", h.SessionCount())
	}

	pipe.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeConn did not return after the pipe closed")
	}
}

func TestHandler_API(t *testing.T) {
	h := New(Config{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	conn, err := transport.NewHTTPConnector(transport.HTTPConfig{Address: host, Port: port, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPConnector() error = %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	status, err := conn.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.OK() || status.Serial != transport.SerialNumber(DefaultSerial).String() {
		t.Errorf("Status() = %+v", status)
	}

	sess, err := session.Open(ctx, conn, session.Config{Keys: defaultKeys()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sess.Close(ctx)

	var random command.PseudoRandomResponse
	if err := command.Do(ctx, sess, &command.PseudoRandomRequest{Length: 16}, &random); err != nil {
		t.Fatalf("Do(GetPseudoRandom) error = %v", err)
	}
	if len(random.Data) != 16 {
		t.Errorf("got %d random bytes, want 16", len(random.Data))
	}
}

func TestHandler_Errors(t *testing.T) {
	h := New(Config{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/connector/api", "application/octet-stream", bytes.NewReader(make([]byte, 3000)))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized POST status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}

	resp, err = http.Get(srv.URL + "/connector/api")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /connector/api status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}
