package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/backkem/yubihsm/pkg/message"
)

// echoDevice answers every message on conn with the same bytes.
func echoDevice(conn net.Conn) {
	buf := make([]byte, message.MaxMessageSize+1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
	}
}

// TestPipe_AutoProcess verifies that messages flow automatically by default.
func TestPipe_AutoProcess(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	if !pipe.AutoProcess() {
		t.Fatal("AutoProcess should be true by default")
	}

	host := pipe.HostConn()
	device := pipe.DeviceConn()

	testData := []byte("auto-delivered message")
	done := make(chan error, 1)

	go func() {
		buf := make([]byte, 100)
		n, err := device.Read(buf)
		if err != nil {
			done <- err
			return
		}
		if !bytes.Equal(buf[:n], testData) {
			done <- errors.New("data mismatch")
			return
		}
		done <- nil
	}()

	if _, err := host.Write(testData); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout - auto-process may not be working")
	}
}

func TestPipe_Tick(t *testing.T) {
	pipe := NewPipeWithConfig(PipeConfig{AutoProcess: false})
	defer pipe.Close()

	if pipe.AutoProcess() {
		t.Fatal("AutoProcess should be false")
	}

	host := pipe.HostConn()
	device := pipe.DeviceConn()

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 100)
		n, _ := device.Read(buf)
		received <- string(buf[:n])
	}()

	host.Write([]byte("msg1"))

	select {
	case <-received:
		t.Fatal("message delivered without Tick")
	case <-time.After(20 * time.Millisecond):
	}

	if pipe.Tick() == 0 {
		t.Error("Tick should return > 0 when messages are pending")
	}

	select {
	case m := <-received:
		if m != "msg1" {
			t.Errorf("message = %q, want %q", m, "msg1")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	if n := pipe.Process(); n != 0 {
		t.Errorf("Process() = %d with empty queue, want 0", n)
	}
}

func TestPipe_SetAutoProcess(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	pipe.SetAutoProcess(false)
	if pipe.AutoProcess() {
		t.Error("AutoProcess should be false after disabling")
	}

	pipe.SetAutoProcess(true)
	if !pipe.AutoProcess() {
		t.Error("AutoProcess should be true after re-enabling")
	}
}

func TestPipeConfig_Defaults(t *testing.T) {
	config := DefaultPipeConfig()

	if !config.AutoProcess {
		t.Error("AutoProcess should be true by default")
	}
	if config.ProcessInterval != 1*time.Millisecond {
		t.Errorf("ProcessInterval = %v, want 1ms", config.ProcessInterval)
	}
}

func TestPipe_Close(t *testing.T) {
	pipe := NewPipe()

	if err := pipe.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestPipeConnector_Exchange(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	go echoDevice(pipe.DeviceConn())

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: time.Second})
	defer conn.Close()

	tests := []struct {
		name string
		msg  []byte
	}{
		{"header only", []byte{0x01, 0x00, 0x00}},
		{"small", []byte{0x05, 0x00, 0x02, 0xAA, 0xBB}},
		{"max size", make([]byte, message.MaxMessageSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Exchange(context.Background(), conn, tt.msg)
			if err != nil {
				t.Fatalf("Exchange() error = %v", err)
			}
			if !bytes.Equal(got, tt.msg) {
				t.Errorf("Exchange() returned %d bytes, want %d", len(got), len(tt.msg))
			}
		})
	}
}

func TestPipeConnector_MessageTooLarge(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	conn := NewPipeConnector(pipe, PipeConnectorConfig{})
	defer conn.Close()

	err := conn.Send(context.Background(), make([]byte, message.MaxMessageSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Send() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestPipeConnector_ResponseTooLarge(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: time.Second})
	defer conn.Close()

	if _, err := pipe.DeviceConn().Write(make([]byte, message.MaxMessageSize+1)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	_, err := conn.Receive(context.Background())
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("Receive() error = %v, want ErrResponseTooLarge", err)
	}
}

func TestPipeConnector_DroppedMessageTimesOut(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	go echoDevice(pipe.DeviceConn())

	pipe.SetCondition(NetworkCondition{DropRate: 1.0})

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: 50 * time.Millisecond})
	defer conn.Close()

	_, err := Exchange(context.Background(), conn, []byte{0x01, 0x00, 0x00})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Exchange() error = %v, want ErrTimeout", err)
	}
}

func TestPipeConnector_ContextCancel(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: time.Minute})
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := conn.Receive(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Receive() error = %v, want ErrTimeout", err)
	}
}

func TestPipeConnector_Delay(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	go echoDevice(pipe.DeviceConn())

	delay := 30 * time.Millisecond
	pipe.SetCondition(NetworkCondition{DelayMin: delay, DelayMax: delay})

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: time.Second})
	defer conn.Close()

	start := time.Now()
	if _, err := Exchange(context.Background(), conn, []byte{0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	// Both directions are delayed.
	if elapsed := time.Since(start); elapsed < 2*delay {
		t.Errorf("elapsed %v, want at least %v", elapsed, 2*delay)
	}
}

func TestPipeConnector_ResetDrainsStale(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: 100 * time.Millisecond})
	defer conn.Close()

	device := pipe.DeviceConn()
	device.Write([]byte("stale"))

	// Wait for the stale message to reach the connector.
	time.Sleep(20 * time.Millisecond)

	if err := conn.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	go echoDevice(device)
	got, err := Exchange(context.Background(), conn, []byte("fresh"))
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if string(got) != "fresh" {
		t.Errorf("Exchange() = %q, want %q", got, "fresh")
	}
}

func TestPipeConnector_ResetDiscardsLateAnswer(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	go echoDevice(pipe.DeviceConn())

	conn := NewPipeConnector(pipe, PipeConnectorConfig{Timeout: 50 * time.Millisecond})
	defer conn.Close()
	ctx := context.Background()

	// The answer to "late" arrives after its exchange timed out.
	pipe.SetCondition(NetworkCondition{DelayMin: 80 * time.Millisecond, DelayMax: 80 * time.Millisecond})
	if _, err := Exchange(ctx, conn, []byte("late")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Exchange() error = %v, want ErrTimeout", err)
	}
	pipe.SetCondition(NetworkCondition{})

	if err := conn.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	// Let the late answer reach the connector.
	time.Sleep(150 * time.Millisecond)

	for _, msg := range []string{"first", "second"} {
		got, err := Exchange(ctx, conn, []byte(msg))
		if err != nil {
			t.Fatalf("Exchange(%q) error = %v", msg, err)
		}
		if string(got) != msg {
			t.Errorf("Exchange(%q) = %q", msg, got)
		}
	}
}

func TestPipe_EndpointsStripExchangeTag(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	go echoDevice(pipe.DeviceConn())

	host := pipe.HostConn()
	if _, err := host.Write([]byte("raw")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, 16)
	host.SetReadDeadline(time.Now().Add(time.Second))
	n, err := host.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "raw" {
		t.Errorf("Read() = %q, want %q", buf[:n], "raw")
	}
}

func TestPipeConnector_Closed(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	conn := NewPipeConnector(pipe, PipeConnectorConfig{})
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := conn.Send(context.Background(), []byte{0x01, 0x00, 0x00}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() error = %v, want ErrClosed", err)
	}
	if _, err := conn.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() error = %v, want ErrClosed", err)
	}
	if err := conn.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reset() error = %v, want ErrClosed", err)
	}
}

func TestPipeConnector_VerifyInterface(t *testing.T) {
	var _ Connector = (*PipeConnector)(nil)
	var _ Connector = (*HTTPConnector)(nil)
	var _ Connector = (*USBConnector)(nil)
}
