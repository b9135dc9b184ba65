package integration

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/backkem/yubihsm/pkg/client"
	"github.com/backkem/yubihsm/pkg/message"
	"github.com/backkem/yubihsm/pkg/metrics"
	"github.com/backkem/yubihsm/pkg/mockhsm"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/session"
	"github.com/backkem/yubihsm/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestE2E_Commands(t *testing.T) {
	for _, link := range Links {
		t.Run(link.String(), func(t *testing.T) {
			pair := NewTestPairWithConfig(t, TestPairConfig{
				Link:   link,
				Device: mockhsm.Config{Serial: 7550054},
			})
			defer pair.Close()
			ctx := pair.Context()

			info, err := pair.Client.DeviceInfo(ctx)
			if err != nil {
				t.Fatalf("DeviceInfo() error = %v", err)
			}
			if info.Serial != 7550054 {
				t.Errorf("Serial = %d, want 7550054", info.Serial)
			}

			data := bytes.Repeat([]byte{0xA5}, 1024)
			got, err := pair.Client.Echo(ctx, data)
			if err != nil {
				t.Fatalf("Echo() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("Echo() returned different data")
			}

			random, err := pair.Client.PseudoRandom(ctx, 128)
			if err != nil {
				t.Fatalf("PseudoRandom() error = %v", err)
			}
			if len(random) != 128 {
				t.Errorf("PseudoRandom() returned %d bytes", len(random))
			}

			if _, err := pair.Client.StorageInfo(ctx); err != nil {
				t.Errorf("StorageInfo() error = %v", err)
			}
			if err := pair.Client.Blink(ctx, 1); err != nil {
				t.Errorf("Blink() error = %v", err)
			}

			n, err := testutil.GatherAndCount(pair.Registry, "yubihsm_commands_total")
			if err != nil {
				t.Fatalf("GatherAndCount() error = %v", err)
			}
			if n != 5 {
				t.Errorf("yubihsm_commands_total series = %d, want 5", n)
			}
			if pair.HSM.SessionCount() != 1 {
				t.Errorf("device SessionCount() = %d, want 1", pair.HSM.SessionCount())
			}
		})
	}
}

func TestE2E_SessionRollover(t *testing.T) {
	for _, link := range Links {
		t.Run(link.String(), func(t *testing.T) {
			pair := NewTestPairWithConfig(t, TestPairConfig{
				Link:   link,
				Client: client.Config{MaxCommandsPerSession: 5},
			})
			defer pair.Close()
			ctx := pair.Context()

			seen := map[securechannel.SessionID]bool{}
			for i := 0; i < 12; i++ {
				if _, err := pair.Client.Echo(ctx, []byte{byte(i)}); err != nil {
					t.Fatalf("Echo %d error = %v", i, err)
				}
				id, _ := pair.Client.SessionID()
				seen[id] = true
			}

			if len(seen) != 3 {
				t.Errorf("used %d sessions, want 3", len(seen))
			}
			// Exhausted sessions are closed on the device.
			if pair.HSM.SessionCount() != 1 {
				t.Errorf("device SessionCount() = %d, want 1", pair.HSM.SessionCount())
			}
		})
	}
}

func TestE2E_ConcurrentCommands(t *testing.T) {
	for _, link := range Links {
		t.Run(link.String(), func(t *testing.T) {
			pair := NewTestPair(t, link)
			defer pair.Close()
			ctx := pair.Context()

			const workers, perWorker = 4, 10
			var wg sync.WaitGroup
			errs := make(chan error, workers*perWorker)

			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						data := []byte(fmt.Sprintf("worker %d message %d", w, i))
						got, err := pair.Client.Echo(ctx, data)
						if err != nil {
							errs <- err
							return
						}
						if !bytes.Equal(got, data) {
							errs <- fmt.Errorf("echo = %q, want %q", got, data)
							return
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestE2E_RecoveryAfterLostMessage(t *testing.T) {
	pair := NewTestPairWithConfig(t, TestPairConfig{
		Link:    LinkPipe,
		Timeout: 200 * time.Millisecond,
	})
	defer pair.Close()
	ctx := pair.Context()

	if _, err := pair.Client.Echo(ctx, []byte("before")); err != nil {
		t.Fatalf("Echo() error = %v", err)
	}
	first, _ := pair.Client.SessionID()

	pair.Pipe.SetCondition(transport.NetworkCondition{DropRate: 1.0})
	_, err := pair.Client.Echo(ctx, []byte("lost"))
	if !errors.Is(err, securechannel.ErrTransport) {
		t.Fatalf("Echo() error = %v, want ErrTransport", err)
	}

	pair.Pipe.SetCondition(transport.NetworkCondition{})
	if _, err := pair.Client.Echo(ctx, []byte("after")); err != nil {
		t.Fatalf("Echo() after recovery error = %v", err)
	}
	if second, _ := pair.Client.SessionID(); second == first {
		t.Errorf("expected a new session after the transport failure, still on %d", first)
	}

	if got := testutil.ToFloat64(pair.Metrics.SessionsTotal.WithLabelValues(metrics.StatusOpened)); got != 2 {
		t.Errorf("opened sessions = %v, want 2", got)
	}
}

func TestE2E_RecoveryAfterLateAnswer(t *testing.T) {
	pair := NewTestPairWithConfig(t, TestPairConfig{
		Link:    LinkPipe,
		Timeout: 200 * time.Millisecond,
	})
	defer pair.Close()
	ctx := pair.Context()

	if _, err := pair.Client.Echo(ctx, []byte("before")); err != nil {
		t.Fatalf("Echo() error = %v", err)
	}

	// The answer arrives after the exchange timed out.
	delay := 250 * time.Millisecond
	pair.Pipe.SetCondition(transport.NetworkCondition{DelayMin: delay, DelayMax: delay})
	if _, err := pair.Client.Echo(ctx, []byte("late")); !errors.Is(err, securechannel.ErrTransport) {
		t.Fatalf("Echo() error = %v, want ErrTransport", err)
	}
	pair.Pipe.SetCondition(transport.NetworkCondition{})

	for i := 0; i < 8; i++ {
		data := []byte(fmt.Sprintf("after %d", i))
		got, err := pair.Client.Echo(ctx, data)
		if err != nil {
			t.Fatalf("Echo %d error = %v", i, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Echo %d = %q, want %q", i, got, data)
		}
	}

	// The abandoned session and its replacement.
	if pair.HSM.SessionCount() != 2 {
		t.Errorf("device SessionCount() = %d, want 2", pair.HSM.SessionCount())
	}
	if got := testutil.ToFloat64(pair.Metrics.SessionsTotal.WithLabelValues(metrics.StatusOpened)); got != 2 {
		t.Errorf("opened sessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(pair.Metrics.SessionsTotal.WithLabelValues(metrics.StatusFailed)); got != 0 {
		t.Errorf("failed sessions = %v, want 0", got)
	}
}

func TestE2E_SessionsFull(t *testing.T) {
	for _, link := range Links {
		t.Run(link.String(), func(t *testing.T) {
			pair := NewTestPairWithConfig(t, TestPairConfig{
				Link:   link,
				Device: mockhsm.Config{MaxSessions: 2},
			})
			defer pair.Close()
			ctx := pair.Context()
			keys := securechannel.StaticKeysFromPassword(securechannel.DefaultPassword)

			for i := 0; i < 2; i++ {
				if _, err := session.Open(ctx, pair.Connector, session.Config{Keys: keys}); err != nil {
					t.Fatalf("Open %d error = %v", i, err)
				}
			}

			_, err := session.Open(ctx, pair.Connector, session.Config{Keys: keys})
			var devErr *message.DeviceError
			if !errors.As(err, &devErr) || devErr.Code != message.ErrorSessionsFull {
				t.Fatalf("Open() error = %v, want device error %s", err, message.ErrorSessionsFull)
			}
		})
	}
}

func TestE2E_WrongPassword(t *testing.T) {
	for _, link := range Links {
		t.Run(link.String(), func(t *testing.T) {
			pair := NewTestPairWithConfig(t, TestPairConfig{
				Link:   link,
				Client: client.Config{Keys: securechannel.StaticKeysFromPassword("not the password")},
			})
			defer pair.Close()

			_, err := pair.Client.Echo(pair.Context(), []byte("x"))
			if !errors.Is(err, securechannel.ErrAuthenticationFailed) {
				t.Fatalf("Echo() error = %v, want ErrAuthenticationFailed", err)
			}
		})
	}
}
