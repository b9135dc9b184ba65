package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionFailed()
	m.SessionClosed()

	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues(StatusOpened)); got != 2 {
		t.Errorf("opened sessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues(StatusFailed)); got != 1 {
		t.Errorf("failed sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestObserveCommand(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCommand("Echo", StatusSuccess, 10*time.Millisecond)
	m.ObserveCommand("Echo", StatusSuccess, 20*time.Millisecond)
	m.ObserveCommand("DeviceInfo", StatusDeviceError, time.Millisecond)

	if count := testutil.CollectAndCount(m.CommandsTotal); count != 2 {
		t.Errorf("CommandsTotal series = %d, want 2", count)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("Echo", StatusSuccess)); got != 2 {
		t.Errorf("Echo successes = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.CommandDuration); count != 2 {
		t.Errorf("CommandDuration series = %d, want 2", count)
	}
}

func TestRegisteredNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SessionOpened()
	m.ObserveCommand("Echo", StatusSuccess, time.Millisecond)

	expected := `
# HELP yubihsm_active_sessions Number of established secure sessions
# TYPE yubihsm_active_sessions gauge
yubihsm_active_sessions 1
# HELP yubihsm_sessions_total Total number of secure sessions by status
# TYPE yubihsm_sessions_total counter
yubihsm_sessions_total{status="opened"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "yubihsm_active_sessions", "yubihsm_sessions_total"); err != nil {
		t.Errorf("GatherAndCompare() error = %v", err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionFailed()
	m.SessionClosed()
	m.ObserveCommand("Echo", StatusError, time.Second)
}
