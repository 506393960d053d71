package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.CommandIssued("TAKE_SCREENSHOT")
	c.CommandIssued("TAKE_SCREENSHOT")
	c.CommandCompleted("TAKE_SCREENSHOT", "EXECUTED", 1500*time.Millisecond)
	c.SessionsActive(1)
	c.SessionsActive(1)
	c.SessionsActive(-1)
	c.SessionPhase("streaming")
	c.SignalSent("OFFER", "broadcast")
	c.ControlEvent("KEY_PRESS", false)
	c.ControlEvent("KEY_PRESS", true)
	c.RTPPackets("screen", 100)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandsIssued.WithLabelValues("TAKE_SCREENSHOT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsFinished.WithLabelValues("TAKE_SCREENSHOT", "EXECUTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionPhases.WithLabelValues("streaming")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalsSent.WithLabelValues("OFFER", "broadcast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlEvents.WithLabelValues("KEY_PRESS", "dropped")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.rtpPackets.WithLabelValues("screen")))

	n, err := testutil.GatherAndCount(reg, "fleetdesk_command_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPrometheusCollectorSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

type stubPinger struct{ err error }

func (s stubPinger) HealthCheck(context.Context) error { return s.err }

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddStoreCheck(stubPinger{}, 0, time.Second)
	h.AddRelayCheck(stubPinger{}, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, map[string]string{"store": StatusHealthy, "relay": StatusHealthy}, status.Checks)

	h.AddCheck("broken", func(context.Context) error { return errors.New("down") }, 0, time.Second)
	status = h.GetReadinessStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "down", status.Checks["broken"])
}

func TestHealthCheckerTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthCheckerBackground(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("flaky", func(context.Context) error { return errors.New("flaky") }, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failures := make(chan string, 16)
	h.StartBackgroundChecks(ctx, func(name string, err error) {
		select {
		case failures <- name:
		default:
		}
	})

	select {
	case name := <-failures:
		assert.Equal(t, "flaky", name)
	case <-time.After(time.Second):
		t.Fatal("no background failure reported")
	}
}
