package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistersAgainstProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFrameSent("message")
	m.RecordFrameSent("message")
	m.RecordFrameReceived("task")
	m.RecordDuplicate()
	m.RecordWebhook("success", 0.2)
	m.SetWebhookQueueDepth(7)
	m.SetBreakerState("hook-a", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("task")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("success")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.WebhookQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("hook-a")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNopMetricsDoNotPanic(t *testing.T) {
	m := Nop()
	m.RecordFrameSent("ping")
	m.RecordFrameError("validate")
	m.ObserveSend(0.01)
	m.SetConnectionState(3)
	m.RecordReconnect()
	m.RecordAuth("success")
	m.SetPendingRequests(2)
}

func TestIndependentInstances(t *testing.T) {
	// Two clients in one process must not collide on registration.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.RecordFrameSent("message")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FramesSent.WithLabelValues("message")))
}
