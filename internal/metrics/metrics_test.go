package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveEvent("committed", "ack", 10*time.Millisecond)
	m.ObserveEvent("committed", "ack", 5*time.Millisecond)
	m.ObserveEvent("failed", "nack", time.Millisecond)
	m.Conflict()
	m.EmitFailure()
	m.ArchiveCheck("archived")
	m.DeadLetter()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("committed", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("failed", "nack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmitFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollerChecksTotal.WithLabelValues("archived")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLettersTotal))

	n, err := testutil.GatherAndCount(reg, "sip_state_handle_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvent("committed", "ack", time.Second)
		m.Conflict()
		m.EmitFailure()
		m.ArchiveCheck("archived")
		m.DeadLetter()
	})
}
