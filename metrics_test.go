package dm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Zero(t, snap.TotalOps)
	assert.Zero(t, snap.RequestsMapped)
}

func TestMetricsRecordMapAndFailure(t *testing.T) {
	m := NewMetrics()

	m.RecordMap(4096, uint64(2*time.Millisecond))
	m.RecordMap(512, uint64(500*time.Microsecond))
	m.RecordFailure()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.RequestsMapped)
	require.Equal(t, uint64(1), snap.RequestsFailed)
	assert.Equal(t, uint64(4096+512), snap.BytesTransferred)
	assert.Equal(t, uint64(3), snap.TotalOps)
	assert.InDelta(t, 33.33, snap.ErrorRate, 0.1)
}

func TestMetricsInFlightHighWaterMark(t *testing.T) {
	m := NewMetrics()

	m.RecordInFlightDelta(1)
	m.RecordInFlightDelta(1)
	m.RecordInFlightDelta(1)
	m.RecordInFlightDelta(-1)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.InFlightCurrent)
	assert.Equal(t, int64(3), snap.InFlightHighWater)
}

func TestMetricsSuspendDrain(t *testing.T) {
	m := NewMetrics()

	m.RecordSuspendDrain(10 * time.Millisecond)
	m.RecordSuspendDrain(30 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, uint64(20*time.Millisecond), snap.AvgSuspendDrainNs)
}

func TestMetricsHookExhaustion(t *testing.T) {
	m := NewMetrics()
	m.RecordHookExhausted()
	m.RecordHookExhausted()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.HookPoolExhausted)
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.RecordMap(512, 500_000) // 500us, falls in the 1ms bucket
	}

	snap := m.Snapshot()
	assert.LessOrEqual(t, snap.LatencyP50Ns, uint64(1_000_000))
	assert.LessOrEqual(t, snap.LatencyP99Ns, uint64(1_000_000))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordMap(1024, 1_000_000)
	m.RecordFailure()
	m.Reset()

	snap := m.Snapshot()
	assert.Zero(t, snap.RequestsMapped)
	assert.Zero(t, snap.RequestsFailed)
	assert.Zero(t, snap.TotalOps)
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var o Observer = NoOpObserver{}
	assert.NotPanics(t, func() {
		o.ObserveMap(1, 1)
		o.ObserveDefer()
		o.ObserveFailure()
		o.ObserveHookExhausted()
		o.ObserveInFlightDelta(1)
		o.ObserveSuspendDrain(time.Millisecond)
	})
}

func TestMetricsObserverRecordsIntoMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveMap(2048, 1_000_000)
	o.ObserveDefer()
	o.ObserveFailure()

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.RequestsMapped)
	assert.Equal(t, uint64(1), snap.RequestsDeferred)
	assert.Equal(t, uint64(1), snap.RequestsFailed)
}
