package dm

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a single device: how many
// requests were mapped, deferred, or failed, how often the hook pool
// ran dry, and how long the device has spent draining in-flight I/O
// during a suspend.
type Metrics struct {
	RequestsMapped   atomic.Uint64
	RequestsDeferred atomic.Uint64
	RequestsFailed   atomic.Uint64
	BytesTransferred atomic.Uint64

	HookPoolExhausted atomic.Uint64
	InFlightCurrent   atomic.Int64
	InFlightHighWater atomic.Int64

	SuspendDrainCount    atomic.Uint64
	SuspendDrainTotalNs  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHistogram[i] is the cumulative count of operations whose
	// latency was <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics returns a freshly started metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordMap records a successful sector-to-target lookup and dispatch.
func (m *Metrics) RecordMap(bytes uint64, latencyNs uint64) {
	m.RequestsMapped.Add(1)
	m.BytesTransferred.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordDefer records a request parked on the deferred queue because
// the device was suspended.
func (m *Metrics) RecordDefer() {
	m.RequestsDeferred.Add(1)
}

// RecordFailure records a request that failed mapping or dispatch.
func (m *Metrics) RecordFailure() {
	m.RequestsFailed.Add(1)
}

// RecordHookExhausted records a failed hook allocation (the pool was
// at capacity).
func (m *Metrics) RecordHookExhausted() {
	m.HookPoolExhausted.Add(1)
}

// RecordInFlightDelta adjusts the in-flight counter by delta (+1 on
// submit, -1 on completion) and tracks the high-water mark.
func (m *Metrics) RecordInFlightDelta(delta int64) {
	cur := m.InFlightCurrent.Add(delta)
	for {
		hw := m.InFlightHighWater.Load()
		if cur <= hw {
			break
		}
		if m.InFlightHighWater.CompareAndSwap(hw, cur) {
			break
		}
	}
}

// RecordSuspendDrain records how long a suspend spent waiting for
// in-flight I/O to reach zero.
func (m *Metrics) RecordSuspendDrain(d time.Duration) {
	m.SuspendDrainCount.Add(1)
	m.SuspendDrainTotalNs.Add(uint64(d.Nanoseconds()))
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the device as stopped, fixing its uptime for later
// snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, plain-value copy of Metrics
// suitable for logging, JSON encoding, or comparison in tests.
type MetricsSnapshot struct {
	RequestsMapped    uint64
	RequestsDeferred  uint64
	RequestsFailed    uint64
	BytesTransferred  uint64
	HookPoolExhausted uint64
	InFlightCurrent   int64
	InFlightHighWater int64

	AvgSuspendDrainNs uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot captures the current state of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsMapped:    m.RequestsMapped.Load(),
		RequestsDeferred:  m.RequestsDeferred.Load(),
		RequestsFailed:    m.RequestsFailed.Load(),
		BytesTransferred:  m.BytesTransferred.Load(),
		HookPoolExhausted: m.HookPoolExhausted.Load(),
		InFlightCurrent:   m.InFlightCurrent.Load(),
		InFlightHighWater: m.InFlightHighWater.Load(),
	}

	if n := m.SuspendDrainCount.Load(); n > 0 {
		snap.AvgSuspendDrainNs = m.SuspendDrainTotalNs.Load() / n
	}

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	snap.TotalOps = snap.RequestsMapped + snap.RequestsFailed
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.RequestsFailed) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, restarting the uptime clock. Intended for
// tests.
func (m *Metrics) Reset() {
	m.RequestsMapped.Store(0)
	m.RequestsDeferred.Store(0)
	m.RequestsFailed.Store(0)
	m.BytesTransferred.Store(0)
	m.HookPoolExhausted.Store(0)
	m.InFlightCurrent.Store(0)
	m.InFlightHighWater.Store(0)
	m.SuspendDrainCount.Store(0)
	m.SuspendDrainTotalNs.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, decoupling the
// request path from any specific Metrics implementation.
type Observer interface {
	ObserveMap(bytes uint64, latencyNs uint64)
	ObserveDefer()
	ObserveFailure()
	ObserveHookExhausted()
	ObserveInFlightDelta(delta int64)
	ObserveSuspendDrain(d time.Duration)
}

// NoOpObserver discards everything observed.
type NoOpObserver struct{}

func (NoOpObserver) ObserveMap(uint64, uint64)         {}
func (NoOpObserver) ObserveDefer()                     {}
func (NoOpObserver) ObserveFailure()                   {}
func (NoOpObserver) ObserveHookExhausted()             {}
func (NoOpObserver) ObserveInFlightDelta(int64)        {}
func (NoOpObserver) ObserveSuspendDrain(time.Duration) {}

// MetricsObserver implements Observer by recording into a Metrics
// instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveMap(bytes uint64, latencyNs uint64) {
	o.metrics.RecordMap(bytes, latencyNs)
}

func (o *MetricsObserver) ObserveDefer() {
	o.metrics.RecordDefer()
}

func (o *MetricsObserver) ObserveFailure() {
	o.metrics.RecordFailure()
}

func (o *MetricsObserver) ObserveHookExhausted() {
	o.metrics.RecordHookExhausted()
}

func (o *MetricsObserver) ObserveInFlightDelta(delta int64) {
	o.metrics.RecordInFlightDelta(delta)
}

func (o *MetricsObserver) ObserveSuspendDrain(d time.Duration) {
	o.metrics.RecordSuspendDrain(d)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
