package flowexec

import (
	"sync/atomic"
	"time"

	"github.com/hicann/flowexec/internal/telemetry"
)

// LatencyBuckets defines the Proc-latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks per-processor performance and operational statistics for
// the executor: messages processed, bytes moved, batch trigger outcomes,
// and queue-depth/backpressure samples.
type Metrics struct {
	// Message counters
	MsgIn  atomic.Uint64 // FlowMsgs dequeued from inputs
	MsgOut atomic.Uint64 // FlowMsgs written to outputs

	// Byte counters
	BytesIn  atomic.Uint64 // Tensor payload bytes read
	BytesOut atomic.Uint64 // Tensor payload bytes written

	// Error counters
	ProcErrors    atomic.Uint64 // Proc() calls that returned an error
	PublishErrors atomic.Uint64 // output writes that failed (backpressure, queue error)

	// Batch-trigger counters, used by countbatch/timebatch
	BatchCountTriggers   atomic.Uint64 // batches flushed because count threshold hit
	BatchTimeoutTriggers atomic.Uint64 // batches flushed because timeout fired
	BatchEOSTriggers     atomic.Uint64 // batches flushed because EOS closed the window
	BatchPadded          atomic.Uint64 // batches that needed padding to reach batch size

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // cumulative Proc latency in nanoseconds
	OpCount        atomic.Uint64 // total Proc invocations (for average latency)

	// Latency histogram buckets (cumulative counts).
	// Each bucket[i] contains the count of Proc calls with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Processor lifecycle
	StartTime atomic.Int64 // processor start timestamp (UnixNano)
	StopTime  atomic.Int64 // processor stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance for one processor.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIn records a FlowMsg dequeued from an input queue.
func (m *Metrics) RecordIn(bytes uint64) {
	m.MsgIn.Add(1)
	m.BytesIn.Add(bytes)
}

// RecordOut records a FlowMsg published to an output queue.
func (m *Metrics) RecordOut(bytes uint64, success bool) {
	if success {
		m.MsgOut.Add(1)
		m.BytesOut.Add(bytes)
	} else {
		m.PublishErrors.Add(1)
	}
}

// RecordProc records one Proc() invocation's latency and outcome.
func (m *Metrics) RecordProc(latencyNs uint64, success bool) {
	if !success {
		m.ProcErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordBatchTrigger records which condition flushed a batch window.
func (m *Metrics) RecordBatchTrigger(reason BatchTriggerReason, padded bool) {
	switch reason {
	case BatchTriggerCount:
		m.BatchCountTriggers.Add(1)
	case BatchTriggerTimeout:
		m.BatchTimeoutTriggers.Add(1)
	case BatchTriggerEOS:
		m.BatchEOSTriggers.Add(1)
	}
	if padded {
		m.BatchPadded.Add(1)
	}
}

// BatchTriggerReason identifies why a batch window was flushed. Aliased
// from internal/telemetry so processor/batcher code can report triggers
// without importing this root package (see internal/telemetry's doc
// comment).
type BatchTriggerReason = telemetry.BatchTriggerReason

const (
	BatchTriggerCount   = telemetry.BatchTriggerCount
	BatchTriggerTimeout = telemetry.BatchTriggerTimeout
	BatchTriggerEOS     = telemetry.BatchTriggerEOS
)

// RecordQueueDepth records current queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records Proc latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the processor as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	MsgIn  uint64
	MsgOut uint64

	BytesIn  uint64
	BytesOut uint64

	ProcErrors    uint64
	PublishErrors uint64

	BatchCountTriggers   uint64
	BatchTimeoutTriggers uint64
	BatchEOSTriggers     uint64
	BatchPadded          uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	MsgInRate  float64 // messages/sec in
	MsgOutRate float64 // messages/sec out
	ErrorRate  float64 // percentage of Proc calls that errored
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		MsgIn:                m.MsgIn.Load(),
		MsgOut:               m.MsgOut.Load(),
		BytesIn:              m.BytesIn.Load(),
		BytesOut:             m.BytesOut.Load(),
		ProcErrors:           m.ProcErrors.Load(),
		PublishErrors:        m.PublishErrors.Load(),
		BatchCountTriggers:   m.BatchCountTriggers.Load(),
		BatchTimeoutTriggers: m.BatchTimeoutTriggers.Load(),
		BatchEOSTriggers:     m.BatchEOSTriggers.Load(),
		BatchPadded:          m.BatchPadded.Load(),
		MaxQueueDepth:        m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
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

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.MsgInRate = float64(snap.MsgIn) / uptimeSeconds
		snap.MsgOutRate = float64(snap.MsgOut) / uptimeSeconds
	}

	// opCount already includes the failed Proc calls (RecordProc counts
	// every call), so it is the denominator on its own.
	if opCount > 0 {
		snap.ErrorRate = float64(snap.ProcErrors) / float64(opCount) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
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

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.MsgIn.Store(0)
	m.MsgOut.Store(0)
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.ProcErrors.Store(0)
	m.PublishErrors.Store(0)
	m.BatchCountTriggers.Store(0)
	m.BatchTimeoutTriggers.Store(0)
	m.BatchEOSTriggers.Store(0)
	m.BatchPadded.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection per processor.
type Observer = telemetry.Observer

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver = telemetry.NoOp

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIn(bytes uint64) {
	o.metrics.RecordIn(bytes)
}

func (o *MetricsObserver) ObserveOut(bytes uint64, success bool) {
	o.metrics.RecordOut(bytes, success)
}

func (o *MetricsObserver) ObserveProc(latencyNs uint64, success bool) {
	o.metrics.RecordProc(latencyNs, success)
}

func (o *MetricsObserver) ObserveBatchTrigger(reason BatchTriggerReason, padded bool) {
	o.metrics.RecordBatchTrigger(reason, padded)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
