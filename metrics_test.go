package flowexec

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.MsgIn != 0 || snap.MsgOut != 0 {
		t.Errorf("Expected 0 initial messages, got in=%d out=%d", snap.MsgIn, snap.MsgOut)
	}

	m.RecordIn(1024)
	m.RecordOut(1024, true)
	m.RecordProc(1_000_000, true)  // 1ms, success
	m.RecordIn(512)
	m.RecordProc(500_000, false) // 0.5ms, error

	snap = m.Snapshot()

	if snap.MsgIn != 2 {
		t.Errorf("Expected 2 messages in, got %d", snap.MsgIn)
	}
	if snap.MsgOut != 1 {
		t.Errorf("Expected 1 message out, got %d", snap.MsgOut)
	}
	if snap.BytesIn != 1536 {
		t.Errorf("Expected 1536 bytes in, got %d", snap.BytesIn)
	}
	if snap.ProcErrors != 1 {
		t.Errorf("Expected 1 Proc error, got %d", snap.ProcErrors)
	}

	expectedErrorRate := float64(1) / float64(2) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsBatchTriggers(t *testing.T) {
	m := NewMetrics()

	m.RecordBatchTrigger(BatchTriggerCount, false)
	m.RecordBatchTrigger(BatchTriggerTimeout, true)
	m.RecordBatchTrigger(BatchTriggerEOS, false)

	snap := m.Snapshot()
	if snap.BatchCountTriggers != 1 {
		t.Errorf("Expected 1 count trigger, got %d", snap.BatchCountTriggers)
	}
	if snap.BatchTimeoutTriggers != 1 {
		t.Errorf("Expected 1 timeout trigger, got %d", snap.BatchTimeoutTriggers)
	}
	if snap.BatchEOSTriggers != 1 {
		t.Errorf("Expected 1 EOS trigger, got %d", snap.BatchEOSTriggers)
	}
	if snap.BatchPadded != 1 {
		t.Errorf("Expected 1 padded batch, got %d", snap.BatchPadded)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordProc(1_000_000, true) // 1ms
	m.RecordProc(2_000_000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000) // 1.5ms
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordIn(1024)
	m.RecordOut(2048, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.MsgIn == 0 {
		t.Error("Expected some messages before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.MsgIn != 0 {
		t.Errorf("Expected 0 messages after reset, got %d", snap.MsgIn)
	}
	if snap.BytesIn != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.BytesIn)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveIn(1024)
	observer.ObserveOut(1024, true)
	observer.ObserveProc(1_000_000, true)
	observer.ObserveBatchTrigger(BatchTriggerCount, false)
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveIn(1024)
	metricsObserver.ObserveOut(2048, true)

	snap := m.Snapshot()
	if snap.MsgIn != 1 {
		t.Errorf("Expected 1 message in from observer, got %d", snap.MsgIn)
	}
	if snap.MsgOut != 1 {
		t.Errorf("Expected 1 message out from observer, got %d", snap.MsgOut)
	}
	if snap.BytesIn != 1024 {
		t.Errorf("Expected 1024 bytes in from observer, got %d", snap.BytesIn)
	}
	if snap.BytesOut != 2048 {
		t.Errorf("Expected 2048 bytes out from observer, got %d", snap.BytesOut)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordIn(1024)
	m.RecordOut(1024, true)
	m.RecordIn(2048)
	m.RecordOut(2048, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.MsgInRate < 1.9 || snap.MsgInRate > 2.1 {
		t.Errorf("Expected MsgInRate ~2.0, got %.2f", snap.MsgInRate)
	}
	if snap.MsgOutRate < 1.9 || snap.MsgOutRate > 2.1 {
		t.Errorf("Expected MsgOutRate ~2.0, got %.2f", snap.MsgOutRate)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordProc(500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordProc(5_000_000, true) // 5ms
	}
	m.RecordProc(50_000_000, true) // 50ms (P99)

	snap := m.Snapshot()

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
