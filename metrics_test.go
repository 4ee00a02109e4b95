package vhostfs

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.Requests != 0 {
		t.Errorf("Expected 0 initial requests, got %d", snap.Requests)
	}

	// Record some activity
	m.OnKick(RequestQueue)
	m.OnRequest(RequestQueue, 64, 128, 1_000_000) // 1ms handler latency
	m.OnRequest(RequestQueue, 48, 0, 500_000)     // notification-style, 0.5ms
	m.OnRequest(HiprioQueue, 40, 16, 2_000_000)   // 2ms
	m.OnNotify(RequestQueue)

	snap = m.Snapshot()

	if snap.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", snap.Requests)
	}
	if snap.QueueRequests[RequestQueue] != 2 {
		t.Errorf("Expected 2 requests on the request queue, got %d", snap.QueueRequests[RequestQueue])
	}
	if snap.QueueRequests[HiprioQueue] != 1 {
		t.Errorf("Expected 1 request on the hiprio queue, got %d", snap.QueueRequests[HiprioQueue])
	}

	if snap.BytesIn != 64+48+40 {
		t.Errorf("Expected %d bytes in, got %d", 64+48+40, snap.BytesIn)
	}
	if snap.BytesOut != 128+16 {
		t.Errorf("Expected %d bytes out, got %d", 128+16, snap.BytesOut)
	}

	if snap.Kicks != 1 {
		t.Errorf("Expected 1 kick, got %d", snap.Kicks)
	}
	if snap.Notifies != 1 {
		t.Errorf("Expected 1 notify, got %d", snap.Notifies)
	}

	// Average latency: (1ms + 0.5ms + 2ms) / 3
	expectedAvg := uint64((1_000_000 + 500_000 + 2_000_000) / 3)
	if snap.AvgLatencyNs != expectedAvg {
		t.Errorf("Expected avg latency %d, got %d", expectedAvg, snap.AvgLatencyNs)
	}
}

func TestMetricsValidationCounters(t *testing.T) {
	m := NewMetrics()

	m.OnValidationError(RequestQueue, ErrCodeChainTooShort)
	m.OnValidationError(RequestQueue, ErrCodeChainTooShort)
	m.OnValidationError(RequestQueue, ErrCodeChainTooLarge)
	m.OnValidationError(RequestQueue, ErrCodeBadDescriptor)

	snap := m.Snapshot()
	if snap.ChainTooShort != 2 {
		t.Errorf("Expected 2 short-chain rejections, got %d", snap.ChainTooShort)
	}
	if snap.ChainTooLarge != 1 {
		t.Errorf("Expected 1 oversize rejection, got %d", snap.ChainTooLarge)
	}
	if snap.BadDescriptors != 1 {
		t.Errorf("Expected 1 malformed chain, got %d", snap.BadDescriptors)
	}
	if snap.ValidationErrors != 4 {
		t.Errorf("Expected 4 validation errors total, got %d", snap.ValidationErrors)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()

	// All three land in the <=1ms bucket and every bucket above it.
	m.OnRequest(RequestQueue, 40, 0, 800_000)
	m.OnRequest(RequestQueue, 40, 0, 900_000)
	m.OnRequest(RequestQueue, 40, 0, 950_000)

	snap := m.Snapshot()

	// Bucket 3 is 1ms
	if snap.LatencyHistogram[3] != 3 {
		t.Errorf("Expected 3 ops in 1ms bucket, got %d", snap.LatencyHistogram[3])
	}
	// Bucket 1 is 10us, nothing was that fast
	if snap.LatencyHistogram[1] != 0 {
		t.Errorf("Expected 0 ops in 10us bucket, got %d", snap.LatencyHistogram[1])
	}

	p50 := snap.LatencyP50Ns
	if p50 == 0 || p50 > LatencyBuckets[3] {
		t.Errorf("Expected p50 within the 1ms bucket, got %d", p50)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(time.Millisecond)
	m.Stop()

	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("Expected non-zero uptime")
	}

	// After Stop, uptime is frozen
	frozen := snap.UptimeNs
	time.Sleep(time.Millisecond)
	if got := m.Snapshot().UptimeNs; got != frozen {
		t.Errorf("Expected uptime frozen at %d after stop, got %d", frozen, got)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.OnRequest(RequestQueue, 40, 8, 1000)
	m.OnKick(RequestQueue)
	m.OnValidationError(RequestQueue, ErrCodeBadDescriptor)

	m.Reset()

	snap := m.Snapshot()
	if snap.Requests != 0 || snap.Kicks != 0 || snap.ValidationErrors != 0 {
		t.Errorf("Expected zeroed counters after reset, got %+v", snap)
	}
}
