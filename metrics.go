package vhostfs

import (
	"sync/atomic"
	"time"

	"github.com/virtbridge/vhostfs/internal/constants"
	"github.com/virtbridge/vhostfs/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
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

// Metrics tracks operational statistics for one device session. All
// counters are updated lock-free from the queue workers.
type Metrics struct {
	// Request counters, total and per queue
	Requests      atomic.Uint64
	QueueRequests [constants.MaxQueues]atomic.Uint64

	// Byte counters
	BytesIn  atomic.Uint64 // Request bytes copied out of guest memory
	BytesOut atomic.Uint64 // Response bytes written back

	// Validation failure counters by kind
	ChainTooShort  atomic.Uint64
	ChainTooLarge  atomic.Uint64
	BadDescriptors atomic.Uint64

	// Signalling counters
	Kicks    atomic.Uint64 // Guest-to-device wakeups
	Notifies atomic.Uint64 // Device-to-guest completion signals

	// Handler latency tracking
	TotalLatencyNs atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64 // Session start timestamp (UnixNano)
	StopTime  atomic.Int64 // Session stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// OnRequest records one completed request
func (m *Metrics) OnRequest(queue uint16, reqBytes, respBytes uint32, latencyNs uint64) {
	m.Requests.Add(1)
	if int(queue) < len(m.QueueRequests) {
		m.QueueRequests[queue].Add(1)
	}
	m.BytesIn.Add(uint64(reqBytes))
	m.BytesOut.Add(uint64(respBytes))
	m.recordLatency(latencyNs)
}

// OnValidationError records one rejected descriptor chain
func (m *Metrics) OnValidationError(_ uint16, code ErrorCode) {
	switch code {
	case interfaces.ErrCodeChainTooShort:
		m.ChainTooShort.Add(1)
	case interfaces.ErrCodeChainTooLarge:
		m.ChainTooLarge.Add(1)
	default:
		m.BadDescriptors.Add(1)
	}
}

// OnKick records one guest wakeup
func (m *Metrics) OnKick(uint16) {
	m.Kicks.Add(1)
}

// OnNotify records one completion signal to the guest
func (m *Metrics) OnNotify(uint16) {
	m.Notifies.Add(1)
}

// recordLatency records handler latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the session as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of the counters plus derived
// statistics.
type MetricsSnapshot struct {
	Requests      uint64
	QueueRequests [constants.MaxQueues]uint64

	BytesIn  uint64
	BytesOut uint64

	ChainTooShort  uint64
	ChainTooLarge  uint64
	BadDescriptors uint64

	Kicks    uint64
	Notifies uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns uint64
	LatencyP99Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	RequestsPerSec   float64
	IngestBandwidth  float64 // Request bytes per second
	ValidationErrors uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Requests:       m.Requests.Load(),
		BytesIn:        m.BytesIn.Load(),
		BytesOut:       m.BytesOut.Load(),
		ChainTooShort:  m.ChainTooShort.Load(),
		ChainTooLarge:  m.ChainTooLarge.Load(),
		BadDescriptors: m.BadDescriptors.Load(),
		Kicks:          m.Kicks.Load(),
		Notifies:       m.Notifies.Load(),
	}
	for i := range m.QueueRequests {
		snap.QueueRequests[i] = m.QueueRequests[i].Load()
	}
	snap.ValidationErrors = snap.ChainTooShort + snap.ChainTooLarge + snap.BadDescriptors

	if snap.Requests > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / snap.Requests
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
		snap.RequestsPerSec = float64(snap.Requests) / uptimeSeconds
		snap.IngestBandwidth = float64(snap.BytesIn) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if snap.Requests > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.Requests.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

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

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Requests.Store(0)
	for i := range m.QueueRequests {
		m.QueueRequests[i].Store(0)
	}
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.ChainTooShort.Store(0)
	m.ChainTooLarge.Store(0)
	m.BadDescriptors.Store(0)
	m.Kicks.Store(0)
	m.Notifies.Store(0)
	m.TotalLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Compile-time interface check
var _ Observer = (*Metrics)(nil)
