package goShield

import (
	"sync/atomic"
	"time"
)

// MetricID defines a public type used by goShield APIs.
//
// MetricID instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricID uint16

const (
	// MetricRequestAllowed is an exported constant or variable used by the security engine.
	MetricRequestAllowed MetricID = iota
	// MetricRateLimitHit is an exported constant or variable used by the security engine.
	MetricRateLimitHit
	// MetricRateLimitEscalated is an exported constant or variable used by the security engine.
	MetricRateLimitEscalated
	// MetricFingerprintBlocked is an exported constant or variable used by the security engine.
	MetricFingerprintBlocked
	// MetricSessionMiss is an exported constant or variable used by the security engine.
	MetricSessionMiss
	// MetricAuthRejected is an exported constant or variable used by the security engine.
	MetricAuthRejected
	// MetricCsrfSuccess is an exported constant or variable used by the security engine.
	MetricCsrfSuccess
	// MetricCsrfMalformed is an exported constant or variable used by the security engine.
	MetricCsrfMalformed
	// MetricCsrfInvalidSignature is an exported constant or variable used by the security engine.
	MetricCsrfInvalidSignature
	// MetricCsrfExpired is an exported constant or variable used by the security engine.
	MetricCsrfExpired
	// MetricCsrfSessionMismatch is an exported constant or variable used by the security engine.
	MetricCsrfSessionMismatch
	// MetricCsrfTransitionFallback is an exported constant or variable used by the security engine.
	MetricCsrfTransitionFallback
	// MetricSessionCreated is an exported constant or variable used by the security engine.
	MetricSessionCreated
	// MetricSessionInvalidated is an exported constant or variable used by the security engine.
	MetricSessionInvalidated
	// MetricSessionRegenerated is an exported constant or variable used by the security engine.
	MetricSessionRegenerated
	// MetricTokenIssued is an exported constant or variable used by the security engine.
	MetricTokenIssued
	// MetricAbuseThreshold is an exported constant or variable used by the security engine.
	MetricAbuseThreshold
	// MetricIncidentEdgeBlock is an exported constant or variable used by the security engine.
	MetricIncidentEdgeBlock
	// MetricIncidentForcedRegen is an exported constant or variable used by the security engine.
	MetricIncidentForcedRegen
	// MetricAccountLocked is an exported constant or variable used by the security engine.
	MetricAccountLocked
	// MetricAccountUnlocked is an exported constant or variable used by the security engine.
	MetricAccountUnlocked
	// MetricDegradedDecision is an exported constant or variable used by the security engine.
	MetricDegradedDecision
	// MetricAuthorizeLatency is an exported constant or variable used by the security engine.
	MetricAuthorizeLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics defines a public type used by goShield APIs.
//
// Metrics instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot defines a public type used by goShield APIs.
//
// MetricsSnapshot instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates the counter table per cfg. Disabled metrics reduce
// every operation to a cheap branch.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters record at all.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the authorize latency histogram records.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records one authorize latency sample.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricAuthorizeLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters and histograms at once.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricAuthorizeLatency].buckets[i])
		}
		s.Histograms[MetricAuthorizeLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
