package goShield

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsIncAndSnapshot(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.Inc(MetricRequestAllowed)
	m.Inc(MetricRequestAllowed)
	m.Inc(MetricRateLimitHit)

	if got := m.Value(MetricRequestAllowed); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}

	snap := m.Snapshot()
	if snap.Counters[MetricRequestAllowed] != 2 {
		t.Fatalf("expected 2 in snapshot, got %d", snap.Counters[MetricRequestAllowed])
	}
	if snap.Counters[MetricRateLimitHit] != 1 {
		t.Fatalf("expected 1 in snapshot, got %d", snap.Counters[MetricRateLimitHit])
	}
	if snap.Counters[MetricCsrfSuccess] != 0 {
		t.Fatalf("expected untouched counter to be 0, got %d", snap.Counters[MetricCsrfSuccess])
	}

	// Snapshot is a copy: later increments must not leak in.
	m.Inc(MetricRequestAllowed)
	if snap.Counters[MetricRequestAllowed] != 2 {
		t.Fatal("snapshot mutated after increment")
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.Inc(MetricRequestAllowed)
	m.Observe(MetricAuthorizeLatency, 10*time.Millisecond)

	if m.Enabled() {
		t.Fatal("expected disabled metrics")
	}
	if got := m.Value(MetricRequestAllowed); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricRequestAllowed)
	m.Observe(MetricAuthorizeLatency, time.Millisecond)
	if m.Value(MetricRequestAllowed) != 0 {
		t.Fatal("expected 0 from nil metrics")
	}
	if m.Enabled() || m.LatencyEnabled() {
		t.Fatal("expected nil metrics to report disabled")
	}
}

func TestObserveRequiresLatencyHistograms(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricAuthorizeLatency, time.Millisecond)
	if _, ok := m.Snapshot().Histograms[MetricAuthorizeLatency]; ok {
		t.Fatal("expected no histogram without EnableLatencyHistograms")
	}

	m = NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricAuthorizeLatency, time.Millisecond)
	m.Observe(MetricAuthorizeLatency, 400*time.Millisecond)
	m.Observe(MetricAuthorizeLatency, 5*time.Second)

	buckets := m.Snapshot().Histograms[MetricAuthorizeLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	if buckets[0] != 1 || buckets[6] != 1 || buckets[7] != 1 {
		t.Fatalf("unexpected bucket distribution: %v", buckets)
	}

	// Only the latency histogram records samples.
	m.Observe(MetricRequestAllowed, time.Millisecond)
	if _, ok := m.Snapshot().Histograms[MetricRequestAllowed]; ok {
		t.Fatal("expected no histogram for counter metrics")
	}
}

func TestBucketIndexBoundaries(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{5 * time.Millisecond, 0},
		{6 * time.Millisecond, 1},
		{10 * time.Millisecond, 1},
		{25 * time.Millisecond, 2},
		{50 * time.Millisecond, 3},
		{100 * time.Millisecond, 4},
		{250 * time.Millisecond, 5},
		{500 * time.Millisecond, 6},
		{501 * time.Millisecond, 7},
		{time.Minute, 7},
	}
	for _, tc := range cases {
		if got := bucketIndex(tc.d); got != tc.want {
			t.Errorf("bucketIndex(%s) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestMetricsConcurrentInc(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(MetricRequestAllowed)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricRequestAllowed); got != 8000 {
		t.Fatalf("expected 8000, got %d", got)
	}
}
