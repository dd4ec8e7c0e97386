package gatehouse

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter or histogram in the in-process metrics
// system.
type MetricID uint16

const (
	// MetricAdmitAllowed counts requests that passed every pipeline stage.
	MetricAdmitAllowed MetricID = iota
	// MetricAdmitOversized counts body-size rejections.
	MetricAdmitOversized
	// MetricAdmitSuspicious counts pattern-filter rejections.
	MetricAdmitSuspicious
	// MetricAdmitRateLimited counts rate-limit rejections across all windows.
	MetricAdmitRateLimited
	// MetricAdmitUnauthenticated counts missing/invalid-token rejections.
	MetricAdmitUnauthenticated
	// MetricAdmitRevoked counts claim-mismatch and deactivated-user rejections.
	MetricAdmitRevoked
	// MetricLimiterFailOpen counts limiter backend failures that were allowed
	// through.
	MetricLimiterFailOpen
	// MetricLoginSuccess counts completed logins, with or without 2FA.
	MetricLoginSuccess
	// MetricLoginFailure counts rejected first factors.
	MetricLoginFailure
	// MetricLoginRateLimited counts logins rejected by the auth class budget.
	MetricLoginRateLimited
	// MetricSecondFactorRequired counts first-factor successes gated on 2FA.
	MetricSecondFactorRequired
	// MetricSecondFactorSuccess counts accepted second factors.
	MetricSecondFactorSuccess
	// MetricSecondFactorFailure counts rejected second factors.
	MetricSecondFactorFailure
	// MetricPendingTokenReplay counts reuse attempts of consumed pending
	// tokens.
	MetricPendingTokenReplay
	// MetricRecoveryCodeUsed counts successful recovery-code consumptions.
	MetricRecoveryCodeUsed
	// MetricRecoveryCodeFailed counts rejected recovery codes.
	MetricRecoveryCodeFailed
	// MetricRecoveryCodesIssued counts recovery batch generations.
	MetricRecoveryCodesIssued
	// MetricStatusCacheHit counts resolutions served from cache.
	MetricStatusCacheHit
	// MetricStatusCacheMiss counts resolutions that hit the directory.
	MetricStatusCacheMiss
	// MetricStatusInvalidated counts explicit cache invalidations.
	MetricStatusInvalidated
	// MetricAdmitLatency is a histogram of Admit wall time.
	MetricAdmitLatency
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

// Metrics holds atomic counters and an optional latency histogram for the
// admission hot path. The write path is allocation-free.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a [Metrics] instance. When cfg.Enabled is false, all
// operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistogram,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc atomically increments the counter for id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the Admit latency histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricAdmitLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current count for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot deep-copies every counter and histogram bucket.
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
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricAdmitLatency].buckets[i])
		}
		s.Histograms[MetricAdmitLatency] = buckets
	}

	return s
}

// MetricIDCount is exported for metric exporters that iterate the full
// counter range.
const MetricIDCount = int(metricIDCount)

func bucketIndex(d time.Duration) int {
	us := d.Microseconds()

	switch {
	case us <= 50:
		return 0
	case us <= 100:
		return 1
	case us <= 250:
		return 2
	case us <= 500:
		return 3
	case us <= 1000:
		return 4
	case us <= 5000:
		return 5
	case us <= 25000:
		return 6
	default:
		return 7
	}
}

// String returns the instrument-style name for the metric, used by the
// OpenTelemetry bridge.
func (id MetricID) String() string {
	switch id {
	case MetricAdmitAllowed:
		return "admit.allowed"
	case MetricAdmitOversized:
		return "admit.denied.oversized"
	case MetricAdmitSuspicious:
		return "admit.denied.suspicious"
	case MetricAdmitRateLimited:
		return "admit.denied.rate_limited"
	case MetricAdmitUnauthenticated:
		return "admit.denied.unauthenticated"
	case MetricAdmitRevoked:
		return "admit.denied.revoked"
	case MetricLimiterFailOpen:
		return "limiter.fail_open"
	case MetricLoginSuccess:
		return "login.success"
	case MetricLoginFailure:
		return "login.failure"
	case MetricLoginRateLimited:
		return "login.rate_limited"
	case MetricSecondFactorRequired:
		return "second_factor.required"
	case MetricSecondFactorSuccess:
		return "second_factor.success"
	case MetricSecondFactorFailure:
		return "second_factor.failure"
	case MetricPendingTokenReplay:
		return "pending_token.replay"
	case MetricRecoveryCodeUsed:
		return "recovery_code.used"
	case MetricRecoveryCodeFailed:
		return "recovery_code.failed"
	case MetricRecoveryCodesIssued:
		return "recovery_code.issued"
	case MetricStatusCacheHit:
		return "status_cache.hit"
	case MetricStatusCacheMiss:
		return "status_cache.miss"
	case MetricStatusInvalidated:
		return "status_cache.invalidated"
	case MetricAdmitLatency:
		return "admit.latency"
	default:
		return "unknown"
	}
}
