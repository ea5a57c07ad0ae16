package gcoord

import "go.opentelemetry.io/otel/metric"

// LockMetrics holds common lock-related metrics.
type LockMetrics struct {
	meter               metric.Meter
	lockAcquiredCounter metric.Int64Counter
	lockAcquireLatency  metric.Float64Histogram
	lockReleaseCounter  metric.Int64Counter
	lockReleaseLatency  metric.Float64Histogram
	lockRenewCounter    metric.Int64Counter
	lockRenewLatency    metric.Float64Histogram
	lockHoldDuration    metric.Float64Histogram
	lockFallbackCounter metric.Int64Counter
	lockExpiredCounter  metric.Int64Counter
	rateLimitCounter    metric.Int64Counter
	eventsDropped       metric.Int64Counter
}

// newLockMetrics registers the instruments on a meter of mp. Instrument
// errors are ignored; the API falls back to no-op instruments.
func newLockMetrics(mp metric.MeterProvider) *LockMetrics {
	m := mp.Meter(Name)

	// lockAcquiredCounter tracks the total number of lock acquisition attempts.
	lockAcquiredCounter, _ := m.Int64Counter(
		"lock_acquire_total",
		metric.WithDescription("Total number of lock acquire attempts"),
	)

	// lockAcquireLatency measures the latency (in seconds) of lock acquisition operations.
	lockAcquireLatency, _ := m.Float64Histogram(
		"lock_acquire_latency_seconds",
		metric.WithDescription("Latency of lock acquire operations"),
	)

	lockReleaseCounter, _ := m.Int64Counter(
		"lock_release_total",
		metric.WithDescription("Total number of lock release attempts"),
	)

	lockReleaseLatency, _ := m.Float64Histogram(
		"lock_release_latency_seconds",
		metric.WithDescription("Latency of lock release operations"),
	)

	lockRenewCounter, _ := m.Int64Counter(
		"lock_renew_total",
		metric.WithDescription("Total number of lock renewal attempts"),
	)

	lockRenewLatency, _ := m.Float64Histogram(
		"lock_renew_latency_seconds",
		metric.WithDescription("Latency of lock renewal operations"),
	)

	// lockHoldDuration measures how long a lock stayed held, from acquire to release.
	lockHoldDuration, _ := m.Float64Histogram(
		"lock_hold_seconds",
		metric.WithDescription("Time between lock acquisition and release"),
	)

	lockFallbackCounter, _ := m.Int64Counter(
		"lock_fallback_total",
		metric.WithDescription("Total number of acquisitions served by the local fallback lock"),
	)

	lockExpiredCounter, _ := m.Int64Counter(
		"lock_expired_total",
		metric.WithDescription("Total number of leases that lapsed while held"),
	)

	rateLimitCounter, _ := m.Int64Counter(
		"ratelimit_requests_total",
		metric.WithDescription("Total number of rate limit checks"),
	)

	eventsDropped, _ := m.Int64Counter(
		"lock_events_dropped_total",
		metric.WithDescription("Lifecycle events dropped because the event queue was full"),
	)

	return &LockMetrics{
		meter:               m,
		lockAcquiredCounter: lockAcquiredCounter,
		lockAcquireLatency:  lockAcquireLatency,
		lockReleaseCounter:  lockReleaseCounter,
		lockReleaseLatency:  lockReleaseLatency,
		lockRenewCounter:    lockRenewCounter,
		lockRenewLatency:    lockRenewLatency,
		lockHoldDuration:    lockHoldDuration,
		lockFallbackCounter: lockFallbackCounter,
		lockExpiredCounter:  lockExpiredCounter,
		rateLimitCounter:    rateLimitCounter,
		eventsDropped:       eventsDropped,
	}
}
