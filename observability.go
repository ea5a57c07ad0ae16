package gcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one component. Every
// backend, coordinator and limiter builds its own from its Config.
type Telemetry struct {
	logger  logr.Logger
	tracer  trace.Tracer
	metrics *LockMetrics
}

// NewTelemetry builds the telemetry described by cfg.
func NewTelemetry(cfg *Config) *Telemetry {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = DefaultConfig().TracerProvider
	}

	mp := cfg.MeterProvider
	if mp == nil {
		mp = DefaultConfig().MeterProvider
	}

	return &Telemetry{
		logger:  cfg.Logger,
		tracer:  tp.Tracer(Name),
		metrics: newLockMetrics(mp),
	}
}

// Logger returns the component logger.
func (t *Telemetry) Logger() logr.Logger {
	return t.logger
}

// RecordStart starts a new tracing span for a given operation.
func (t *Telemetry) RecordStart(ctx context.Context, backend, action, lockID string) (context.Context, trace.Span) {
	t.logger.V(1).Info(fmt.Sprintf("attempting to %s lock", action), "lockID", lockID, "backend", backend)
	return t.tracer.Start(
		ctx,
		fmt.Sprintf("%s_lock.%s", backend, action),
		trace.WithAttributes(
			attribute.String("lock.id", lockID),
			attribute.String("backend", backend),
		),
	)
}

// HandleError logs, records metrics, and returns a formatted error.
func (t *Telemetry) HandleError(
	ctx context.Context,
	span trace.Span,
	err error,
	backend, action, msg, lockID string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	t.logger.Error(err, msg, "lockID", lockID, "backend", backend)
	t.count(ctx, action, backend, false)

	return fmt.Errorf("%s: %w", msg, err)
}

// RecordMiss closes span for an operation that completed but did not take
// effect, such as an acquire on a key held by someone else.
func (t *Telemetry) RecordMiss(ctx context.Context, span trace.Span, backend, action, lockID string) {
	span.AddEvent("lock not held by caller")
	span.SetStatus(codes.Ok, fmt.Sprintf("lock %s skipped", action))
	t.logger.V(1).Info(fmt.Sprintf("lock %s did not take effect", action), "lockID", lockID, "backend", backend)
	t.count(ctx, action, backend, false)
}

// RecordSuccess logs and records success metrics.
func (t *Telemetry) RecordSuccess(
	ctx context.Context,
	span trace.Span,
	startTime time.Time,
	backend, action, lockID string) {
	t.logger.V(1).Info(fmt.Sprintf("lock %s successfully", action), "lockID", lockID, "backend", backend)
	duration := time.Since(startTime).Seconds()
	span.SetStatus(codes.Ok, fmt.Sprintf("lock %s", action))
	t.count(ctx, action, backend, true)

	attrs := metric.WithAttributes(attribute.String("backend", backend))
	switch action {
	case ActionAcquire, ActionAcquiredSuccessfully:
		t.metrics.lockAcquireLatency.Record(ctx, duration, attrs)
	case ActionRelease, ActionReleasedSuccessfully:
		t.metrics.lockReleaseLatency.Record(ctx, duration, attrs)
	case ActionRenew, ActionRenewedSuccessfully:
		t.metrics.lockRenewLatency.Record(ctx, duration, attrs)
	}
}

func (t *Telemetry) count(ctx context.Context, action, backend string, success bool) {
	attrs := metric.WithAttributes(attribute.Bool("success", success), attribute.String("backend", backend))
	switch action {
	case ActionAcquire, ActionAcquiredSuccessfully:
		t.metrics.lockAcquiredCounter.Add(ctx, 1, attrs)
	case ActionRelease, ActionReleasedSuccessfully, ActionForceRelease:
		t.metrics.lockReleaseCounter.Add(ctx, 1, attrs)
	case ActionRenew, ActionRenewedSuccessfully:
		t.metrics.lockRenewCounter.Add(ctx, 1, attrs)
	}
}

// RecordHold records how long a lock was held.
func (t *Telemetry) RecordHold(ctx context.Context, backend string, lockType LockType, d time.Duration) {
	t.metrics.lockHoldDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("backend", backend), attribute.String("type", string(lockType))))
}

// RecordFallback counts an acquisition served by the local lock.
func (t *Telemetry) RecordFallback(ctx context.Context, lockType LockType) {
	t.metrics.lockFallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(lockType))))
}

// RecordExpired counts a lease that lapsed while held.
func (t *Telemetry) RecordExpired(ctx context.Context, backend string) {
	t.metrics.lockExpiredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordRateLimit counts an admission decision.
func (t *Telemetry) RecordRateLimit(ctx context.Context, algorithm Algorithm, allowed bool) {
	t.metrics.rateLimitCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("algorithm", string(algorithm)), attribute.Bool("allowed", allowed)))
}

func (t *Telemetry) recordDropped(ctx context.Context) {
	t.metrics.eventsDropped.Add(ctx, 1)
}
