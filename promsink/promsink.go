// Package promsink exports gcoord lifecycle events as Prometheus metrics.
package promsink

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/companyinfo/gcoord"
)

const namespace = "gcoord"

// Sink is a gcoord.EventSink backed by Prometheus collectors.
type Sink struct {
	LockEvents      *prometheus.CounterVec   // event, lock_type, backend
	RateLimitEvents *prometheus.CounterVec   // algorithm, result
	WaitSeconds     *prometheus.HistogramVec // lock_type
	HoldSeconds     *prometheus.HistogramVec // lock_type
	Fallbacks       prometheus.Counter
}

var _ gcoord.EventSink = (*Sink)(nil)

// New creates a Sink and registers its collectors with reg. Collectors that
// are already registered are reused, so several coordinators can share one
// registry.
func New(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		LockEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_events_total",
				Help:      "Lock lifecycle events by type",
			},
			[]string{"event", "lock_type", "backend"},
		),
		RateLimitEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate-limit decisions by algorithm and result",
			},
			[]string{"algorithm", "result"},
		),
		WaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for a lock",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
			},
			[]string{"lock_type"},
		),
		HoldSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_hold_seconds",
				Help:      "Time a lock was held until release",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12), // 1ms .. ~70min
			},
			[]string{"lock_type"},
		),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Acquisitions served by the local fallback",
		}),
	}

	var err error
	if s.LockEvents, err = register(reg, s.LockEvents); err != nil {
		return nil, err
	}
	if s.RateLimitEvents, err = register(reg, s.RateLimitEvents); err != nil {
		return nil, err
	}
	if s.WaitSeconds, err = register(reg, s.WaitSeconds); err != nil {
		return nil, err
	}
	if s.HoldSeconds, err = register(reg, s.HoldSeconds); err != nil {
		return nil, err
	}
	if s.Fallbacks, err = register(reg, s.Fallbacks); err != nil {
		return nil, err
	}

	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

// OnEvent implements gcoord.EventSink.
func (s *Sink) OnEvent(e gcoord.Event) {
	switch e.Type {
	case gcoord.EventRateLimitAllowed:
		s.RateLimitEvents.WithLabelValues(string(e.Algorithm), "allowed").Inc()
		return
	case gcoord.EventRateLimitRejected:
		s.RateLimitEvents.WithLabelValues(string(e.Algorithm), "rejected").Inc()
		return
	}

	lockType := string(e.LockType)
	s.LockEvents.WithLabelValues(string(e.Type), lockType, e.Backend).Inc()

	switch e.Type {
	case gcoord.EventAcquired:
		s.WaitSeconds.WithLabelValues(lockType).Observe(e.WaitDuration.Seconds())
	case gcoord.EventReleased:
		s.HoldSeconds.WithLabelValues(lockType).Observe(e.HoldDuration.Seconds())
	case gcoord.EventFallback:
		s.Fallbacks.Inc()
	}
}
