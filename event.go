package gcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// EventType names a lifecycle event.
type EventType string

const (
	// EventAcquired is a granted lock, reentries included.
	EventAcquired EventType = "ACQUIRED"
	// EventReleased is a lock given back by its owner.
	EventReleased EventType = "RELEASED"
	// EventFailed is an attempt that timed out or hit an error.
	EventFailed EventType = "FAILED"
	// EventRenewed is a lease extended by the watchdog or by Renew.
	EventRenewed EventType = "RENEWED"
	// EventExpired is a lease found lapsed while the lock was held.
	EventExpired EventType = "EXPIRED"
	// EventFallback is a lock granted by the in-process fallback.
	EventFallback EventType = "FALLBACK"
	// EventForceUnlock is an administrative release that ignored the owner.
	EventForceUnlock EventType = "FORCE_UNLOCK"
	// EventRateLimitAllowed is an admitted rate-limit check.
	EventRateLimitAllowed EventType = "RATE_LIMIT_ALLOWED"
	// EventRateLimitRejected is a rejected rate-limit check.
	EventRateLimitRejected EventType = "RATE_LIMIT_REJECTED"
)

// Event is a structured lifecycle record handed to every EventSink.
type Event struct {
	Time      time.Time
	Type      EventType
	Key       string
	LockType  LockType
	Algorithm Algorithm
	Owner     string
	Backend   string
	Business  string
	TraceID   string

	WaitDuration   time.Duration
	HoldDuration   time.Duration
	ReentrantCount int

	// Result is set on rate-limit events.
	Result *RateLimitResult
	Err    error
}

// EventSink consumes lifecycle events. Sinks run on a dedicated goroutine;
// a slow sink delays other sinks but never the coordinator.
type EventSink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// OnEvent calls f(e).
func (f SinkFunc) OnEvent(e Event) {
	f(e)
}

// LogSink writes events to a logger. FORCE_UNLOCK, EXPIRED and FALLBACK are
// logged at the default level with a warn marker, everything else at V(1).
type LogSink struct {
	Logger logr.Logger
}

// OnEvent logs e.
func (s LogSink) OnEvent(e Event) {
	kv := []any{"key", e.Key, "owner", e.Owner, "backend", e.Backend, "traceID", e.TraceID}
	if e.LockType != "" {
		kv = append(kv, "lockType", e.LockType, "wait", e.WaitDuration, "hold", e.HoldDuration)
	}
	if e.Result != nil {
		kv = append(kv, "algorithm", e.Algorithm, "remaining", e.Result.Remaining, "retryAfterMs", e.Result.RetryAfterMs)
	}

	switch e.Type {
	case EventFailed:
		s.Logger.Error(e.Err, "lock event", append(kv, "event", e.Type)...)
	case EventForceUnlock, EventExpired, EventFallback:
		s.Logger.Info("lock event", append(kv, "event", e.Type, "level", "warn")...)
	default:
		s.Logger.V(1).Info("lock event", append(kv, "event", e.Type)...)
	}
}

// dispatcher fans events out to sinks from a buffered queue. Emit never
// blocks: events are dropped when the queue is full.
type dispatcher struct {
	sinks  []EventSink
	ch     chan Event
	tel    *Telemetry
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(sinks []EventSink, buffer int, tel *Telemetry) *dispatcher {
	d := &dispatcher{sinks: sinks, tel: tel}
	if len(sinks) == 0 {
		return d
	}

	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	d.ch = make(chan Event, buffer)
	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) emit(e Event) {
	if d.ch == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.ch <- e:
	default:
		d.tel.recordDropped(context.Background())
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for e := range d.ch {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *dispatcher) deliver(s EventSink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.tel.Logger().Error(fmt.Errorf("%v", r), "event sink panicked", "event", e.Type, "key", e.Key)
		}
	}()
	s.OnEvent(e)
}

// close stops accepting events and waits until queued ones are delivered.
func (d *dispatcher) close() {
	if d.ch == nil {
		return
	}

	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
