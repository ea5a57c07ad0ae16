package gcoord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator grants locks on a Backend. It keeps the reentrancy and lease
// state of this process only; the backend stays the source of truth for
// exclusion across processes.
type Coordinator struct {
	backend  Backend
	local    Backend
	cfg      *Config
	tel      *Telemetry
	keys     *KeyResolver
	events   *dispatcher
	instance string

	mu     sync.Mutex
	holds  map[holdKey]*hold
	gates  map[holdKey]*gate
	closed bool
}

// NewCoordinator creates a coordinator on backend. A nil backend runs the
// coordinator on its in-process LocalBackend.
func NewCoordinator(backend Backend, opts ...OptionFunc) *Coordinator {
	cfg := NewConfig(opts...)
	tel := NewTelemetry(cfg)

	local := cfg.Fallback
	if local == nil {
		local = NewLocalBackend(WithClock(cfg.Clock), WithFairStaleAfter(cfg.FairStaleAfter))
	}
	if backend == nil {
		backend = local
	}

	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}

	return &Coordinator{
		backend:  backend,
		local:    local,
		cfg:      cfg,
		tel:      tel,
		keys:     NewKeyResolver(cfg.Separator, cfg.Expressions),
		events:   newDispatcher(cfg.Sinks, cfg.EventBuffer, tel),
		instance: instance,
		holds:    make(map[holdKey]*hold),
		gates:    make(map[holdKey]*gate),
	}
}

// Backend returns the primary backend.
func (c *Coordinator) Backend() Backend {
	return c.backend
}

// Resolver returns the key resolver of the coordinator.
func (c *Coordinator) Resolver() *KeyResolver {
	return c.keys
}

// NewRequest returns a reentrant lock request on scene and key carrying the
// configured default wait time, lease time and auto-renew setting.
func (c *Coordinator) NewRequest(scene, key string) LockRequest {
	return LockRequest{
		Scene:     scene,
		Key:       key,
		Type:      LockReentrant,
		WaitTime:  c.cfg.DefaultWaitTime,
		LeaseTime: c.cfg.DefaultLeaseTime,
		AutoRenew: c.cfg.AutoRenew,
	}
}

func (c *Coordinator) ownerFor(ctx context.Context, req LockRequest) string {
	if req.Owner != "" {
		return req.Owner
	}
	if owner, ok := OwnerFromContext(ctx); ok {
		return owner
	}

	return c.instance + ":" + uuid.NewString()
}

// resolve returns the physical keys of req; MULTI requests get theirs sorted.
func (c *Coordinator) resolve(ctx context.Context, req LockRequest, lockType LockType) ([]string, error) {
	if lockType != LockMulti {
		key, err := c.keys.Resolve(ctx, req.Scene, req.Key, req.Vars)
		if err != nil {
			return nil, err
		}

		return []string{key}, nil
	}

	templates := req.Keys
	if len(templates) == 0 && req.Key != "" {
		templates = []string{req.Key}
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: multi lock without keys", ErrConfiguration)
	}

	keys := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		key, err := c.keys.Resolve(ctx, req.Scene, tmpl, req.Vars)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return multiKeys(keys), nil
}

// ForceUnlock deletes the lock on scene and key whatever its owner. It can
// break mutual exclusion against a live holder and is logged as a warning.
func (c *Coordinator) ForceUnlock(ctx context.Context, scene, key string) (bool, error) {
	physical, err := c.keys.Resolve(ctx, scene, key, nil)
	if err != nil {
		return false, &LockError{Op: ActionForceRelease, Key: scene + c.cfg.Separator + key, Err: err}
	}

	ok, err := c.backend.ForceRelease(ctx, physical)
	if err != nil {
		return false, &LockError{Op: ActionForceRelease, Key: physical, Err: Unavailable(err)}
	}
	if c.local != c.backend {
		if localOK, _ := c.local.ForceRelease(ctx, physical); localOK {
			ok = true
		}
	}

	c.tel.Logger().Info("lock force released", "level", "warn", "lockID", physical, "existed", ok)
	c.events.emit(Event{
		Type:    EventForceUnlock,
		Key:     physical,
		Backend: c.backend.Name(),
		TraceID: traceIDFrom(ctx),
	})

	return ok, nil
}

// TTL returns the remaining lease of the lock on scene and key, TTLNoExpiry or TTLAbsent.
func (c *Coordinator) TTL(ctx context.Context, scene, key string) (time.Duration, error) {
	physical, err := c.keys.Resolve(ctx, scene, key, nil)
	if err != nil {
		return 0, &LockError{Op: ActionTTL, Key: scene + c.cfg.Separator + key, Err: err}
	}

	ttl, err := c.backend.TTL(ctx, physical)
	if err != nil {
		return 0, &LockError{Op: ActionTTL, Key: physical, Err: Unavailable(err)}
	}

	return ttl, nil
}

// IsLocked reports whether any owner holds the lock on scene and key.
func (c *Coordinator) IsLocked(ctx context.Context, scene, key string) (bool, error) {
	ttl, err := c.TTL(ctx, scene, key)
	if err != nil {
		return false, err
	}

	return ttl != TTLAbsent, nil
}

// Held lists the physical keys this coordinator currently holds.
func (c *Coordinator) Held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.holds))
	for id, hd := range c.holds {
		if hd.state().Held() {
			keys = append(keys, id.key)
		}
	}

	return keys
}

// Close stops every watchdog and flushes pending events. Held leases are not
// released; they lapse once their lease runs out.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	holds := make([]*hold, 0, len(c.holds))
	for _, hd := range c.holds {
		holds = append(holds, hd)
	}
	c.mu.Unlock()

	for _, hd := range holds {
		hd.stopWatchdog()
	}
	c.events.close()

	return nil
}

func (c *Coordinator) lockEvent(t EventType, h *LockHandle) Event {
	return Event{
		Type:           t,
		Key:            h.Key(),
		LockType:       h.Type(),
		Owner:          h.Owner(),
		Backend:        h.Backend(),
		Business:       h.Business(),
		TraceID:        h.TraceID(),
		WaitDuration:   h.WaitDuration(),
		HoldDuration:   h.HoldDuration(),
		ReentrantCount: h.ReentrantCount(),
		Err:            h.Err(),
	}
}

func joinKeys(keys []string) string {
	return strings.Join(keys, ",")
}
