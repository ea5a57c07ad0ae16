package gcoord

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// WaitForever makes Lock block until the lock is acquired or ctx is done.
const WaitForever time.Duration = -1

// LockType selects the exclusion semantics of a lock request.
type LockType string

const (
	// LockReentrant is a single-owner lock that the holder can take again without blocking.
	LockReentrant LockType = "REENTRANT"
	// LockFair is a single-owner lock handed to waiters in arrival order.
	LockFair LockType = "FAIR"
	// LockRead is the shared half of a read/write pair.
	LockRead LockType = "READ"
	// LockWrite is the exclusive half of a read/write pair.
	LockWrite LockType = "WRITE"
	// LockMulti takes every key of the request or none of them.
	LockMulti LockType = "MULTI"
	// LockRed needs a strict majority of independent backends.
	LockRed LockType = "RED"
	// LockSpin behaves like LockReentrant but retries with a cooperative yield only.
	LockSpin LockType = "SPIN"
)

// ParseLockType parses a lock type name case-insensitively.
func ParseLockType(s string) (LockType, error) {
	t := LockType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case LockReentrant, LockFair, LockRead, LockWrite, LockMulti, LockRed, LockSpin:
		return t, nil
	case "":
		return LockReentrant, nil
	}

	return "", fmt.Errorf("%w: unknown lock type %q", ErrConfiguration, s)
}

// LockMode distinguishes the two sides of a read/write lock in backend calls.
type LockMode int

const (
	// ModeRead is shared access.
	ModeRead LockMode = iota
	// ModeWrite is exclusive access.
	ModeWrite
)

func (m LockMode) String() string {
	if m == ModeWrite {
		return "write"
	}

	return "read"
}

// LockStatus is the lifecycle state of a LockHandle.
type LockStatus int

const (
	// StatusWaiting is an attempt that has not been granted yet.
	StatusWaiting LockStatus = iota
	// StatusAcquired is a lock granted by the backend.
	StatusAcquired
	// StatusRenewing is a held lock whose lease is being extended.
	StatusRenewing
	// StatusFallback is a lock held by the in-process fallback only.
	StatusFallback
	// StatusReleased is a lock given back by its owner.
	StatusReleased
	// StatusFailed is an attempt that was never granted.
	StatusFailed
	// StatusExpired is a lock whose lease lapsed before it was released.
	StatusExpired
)

var statusNames = [...]string{"WAITING", "ACQUIRED", "RENEWING", "FALLBACK", "RELEASED", "FAILED", "EXPIRED"}

func (s LockStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("LockStatus(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s LockStatus) Terminal() bool {
	return s == StatusReleased || s == StatusFailed || s == StatusExpired
}

// Held reports whether the handle currently grants access.
func (s LockStatus) Held() bool {
	return s == StatusAcquired || s == StatusRenewing || s == StatusFallback
}

// LockRequest describes one acquisition attempt. It is treated as immutable
// once passed to Coordinator.Lock.
type LockRequest struct {
	// Scene namespaces the key, e.g. "order" or "inventory".
	Scene string
	// Key is the business key template. Plain text is used as is; templates
	// are rendered by the configured ExpressionEvaluator against Vars.
	Key string
	// Keys lists the key templates of a MULTI request.
	Keys []string
	// Vars are the call-context variables the templates are evaluated against.
	Vars map[string]any

	Type LockType
	// WaitTime bounds acquisition. Zero means a single attempt, WaitForever blocks.
	WaitTime time.Duration
	// LeaseTime <= 0 stores the key without expiry and relies on Unlock.
	LeaseTime time.Duration
	// AutoRenew keeps extending a positive lease by LeaseTime until Unlock.
	AutoRenew bool

	// Owner identifies the holder for reentrancy and safe release. When empty
	// the owner comes from the context (see ContextWithOwner) or is generated.
	Owner string
	// Business is a free-form label carried into events and logs.
	Business string
}

func (r LockRequest) lockType() LockType {
	if r.Type == "" {
		return LockReentrant
	}

	return r.Type
}

// multiKeys returns the de-duplicated, sorted physical keys of a MULTI request.
func multiKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}

// Algorithm is a rate-limiting algorithm.
type Algorithm string

const (
	// SlidingWindow admits MaxRequests in any span of WindowSize.
	SlidingWindow Algorithm = "SLIDING_WINDOW"
	// DistributedSlidingWindow is SlidingWindow with a second quota per
	// instance, so one instance cannot drain the shared window.
	DistributedSlidingWindow Algorithm = "DISTRIBUTED_SLIDING_WINDOW"
	// TokenBucket allows bursts up to MaxRequests, refilled at RefillRate per second.
	TokenBucket Algorithm = "TOKEN_BUCKET"
	// FixedWindow counts requests per aligned window of WindowSize.
	FixedWindow Algorithm = "FIXED_WINDOW"
	// LeakyBucket queues up to MaxRequests, drained at RefillRate per second.
	LeakyBucket Algorithm = "LEAKY_BUCKET"
	// Composite admits only when every child rule admits.
	Composite Algorithm = "COMPOSITE"
	// RuleBased evaluates the rules registered for a dimension.
	RuleBased Algorithm = "RULE_BASED"
)

// ParseAlgorithm parses an algorithm name case-insensitively. Dashes are
// accepted in place of underscores.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch a {
	case SlidingWindow, DistributedSlidingWindow, TokenBucket, FixedWindow, LeakyBucket, Composite, RuleBased:
		return a, nil
	}

	return "", fmt.Errorf("%w: unknown rate limit algorithm %q", ErrConfiguration, s)
}

// RateLimitRule is a configured admission rule. Rules are built at
// configuration time and never mutated afterwards.
type RateLimitRule struct {
	Name      string
	Algorithm Algorithm
	// WindowSize is the window of SLIDING_WINDOW and FIXED_WINDOW rules.
	WindowSize time.Duration
	// MaxRequests is the window quota or the bucket capacity.
	MaxRequests int64
	// RefillRate is tokens (or drained requests) per second for bucket rules.
	RefillRate int64
	// Priority orders rules of one dimension; lower values are evaluated first.
	Priority  int
	Enabled   bool
	Dimension string
	// Rules are the children of a COMPOSITE rule.
	Rules       []RateLimitRule
	Description string

	// InstanceLimit caps what one instance may take of a
	// DISTRIBUTED_SLIDING_WINDOW quota. Zero means a third of MaxRequests,
	// at least 1.
	InstanceLimit int64
	// Instance names the instance a DISTRIBUTED_SLIDING_WINDOW check counts
	// against. The Limiter fills it with its instance id when empty.
	Instance string

	// WarmUp ramps the quota from MaxRequests/ColdFactor up to MaxRequests
	// over this long after the limiter starts. Zero disables warm-up.
	WarmUp time.Duration
	// ColdFactor divides the quota at cold start. Zero means 3.
	ColdFactor float64
}

// DefaultColdFactor is the ColdFactor of a warm-up rule that sets none.
const DefaultColdFactor = 3.0

// InstanceQuota returns the per-instance quota of a DISTRIBUTED_SLIDING_WINDOW rule.
func (r RateLimitRule) InstanceQuota() int64 {
	if r.InstanceLimit > 0 {
		return min(r.InstanceLimit, r.MaxRequests)
	}

	return max(1, r.MaxRequests/3)
}

// WarmQuota returns the quota of the rule elapsed after the limiter started:
// cold + (max - cold) * progress², never below the cold quota.
func (r RateLimitRule) WarmQuota(elapsed time.Duration) int64 {
	if r.WarmUp <= 0 || elapsed >= r.WarmUp {
		return r.MaxRequests
	}

	factor := r.ColdFactor
	if factor <= 0 {
		factor = DefaultColdFactor
	}
	cold := float64(r.MaxRequests) / factor
	progress := float64(max(elapsed, 0)) / float64(r.WarmUp)
	quota := int64(math.Round(cold + (float64(r.MaxRequests)-cold)*progress*progress))

	return max(1, quota, int64(math.Round(cold)))
}

// Validate checks that the rule carries what its algorithm needs.
func (r RateLimitRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rate limit rule without name", ErrConfiguration)
	}

	if r.WarmUp < 0 {
		return fmt.Errorf("%w: rule %q: warm-up must not be negative", ErrConfiguration, r.Name)
	}
	if r.WarmUp > 0 && r.ColdFactor != 0 && r.ColdFactor < 1 {
		return fmt.Errorf("%w: rule %q: cold factor must be at least 1", ErrConfiguration, r.Name)
	}

	switch r.Algorithm {
	case SlidingWindow, FixedWindow:
		if r.WindowSize <= 0 {
			return fmt.Errorf("%w: rule %q: window size must be positive", ErrConfiguration, r.Name)
		}
	case DistributedSlidingWindow:
		if r.WindowSize <= 0 {
			return fmt.Errorf("%w: rule %q: window size must be positive", ErrConfiguration, r.Name)
		}
		if r.InstanceLimit < 0 {
			return fmt.Errorf("%w: rule %q: instance limit must not be negative", ErrConfiguration, r.Name)
		}
	case TokenBucket, LeakyBucket:
		if r.RefillRate <= 0 {
			return fmt.Errorf("%w: rule %q: refill rate must be positive", ErrConfiguration, r.Name)
		}
	case Composite:
		if len(r.Rules) == 0 {
			return fmt.Errorf("%w: composite rule %q has no children", ErrConfiguration, r.Name)
		}
		for _, child := range r.Rules {
			if child.Algorithm == Composite || child.Algorithm == RuleBased {
				return fmt.Errorf("%w: composite rule %q: child %q must use a basic algorithm",
					ErrConfiguration, r.Name, child.Name)
			}
			if err := child.Validate(); err != nil {
				return err
			}
		}

		return nil
	case RuleBased:
		if r.Dimension == "" {
			return fmt.Errorf("%w: rule-based rule %q needs a dimension", ErrConfiguration, r.Name)
		}

		return nil
	default:
		return fmt.Errorf("%w: rule %q: unknown algorithm %q", ErrConfiguration, r.Name, r.Algorithm)
	}

	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: rule %q: max requests must be positive", ErrConfiguration, r.Name)
	}

	return nil
}

// sortRules orders rules by ascending priority, then by name.
func sortRules(rules []RateLimitRule) []RateLimitRule {
	out := append([]RateLimitRule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}

		return out[i].Name < out[j].Name
	})

	return out
}

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	Allowed bool
	// Key is the physical key the decision was made on.
	Key  string
	Rule string
	// RequestCount is the consumption observed by the check: requests in the
	// window, tokens used or queue level.
	RequestCount int64
	Remaining    int64
	ResetTime    time.Time
	// RetryAfterMs is at least 1 on rejection and 0 otherwise.
	RetryAfterMs        int64
	Algorithm           Algorithm
	Reason              string
	ProcessingTimeNanos int64
}

// RetryAfter returns RetryAfterMs as a duration.
func (r RateLimitResult) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}
