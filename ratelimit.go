package gcoord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const limiterBackend = "ratelimit"

// Limiter evaluates requests against rate-limit rules. Every basic check is a
// single atomic Evaluator call, so concurrent checks on one key never race.
type Limiter struct {
	eval   Evaluator
	local  *LocalBackend
	cfg    *Config
	tel    *Telemetry
	keys   *KeyResolver
	events *dispatcher
	clock  Clock
	rules  map[string][]RateLimitRule

	instance string
	started  time.Time

	mu    sync.Mutex
	stats map[string]*ruleStats
}

type ruleStats struct {
	allowed  int64
	rejected int64
	last     time.Time
}

// NewLimiter creates a limiter on eval. A nil eval evaluates in process.
// Rules registered with WithRules are validated and grouped by dimension.
func NewLimiter(eval Evaluator, opts ...OptionFunc) (*Limiter, error) {
	cfg := NewConfig(opts...)
	tel := NewTelemetry(cfg)
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}

	local := NewLocalBackend(WithClock(clock))
	if eval == nil {
		eval = local
	}

	rules := make(map[string][]RateLimitRule)
	for _, rule := range cfg.Rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if rule.Algorithm == RuleBased {
			return nil, fmt.Errorf("%w: rule-based rule %q cannot be registered under a dimension", ErrConfiguration, rule.Name)
		}
		rules[rule.Dimension] = append(rules[rule.Dimension], rule)
	}
	for dim, rs := range rules {
		rules[dim] = sortRules(rs)
	}

	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}

	return &Limiter{
		eval:     eval,
		local:    local,
		cfg:      cfg,
		tel:      tel,
		keys:     NewKeyResolver(cfg.Separator, cfg.Expressions),
		events:   newDispatcher(cfg.Sinks, cfg.EventBuffer, tel),
		clock:    clock,
		rules:    rules,
		instance: instance,
		started:  clock.Now(),
		stats:    make(map[string]*ruleStats),
	}, nil
}

// Rules returns the registered rules of dimension in evaluation order.
func (l *Limiter) Rules(dimension string) []RateLimitRule {
	return append([]RateLimitRule(nil), l.rules[dimension]...)
}

// Dimensions returns the dimensions that have registered rules.
func (l *Limiter) Dimensions() []string {
	dims := make([]string, 0, len(l.rules))
	for dim := range l.rules {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	return dims
}

// Check consumes one permit of rule for key.
func (l *Limiter) Check(ctx context.Context, rule RateLimitRule, key string) (RateLimitResult, error) {
	return l.CheckN(ctx, rule, key, 1)
}

// CheckN consumes permits of rule for key.
func (l *Limiter) CheckN(ctx context.Context, rule RateLimitRule, key string, permits int64) (RateLimitResult, error) {
	if permits < 1 {
		return RateLimitResult{}, fmt.Errorf("%w: permits must be positive", ErrConfiguration)
	}

	return l.check(ctx, rule, key, permits, true)
}

// Remaining returns the quota left for key under rule without consuming any.
func (l *Limiter) Remaining(ctx context.Context, rule RateLimitRule, key string) (int64, error) {
	res, err := l.check(ctx, rule, key, 0, false)
	if err != nil {
		return 0, err
	}

	return res.Remaining, nil
}

// CheckDimension evaluates the rules registered for dimension by ascending
// priority. The first rejecting rule decides.
func (l *Limiter) CheckDimension(ctx context.Context, dimension, key string) (RateLimitResult, error) {
	return l.check(ctx, RateLimitRule{Name: dimension, Algorithm: RuleBased, Dimension: dimension, Enabled: true}, key, 1, true)
}

// CheckDimensions evaluates several dimensions, e.g. {"user": id, "ip": addr},
// in name order and stops at the first rejection.
func (l *Limiter) CheckDimensions(ctx context.Context, keys map[string]string) (RateLimitResult, error) {
	dims := make([]string, 0, len(keys))
	for dim := range keys {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	var res RateLimitResult
	for _, dim := range dims {
		r, err := l.CheckDimension(ctx, dim, keys[dim])
		if err != nil || !r.Allowed {
			return r, err
		}
		res = r
	}

	return res, nil
}

func (l *Limiter) check(ctx context.Context, rule RateLimitRule, key string, permits int64, emit bool) (RateLimitResult, error) {
	start := time.Now()
	if err := rule.Validate(); err != nil {
		return RateLimitResult{}, err
	}
	if strings.TrimSpace(key) == "" {
		return RateLimitResult{}, fmt.Errorf("%w: empty rate limit key for rule %q", ErrConfiguration, rule.Name)
	}

	var (
		res RateLimitResult
		err error
	)
	switch rule.Algorithm {
	case Composite:
		res, err = l.chain(ctx, rule, sortRules(rule.Rules), key, permits)
	case RuleBased:
		res, err = l.chain(ctx, rule, l.rules[rule.Dimension], key, permits)
	default:
		res, err = l.evaluate(ctx, rule, key, permits)
	}
	if err != nil {
		return res, err
	}

	res.ProcessingTimeNanos = time.Since(start).Nanoseconds()
	if emit {
		l.record(ctx, rule, res)
	}

	return res, nil
}

// chain evaluates rules in order and returns the first rejection. When all
// allow, the result with the least remaining quota is returned.
func (l *Limiter) chain(ctx context.Context, parent RateLimitRule, rules []RateLimitRule, key string, permits int64) (RateLimitResult, error) {
	best := RateLimitResult{
		Allowed:   true,
		Key:       key,
		Rule:      parent.Name,
		Algorithm: parent.Algorithm,
		Remaining: -1,
		Reason:    "no applicable rule",
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		res, err := l.evaluate(ctx, rule, key, permits)
		if err != nil {
			return res, err
		}
		if !res.Allowed {
			res.Reason = fmt.Sprintf("rejected by rule %s of %s", rule.Name, parent.Name)
			return res, nil
		}
		if best.Remaining < 0 || res.Remaining < best.Remaining {
			best = res
			best.Reason = fmt.Sprintf("allowed by %s", parent.Name)
		}
	}

	return best, nil
}

// physicalKey is prefix:algorithm:rule:key.
func (l *Limiter) physicalKey(rule RateLimitRule, key string) string {
	return l.keys.Join(l.cfg.RateLimitPrefix, strings.ToLower(string(rule.Algorithm)), rule.Name, key)
}

func (l *Limiter) evaluate(ctx context.Context, rule RateLimitRule, key string, permits int64) (RateLimitResult, error) {
	physical := l.physicalKey(rule, key)
	if !rule.Enabled {
		return RateLimitResult{
			Allowed:   true,
			Key:       physical,
			Rule:      rule.Name,
			Algorithm: rule.Algorithm,
			Remaining: rule.MaxRequests,
			Reason:    "rule disabled",
		}, nil
	}

	rule = l.effective(rule)

	startTime := time.Now()
	ctx, span := l.tel.RecordStart(ctx, limiterBackend, ActionEvaluate, physical)
	defer span.End()

	res, err := l.eval.Evaluate(ctx, rule, physical, permits, l.clock.Now())
	if err != nil && l.cfg.EnableFallback && errors.Is(err, ErrBackendUnavailable) && l.eval != Evaluator(l.local) {
		l.tel.Logger().Error(err, "rate limit backend unavailable, evaluating locally", "key", physical)
		res, err = l.local.Evaluate(ctx, rule, physical, permits, l.clock.Now())
	}
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return res, l.tel.HandleError(ctx, span, err, limiterBackend, ActionEvaluate, "invalid rate limit rule", physical)
		}

		return res, Unavailable(l.tel.HandleError(ctx, span, err, limiterBackend, ActionEvaluate, "failed to evaluate rate limit", physical))
	}

	if res.Reason == "" {
		if res.Allowed {
			res.Reason = "allowed"
		} else {
			res.Reason = fmt.Sprintf("%s limit of %d exceeded", strings.ToLower(string(rule.Algorithm)), rule.MaxRequests)
		}
	}
	if !res.Allowed && res.RetryAfterMs < 1 {
		res.RetryAfterMs = 1
	}
	l.tel.RecordSuccess(ctx, span, startTime, limiterBackend, ActionEvaluate, physical)

	return res, nil
}

// effective applies the warm-up quota and the instance of the limiter.
func (l *Limiter) effective(rule RateLimitRule) RateLimitRule {
	if rule.WarmUp > 0 {
		rule.MaxRequests = rule.WarmQuota(l.clock.Now().Sub(l.started))
	}
	if rule.Algorithm == DistributedSlidingWindow && rule.Instance == "" {
		rule.Instance = l.instance
	}

	return rule
}

// Instance returns the instance id DISTRIBUTED_SLIDING_WINDOW checks count against.
func (l *Limiter) Instance() string {
	return l.instance
}

func (l *Limiter) record(ctx context.Context, rule RateLimitRule, res RateLimitResult) {
	l.tel.RecordRateLimit(ctx, res.Algorithm, res.Allowed)

	l.mu.Lock()
	st, ok := l.stats[rule.Name]
	if !ok {
		st = &ruleStats{}
		l.stats[rule.Name] = st
	}
	if res.Allowed {
		st.allowed++
	} else {
		st.rejected++
	}
	st.last = l.clock.Now()
	l.mu.Unlock()

	t := EventRateLimitAllowed
	if !res.Allowed {
		t = EventRateLimitRejected
		l.tel.Logger().V(1).Info("request rate limited", "key", res.Key, "rule", res.Rule, "retryAfterMs", res.RetryAfterMs)
	}

	r := res
	l.events.emit(Event{
		Type:      t,
		Key:       res.Key,
		Algorithm: rule.Algorithm,
		Backend:   limiterBackend,
		TraceID:   traceIDFrom(ctx),
		Result:    &r,
	})
}

// Reset clears the state of key under rule, including the children of
// composite and rule-based rules.
func (l *Limiter) Reset(ctx context.Context, rule RateLimitRule, key string) (int64, error) {
	resetter, ok := l.eval.(Resetter)
	if !ok {
		return 0, fmt.Errorf("%w: evaluator cannot reset rate limit state", ErrConfiguration)
	}

	var rules []RateLimitRule
	switch rule.Algorithm {
	case Composite:
		rules = rule.Rules
	case RuleBased:
		rules = l.rules[rule.Dimension]
	default:
		rules = []RateLimitRule{rule}
	}

	var total int64
	for _, r := range rules {
		n, err := resetter.Reset(ctx, l.physicalKey(r, key))
		if err != nil {
			return total, Unavailable(err)
		}
		total += n
	}
	l.tel.Logger().Info("rate limit state reset", "rule", rule.Name, "key", key, "deleted", total)

	return total, nil
}

// LimitStatus is the state of one key under one rule, as seen by this limiter.
type LimitStatus struct {
	Rule      string
	Algorithm Algorithm
	Key       string
	Instance  string
	// Limit is the quota in force, lowered while the rule warms up.
	Limit     int64
	WarmingUp bool
	// Used and Remaining are read from the evaluator without consuming.
	Used      int64
	Remaining int64
	ResetTime time.Time
	// Allowed and Rejected count the checks of the rule made by this limiter.
	Allowed   int64
	Rejected  int64
	LastCheck time.Time
	Timestamp time.Time
}

// Status reports the state of key under rule without consuming a permit.
func (l *Limiter) Status(ctx context.Context, rule RateLimitRule, key string) (LimitStatus, error) {
	res, err := l.check(ctx, rule, key, 0, false)
	if err != nil {
		return LimitStatus{}, err
	}

	now := l.clock.Now()
	st := LimitStatus{
		Rule:      rule.Name,
		Algorithm: rule.Algorithm,
		Key:       res.Key,
		Instance:  l.instance,
		Limit:     rule.WarmQuota(now.Sub(l.started)),
		WarmingUp: rule.WarmUp > 0 && now.Sub(l.started) < rule.WarmUp,
		Used:      res.RequestCount,
		Remaining: res.Remaining,
		ResetTime: res.ResetTime,
		Timestamp: now,
	}
	if rule.Algorithm == Composite || rule.Algorithm == RuleBased {
		st.Limit = res.RequestCount + res.Remaining
	}
	st.Allowed, st.Rejected, st.LastCheck = l.Stats(rule.Name)

	return st, nil
}

// Stats returns how many checks of the named rule this limiter allowed and
// rejected, and when the last one ran.
func (l *Limiter) Stats(rule string) (allowed, rejected int64, last time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.stats[rule]
	if !ok {
		return 0, 0, time.Time{}
	}

	return st.allowed, st.rejected, st.last
}

// Close flushes pending rate-limit events.
func (l *Limiter) Close() error {
	l.events.close()
	return nil
}
