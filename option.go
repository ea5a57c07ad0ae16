package gcoord

import (
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Name and the Default values seed DefaultConfig.
const (
	Name                    string        = "distributed_lock"
	DefaultLogLevel         int           = 0
	DefaultLoggerName       string        = "distributed_lock"
	DefaultTable            string        = "distributed_lock"
	DefaultTTLField         string        = "expiration_time"
	DefaultLockField        string        = "lock_id"
	DefaultOwnerField       string        = "owner"
	DefaultMap              string        = "distributed_lock"
	DefaultDatabase         string        = "distributed_lock"
	DefaultCollection       string        = "locks"
	DefaultSeparator        string        = ":"
	DefaultWaitTime         time.Duration = 3 * time.Second
	DefaultLeaseTime        time.Duration = 30 * time.Second
	DefaultRetryInterval    time.Duration = 50 * time.Millisecond
	DefaultMaxRetryInterval time.Duration = time.Second
	DefaultFairStaleAfter   time.Duration = 10 * time.Second
	DefaultClockDrift       float64       = 0.01
	DefaultEventBuffer      int           = 1024
	DefaultRateLimitPrefix  string        = "rate_limit"
)

// OptionFunc A function type used to apply custom configurations to Config.
type OptionFunc func(*Config)

// Config holds the settings shared by the coordinator, the limiter and the
// backends: storage naming, lock defaults, fallback, events and telemetry.
type Config struct {
	// Storage naming used by table, map and document backends.
	Table      string
	TTLField   string
	LockField  string
	OwnerField string
	Map        string
	Database   string
	Collection string

	// Separator joins scene and business key.
	Separator string

	DefaultWaitTime  time.Duration
	DefaultLeaseTime time.Duration
	AutoRenew        bool
	// RenewInterval overrides the lease/3 watchdog period when positive.
	RenewInterval time.Duration

	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	EnableFallback bool
	// Fallback replaces the in-process LocalBackend used for degradation.
	Fallback Backend
	// IdempotentRelease turns Unlock of a released handle into a no-op.
	IdempotentRelease bool

	// RedNodes are the independent backends a RED lock needs a majority of.
	RedNodes         []Backend
	ClockDriftFactor float64

	// FairStaleAfter purges fair-queue waiters that stopped polling.
	FairStaleAfter time.Duration

	// InstanceID prefixes generated owners and is the instance a limiter
	// counts distributed sliding windows against. Defaults to a random id.
	InstanceID string

	Sinks       []EventSink
	EventBuffer int

	Expressions     ExpressionEvaluator
	RateLimitPrefix string
	Rules           []RateLimitRule

	Clock Clock

	Logger         logr.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// DefaultConfig returns a Config with default values, including:
// - A discarding logger with predefined log level and name.
// - The global OpenTelemetry tracer and meter providers.
func DefaultConfig() *Config {
	return &Config{
		Table:            DefaultTable,
		TTLField:         DefaultTTLField,
		LockField:        DefaultLockField,
		OwnerField:       DefaultOwnerField,
		Map:              DefaultMap,
		Database:         DefaultDatabase,
		Collection:       DefaultCollection,
		Separator:        DefaultSeparator,
		DefaultWaitTime:  DefaultWaitTime,
		DefaultLeaseTime: DefaultLeaseTime,
		AutoRenew:        true,
		RetryInterval:    DefaultRetryInterval,
		MaxRetryInterval: DefaultMaxRetryInterval,
		ClockDriftFactor: DefaultClockDrift,
		FairStaleAfter:   DefaultFairStaleAfter,
		EventBuffer:      DefaultEventBuffer,
		RateLimitPrefix:  DefaultRateLimitPrefix,
		Clock:            RealClock{},
		Logger:           logr.Discard().V(DefaultLogLevel).WithName(DefaultLoggerName),
		TracerProvider:   otel.GetTracerProvider(),
		MeterProvider:    otel.GetMeterProvider(),
	}
}

// NewConfig applies opts on top of DefaultConfig.
func NewConfig(opts ...OptionFunc) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// WithTable sets the table name for storage backends that use tables (e.g., DynamoDB, PostgreSQL).
func WithTable(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.Table = name
	}
}

// WithTTLField sets the TTL (expiration) field name in the storage backend.
// This field is used to track lock expiration.
func WithTTLField(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.TTLField = name
	}
}

// WithLockField sets the lock identifier field name in the storage backend.
// This field uniquely identifies a lock record.
func WithLockField(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.LockField = name
	}
}

// WithOwnerField sets the field that stores the lock holder.
func WithOwnerField(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.OwnerField = name
	}
}

// WithMapName sets the map name for storage backends that use key-value maps (e.g., Hazelcast).
func WithMapName(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.Map = name
	}
}

// WithDatabase sets the database name for storage backends that require a database name (e.g., MongoDB, PostgreSQL).
func WithDatabase(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.Database = name
	}
}

// WithCollection sets the collection name for NoSQL storage backends like MongoDB.
func WithCollection(name string) OptionFunc {
	return func(cfg *Config) {
		cfg.Collection = name
	}
}

// WithSeparator sets the string placed between scene and business key.
func WithSeparator(sep string) OptionFunc {
	return func(cfg *Config) {
		cfg.Separator = sep
	}
}

// WithDefaultWaitTime sets the wait time used by NewRequest.
func WithDefaultWaitTime(d time.Duration) OptionFunc {
	return func(cfg *Config) {
		cfg.DefaultWaitTime = d
	}
}

// WithDefaultLeaseTime sets the lease time used by NewRequest.
func WithDefaultLeaseTime(d time.Duration) OptionFunc {
	return func(cfg *Config) {
		cfg.DefaultLeaseTime = d
	}
}

// WithAutoRenew sets whether NewRequest enables the lease watchdog.
func WithAutoRenew(enabled bool) OptionFunc {
	return func(cfg *Config) {
		cfg.AutoRenew = enabled
	}
}

// WithRenewInterval fixes the watchdog period instead of lease/3.
func WithRenewInterval(d time.Duration) OptionFunc {
	return func(cfg *Config) {
		cfg.RenewInterval = d
	}
}

// WithRetryInterval sets the linear backoff step and its ceiling.
func WithRetryInterval(step, max time.Duration) OptionFunc {
	return func(cfg *Config) {
		cfg.RetryInterval = step
		cfg.MaxRetryInterval = max
	}
}

// WithFallback enables degradation to an in-process lock when the backend is
// unreachable or the wait budget runs out.
func WithFallback(enabled bool) OptionFunc {
	return func(cfg *Config) {
		cfg.EnableFallback = enabled
	}
}

// WithFallbackBackend replaces the default LocalBackend used for fallback.
func WithFallbackBackend(b Backend) OptionFunc {
	return func(cfg *Config) {
		cfg.Fallback = b
	}
}

// WithIdempotentRelease makes Unlock of an already released handle succeed.
func WithIdempotentRelease(enabled bool) OptionFunc {
	return func(cfg *Config) {
		cfg.IdempotentRelease = enabled
	}
}

// WithRedNodes sets the independent backends used by RED locks.
func WithRedNodes(nodes ...Backend) OptionFunc {
	return func(cfg *Config) {
		cfg.RedNodes = nodes
	}
}

// WithClockDriftFactor sets the fraction of the lease reserved for clock drift in RED locks.
func WithClockDriftFactor(f float64) OptionFunc {
	return func(cfg *Config) {
		cfg.ClockDriftFactor = f
	}
}

// WithFairStaleAfter sets how long a fair-queue waiter may stay silent before it loses its place.
func WithFairStaleAfter(d time.Duration) OptionFunc {
	return func(cfg *Config) {
		cfg.FairStaleAfter = d
	}
}

// WithInstanceID names this process in generated owners and distributed
// sliding windows.
func WithInstanceID(id string) OptionFunc {
	return func(cfg *Config) {
		cfg.InstanceID = id
	}
}

// WithEventSink registers a sink for lifecycle events.
func WithEventSink(sinks ...EventSink) OptionFunc {
	return func(cfg *Config) {
		cfg.Sinks = append(cfg.Sinks, sinks...)
	}
}

// WithEventBuffer sets the capacity of the event queue. Events beyond it are dropped.
func WithEventBuffer(n int) OptionFunc {
	return func(cfg *Config) {
		cfg.EventBuffer = n
	}
}

// WithExpressionEvaluator swaps the evaluator used for parameterized keys.
func WithExpressionEvaluator(e ExpressionEvaluator) OptionFunc {
	return func(cfg *Config) {
		cfg.Expressions = e
	}
}

// WithRateLimitPrefix sets the namespace of rate-limit keys.
func WithRateLimitPrefix(prefix string) OptionFunc {
	return func(cfg *Config) {
		cfg.RateLimitPrefix = prefix
	}
}

// WithRules registers rate-limit rules for dimension lookups.
func WithRules(rules ...RateLimitRule) OptionFunc {
	return func(cfg *Config) {
		cfg.Rules = append(cfg.Rules, rules...)
	}
}

// WithClock sets the time source of the limiter and the local backend.
func WithClock(c Clock) OptionFunc {
	return func(cfg *Config) {
		cfg.Clock = c
	}
}

// WithLogger sets a custom logger in Config.
// This allows users to integrate their own logging implementation.
func WithLogger(logger logr.Logger) OptionFunc {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider for distributed tracing.
// If not set, the default OpenTelemetry tracer is used.
func WithTracerProvider(tp trace.TracerProvider) OptionFunc {
	return func(cfg *Config) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider for capturing metrics.
// If not set, the default OpenTelemetry meter is used.
func WithMeterProvider(mp metric.MeterProvider) OptionFunc {
	return func(cfg *Config) {
		cfg.MeterProvider = mp
	}
}
