// Package config loads gcoord settings from a YAML file and GCOORD_*
// environment variables, and builds the Redis client, coordinator and
// limiter they describe.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/redislock"
)

// EnvPrefix prefixes every environment override, e.g. GCOORD_LOCK_LEASE_TIME.
const EnvPrefix = "GCOORD"

// Config is the file representation of a gcoord deployment.
type Config struct {
	Redis     redislock.Options `yaml:"redis" mapstructure:"redis"`
	Lock      Lock              `yaml:"lock" mapstructure:"lock"`
	RateLimit RateLimit         `yaml:"rate_limit" mapstructure:"rate_limit"`
	Metrics   Metrics           `yaml:"metrics" mapstructure:"metrics"`
	// LogVerbosity is the logr V-level the CLI logs at.
	LogVerbosity int `yaml:"log_verbosity" mapstructure:"log_verbosity"`
}

// Lock holds coordinator defaults.
type Lock struct {
	Separator         string        `yaml:"separator" mapstructure:"separator"`
	WaitTime          time.Duration `yaml:"wait_time" mapstructure:"wait_time"`
	LeaseTime         time.Duration `yaml:"lease_time" mapstructure:"lease_time"`
	AutoRenew         bool          `yaml:"auto_renew" mapstructure:"auto_renew"`
	RenewInterval     time.Duration `yaml:"renew_interval" mapstructure:"renew_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	MaxRetryInterval  time.Duration `yaml:"max_retry_interval" mapstructure:"max_retry_interval"`
	Fallback          bool          `yaml:"fallback" mapstructure:"fallback"`
	IdempotentRelease bool          `yaml:"idempotent_release" mapstructure:"idempotent_release"`
	FairStaleAfter    time.Duration `yaml:"fair_stale_after" mapstructure:"fair_stale_after"`
	InstanceID        string        `yaml:"instance_id" mapstructure:"instance_id"`
}

// RateLimit holds the key prefix and the configured rules.
type RateLimit struct {
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Rules  []Rule `yaml:"rules" mapstructure:"rules"`
}

// Rule is the file form of gcoord.RateLimitRule. A rule without "enabled"
// is enabled.
type Rule struct {
	Name        string        `yaml:"name" mapstructure:"name"`
	Algorithm   string        `yaml:"algorithm" mapstructure:"algorithm"`
	Window      time.Duration `yaml:"window,omitempty" mapstructure:"window"`
	MaxRequests int64         `yaml:"max_requests,omitempty" mapstructure:"max_requests"`
	RefillRate  int64         `yaml:"refill_rate,omitempty" mapstructure:"refill_rate"`
	Priority    int           `yaml:"priority,omitempty" mapstructure:"priority"`
	Enabled     *bool         `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Dimension   string        `yaml:"dimension,omitempty" mapstructure:"dimension"`
	Description string        `yaml:"description,omitempty" mapstructure:"description"`
	Rules       []Rule        `yaml:"rules,omitempty" mapstructure:"rules"`

	InstanceLimit int64         `yaml:"instance_limit,omitempty" mapstructure:"instance_limit"`
	WarmUp        time.Duration `yaml:"warm_up,omitempty" mapstructure:"warm_up"`
	ColdFactor    float64       `yaml:"cold_factor,omitempty" mapstructure:"cold_factor"`
}

// Metrics configures the Prometheus endpoint of the CLI.
type Metrics struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Redis: redislock.DefaultOptions(),
		Lock: Lock{
			Separator:        gcoord.DefaultSeparator,
			WaitTime:         gcoord.DefaultWaitTime,
			LeaseTime:        gcoord.DefaultLeaseTime,
			AutoRenew:        true,
			RetryInterval:    gcoord.DefaultRetryInterval,
			MaxRetryInterval: gcoord.DefaultMaxRetryInterval,
			FairStaleAfter:   gcoord.DefaultFairStaleAfter,
		},
		RateLimit: RateLimit{Prefix: gcoord.DefaultRateLimitPrefix},
	}
}

// setDefaults registers every scalar key so environment overrides apply to
// keys the file does not mention.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("redis.mode", string(d.Redis.Mode))
	v.SetDefault("redis.addrs", d.Redis.Addrs)
	v.SetDefault("redis.master_name", d.Redis.MasterName)
	v.SetDefault("redis.username", d.Redis.Username)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	v.SetDefault("redis.retry_backoff", d.Redis.RetryBackoff)

	v.SetDefault("lock.separator", d.Lock.Separator)
	v.SetDefault("lock.wait_time", d.Lock.WaitTime)
	v.SetDefault("lock.lease_time", d.Lock.LeaseTime)
	v.SetDefault("lock.auto_renew", d.Lock.AutoRenew)
	v.SetDefault("lock.renew_interval", d.Lock.RenewInterval)
	v.SetDefault("lock.retry_interval", d.Lock.RetryInterval)
	v.SetDefault("lock.max_retry_interval", d.Lock.MaxRetryInterval)
	v.SetDefault("lock.fallback", d.Lock.Fallback)
	v.SetDefault("lock.idempotent_release", d.Lock.IdempotentRelease)
	v.SetDefault("lock.fair_stale_after", d.Lock.FairStaleAfter)
	v.SetDefault("lock.instance_id", d.Lock.InstanceID)

	v.SetDefault("rate_limit.prefix", d.RateLimit.Prefix)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("log_verbosity", d.LogVerbosity)
}

// NewViper returns a viper instance with the gcoord defaults and environment
// binding. path may be empty.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	return v, nil
}

// Load reads the file at path (optional) and the environment into a Config.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}

	return FromViper(v)
}

// FromViper decodes v into a Config and validates the rules.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", gcoord.ErrConfiguration, err)
	}

	if _, err := cfg.Rules(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Dump writes c as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}

	return enc.Close()
}

func (r Rule) toRule() (gcoord.RateLimitRule, error) {
	algorithm, err := gcoord.ParseAlgorithm(r.Algorithm)
	if err != nil {
		return gcoord.RateLimitRule{}, fmt.Errorf("rule %q: %w", r.Name, err)
	}

	out := gcoord.RateLimitRule{
		Name:        r.Name,
		Algorithm:   algorithm,
		WindowSize:  r.Window,
		MaxRequests: r.MaxRequests,
		RefillRate:  r.RefillRate,
		Priority:    r.Priority,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Dimension:   r.Dimension,
		Description: r.Description,

		InstanceLimit: r.InstanceLimit,
		WarmUp:        r.WarmUp,
		ColdFactor:    r.ColdFactor,
	}
	for _, child := range r.Rules {
		cr, err := child.toRule()
		if err != nil {
			return gcoord.RateLimitRule{}, err
		}
		out.Rules = append(out.Rules, cr)
	}

	return out, out.Validate()
}

// Rules converts and validates the configured rate-limit rules.
func (c *Config) Rules() ([]gcoord.RateLimitRule, error) {
	out := make([]gcoord.RateLimitRule, 0, len(c.RateLimit.Rules))
	seen := make(map[string]struct{}, len(c.RateLimit.Rules))
	for _, r := range c.RateLimit.Rules {
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %q", gcoord.ErrConfiguration, r.Name)
		}
		seen[r.Name] = struct{}{}

		rule, err := r.toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}

	return out, nil
}

// Rule returns the configured rule called name.
func (c *Config) Rule(name string) (gcoord.RateLimitRule, error) {
	rules, err := c.Rules()
	if err != nil {
		return gcoord.RateLimitRule{}, err
	}
	for _, r := range rules {
		if r.Name == name {
			return r, nil
		}
	}

	return gcoord.RateLimitRule{}, fmt.Errorf("%w: no rate limit rule %q", gcoord.ErrConfiguration, name)
}

// Options translates c into coordinator and limiter options.
func (c *Config) Options(logger logr.Logger) ([]gcoord.OptionFunc, error) {
	rules, err := c.Rules()
	if err != nil {
		return nil, err
	}

	opts := []gcoord.OptionFunc{
		gcoord.WithLogger(logger),
		gcoord.WithSeparator(c.Lock.Separator),
		gcoord.WithDefaultWaitTime(c.Lock.WaitTime),
		gcoord.WithDefaultLeaseTime(c.Lock.LeaseTime),
		gcoord.WithAutoRenew(c.Lock.AutoRenew),
		gcoord.WithRenewInterval(c.Lock.RenewInterval),
		gcoord.WithRetryInterval(c.Lock.RetryInterval, c.Lock.MaxRetryInterval),
		gcoord.WithFallback(c.Lock.Fallback),
		gcoord.WithIdempotentRelease(c.Lock.IdempotentRelease),
		gcoord.WithFairStaleAfter(c.Lock.FairStaleAfter),
		gcoord.WithRateLimitPrefix(c.RateLimit.Prefix),
		gcoord.WithRules(rules...),
	}
	if c.Lock.InstanceID != "" {
		opts = append(opts, gcoord.WithInstanceID(c.Lock.InstanceID))
	}

	return opts, nil
}
