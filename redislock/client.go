package redislock

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/companyinfo/gcoord"
)

// Mode selects the Redis deployment topology.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeCluster  Mode = "cluster"
	ModeSentinel Mode = "sentinel"
)

// Options describes how to reach Redis.
type Options struct {
	Mode Mode `yaml:"mode" mapstructure:"mode"`
	// Addrs holds one address in single mode, the seed nodes in cluster mode
	// and the sentinels in sentinel mode.
	Addrs      []string `yaml:"addrs" mapstructure:"addrs"`
	MasterName string   `yaml:"master_name" mapstructure:"master_name"`
	Username   string   `yaml:"username" mapstructure:"username"`
	Password   string   `yaml:"password" mapstructure:"password"`
	DB         int      `yaml:"db" mapstructure:"db"`

	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// DefaultOptions returns a single-node localhost configuration.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeSingle,
		Addrs:        []string{"localhost:6379"},
		PoolSize:     64,
		MinIdleConns: 10,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// NewClient builds a client for the topology described by o.
func NewClient(o Options) (redis.UniversalClient, error) {
	if len(o.Addrs) == 0 {
		return nil, fmt.Errorf("%w: redis addresses are required", gcoord.ErrConfiguration)
	}

	switch o.Mode {
	case ModeSingle, "":
		return redis.NewClient(&redis.Options{
			Addr:            o.Addrs[0],
			Username:        o.Username,
			Password:        o.Password,
			DB:              o.DB,
			PoolSize:        o.PoolSize,
			MinIdleConns:    o.MinIdleConns,
			DialTimeout:     o.DialTimeout,
			ReadTimeout:     o.ReadTimeout,
			WriteTimeout:    o.WriteTimeout,
			MaxRetries:      o.MaxRetries,
			MaxRetryBackoff: o.RetryBackoff,
		}), nil
	case ModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           o.Addrs,
			Username:        o.Username,
			Password:        o.Password,
			PoolSize:        o.PoolSize,
			MinIdleConns:    o.MinIdleConns,
			DialTimeout:     o.DialTimeout,
			ReadTimeout:     o.ReadTimeout,
			WriteTimeout:    o.WriteTimeout,
			MaxRetries:      o.MaxRetries,
			MaxRetryBackoff: o.RetryBackoff,
		}), nil
	case ModeSentinel:
		if o.MasterName == "" {
			return nil, fmt.Errorf("%w: sentinel mode needs a master name", gcoord.ErrConfiguration)
		}

		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:      o.MasterName,
			SentinelAddrs:   o.Addrs,
			Username:        o.Username,
			Password:        o.Password,
			DB:              o.DB,
			PoolSize:        o.PoolSize,
			MinIdleConns:    o.MinIdleConns,
			DialTimeout:     o.DialTimeout,
			ReadTimeout:     o.ReadTimeout,
			WriteTimeout:    o.WriteTimeout,
			MaxRetries:      o.MaxRetries,
			MaxRetryBackoff: o.RetryBackoff,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown redis mode %q", gcoord.ErrConfiguration, o.Mode)
	}
}
