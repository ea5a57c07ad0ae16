package config

import (
	"errors"

	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/redislock"
)

// Runtime bundles the components a Config describes.
type Runtime struct {
	Client      redis.UniversalClient
	Backend     *redislock.RedisLock
	Coordinator *gcoord.Coordinator
	Limiter     *gcoord.Limiter
}

// Build connects to Redis and wires a coordinator and a limiter over it.
// extra options are applied after the configured ones.
func (c *Config) Build(logger logr.Logger, extra ...gcoord.OptionFunc) (*Runtime, error) {
	client, err := redislock.NewClient(c.Redis)
	if err != nil {
		return nil, err
	}

	rt, err := c.BuildWithClient(client, logger, extra...)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}

	return rt, nil
}

// BuildWithClient wires a coordinator and a limiter over an existing client.
func (c *Config) BuildWithClient(client redis.UniversalClient, logger logr.Logger, extra ...gcoord.OptionFunc) (*Runtime, error) {
	opts, err := c.Options(logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	backend := redislock.New(client, opts...)
	limiter, err := gcoord.NewLimiter(backend, opts...)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Client:      client,
		Backend:     backend,
		Coordinator: gcoord.NewCoordinator(backend, opts...),
		Limiter:     limiter,
	}, nil
}

// Close stops the coordinator and the limiter, then closes the client.
func (r *Runtime) Close() error {
	return errors.Join(r.Coordinator.Close(), r.Limiter.Close(), r.Client.Close())
}
