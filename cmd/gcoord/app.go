package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/config"
	"github.com/companyinfo/gcoord/promsink"
)

// app carries what the subcommands share.
type app struct {
	cfg    *config.Config
	logger logr.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "gcoord",
		Short:         "Distributed locks and rate limits over Redis",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file (env GCOORD_CONFIG)")
	flags.StringSlice("redis-addrs", nil, "Redis addresses, overriding redis.addrs")
	flags.String("redis-mode", "", "Redis topology: single, cluster or sentinel")
	flags.Int("log-verbosity", 0, "logr verbosity of the stderr logger")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address while a command runs")

	cmd.AddCommand(
		newLockCommand(a),
		newForceUnlockCommand(a),
		newTTLCommand(a),
		newLimitCommand(a),
		newConfigCommand(a),
	)

	return cmd
}

// bindings maps persistent flags onto config keys.
var bindings = map[string]string{
	"redis-addrs":    "redis.addrs",
	"redis-mode":     "redis.mode",
	"log-verbosity":  "log_verbosity",
	"metrics-listen": "metrics.listen",
}

func (a *app) load(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "_CONFIG")
	}

	v, err := config.NewViper(path)
	if err != nil {
		return err
	}
	for name, key := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	stdr.SetVerbosity(cfg.LogVerbosity)
	a.cfg = cfg
	a.logger = stdr.New(log.New(cmd.ErrOrStderr(), "", log.LstdFlags)).WithName("gcoord")

	return nil
}

// run builds the runtime, serves metrics if configured, calls fn and tears
// everything down again.
func (a *app) run(ctx context.Context, fn func(ctx context.Context, rt *config.Runtime) error) (err error) {
	reg := prometheus.NewRegistry()
	sink, err := promsink.New(reg)
	if err != nil {
		return err
	}

	rt, err := a.cfg.Build(a.logger, gcoord.WithEventSink(sink, gcoord.LogSink{Logger: a.logger}))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close())
	}()

	if a.cfg.Metrics.Listen != "" {
		stop, err := serveMetrics(a.cfg.Metrics.Listen, reg, a.logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	return fn(ctx, rt)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logr.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server stopped")
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
