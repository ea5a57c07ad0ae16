package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/config"
)

func newLockCommand(a *app) *cobra.Command {
	var (
		lockType string
		wait     time.Duration
		lease    time.Duration
		hold     time.Duration
		owner    string
		keys     []string
	)

	cmd := &cobra.Command{
		Use:   "lock SCENE KEY",
		Short: "Acquire a lock, hold it, then release it",
		Long: "Acquire a lock, hold it for --hold and release it. A negative --hold keeps the lock\n" +
			"until the command is interrupted; the watchdog renews the lease meanwhile.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := gcoord.ParseLockType(lockType)
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(ctx context.Context, rt *config.Runtime) error {
				req := rt.Coordinator.NewRequest(args[0], "")
				if len(args) > 1 {
					req.Key = args[1]
				}
				req.Type, req.Owner, req.Keys = t, owner, keys
				if cmd.Flags().Changed("wait") {
					req.WaitTime = wait
				}
				if cmd.Flags().Changed("lease") {
					req.LeaseTime = lease
				}

				h, err := rt.Coordinator.Lock(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "acquired %s owner=%s backend=%s wait=%s\n",
					h.Key(), h.Owner(), h.Backend(), h.WaitDuration())

				holdFor(ctx, hold)

				if err := rt.Coordinator.Unlock(context.WithoutCancel(ctx), h); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s after %s\n", h.Key(), h.HoldDuration())

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&lockType, "type", string(gcoord.LockReentrant), "lock type: reentrant, fair, read, write, multi, red or spin")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for the lock (default lock.wait_time)")
	cmd.Flags().DurationVar(&lease, "lease", 0, "lease time (default lock.lease_time)")
	cmd.Flags().DurationVar(&hold, "hold", 0, "how long to hold the lock; negative holds until interrupted")
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity (default: generated)")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "keys of a multi lock")

	return cmd
}

func holdFor(ctx context.Context, d time.Duration) {
	if d == 0 {
		return
	}

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	}
}

func newForceUnlockCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "force-unlock SCENE KEY",
		Short: "Release a lock whoever holds it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, rt *config.Runtime) error {
				ok, err := rt.Coordinator.ForceUnlock(ctx, args[0], args[1])
				if err != nil {
					return err
				}

				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "released %s%s%s\n", args[0], a.cfg.Lock.Separator, args[1])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "not held %s%s%s\n", args[0], a.cfg.Lock.Separator, args[1])
				}

				return nil
			})
		},
	}
}

func newTTLCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ttl SCENE KEY",
		Short: "Show the lease left on a lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, rt *config.Runtime) error {
				ttl, err := rt.Coordinator.TTL(ctx, args[0], args[1])
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatTTL(ttl))

				return nil
			})
		},
	}
}

func formatTTL(ttl time.Duration) string {
	switch ttl {
	case gcoord.TTLAbsent:
		return "absent"
	case gcoord.TTLNoExpiry:
		return "no expiry"
	default:
		return ttl.Round(time.Millisecond).String()
	}
}
