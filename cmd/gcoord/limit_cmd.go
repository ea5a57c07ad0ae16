package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/companyinfo/gcoord"
	"github.com/companyinfo/gcoord/config"
)

func newLimitCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limit",
		Short: "Check or reset configured rate limits",
	}
	cmd.AddCommand(newLimitCheckCommand(a), newLimitResetCommand(a))

	return cmd
}

func newLimitCheckCommand(a *app) *cobra.Command {
	var permits int64

	cmd := &cobra.Command{
		Use:   "check RULE KEY",
		Short: "Consume permits of a rule for a key; exits non-zero when rejected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := a.cfg.Rule(args[0])
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(ctx context.Context, rt *config.Runtime) error {
				res, err := rt.Limiter.CheckN(ctx, rule, args[1], permits)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "allowed=%t remaining=%d retry_after_ms=%d key=%s\n",
					res.Allowed, res.Remaining, res.RetryAfterMs, res.Key)
				if !res.Allowed {
					return fmt.Errorf("%w: %s", gcoord.ErrRateLimited, res.Rule)
				}

				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&permits, "permits", 1, "permits to consume")

	return cmd
}

func newLimitResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset RULE KEY",
		Short: "Drop the limiter state of a rule for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := a.cfg.Rule(args[0])
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(ctx context.Context, rt *config.Runtime) error {
				n, err := rt.Limiter.Reset(ctx, rule, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", n)

				return nil
			})
		},
	}
}
