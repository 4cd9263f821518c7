package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/lease"
	"github.com/zulandar/labyard/internal/utilisation"
)

func newLeaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Borrow and return machines for interactive use",
	}

	cmd.AddCommand(newLeaseBorrowCmd())
	cmd.AddCommand(newLeaseReturnCmd())
	cmd.AddCommand(newLeaseSweepCmd())
	return cmd
}

func newLeaseBorrowCmd() *cobra.Command {
	var (
		configPath string
		opts       lease.BorrowOpts
		duration   string
	)

	cmd := &cobra.Command{
		Use:   "borrow <machine>",
		Short: "Lease a machine",
		Long: `Records a lease on the machine. Leases do not block allocation; they tell
people who is using a machine and until when. Borrowing again as the same
holder renews the lease. Another holder needs --force until the lease expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			opts.Duration = e.cfg.Lease.DefaultDuration
			if duration != "" {
				if opts.Duration, err = utilisation.ParsePeriod(duration); err != nil {
					return err
				}
			}
			m, err := lease.Borrow(cmd.Context(), e.db, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Machine %s leased to %s until %s (policy %s)\n",
				m.Name, m.LeaseHolder, formatTime(m.LeaseTo), m.LeasePolicy)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Holder, "holder", "", "who holds the lease (required)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the machine is borrowed")
	cmd.Flags().StringVarP(&duration, "duration", "d", "", "lease length, e.g. 8h or 3d (default from config)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "expiry policy: reclaim, warn or extend")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "take over another holder's live lease")
	cmd.MarkFlagRequired("holder")
	return cmd
}

func newLeaseReturnCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "return <machine>",
		Short: "Return a leased machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := lease.Return(cmd.Context(), gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Machine %s returned\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLeaseSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply expiry policies to expired leases once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := lease.Sweep(cmd.Context(), e.db, lease.SweepOpts{
				ExtendBy: e.cfg.Lease.ExtendBy,
				Notifier: e.notifier,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Empty() {
				fmt.Fprintln(out, "No expired leases.")
				return nil
			}
			printSweepLine(cmd, "Reclaimed", res.Reclaimed)
			printSweepLine(cmd, "Warned", res.Warned)
			printSweepLine(cmd, "Extended", res.Extended)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printSweepLine(cmd *cobra.Command, label string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", label, strings.Join(names, ", "))
}
