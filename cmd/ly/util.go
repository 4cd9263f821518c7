package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/utilisation"
)

func newUtilCmd() *cobra.Command {
	var (
		configPath string
		opts       utilisation.Opts
		period     string
		start, end string
	)

	cmd := &cobra.Command{
		Use:   "util",
		Short: "Report machine utilisation from the event log",
		Long: `Pairs JobStart and JobEnd events per machine and reports busy time per
machine and per pool. Time is weighted by the job's machine count, so a pool
can exceed 100% when multi-machine jobs overlap.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if start != "" {
				if opts.Start, err = parseCLITime(start); err != nil {
					return err
				}
				if opts.End, err = parseCLITime(end); err != nil {
					return err
				}
				if opts.End.IsZero() {
					opts.End = time.Now().UTC()
				}
			} else if opts.Start, opts.End, err = utilisation.LastPeriod(period, time.Now().UTC()); err != nil {
				return err
			}

			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			report, err := utilisation.Compute(gormDB, opts)
			if err != nil {
				return err
			}
			printReport(cmd, report, opts.Verbose)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&period, "period", "p", "7d", "window ending now, e.g. 24h, 7d, 2w")
	cmd.Flags().StringVar(&start, "start", "", "window start (overrides --period)")
	cmd.Flags().StringVar(&end, "end", "", "window end (default now)")
	cmd.Flags().StringSliceVar(&opts.Pools, "pool", nil, "limit to pools (repeatable)")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "list job intervals per machine")
	return cmd
}

func printReport(cmd *cobra.Command, r *utilisation.Report, verbose bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Window: %s to %s\n\n", formatTime(&r.Window.Start), formatTime(&r.Window.End))

	w := newTable(out)
	fmt.Fprintln(w, "POOL\tMACHINES\tHOURS\tUTIL")
	for _, p := range r.Pools {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f%%\n", p.Pool, p.Machines, p.TimeSpent.Hours(), p.Percent)
	}
	w.Flush()

	fmt.Fprintln(out)
	w = newTable(out)
	fmt.Fprintln(w, "MACHINE\tPOOL\tJOBS\tBUSY HOURS\tUTIL")
	for _, m := range r.Machines {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.1f%%\n", m.Machine, m.Pool, m.Jobs, m.BusyHours, m.Percent)
		if verbose {
			for i := range m.Intervals {
				iv := &m.Intervals[i]
				fmt.Fprintf(w, "  job %d\t%s\t-> %s\tx%d\t\n", iv.Job, formatTime(&iv.Start), formatTime(&iv.End), iv.Weight)
			}
		}
	}
	w.Flush()
}
