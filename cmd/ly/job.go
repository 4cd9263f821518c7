package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/alloc"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Allocate and release machines for jobs",
	}

	cmd.AddCommand(newJobAllocateCmd())
	cmd.AddCommand(newJobReleaseCmd())
	return cmd
}

func newJobAllocateCmd() *cobra.Command {
	var (
		configPath string
		req        alloc.Request
	)

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate machines to a job",
		Long: `Picks idle machines matching the filters and claims the shared resources,
all or nothing. Without --site, sites with idle machines are tried in name
order. Without --job, a new job is created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			engine := alloc.New(e.db, alloc.WithNotifier(e.notifier))
			grant, err := engine.Allocate(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %d allocated at site %s: %s\n", grant.JobID, grant.Site, strings.Join(grant.Machines, ", "))
			if len(grant.Claim) > 0 {
				fmt.Fprintf(out, "Claimed: %s\n", grant.Claim.String())
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().UintVar(&req.JobID, "job", 0, "existing job id (default: create one)")
	cmd.Flags().StringVar(&req.Site, "site", "", "site to allocate from")
	cmd.Flags().StringVar(&req.Cluster, "cluster", "", "cluster within the site")
	cmd.Flags().StringVar(&req.Pool, "pool", "", "pool to allocate from")
	cmd.Flags().IntVarP(&req.Machines, "machines", "n", 1, "number of machines")
	cmd.Flags().StringVar(&req.ResourceFilter, "resources", "", "resource filter")
	cmd.Flags().StringVar(&req.FlagFilter, "flags", "", "flag filter")
	cmd.Flags().StringVar(&req.SharedClaim, "shared", "", "shared-resource claim, e.g. VLAN=1")
	return cmd
}

func newJobReleaseCmd() *cobra.Command {
	var (
		configPath string
		failed     []string
	)

	cmd := &cobra.Command{
		Use:   "release <job-id>",
		Short: "Release a job's machines",
		Long: `Returns every machine the job holds to idle. Machines named with --failed
get the given outcome instead: "broken" marks them idle-broken, any other
value must be an inactive status such as offline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			opts, err := parseFailed(failed)
			if err != nil {
				return err
			}

			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			engine := alloc.New(e.db, alloc.WithNotifier(e.notifier))
			released, err := engine.Release(cmd.Context(), uint(id), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(released.Machines) == 0 {
				fmt.Fprintf(out, "Job %d holds no machines.\n", released.JobID)
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "MACHINE\tSTATUS")
			for _, name := range released.Machines {
				fmt.Fprintf(w, "%s\t%s\n", name, released.Statuses[name])
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringSliceVar(&failed, "failed", nil, "machine=outcome for machines that did not finish cleanly")
	return cmd
}

// parseFailed turns machine=outcome pairs into ReleaseOpts. A bare machine
// name means broken.
func parseFailed(pairs []string) (alloc.ReleaseOpts, error) {
	var opts alloc.ReleaseOpts
	for _, p := range pairs {
		name, outcome, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return opts, fmt.Errorf("invalid --failed value %q", p)
		}
		if !ok {
			outcome = "broken"
		}
		if opts.Failed == nil {
			opts.Failed = make(map[string]string)
		}
		opts.Failed[name] = strings.TrimSpace(outcome)
	}
	return opts, nil
}
