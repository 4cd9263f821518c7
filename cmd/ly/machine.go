package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/patch"
)

func newMachineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Machine registry commands",
	}

	cmd.AddCommand(newMachineDefineCmd())
	cmd.AddCommand(newMachineShowCmd())
	cmd.AddCommand(newMachineListCmd())
	cmd.AddCommand(newMachineUndefineCmd())
	cmd.AddCommand(newMachineStatusCmd())
	cmd.AddCommand(newMachinePropCmd())
	return cmd
}

func newMachineDefineCmd() *cobra.Command {
	var (
		configPath  string
		site        string
		cluster     string
		pool        string
		status      string
		resources   string
		flags       string
		descr       string
		leasePolicy string
	)

	cmd := &cobra.Command{
		Use:   "define <name>",
		Short: "Create a machine or update its fields",
		Long: `Creates the machine when it does not exist, otherwise updates only the
fields given on the command line. Pass an empty value (--descr "") to reset a
field to its default.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			opts := machine.DefineOpts{
				Site:        patch.FromFlag(f.Changed("site"), site),
				Cluster:     patch.FromFlag(f.Changed("cluster"), cluster),
				Pool:        patch.FromFlag(f.Changed("pool"), pool),
				Status:      patch.FromFlag(f.Changed("status"), status),
				Resources:   patch.FromFlag(f.Changed("resources"), resources),
				Flags:       patch.FromFlag(f.Changed("flags"), flags),
				Descr:       patch.FromFlag(f.Changed("descr"), descr),
				LeasePolicy: patch.FromFlag(f.Changed("lease-policy"), leasePolicy),
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			m, err := machine.Define(gormDB, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Defined machine %s (site %s, pool %s, status %s)\n", m.Name, m.Site, m.Pool, m.Status)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&site, "site", "", "site the machine belongs to (required on create)")
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster within the site")
	cmd.Flags().StringVar(&pool, "pool", "", "allocation pool")
	cmd.Flags().StringVar(&status, "status", "", "status (idle, offline, ... with optional -broken)")
	cmd.Flags().StringVar(&resources, "resources", "", "resource tags, e.g. cpu=8,gpu")
	cmd.Flags().StringVar(&flags, "flags", "", "flag tags")
	cmd.Flags().StringVar(&descr, "descr", "", "free-form description")
	cmd.Flags().StringVar(&leasePolicy, "lease-policy", "", "expiry policy: reclaim, warn or extend")
	return cmd
}

func newMachineShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a machine with its props and lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			m, err := machine.Get(gormDB, args[0])
			if err != nil {
				return err
			}
			printMachine(cmd, m)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printMachine(cmd *cobra.Command, m *models.Machine) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Machine:     %s\n", m.Name)
	fmt.Fprintf(out, "Site:        %s\n", m.Site)
	fmt.Fprintf(out, "Cluster:     %s\n", m.Cluster)
	fmt.Fprintf(out, "Pool:        %s\n", m.Pool)
	fmt.Fprintf(out, "Status:      %s\n", m.Status)
	fmt.Fprintf(out, "Resources:   %s\n", orDash(m.Resources))
	fmt.Fprintf(out, "Flags:       %s\n", orDash(m.Flags))
	if m.JobID != nil {
		fmt.Fprintf(out, "Job:         %d\n", *m.JobID)
	}
	fmt.Fprintf(out, "Lease policy: %s\n", m.LeasePolicy)
	if m.Leased() {
		fmt.Fprintf(out, "Leased by:   %s until %s\n", m.LeaseHolder, formatTime(m.LeaseTo))
		if m.LeaseReason != "" {
			fmt.Fprintf(out, "Reason:      %s\n", m.LeaseReason)
		}
	}
	if m.Descr != "" {
		fmt.Fprintf(out, "\n%s\n", m.Descr)
	}
	if len(m.Props) > 0 {
		props := make([]models.MachineProp, len(m.Props))
		copy(props, m.Props)
		sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
		fmt.Fprintln(out, "\nProps:")
		w := newTable(out)
		for _, p := range props {
			fmt.Fprintf(w, "  %s\t%s\n", p.Key, p.Value)
		}
		w.Flush()
	}
}

func newMachineListCmd() *cobra.Command {
	var (
		configPath string
		filters    machine.ListFilters
		leased     bool
		free       bool
		leasedBy   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		Long: `Lists machines with optional filters. Resource and flag filters use the
tag-filter syntax: name=value terms must match, (name) terms are optional,
and plain names must be present.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case leasedBy != "":
				filters.Lease = machine.LeasedBy(leasedBy)
			case leased && free:
				return fmt.Errorf("--leased and --free are mutually exclusive")
			case leased:
				filters.Lease.Mode = machine.LeaseLeased
			case free:
				filters.Lease.Mode = machine.LeaseFree
			}
			return runMachineList(cmd, configPath, filters)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.Site, "site", "", "filter by site")
	cmd.Flags().StringVar(&filters.Cluster, "cluster", "", "filter by cluster")
	cmd.Flags().StringVar(&filters.Pool, "pool", "", "filter by pool")
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status (\"broken\" for any broken machine)")
	cmd.Flags().StringVar(&filters.ResourceFilter, "resources", "", "resource filter")
	cmd.Flags().StringVar(&filters.FlagFilter, "flags", "", "flag filter")
	cmd.Flags().BoolVar(&leased, "leased", false, "only leased machines")
	cmd.Flags().BoolVar(&free, "free", false, "only machines without a lease")
	cmd.Flags().StringVar(&leasedBy, "leased-by", "", "only machines leased by this holder")
	return cmd
}

func runMachineList(cmd *cobra.Command, configPath string, filters machine.ListFilters) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	list, err := machine.List(gormDB, filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No machines found.")
		return nil
	}

	maxDescr := descrWidth(out, 90)
	w := newTable(out)
	fmt.Fprintln(w, "NAME\tSITE\tPOOL\tSTATUS\tJOB\tLEASED BY\tDESCR")
	for _, m := range list {
		job := "-"
		if m.JobID != nil {
			job = fmt.Sprint(*m.JobID)
		}
		holder := "-"
		if m.Leased() {
			holder = m.LeaseHolder
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Name, m.Site, m.Pool, m.Status, job, holder, truncate(m.Descr, maxDescr))
	}
	w.Flush()
	return nil
}

func newMachineUndefineCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "undefine <name>",
		Short: "Remove a machine and its props",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := machine.Undefine(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Undefined machine %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMachineStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <name> <status>",
		Short: "Set a machine's status",
		Long:  "Sets the status. Active statuses (scheduled, running, slaved) require an allocated job; use \"ly job release\" to free a machine.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := machine.SetStatus(gormDB, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Machine %s is now %s\n", args[0], args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMachinePropCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prop <name> [update]",
		Short: "Show or update machine props",
		Long: `With no update, prints all props. Updates:
  key=value    set
  +key=value   append to a comma list
  -key=value   remove from a comma list
  -key         delete`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if err := machine.UpdateProp(gormDB, args[0], args[1]); err != nil {
					return err
				}
			}
			props, err := machine.GetProps(gormDB, args[0])
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			w := newTable(cmd.OutOrStdout())
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, props[k])
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
