package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/alloc"
	"github.com/zulandar/labyard/internal/patch"
	"github.com/zulandar/labyard/internal/site"
)

func newSiteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Site registry commands",
	}

	cmd.AddCommand(newSiteDefineCmd())
	cmd.AddCommand(newSiteShowCmd())
	cmd.AddCommand(newSiteListCmd())
	cmd.AddCommand(newSiteBudgetCmd())
	return cmd
}

func newSiteDefineCmd() *cobra.Command {
	var (
		configPath string
		status     string
		flags      string
		descr      string
		shared     string
		maxJobs    int
	)

	cmd := &cobra.Command{
		Use:   "define <name>",
		Short: "Create a site or update its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			opts := site.DefineOpts{
				Status:          patch.FromFlag(f.Changed("status"), status),
				Flags:           patch.FromFlag(f.Changed("flags"), flags),
				Descr:           patch.FromFlag(f.Changed("descr"), descr),
				SharedResources: patch.FromFlag(f.Changed("shared"), shared),
			}
			if f.Changed("max-jobs") {
				opts.MaxJobs = &maxJobs
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, err := site.Define(gormDB, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Defined site %s (shared: %s)\n", s.Name, orDash(s.SharedResources))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "site status")
	cmd.Flags().StringVar(&flags, "flags", "", "flag tags")
	cmd.Flags().StringVar(&descr, "descr", "", "free-form description")
	cmd.Flags().StringVar(&shared, "shared", "", "shared-resource budget, e.g. VLAN=4,PDU=2")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "maximum concurrent jobs (informational)")
	return cmd
}

func newSiteShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, err := site.Get(gormDB, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Site:     %s\n", s.Name)
			fmt.Fprintf(out, "Status:   %s\n", s.Status)
			fmt.Fprintf(out, "Flags:    %s\n", orDash(s.Flags))
			fmt.Fprintf(out, "Shared:   %s\n", orDash(s.SharedResources))
			fmt.Fprintf(out, "Max jobs: %d\n", s.MaxJobs)
			if s.Descr != "" {
				fmt.Fprintf(out, "\n%s\n", s.Descr)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSiteListCmd() *cobra.Command {
	var (
		configPath string
		filters    site.ListFilters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			list, err := site.List(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No sites found.")
				return nil
			}
			maxDescr := descrWidth(out, 60)
			w := newTable(out)
			fmt.Fprintln(w, "NAME\tSTATUS\tSHARED\tMAX JOBS\tDESCR")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.Name, s.Status, orDash(s.SharedResources), s.MaxJobs, truncate(s.Descr, maxDescr))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&filters.FlagFilter, "flags", "", "flag filter")
	return cmd
}

func newSiteBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget <name>",
		Short: "Show declared, used and remaining shared resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			report, err := alloc.Remaining(gormDB, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(report.Declared) == 0 {
				fmt.Fprintf(out, "Site %s declares no shared resources.\n", report.Site)
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "RESOURCE\tDECLARED\tUSED\tREMAINING")
			for _, name := range report.Declared.Names() {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, report.Declared[name], report.Used[name], report.Remaining[name])
			}
			w.Flush()
			if len(report.Jobs) > 0 {
				ids := make([]string, len(report.Jobs))
				for i, id := range report.Jobs {
					ids[i] = fmt.Sprint(id)
				}
				fmt.Fprintf(out, "\nActive jobs: %s\n", strings.Join(ids, ", "))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
