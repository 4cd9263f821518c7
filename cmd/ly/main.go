package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "labyard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ly",
		Short: "Labyard: test-lab machine allocation and leasing",
		Long:  "Labyard tracks lab machines and sites, allocates machines to jobs under shared-resource budgets, and manages interactive leases.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newMachineCmd())
	cmd.AddCommand(newSiteCmd())
	cmd.AddCommand(newJobCmd())
	cmd.AddCommand(newLeaseCmd())
	cmd.AddCommand(newEventCmd())
	cmd.AddCommand(newUtilCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ly %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// addConfigFlag registers the -c/--config flag every data command takes.
func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Labyard config file")
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
