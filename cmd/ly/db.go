package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/config"
	"github.com/zulandar/labyard/internal/db"
	"github.com/zulandar/labyard/internal/eventlog"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBCheckCmd())
	return cmd
}

// connectFromConfig loads the config and opens its database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	return cfg, gormDB, nil
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Labyard database",
		Long:  "Creates the database (MySQL), migrates all tables and seeds the sites listed in the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config for owner %q from %s\n", cfg.Owner, configPath)

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedSites(gormDB, cfg.Sites); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d sites:", len(cfg.Sites))
	for _, s := range cfg.Sites {
		fmt.Fprintf(out, " %s", s.Name)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "\nLabyard database initialized successfully.")
	return nil
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema changes to an existing database",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newDBCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Cross-check machine job assignments against the event log",
		Long: `Compares each machine's job with the job its latest unmatched JobStart
event names. Mismatches mean an allocation or release was interrupted or an
event was ingested out of band. Exits non-zero when mismatches exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBCheck(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBCheck(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	mismatches, err := eventlog.Check(gormDB)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(mismatches) == 0 {
		fmt.Fprintln(out, "Machine assignments match the event log.")
		return nil
	}
	for _, m := range mismatches {
		fmt.Fprintln(out, m.String())
	}
	return fmt.Errorf("%d machine(s) disagree with the event log", len(mismatches))
}
