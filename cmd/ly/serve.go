package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/alloc"
	"github.com/zulandar/labyard/internal/api"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API and the lease sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if port == 0 {
		port = e.cfg.Server.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return api.Start(ctx, api.StartOpts{
		DB:            e.db,
		Engine:        alloc.New(e.db, alloc.WithNotifier(e.notifier)),
		Notifier:      e.notifier,
		Port:          port,
		Out:           cmd.OutOrStdout(),
		LeaseDuration: e.cfg.Lease.DefaultDuration,
		ExtendBy:      e.cfg.Lease.ExtendBy,
		SweepSchedule: e.cfg.Lease.SweepSchedule,
	})
}
