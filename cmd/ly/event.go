package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/labyard/internal/eventlog"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/notify"
)

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Append to and query the event log",
	}

	cmd.AddCommand(newEventAddCmd())
	cmd.AddCommand(newEventListCmd())
	return cmd
}

// parseCLITime accepts RFC 3339, "YYYY-MM-DD HH:MM" and "YYYY-MM-DD" in
// local time.
func parseCLITime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339, YYYY-MM-DD HH:MM or YYYY-MM-DD", s)
}

func newEventAddCmd() *cobra.Command {
	var (
		configPath string
		at         string
	)

	cmd := &cobra.Command{
		Use:   "add <type> <subject> [data]",
		Short: "Append an event",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseCLITime(at)
			if err != nil {
				return err
			}
			ev := &models.Event{Ts: ts, Type: args[0], Subject: args[1]}
			if len(args) == 3 {
				ev.Data = args[2]
			}

			e, err := openEnv(configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := eventlog.Append(e.db, ev); err != nil {
				return err
			}
			notify.Publish(cmd.Context(), e.notifier, notify.ForEvent(*ev))
			fmt.Fprintf(cmd.OutOrStdout(), "Event %d recorded\n", ev.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&at, "at", "", "event time (default now)")
	return cmd
}

func newEventListCmd() *cobra.Command {
	var (
		configPath string
		q          eventlog.Query
		start, end string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events in time order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if q.Start, err = parseCLITime(start); err != nil {
				return err
			}
			if q.End, err = parseCLITime(end); err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			events, err := eventlog.List(gormDB, q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No events found.")
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "TIME\tTYPE\tSUBJECT\tDATA")
			for i := range events {
				ev := &events[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatTime(&ev.Ts), ev.Type, ev.Subject, orDash(ev.Data))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringSliceVar(&q.Subjects, "subject", nil, "filter by subject (repeatable)")
	cmd.Flags().StringSliceVar(&q.Types, "type", nil, "filter by type (repeatable)")
	cmd.Flags().StringVar(&start, "start", "", "earliest event time")
	cmd.Flags().StringVar(&end, "end", "", "latest event time")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum events to show")
	return cmd
}
