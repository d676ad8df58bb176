package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/reconciler"
	"github.com/yairfalse/dormant/session"
)

func newDowntimeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "downtime",
		Short: "Manage group downtime windows",
		Long: `Manage the downtime window of a group.

A window is either two absolute timestamps (RFC3339, or "2006-01-02 15:04"
in the configured timezone) or two clock times ("22:00" "06:00") that
repeat daily. A daily window whose end is not after its start runs past
midnight.`,
	}
	cmd.AddCommand(
		newDowntimeSetCmd(flags),
		newDowntimeGetCmd(flags),
		newDowntimeRemoveCmd(flags),
		newDowntimeListCmd(flags),
	)
	return cmd
}

func newDowntimeSetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME START END",
		Short: "Set the downtime window of a group",
		Example: `  dormant downtime set web 2026-05-01T20:00:00Z 2026-05-02T06:00:00Z --aws-account 111111111111
  dormant downtime set web 22:00 06:00 --aws-account 111111111111`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLifecycle(cmd, flags, func(a *app, s *session.Session) error {
				if err := a.lifecycle().SetDowntime(cmd.Context(), s, args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "downtime of %s set to %s - %s\n", args[0], args[1], args[2])
				return nil
			})
		},
	}
}

func newDowntimeGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print the downtime window of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			dt := a.lifecycle().Downtime(cmd.Context(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", dt.StartTime, dt.EndTime)
			return nil
		},
	}
}

func newDowntimeRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Clear the downtime window of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLifecycle(cmd, flags, func(a *app, s *session.Session) error {
				removed, err := a.lifecycle().RemoveDowntime(cmd.Context(), s, args[0])
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "downtime of %s removed\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s has no downtime\n", args[0])
				}
				return nil
			})
		},
	}
}

func newDowntimeListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every downtime window and its current phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rows, err := a.store.GetAllGroupDowntimes(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tSTART\tEND\tPHASE")
			for _, row := range rows {
				phase := "invalid"
				if win, err := reconciler.ParseWindow(row.StartTime, row.EndTime, cfg.Reconciler.Location); err == nil {
					phase = string(win.Evaluate(now).Kind)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.GroupName, row.StartTime, row.EndTime, phase)
			}
			return w.Flush()
		},
	}
}
