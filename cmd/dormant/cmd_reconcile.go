package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/reconciler"
)

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation tick",
		Long: `Run one pass over every downtime window and print what was decided.

Examples:
  # Apply the current windows once
  dormant reconcile

  # Preview what would happen
  dormant reconcile --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine, err := a.engine(ctx, dryRun)
			if err != nil {
				return err
			}
			result, err := engine.Tick(ctx)
			if err != nil {
				return err
			}
			printTick(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Decide and audit without calling the clouds")
	return cmd
}

func printTick(out io.Writer, result reconciler.TickResult) {
	fmt.Fprintf(out, "tick %d: %d groups in %s\n", result.Tick, len(result.Groups), result.Duration)
	if len(result.Groups) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tWINDOW\tPHASE\tPRUNED\tACTIONS\tERROR")
	for _, g := range result.Groups {
		phase := string(g.Phase)
		if g.Skipped {
			phase = "skipped"
		}
		var actions []string
		for _, d := range g.Decisions {
			actions = append(actions, fmt.Sprintf("%s %s:%d(%s)", d.Action, d.Provider, len(d.InstanceIDs), d.Status))
		}
		errMsg := ""
		if g.Err != nil {
			errMsg = g.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			g.Group, g.Window, phase, len(g.Pruned), dash(strings.Join(actions, ", ")), dash(errMsg))
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
