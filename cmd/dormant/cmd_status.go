package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/internal/daemon"
	"github.com/yairfalse/dormant/reconciler"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var (
		addr string
		once bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last transition of every group",
		Long: `Show the transition state of a running daemon.

With --once no daemon is queried: a dry-run tick is evaluated locally and
the transitions it would apply are printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			if once {
				a, err := newApp(ctx, cfg, true)
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()

				engine, err := a.engine(ctx, true)
				if err != nil {
					return err
				}
				if _, err := engine.Tick(ctx); err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), engine.Status())
				return nil
			}

			if addr == "" {
				addr = cfg.Metrics.Addr
			}
			report, err := fetchStatus(ctx, addr)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), report.Groups)
			if report.LastTick != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "last tick %d at %s\n",
					report.LastTick.Tick, report.LastTick.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (defaults to metrics.addr)")
	cmd.Flags().BoolVar(&once, "once", false, "Evaluate a dry-run tick locally instead of asking the daemon")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (daemon.StatusReport, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return daemon.StatusReport{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return daemon.StatusReport{}, fmt.Errorf("query daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return daemon.StatusReport{}, fmt.Errorf("query daemon: %s", resp.Status)
	}
	var report daemon.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return daemon.StatusReport{}, fmt.Errorf("decode status: %w", err)
	}
	return report, nil
}

func printStatus(out io.Writer, groups []reconciler.GroupStatus) {
	if len(groups) == 0 {
		fmt.Fprintln(out, "no transitions applied")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tTRANSITION\tOCCURRENCE\tUPDATED")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			g.Group, g.Transition, g.Occurrence.Format(time.RFC3339), g.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
