package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/wal"
)

type auditOptions struct {
	since     time.Duration
	entryType string
	group     string
	asJSON    bool
	stats     bool
}

func newAuditCmd(flags *globalFlags) *cobra.Command {
	opts := &auditOptions{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay the audit log",
		Long: `Print the commands, prunes and membership changes recorded in the audit
log. The log is read from disk; no daemon needs to be running.`,
		Example: `  dormant audit --since 24h
  dormant audit --type command --group web
  dormant audit --stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			walCfg := wal.DefaultConfig()
			walCfg.RetentionDays = cfg.WAL.RetentionDays

			if opts.stats {
				printWALStats(cmd.OutOrStdout(), wal.GetStatsFromDir(cfg.WAL.Dir, walCfg))
				return nil
			}
			return replayAudit(cmd.OutOrStdout(), cfg.WAL.Dir, walCfg, opts, time.Now())
		},
	}

	cmd.Flags().DurationVar(&opts.since, "since", 24*time.Hour, "Only show entries newer than this")
	cmd.Flags().StringVar(&opts.entryType, "type", "", "Only show entries of this type (command, prune, membership, downtime, tick)")
	cmd.Flags().StringVar(&opts.group, "group", "", "Only show entries of this group")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print raw JSON lines")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Print log statistics instead of entries")
	return cmd
}

func replayAudit(out io.Writer, dir string, walCfg wal.Config, opts *auditOptions, now time.Time) error {
	enc := json.NewEncoder(out)
	count := 0
	filter := wal.Filter{Since: now.Add(-opts.since), Group: opts.group}
	if opts.entryType != "" {
		filter.Types = []wal.EntryType{wal.EntryType(opts.entryType)}
	}
	err := wal.ReplayFiltered(dir, walCfg, filter, func(e *wal.Entry) error {
		count++
		if opts.asJSON {
			return enc.Encode(e)
		}
		line := fmt.Sprintf("%s #%d %-10s %-12s %s %s",
			e.Timestamp.Format(time.RFC3339), e.Sequence, e.Type, dash(e.Group), dash(e.Actor), string(e.Data))
		if e.Error != "" {
			line += " error=" + e.Error
		}
		_, err := fmt.Fprintln(out, line)
		return err
	})
	if err != nil {
		return fmt.Errorf("replay audit log: %w", err)
	}
	if count == 0 && !opts.asJSON {
		fmt.Fprintln(out, "no entries")
	}
	return nil
}

func printWALStats(out io.Writer, s wal.Stats) {
	fmt.Fprintf(out, "files:     %d\n", s.TotalFiles)
	fmt.Fprintf(out, "size:      %d bytes\n", s.TotalSizeBytes)
	fmt.Fprintf(out, "entries:   %d (sequence %d-%d)\n", s.SequenceCount, s.FirstSequence, s.LastSequence)
	if s.TotalFiles == 0 {
		return
	}
	fmt.Fprintf(out, "oldest:    %s\n", s.OldestFile.Format(time.RFC3339))
	fmt.Fprintf(out, "newest:    %s\n", s.NewestFile.Format(time.RFC3339))

	kinds := make([]string, 0, len(s.EntriesByType))
	for t := range s.EntriesByType {
		kinds = append(kinds, string(t))
	}
	sort.Strings(kinds)
	for _, t := range kinds {
		fmt.Fprintf(out, "  %-11s %d\n", t+":", s.EntriesByType[wal.EntryType(t)])
	}
}
