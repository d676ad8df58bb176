package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/session"
)

func newInstanceCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Act on individual instances",
	}
	cmd.AddCommand(newInstanceTerminateCmd(flags))
	return cmd
}

func newInstanceTerminateCmd(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	var yes bool

	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate instances and drop them from their groups",
		Long: `Terminate instances owned by the session accounts. Every instance must be
reported live by its provider, otherwise nothing is terminated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("terminate is irreversible; pass --yes to confirm")
			}
			target, err := tf.target()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return a.withSession(flags, func(s *session.Session) error {
				decisions, err := a.lifecycle().TerminateInstances(cmd.Context(), s, target)
				for _, d := range decisions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v: %s\n", d.Action, d.Provider, d.InstanceIDs, d.Status)
				}
				return err
			})
		},
	}

	tf.register(cmd)
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm termination")
	return cmd
}
