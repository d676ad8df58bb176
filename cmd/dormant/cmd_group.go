package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/session"
	"github.com/yairfalse/dormant/types"
)

func newGroupCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage instance groups",
	}
	cmd.AddCommand(
		newGroupCreateCmd(flags),
		newGroupAddCmd(flags),
		newGroupRemoveCmd(flags),
		newGroupListCmd(flags),
		newGroupShowCmd(flags),
	)
	return cmd
}

func newGroupCreateCmd(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a group",
		Example: `  dormant group create web --aws-account 111111111111 --instances i-0abc,i-0def
  dormant group create mixed --provider both --aws-account 111111111111 --azure-account corp \
      --instances i-0abc --azure-vms vm-1@sub-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			return withLifecycle(cmd, flags, func(a *app, s *session.Session) error {
				group, err := a.lifecycle().CreateGroup(cmd.Context(), s, args[0], target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created group %s\n", group)
				return nil
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newGroupAddCmd(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add instances to a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			return withLifecycle(cmd, flags, func(a *app, s *session.Session) error {
				group, err := a.lifecycle().AddInstances(cmd.Context(), s, args[0], target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added to group %s\n", group)
				return nil
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newGroupRemoveCmd(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove instances from their group",
		Long: `Remove instances from whatever group holds them. A group left without
members is deleted together with its downtime window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			return withLifecycle(cmd, flags, func(a *app, s *session.Session) error {
				status, err := a.lifecycle().RemoveInstances(cmd.Context(), s, target)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.ReplaceAll(string(status), "_", " "))
				return nil
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newGroupListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the groups reachable by the session accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLifecycle(cmd, flags, func(a *app, s *session.Session) error {
				groups, err := a.lifecycle().Groups(cmd.Context(), s)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "GROUP\tKIND")
				for _, g := range groups.AWS {
					fmt.Fprintf(w, "%s\taws\n", g)
				}
				for _, g := range groups.Azure {
					fmt.Fprintf(w, "%s\tazure\n", g)
				}
				for _, g := range groups.MultiCloud {
					fmt.Fprintf(w, "%s\tmulti-cloud\n", g)
				}
				return w.Flush()
			})
		},
	}
}

func newGroupShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show the members and downtime window of a group",
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

			m := a.lifecycle()
			members, err := m.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printGroup(cmd.OutOrStdout(), args[0], members, m.Downtime(cmd.Context(), args[0]))
			return nil
		},
	}
}

func printGroup(out io.Writer, name string, members types.GroupInstances, dt types.Downtime) {
	fmt.Fprintf(out, "group:    %s\n", name)
	fmt.Fprintf(out, "downtime: %s - %s\n", dt.StartTime, dt.EndTime)
	if members.Empty() {
		fmt.Fprintln(out, "members:  none")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tINSTANCE\tACCOUNT\tSUBSCRIPTION")
	for _, m := range members.AWS {
		fmt.Fprintf(w, "aws\t%s\t%s\t-\n", m.InstanceID, m.OwnerAccount)
	}
	for _, m := range members.Azure {
		fmt.Fprintf(w, "azure\t%s\t%s\t%s\n", m.InstanceID, m.OwnerAccount, m.SubscriptionID)
	}
	_ = w.Flush()
}

// withLifecycle opens the app and a session for the account flags
func withLifecycle(cmd *cobra.Command, flags *globalFlags, fn func(*app, *session.Session) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	return a.withSession(flags, func(s *session.Session) error {
		return fn(a, s)
	})
}
