package main

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath   string
	logLevel     string
	awsAccount   string
	azureAccount string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "dormant",
		Short: "Group downtime scheduler for EC2 and Azure VMs",
		Long: `dormant stops the instances of a group when its downtime window opens
and starts them again when the window ends.

Groups hold EC2 instances, Azure VMs, or both. Each group has at most one
window: a pair of absolute timestamps, or a pair of clock times that
repeats every day.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("dormant {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file path (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")
	pf.StringVar(&flags.awsAccount, "aws-account", "", "AWS account to act as")
	pf.StringVar(&flags.azureAccount, "azure-account", "", "Azure account to act as")

	root.AddCommand(
		newDaemonCmd(flags),
		newReconcileCmd(flags),
		newGroupCmd(flags),
		newDowntimeCmd(flags),
		newInstanceCmd(flags),
		newAuditCmd(flags),
		newStatusCmd(flags),
	)
	return root
}
